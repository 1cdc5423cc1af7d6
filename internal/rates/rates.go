// Package rates derives per-second rates from pairs of cumulative counter
// samples. All functions are pure.
package rates

import "time"

// minWindowSeconds is the smallest sampling window considered meaningful.
// Anything at or below this is too noisy and yields nil rates.
const minWindowSeconds = 5

// Counters is one raw reading of a node's cumulative counters.
type Counters struct {
	At              time.Time
	PacketsReceived *int64
	PacketsSent     *int64
	TotalBytes      *int64
}

// Derived holds the per-second rates for one sampling window. A nil rate
// means no valid derivation existed: a missing counter, a counter reset, or a
// window of five seconds or less.
type Derived struct {
	PacketsInPerSec  *float64
	PacketsOutPerSec *float64
	BytesPerSec      *float64
}

// Derive computes rates between a prior and a current reading.
func Derive(prior, current Counters) Derived {
	window := windowSeconds(prior.At, current.At)

	return Derived{
		PacketsInPerSec:  Rate(prior.PacketsReceived, current.PacketsReceived, window),
		PacketsOutPerSec: Rate(prior.PacketsSent, current.PacketsSent, window),
		BytesPerSec:      Rate(prior.TotalBytes, current.TotalBytes, window),
	}
}

// Rate computes one counter's per-second rate over a window of whole seconds.
// Nil counters, negative counters, a negative delta (counter reset) or a
// window ≤ 5 s all yield nil, never zero. The delta is taken in int64 and
// converted to float only afterwards.
func Rate(prior, current *int64, windowSec int64) *float64 {
	if prior == nil || current == nil || windowSec <= minWindowSeconds {
		return nil
	}
	if *prior < 0 || *current < 0 {
		return nil
	}

	delta := *current - *prior
	if delta < 0 {
		return nil
	}

	rate := float64(delta) / float64(windowSec)

	return &rate
}

// windowSeconds is the sampling window as whole seconds, truncated.
func windowSeconds(prior, current time.Time) int64 {
	return int64(current.Sub(prior) / time.Second)
}
