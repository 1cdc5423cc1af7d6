package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// clientIP resolves the caller's address. The health surface sits behind an
// internal load balancer at most, so only X-Forwarded-For is honored, and
// only when the proxy is explicitly trusted.
func (s *Server) clientIP(r *http.Request) string {
	if s.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}

// limiterPool hands out one token bucket per client IP. Stale entries are
// swept inline on insertion rather than by a background goroutine, since the
// health surface sees a handful of distinct callers.
type limiterPool struct {
	clients map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterIdleEviction = 10 * time.Minute

func newLimiterPool(count int, window time.Duration) *limiterPool {
	return &limiterPool{
		clients: make(map[string]*limiterEntry),
		limit:   rate.Limit(float64(count) / window.Seconds()),
		burst:   count,
	}
}

func (p *limiterPool) allow(ip string) bool {
	now := time.Now()

	p.mu.Lock()
	entry, found := p.clients[ip]
	if !found {
		p.sweepLocked(now)
		entry = &limiterEntry{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.clients[ip] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	p.mu.Unlock()

	return limiter.Allow()
}

func (p *limiterPool) sweepLocked(now time.Time) {
	for ip, entry := range p.clients {
		if now.Sub(entry.lastSeen) > limiterIdleEviction {
			delete(p.clients, ip)
		}
	}
}

// RateLimitMiddleware applies a per-IP hard limit and answers
// "429 Too Many Requests" past it. The health and version routes sit behind
// it; /metrics stays open so scrape intervals are never the operator's
// problem.
func (s *Server) RateLimitMiddleware(next http.Handler) http.Handler {
	pool := newLimiterPool(s.hardLimitCount, s.hardLimitWin)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := s.clientIP(r)
		if !pool.allow(ip) {
			log.Debug().Str("ip", ip).Str("path", r.URL.Path).Msg("Rate limit exceeded")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs each request with its outcome. Failed health checks
// surface at warn level so a degraded store is visible in the service log
// stream, not only to the poller.
func (s *Server) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		var event *zerolog.Event
		if rec.status >= http.StatusInternalServerError {
			event = log.Warn()
		} else {
			event = log.Debug()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("ip", s.clientIP(r)).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}
