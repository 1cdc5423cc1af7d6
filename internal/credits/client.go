// Package credits fetches the external pod-credits document. Folding the
// readings into the store is done by ingest.CreditsIngestor.
package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/woozymasta/podwatch/internal/metrics"
)

// DefaultURL is the production credits endpoint.
const DefaultURL = "https://podcredits.xandeum.network/api/pods-credits"

// DefaultTimeout bounds one fetch of the credits document.
const DefaultTimeout = 10 * time.Second

const maxResponseBytes = 16 << 20

// Entry is one pod's credit reading.
type Entry struct {
	PodID   string `json:"pod_id"`
	Credits int64  `json:"credits"`
}

// response mirrors the endpoint payload.
type response struct {
	PodsCredits []Entry `json:"pods_credits"`
	Status      string  `json:"status,omitempty"`
}

// Client fetches the credits document over HTTPS.
type Client struct {
	httpClient *http.Client
	url        string
}

// New creates a credits client for the given endpoint URL.
func New(url string, timeout time.Duration) *Client {
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
	}
}

// GetStorageCredits returns the current credit readings for all pods.
// Transport and HTTP failures are returned as errors; a payload that fetched
// but does not decode yields an empty result and no error.
func (c *Client) GetStorageCredits(ctx context.Context) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build credits request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch credits: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("fetch credits: http status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read credits body: %w", err)
	}

	// A malformed document is not a fetch failure: the contract is an empty
	// result, counted, with the cycle carrying on.
	var payload response
	if err := json.Unmarshal(raw, &payload); err != nil {
		metrics.CreditsFetchTotal.WithLabelValues("malformed").Inc()
		log.Warn().Err(err).Msg("Credits payload is malformed, treating as empty")
		return []Entry{}, nil
	}

	return payload.PodsCredits, nil
}
