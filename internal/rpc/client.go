// Package rpc implements the JSON-RPC 2.0 client used to query seed nodes for
// their gossip view and individual pnodes for live statistics.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout bounds a single RPC call, connection setup included.
const DefaultTimeout = 2500 * time.Millisecond

// maxResponseBytes caps how much of a response body is read. Gossip views of
// large networks stay well below this.
const maxResponseBytes = 16 << 20

const (
	// MethodGetPods returns the seed's current gossip view.
	MethodGetPods = "get-pods-with-stats"
	// MethodGetStats returns a node's live operational counters.
	MethodGetStats = "get-stats"
)

// PodInfo is one gossip entry, normalized from either response shape the
// network speaks (wrapped object or legacy bare array).
type PodInfo struct {
	Pubkey              *string  `json:"pubkey,omitempty"`
	Version             *string  `json:"version,omitempty"`
	LastSeenTimestamp   *int64   `json:"last_seen_timestamp,omitempty"`
	StorageCommitted    *int64   `json:"storage_committed,omitempty"`
	StorageUsed         *int64   `json:"storage_used,omitempty"`
	StorageUsagePercent *float64 `json:"storage_usage_percent,omitempty"`
	Uptime              *int64   `json:"uptime,omitempty"`
	IsPublic            *bool    `json:"is_public,omitempty"`
	Address             string   `json:"address"`
}

// NodeStats is the result payload of a direct get-stats probe.
type NodeStats struct {
	Uptime          *int64 `json:"uptime,omitempty"`
	PacketsReceived *int64 `json:"packets_received,omitempty"`
	PacketsSent     *int64 `json:"packets_sent,omitempty"`
	TotalBytes      *int64 `json:"total_bytes,omitempty"`
	ActiveStreams   *int64 `json:"active_streams,omitempty"`
}

// Client issues JSON-RPC 2.0 calls over HTTP.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// New creates a client. A non-positive timeout falls back to DefaultTimeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		// Timeout handling lives in the per-call context so a firing deadline
		// cancels the underlying socket mid-body.
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

// GetPods fetches and normalizes the gossip view of a seed.
func (c *Client) GetPods(ctx context.Context, baseURL string) ([]PodInfo, error) {
	result, err := c.call(ctx, baseURL, MethodGetPods)
	if err != nil {
		return nil, err
	}

	pods, err := normalizeGossip(result)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Method: MethodGetPods, URL: baseURL, Cause: err}
	}

	return pods, nil
}

// GetStats probes a single pnode for its live counters.
func (c *Client) GetStats(ctx context.Context, baseURL string) (*NodeStats, error) {
	result, err := c.call(ctx, baseURL, MethodGetStats)
	if err != nil {
		return nil, err
	}

	var stats NodeStats
	if err := json.Unmarshal(result, &stats); err != nil {
		return nil, &Error{Kind: KindMalformed, Method: MethodGetStats, URL: baseURL, Cause: err}
	}

	return &stats, nil
}

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcErrorBody   `json:"error"`
}

type rpcErrorBody struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// call posts one JSON-RPC request to <baseURL>/rpc and returns the raw result.
func (c *Client) call(ctx context.Context, baseURL, method string) (json.RawMessage, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, &Error{Kind: KindConfig, Method: method, URL: baseURL, Cause: err}
	}

	body, err := json.Marshal(rpcRequest{Jsonrpc: "2.0", Method: method, ID: 1})
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Method: method, URL: baseURL, Cause: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := parsed.JoinPath("rpc").String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindConfig, Method: method, URL: baseURL, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: classifyTransport(err), Method: method, URL: baseURL, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return nil, &Error{Kind: KindHTTPStatus, Method: method, URL: baseURL, Status: resp.StatusCode}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		// A deadline firing mid-body surfaces here; the partial read is discarded.
		return nil, &Error{Kind: classifyTransport(err), Method: method, URL: baseURL, Cause: err}
	}

	var envelope rpcResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &Error{Kind: KindMalformed, Method: method, URL: baseURL, Cause: err}
	}

	if envelope.Error != nil {
		return nil, &Error{
			Kind:    KindRPC,
			Method:  method,
			URL:     baseURL,
			Code:    envelope.Error.Code,
			Message: envelope.Error.Message,
		}
	}

	if len(envelope.Result) == 0 || bytes.Equal(bytes.TrimSpace(envelope.Result), []byte("null")) {
		return nil, &Error{Kind: KindMalformed, Method: method, URL: baseURL, Cause: errors.New("missing result")}
	}

	return envelope.Result, nil
}

func classifyTransport(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return KindTimeout
	}

	return KindTransport
}

// gossipEnvelope is the wrapped form of the get-pods response.
type gossipEnvelope struct {
	Pods       []PodInfo `json:"pods"`
	TotalCount int       `json:"total_count"`
}

// normalizeGossip accepts both response shapes found in the wild: the current
// `{"pods": [...], "total_count": n}` object and the legacy bare array.
func normalizeGossip(result json.RawMessage) ([]PodInfo, error) {
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 {
		return nil, errors.New("empty gossip result")
	}

	if trimmed[0] == '[' {
		var pods []PodInfo
		if err := json.Unmarshal(trimmed, &pods); err != nil {
			return nil, fmt.Errorf("bare array form: %w", err)
		}
		return pods, nil
	}

	var envelope gossipEnvelope
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("wrapped form: %w", err)
	}

	return envelope.Pods, nil
}
