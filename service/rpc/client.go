// Package rpc is a fail-over JSON-RPC client over an ordered list of Solana
// endpoints. A transport failure rotates the sticky current endpoint and the
// call is retried with exponential backoff.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/brojonat/walletpnl/service/metrics"
	"github.com/brojonat/walletpnl/service/retry"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

var (
	// ErrUnavailable means every attempt failed at the transport level.
	ErrUnavailable = errors.New("no data available now")

	// ErrNoResult means an endpoint answered but carried no usable result
	// (a JSON-RPC error object, or a null / missing result).
	ErrNoResult = errors.New("rpc returned no result")
)

// Transport performs a single JSON-RPC call against one endpoint.
// The solana-go client satisfies it; tests substitute fakes.
type Transport interface {
	CallForInto(ctx context.Context, out interface{}, method string, params []interface{}) error
}

// TransportFactory builds the transport for one endpoint URL.
type TransportFactory func(endpoint string) Transport

// Options configures a Client.
type Options struct {
	// Timeout bounds a single attempt. Zero means 10s.
	Timeout time.Duration

	// Retry is the attempt budget shared by all endpoints. A zero
	// MaxAttempts means retry.DefaultPolicy.
	Retry retry.Policy

	// Metrics may be nil.
	Metrics *metrics.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Client rotates across endpoints on failure. The current endpoint persists
// across calls and is safe for concurrent use.
type Client struct {
	// mu guards current.
	mu sync.Mutex

	// endpoints, labels and transports are parallel and never change
	// after New.
	endpoints  []string
	labels     []string
	transports []Transport

	// current indexes the endpoint every call starts on.
	current int

	timeout time.Duration
	policy  retry.Policy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Client over the given endpoints in priority order. The
// first endpoint is current until it fails. Blank endpoints are rejected and
// factory is called once per endpoint.
func New(endpoints []string, factory TransportFactory, opts Options) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("transport factory is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	policy := opts.Retry
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}

	c := &Client{
		endpoints:  make([]string, len(endpoints)),
		labels:     make([]string, len(endpoints)),
		transports: make([]Transport, len(endpoints)),
		timeout:    timeout,
		policy:     policy,
		metrics:    opts.Metrics,
		logger:     logger,
	}
	for i, endpoint := range endpoints {
		endpoint = strings.TrimSpace(endpoint)
		if endpoint == "" {
			return nil, fmt.Errorf("endpoint %d is empty", i)
		}
		c.endpoints[i] = endpoint
		c.labels[i] = EndpointLabel(endpoint)
		c.transports[i] = factory(endpoint)
	}
	return c, nil
}

// Call invokes method with params and decodes the result into out (which may
// be nil).
//
// Transport failures, rate limits and non-200 responses rotate to the next
// endpoint and retry per the policy; exhausting all attempts returns an
// error wrapping ErrUnavailable. A JSON-RPC error object or a null result on
// an HTTP 200 response returns ErrNoResult immediately.
func (c *Client) Call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	var raw json.RawMessage

	err := retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		idx, transport := c.pick()
		label := c.labels[idx]

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		raw = nil
		start := time.Now()
		err := transport.CallForInto(callCtx, &raw, method, params)
		duration := time.Since(start).Seconds()

		status := "success"
		if err != nil {
			status = "error"
		}
		if c.metrics != nil {
			c.metrics.RecordRPCCall(method, status, label, duration)
		}

		if err == nil {
			if isNullResult(raw) {
				return retry.Permanent(fmt.Errorf("%s: %w", method, ErrNoResult))
			}
			return nil
		}

		// The caller gave up; nothing to rotate away from.
		if ctx.Err() != nil {
			return retry.Permanent(ctx.Err())
		}

		// Only an HTTP 200 carrying an error object is a definitive answer.
		// Non-200 responses surface as StatusError and rotate like any other
		// transport failure.
		var rpcErr *jsonrpc.RPCError
		if !isHTTPStatus(err) && errors.As(err, &rpcErr) && !isRateLimited(err) {
			c.logger.DebugContext(ctx, "rpc returned error object",
				"method", method,
				"endpoint", label,
				"code", rpcErr.Code,
				"message", rpcErr.Message,
			)
			return retry.Permanent(fmt.Errorf("%s: %w: %v", method, ErrNoResult, err))
		}

		reason := "transport_error"
		if isHTTPStatus(err) {
			reason = "http_status"
		}
		if isRateLimited(err) {
			reason = "rate_limit"
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(label)
			}
		}
		next := c.rotate(idx)

		c.logger.WarnContext(ctx, "rpc call failed, rotating endpoint",
			"method", method,
			"attempt", attempt+1,
			"reason", reason,
			"endpoint", label,
			"next_endpoint", c.labels[next],
			"error", err,
		)
		if c.metrics != nil && attempt+1 < c.policy.MaxAttempts {
			c.metrics.RecordRPCRetry(method, reason)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			c.logger.ErrorContext(ctx, "rpc call exhausted all attempts",
				"method", method,
				"attempts", c.policy.MaxAttempts,
				"error", err,
			)
			return fmt.Errorf("%s: %w: %w", method, ErrUnavailable, err)
		}
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// CheckHealth calls getHealth and expects "ok". It goes through Call, so an
// unhealthy current endpoint rotates like any other failure.
func (c *Client) CheckHealth(ctx context.Context) error {
	var status string
	if err := c.Call(ctx, "getHealth", nil, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("endpoint %s reports %q", c.Current(), status)
	}
	return nil
}

// Endpoints returns the configured endpoint labels in priority order. The
// slice is a copy.
func (c *Client) Endpoints() []string {
	out := make([]string, len(c.labels))
	copy(out, c.labels)
	return out
}

// Current returns the label of the endpoint the next call will use.
func (c *Client) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.labels[c.current]
}

// pick returns the current endpoint index and its transport.
func (c *Client) pick() (int, Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.transports[c.current]
}

// rotate advances past failed only if no other caller already has, so
// concurrent failures on one endpoint rotate once.
func (c *Client) rotate(failed int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == failed && len(c.endpoints) > 1 {
		c.current = (c.current + 1) % len(c.endpoints)
		if c.metrics != nil {
			c.metrics.RecordEndpointRotation(c.labels[failed], c.labels[c.current])
		}
	}
	return c.current
}

// isNullResult reports whether raw is empty or the JSON literal null.
func isNullResult(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// isHTTPStatus reports whether err came from a non-200 response. The
// jsonrpc client may flatten the wrapped error, so the message is checked too.
func isHTTPStatus(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return true
	}
	return strings.Contains(err.Error(), "http status ")
}

// isRateLimited reports whether err is an HTTP 429 or a JSON-RPC rate-limit
// error object.
func isRateLimited(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == 429 {
		return true
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && (rpcErr.Code == 429 || rpcErr.Code == -32429) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests")
}

// EndpointLabel reduces an endpoint URL to its host so API keys in paths or
// query strings never reach logs or metric labels.
func EndpointLabel(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "invalid-endpoint"
	}
	return u.Host
}
