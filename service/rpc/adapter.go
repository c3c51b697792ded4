package rpc

import (
	"context"
	"fmt"
	"io"
	"net/http"

	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"golang.org/x/time/rate"
)

// solanaTransport adapts the solana-go RPC client to Transport.
type solanaTransport struct {
	client *solanarpc.Client
}

func (t *solanaTransport) CallForInto(ctx context.Context, out interface{}, method string, params []interface{}) error {
	return t.client.RPCCallForInto(ctx, out, method, params)
}

// NewTransport creates a Transport for rpcURL backed by solana-go. When
// requestsPerSecond is positive, outgoing requests to this endpoint are
// throttled with a token bucket.
// For premium RPC endpoints that require API keys, include the key in the URL:
// - Helius: https://mainnet.helius-rpc.com/?api-key=YOUR-KEY
// - QuickNode: https://YOUR-ENDPOINT.quiknode.pro/YOUR-KEY/
func NewTransport(rpcURL string, requestsPerSecond float64) Transport {
	httpClient := &http.Client{
		Transport: &RateLimitedTransport{Limiter: newLimiter(requestsPerSecond)},
	}
	rpcClient := jsonrpc.NewClientWithOpts(rpcURL, &jsonrpc.RPCClientOpts{
		HTTPClient: httpClient,
	})
	return &solanaTransport{client: solanarpc.NewWithCustomRPCClient(rpcClient)}
}

// NewTransportFactory returns a TransportFactory that gives each endpoint its
// own limiter.
func NewTransportFactory(requestsPerSecond float64) TransportFactory {
	return func(endpoint string) Transport {
		return NewTransport(endpoint, requestsPerSecond)
	}
}

// Limiter is the subset of rate.Limiter used by RateLimitedTransport.
type Limiter interface {
	Wait(ctx context.Context) error
}

func newLimiter(requestsPerSecond float64) Limiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// StatusError is returned for any response other than HTTP 200. A JSON-RPC
// error object in such a body is not trusted; the endpoint is treated as
// failed and the call moves on to the next one.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("http status %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// maxErrorBody bounds how much of a failed response is kept for logs.
const maxErrorBody = 512

// RateLimitedTransport waits on Limiter before delegating to Base, and turns
// non-200 responses into *StatusError.
type RateLimitedTransport struct {
	Limiter Limiter
	Base    http.RoundTripper
}

func (t *RateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Limiter != nil {
		if err := t.Limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	resp, err := t.base().RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

func (t *RateLimitedTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
