package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/walletpnl/service/retry"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResponse struct {
	result string // raw JSON result; empty means the result field was missing
	err    error
}

// fakeTransport replays responses in order; the last one repeats.
type fakeTransport struct {
	mu        sync.Mutex
	calls     int
	methods   []string
	responses []fakeResponse
}

func (f *fakeTransport) CallForInto(ctx context.Context, out interface{}, method string, params []interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.methods = append(f.methods, method)
	r := f.responses[min(f.calls-1, len(f.responses)-1)]
	if r.err != nil {
		return r.err
	}
	if r.result == "" {
		return nil
	}
	return json.Unmarshal([]byte(r.result), out)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestClient(t *testing.T, transports map[string]*fakeTransport, endpoints ...string) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New(endpoints, func(endpoint string) Transport {
		return transports[endpoint]
	}, Options{
		Timeout: time.Second,
		Retry:   retry.Policy{MaxAttempts: 3},
		Logger:  logger,
	})
	require.NoError(t, err)
	return c
}

func TestCall_Success(t *testing.T) {
	a := &fakeTransport{responses: []fakeResponse{{result: `{"context":{"slot":1},"value":2500000000}`}}}
	c := newTestClient(t, map[string]*fakeTransport{"https://a.example.com": a}, "https://a.example.com")

	var out struct {
		Value uint64 `json:"value"`
	}
	err := c.Call(context.Background(), "getBalance", []interface{}{"wallet"}, &out)

	require.NoError(t, err)
	assert.Equal(t, uint64(2500000000), out.Value)
	assert.Equal(t, 1, a.callCount())
}

func TestCall_RotatesOnTransportError(t *testing.T) {
	a := &fakeTransport{responses: []fakeResponse{{err: errors.New("dial tcp: connection refused")}}}
	b := &fakeTransport{responses: []fakeResponse{{result: `"ok"`}}}
	c := newTestClient(t, map[string]*fakeTransport{
		"https://a.example.com": a,
		"https://b.example.com": b,
	}, "https://a.example.com", "https://b.example.com")

	var status string
	require.NoError(t, c.Call(context.Background(), "getHealth", nil, &status))
	assert.Equal(t, "ok", status)
	assert.Equal(t, "b.example.com", c.Current())

	// The rotation is sticky: the next call starts on b.
	require.NoError(t, c.Call(context.Background(), "getHealth", nil, &status))
	assert.Equal(t, 1, a.callCount())
	assert.Equal(t, 2, b.callCount())
}

func TestCall_RotatesOnRateLimit(t *testing.T) {
	a := &fakeTransport{responses: []fakeResponse{{err: errors.New("rpc call getTransaction() on https://a.example.com: status code: 429")}}}
	b := &fakeTransport{responses: []fakeResponse{{result: `{"slot": 5}`}}}
	c := newTestClient(t, map[string]*fakeTransport{
		"https://a.example.com": a,
		"https://b.example.com": b,
	}, "https://a.example.com", "https://b.example.com")

	var out map[string]int
	require.NoError(t, c.Call(context.Background(), "getTransaction", []interface{}{"sig"}, &out))
	assert.Equal(t, 5, out["slot"])
	assert.Equal(t, "b.example.com", c.Current())
}

func TestCall_ExhaustionWrapsAround(t *testing.T) {
	down := errors.New("i/o timeout")
	a := &fakeTransport{responses: []fakeResponse{{err: down}}}
	b := &fakeTransport{responses: []fakeResponse{{err: down}}}
	c := newTestClient(t, map[string]*fakeTransport{
		"https://a.example.com": a,
		"https://b.example.com": b,
	}, "https://a.example.com", "https://b.example.com")

	err := c.Call(context.Background(), "getBalance", nil, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, down)
	assert.Equal(t, 2, a.callCount())
	assert.Equal(t, 1, b.callCount())
	assert.Equal(t, "b.example.com", c.Current())
}

func TestCall_RPCErrorIsNotRetried(t *testing.T) {
	a := &fakeTransport{responses: []fakeResponse{{err: &jsonrpc.RPCError{Code: -32009, Message: "Slot 1 was skipped"}}}}
	b := &fakeTransport{responses: []fakeResponse{{result: `"unused"`}}}
	c := newTestClient(t, map[string]*fakeTransport{
		"https://a.example.com": a,
		"https://b.example.com": b,
	}, "https://a.example.com", "https://b.example.com")

	err := c.Call(context.Background(), "getTransaction", nil, nil)

	assert.ErrorIs(t, err, ErrNoResult)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, a.callCount())
	assert.Equal(t, 0, b.callCount())
	assert.Equal(t, "a.example.com", c.Current())
}

func TestCall_RateLimitErrorObjectRotates(t *testing.T) {
	a := &fakeTransport{responses: []fakeResponse{{err: &jsonrpc.RPCError{Code: 429, Message: "Too many requests"}}}}
	b := &fakeTransport{responses: []fakeResponse{{result: `1`}}}
	c := newTestClient(t, map[string]*fakeTransport{
		"https://a.example.com": a,
		"https://b.example.com": b,
	}, "https://a.example.com", "https://b.example.com")

	var out int
	require.NoError(t, c.Call(context.Background(), "getSlot", nil, &out))
	assert.Equal(t, 1, out)
}

func TestCall_NullResult(t *testing.T) {
	tests := []struct {
		name   string
		result string
	}{
		{"null", "null"},
		{"missing", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &fakeTransport{responses: []fakeResponse{{result: tt.result}}}
			c := newTestClient(t, map[string]*fakeTransport{"https://a.example.com": a}, "https://a.example.com")

			err := c.Call(context.Background(), "getTransaction", nil, nil)
			assert.ErrorIs(t, err, ErrNoResult)
			assert.Equal(t, 1, a.callCount())
		})
	}
}

func TestCall_MalformedResult(t *testing.T) {
	a := &fakeTransport{responses: []fakeResponse{{result: `"not-a-number"`}}}
	c := newTestClient(t, map[string]*fakeTransport{"https://a.example.com": a}, "https://a.example.com")

	var out int
	err := c.Call(context.Background(), "getSlot", nil, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode result")
}

func TestCall_CancelledContext(t *testing.T) {
	a := &fakeTransport{responses: []fakeResponse{{result: `1`}}}
	c := newTestClient(t, map[string]*fakeTransport{"https://a.example.com": a}, "https://a.example.com")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Call(ctx, "getSlot", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, a.callCount())
}

func TestRotate_ConcurrentFailuresRotateOnce(t *testing.T) {
	transports := map[string]*fakeTransport{
		"https://a.example.com": {},
		"https://b.example.com": {},
		"https://c.example.com": {},
	}
	c := newTestClient(t, transports, "https://a.example.com", "https://b.example.com", "https://c.example.com")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.rotate(0)
		}()
	}
	wg.Wait()

	assert.Equal(t, "b.example.com", c.Current())
}

func TestCheckHealth(t *testing.T) {
	healthy := &fakeTransport{responses: []fakeResponse{{result: `"ok"`}}}
	c := newTestClient(t, map[string]*fakeTransport{"https://a.example.com": healthy}, "https://a.example.com")
	assert.NoError(t, c.CheckHealth(context.Background()))

	behind := &fakeTransport{responses: []fakeResponse{{result: `"behind"`}}}
	c = newTestClient(t, map[string]*fakeTransport{"https://a.example.com": behind}, "https://a.example.com")
	assert.Error(t, c.CheckHealth(context.Background()))
}

func TestNew_Validation(t *testing.T) {
	factory := func(string) Transport { return &fakeTransport{} }

	_, err := New(nil, factory, Options{})
	assert.Error(t, err)

	_, err = New([]string{"https://a.example.com", " "}, factory, Options{})
	assert.Error(t, err)

	_, err = New([]string{"https://a.example.com"}, nil, Options{})
	assert.Error(t, err)

	c, err := New([]string{"https://a.example.com/?api-key=secret"}, factory, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example.com"}, c.Endpoints())
}

func TestEndpointLabel(t *testing.T) {
	assert.Equal(t, "mainnet.helius-rpc.com", EndpointLabel("https://mainnet.helius-rpc.com/?api-key=abc"))
	assert.Equal(t, "127.0.0.1:8899", EndpointLabel("http://127.0.0.1:8899"))
	assert.Equal(t, "invalid-endpoint", EndpointLabel("not a url"))
}

func TestSolanaTransport_FailsOverAgainstHTTPServers(t *testing.T) {
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
	}))
	defer limited.Close()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"ok"}`))
	}))
	defer healthy.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New([]string{limited.URL, healthy.URL}, NewTransportFactory(0), Options{
		Timeout: 2 * time.Second,
		Retry:   retry.Policy{MaxAttempts: 2},
		Logger:  logger,
	})
	require.NoError(t, err)

	require.NoError(t, c.CheckHealth(context.Background()))
	assert.Equal(t, EndpointLabel(healthy.URL), c.Current())
}

func TestCall_RotatesOnStatusError(t *testing.T) {
	a := &fakeTransport{responses: []fakeResponse{{err: &StatusError{StatusCode: http.StatusServiceUnavailable}}}}
	b := &fakeTransport{responses: []fakeResponse{{result: `"ok"`}}}
	c := newTestClient(t, map[string]*fakeTransport{
		"https://a.example.com": a,
		"https://b.example.com": b,
	}, "https://a.example.com", "https://b.example.com")

	require.NoError(t, c.CheckHealth(context.Background()))
	assert.Equal(t, 1, a.callCount())
	assert.Equal(t, 1, b.callCount())
	assert.Equal(t, "b.example.com", c.Current())
}

func TestSolanaTransport_NonOKWithErrorBodyFailsOver(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{
			name:   "503 node behind",
			status: http.StatusServiceUnavailable,
			body:   `{"jsonrpc":"2.0","id":1,"error":{"code":-32005,"message":"Node is behind by 500 slots"}}`,
		},
		{
			name:   "401 unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"jsonrpc":"2.0","id":1,"error":{"code":-32401,"message":"invalid api key"}}`,
		},
		{
			name:   "403 forbidden",
			status: http.StatusForbidden,
			body:   `{"jsonrpc":"2.0","id":1,"error":{"code":-32403,"message":"forbidden"}}`,
		},
		{
			name:   "502 html",
			status: http.StatusBadGateway,
			body:   `<html>bad gateway</html>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer failing.Close()

			var healthyCalls int
			var mu sync.Mutex
			healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				healthyCalls++
				mu.Unlock()
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"ok"}`))
			}))
			defer healthy.Close()

			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			c, err := New([]string{failing.URL, healthy.URL}, NewTransportFactory(0), Options{
				Timeout: 2 * time.Second,
				Retry:   retry.Policy{MaxAttempts: 2},
				Logger:  logger,
			})
			require.NoError(t, err)

			var status string
			require.NoError(t, c.Call(context.Background(), "getHealth", nil, &status))
			assert.Equal(t, "ok", status)
			assert.Equal(t, EndpointLabel(healthy.URL), c.Current())
			mu.Lock()
			assert.Equal(t, 1, healthyCalls)
			mu.Unlock()
		})
	}
}

func TestSolanaTransport_ErrorObjectOnOKIsNotRetried(t *testing.T) {
	var otherCalls int
	answering := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid param"}}`))
	}))
	defer answering.Close()
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		otherCalls++
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"ok"}`))
	}))
	defer other.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New([]string{answering.URL, other.URL}, NewTransportFactory(0), Options{
		Timeout: 2 * time.Second,
		Retry:   retry.Policy{MaxAttempts: 2},
		Logger:  logger,
	})
	require.NoError(t, err)

	err = c.Call(context.Background(), "getBalance", []interface{}{"wallet"}, nil)
	assert.ErrorIs(t, err, ErrNoResult)
	assert.Zero(t, otherCalls)
	assert.Equal(t, EndpointLabel(answering.URL), c.Current())
}

func TestRateLimitedTransport_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL, nil)
	require.NoError(t, err)
	_, err = (&RateLimitedTransport{}).RoundTrip(req)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "maintenance", statusErr.Body)
	assert.True(t, isHTTPStatus(err))
	assert.False(t, isRateLimited(err))
	assert.True(t, isRateLimited(&StatusError{StatusCode: http.StatusTooManyRequests}))
}
