package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/walletpnl/service/analyzer"
	"github.com/brojonat/walletpnl/service/db"
	natspkg "github.com/brojonat/walletpnl/service/nats"
	"github.com/brojonat/walletpnl/service/temporal"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWallet  = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	otherWallet = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
)

type fakeAnalyzer struct {
	mu   sync.Mutex
	seen []analyzer.Settings
	err  error
}

func (f *fakeAnalyzer) Analyze(_ context.Context, address string, s analyzer.Settings) (*analyzer.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, s)
	if f.err != nil {
		return nil, f.err
	}
	return &analyzer.Analysis{
		Address:    address,
		AnalyzedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Capital:    decimal.NewFromInt(4000),
		Settings:   s,
		Result: &analyzer.WalletAnalysisResult{
			Address:     address,
			TotalPnL:    decimal.NewFromInt(750),
			WinRate:     60,
			TotalTrades: 5,
		},
	}, nil
}

type fakeStore struct {
	mu      sync.Mutex
	saved   []*analyzer.Analysis
	listed  []db.ListAnalysesParams
	saveErr error
}

func (f *fakeStore) SaveAnalysis(_ context.Context, an *analyzer.Analysis) (*db.StoredAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	f.saved = append(f.saved, an)
	return &db.StoredAnalysis{ID: int64(len(f.saved)), CreatedAt: time.Now().UTC(), Analysis: an}, nil
}

func (f *fakeStore) GetLatestAnalysis(_ context.Context, address string) (*db.StoredAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.saved) - 1; i >= 0; i-- {
		if f.saved[i].Address == address {
			return &db.StoredAnalysis{ID: int64(i + 1), Analysis: f.saved[i]}, nil
		}
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) ListAnalyses(_ context.Context, params db.ListAnalysesParams) ([]*db.StoredAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed = append(f.listed, params)
	var out []*db.StoredAnalysis
	for i, an := range f.saved {
		if params.RunID != "" && an.RunID != params.RunID {
			continue
		}
		out = append(out, &db.StoredAnalysis{ID: int64(i + 1), Analysis: an})
	}
	return out, nil
}

type fakeBatches struct {
	inputs []temporal.AnalyzeWalletsInput
	err    error
}

func (f *fakeBatches) StartAnalysisBatch(_ context.Context, input temporal.AnalyzeWalletsInput) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.inputs = append(f.inputs, input)
	if input.RunID == "" {
		return "generated-run", nil
	}
	return input.RunID, nil
}

type fakeHealth struct{ err error }

func (f fakeHealth) CheckHealth(context.Context) error { return f.err }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(deps Dependencies) http.Handler {
	if deps.Settings == (analyzer.Settings{}) {
		deps.Settings = analyzer.DefaultSettings()
	}
	return New(":0", deps, nil, testLogger()).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var errResp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&errResp))
	return errResp["error"]
}

func TestAnalyzeWallet_PathologicalInput(t *testing.T) {
	h := newTestServer(Dependencies{Analyzer: &fakeAnalyzer{}})

	tests := []struct {
		name        string
		body        string
		expectedErr string
	}{
		{
			name:        "extremely large request body",
			body:        `{"address":"` + strings.Repeat("A", 2*1024*1024) + `"}`,
			expectedErr: "request body too large",
		},
		{
			name:        "malformed JSON",
			body:        `{"address":"wallet123",`,
			expectedErr: "invalid request body",
		},
		{
			name:        "empty JSON object",
			body:        `{}`,
			expectedErr: "address is required",
		},
		{
			name:        "address too long",
			body:        `{"address":"` + strings.Repeat("A", 500) + `"}`,
			expectedErr: "address too long",
		},
		{
			name:        "address with null bytes",
			body:        `{"address":"wallet\u0000123"}`,
			expectedErr: "invalid characters",
		},
		{
			name:        "address with SQL injection attempt",
			body:        `{"address":"wallet'; DROP TABLE wallet_analyses; --"}`,
			expectedErr: "invalid address format",
		},
		{
			name:        "unknown timeframe",
			body:        `{"address":"` + testWallet + `","settings":{"timeframe":"24"}}`,
			expectedErr: "unknown timeframe",
		},
		{
			name:        "win rate out of range",
			body:        `{"address":"` + testWallet + `","settings":{"min_win_rate":150}}`,
			expectedErr: "min win rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, "POST", "/api/v1/analyses", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, errorMessage(t, w), tt.expectedErr)
		})
	}
}

func TestAnalyzeWallet_AppliesOverridesAndSaves(t *testing.T) {
	an := &fakeAnalyzer{}
	store := &fakeStore{}
	publisher := natspkg.NewMockPublisher()
	h := newTestServer(Dependencies{Analyzer: an, Store: store, Publisher: publisher})

	w := do(t, h, "POST", "/api/v1/analyses",
		`{"address":"`+testWallet+`","settings":{"timeframe":"1","min_total_pnl":"250","max_transactions":20}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp analysisResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, int64(1), resp.ID)
	require.NotNil(t, resp.Analysis)
	assert.Equal(t, testWallet, resp.Address)
	assert.True(t, resp.Result.TotalPnL.Equal(decimal.NewFromInt(750)))

	require.Len(t, an.seen, 1)
	assert.Equal(t, analyzer.TimeframeOneMonth, an.seen[0].Timeframe)
	assert.True(t, an.seen[0].MinTotalPnL.Equal(decimal.NewFromInt(250)))
	assert.Equal(t, 20, an.seen[0].MaxTransactions)
	// untouched thresholds keep the server defaults
	assert.Equal(t, 30.0, an.seen[0].MinWinRate)

	assert.Len(t, store.saved, 1)
	assert.Equal(t, 1, len(publisher.Events()))
}

func TestAnalyzeWallet_SaveFalse(t *testing.T) {
	store := &fakeStore{}
	publisher := natspkg.NewMockPublisher()
	h := newTestServer(Dependencies{Analyzer: &fakeAnalyzer{}, Store: store, Publisher: publisher})

	w := do(t, h, "POST", "/api/v1/analyses", `{"address":"`+testWallet+`","save":false}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.NotContains(t, resp, "id")
	assert.Empty(t, store.saved)
	assert.Equal(t, 0, len(publisher.Events()))
}

func TestAnalyzeWallet_Errors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"invalid address from analyzer", analyzer.ErrInvalidAddress, http.StatusBadRequest},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(Dependencies{Analyzer: &fakeAnalyzer{err: tt.err}})
			w := do(t, h, "POST", "/api/v1/analyses", `{"address":"`+testWallet+`"}`)
			assert.Equal(t, tt.expected, w.Code)
		})
	}

	t.Run("store failure", func(t *testing.T) {
		h := newTestServer(Dependencies{Analyzer: &fakeAnalyzer{}, Store: &fakeStore{saveErr: errors.New("db down")}})
		w := do(t, h, "POST", "/api/v1/analyses", `{"address":"`+testWallet+`"}`)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, errorMessage(t, w), "failed to store analysis")
	})
}

func TestGetAnalysis(t *testing.T) {
	store := &fakeStore{}
	h := newTestServer(Dependencies{Analyzer: &fakeAnalyzer{}, Store: store})

	w := do(t, h, "GET", "/api/v1/analyses/"+testWallet, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.Equal(t, http.StatusOK, do(t, h, "POST", "/api/v1/analyses", `{"address":"`+testWallet+`"}`).Code)

	w = do(t, h, "GET", "/api/v1/analyses/"+testWallet, "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp analysisResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, testWallet, resp.Address)
	assert.Equal(t, int64(1), resp.ID)

	w = do(t, h, "GET", "/api/v1/analyses/not-base58-0OIl", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListAnalyses(t *testing.T) {
	store := &fakeStore{saved: []*analyzer.Analysis{
		{Address: testWallet, RunID: "run-1"},
		{Address: otherWallet, RunID: "run-2", Excluded: true, Reason: analyzer.ReasonLowWinRate},
	}}
	h := newTestServer(Dependencies{Analyzer: &fakeAnalyzer{}, Store: store})

	w := do(t, h, "GET", "/api/v1/analyses?run_id=run-2&qualified=false&limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Analyses []analysisResponse `json:"analyses"`
		Count    int                `json:"count"`
		RunID    string             `json:"run_id"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "run-2", resp.RunID)
	assert.Equal(t, otherWallet, resp.Analyses[0].Address)
	assert.Equal(t, analyzer.ReasonLowWinRate, resp.Analyses[0].Reason)
	assert.Equal(t, db.ListAnalysesParams{RunID: "run-2", Limit: 10}, store.listed[0])

	for _, q := range []string{"limit=abc", "limit=0", "limit=5000", "qualified=maybe"} {
		w := do(t, h, "GET", "/api/v1/analyses?"+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestStoreRoutesWithoutStore(t *testing.T) {
	h := newTestServer(Dependencies{Analyzer: &fakeAnalyzer{}})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, "GET", "/api/v1/analyses", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, "GET", "/api/v1/analyses/"+testWallet, "").Code)
	assert.Equal(t, http.StatusServiceUnavailable,
		do(t, h, "POST", "/api/v1/batches", `{"addresses":["`+testWallet+`"]}`).Code)
}

func TestStartBatch(t *testing.T) {
	batches := &fakeBatches{}
	h := newTestServer(Dependencies{Analyzer: &fakeAnalyzer{}, Batches: batches})

	w := do(t, h, "POST", "/api/v1/batches",
		`{"addresses":["`+testWallet+`","`+otherWallet+`","`+testWallet+`"],"settings":{"min_win_rate":45},"concurrency":2}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "generated-run", resp["run_id"])
	assert.Equal(t, float64(2), resp["wallets"])

	require.Len(t, batches.inputs, 1)
	in := batches.inputs[0]
	assert.Equal(t, []string{testWallet, otherWallet}, in.Addresses)
	assert.Equal(t, 45.0, in.Settings.MinWinRate)
	assert.Equal(t, 2, in.Concurrency)

	tests := []struct {
		name string
		body string
	}{
		{"no addresses", `{"addresses":[]}`},
		{"bad address", `{"addresses":["bad address"]}`},
		{"bad settings", `{"addresses":["` + testWallet + `"],"settings":{"timeframe":"7"}}`},
		{"negative concurrency", `{"addresses":["` + testWallet + `"],"concurrency":-1}`},
		{"too many", `{"addresses":[` + strings.TrimSuffix(strings.Repeat(`"`+testWallet+`",`, maxBatchSize+1), ",") + `]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, do(t, h, "POST", "/api/v1/batches", tt.body).Code)
		})
	}

	failing := newTestServer(Dependencies{Analyzer: &fakeAnalyzer{}, Batches: &fakeBatches{err: errors.New("temporal down")}})
	assert.Equal(t, http.StatusInternalServerError,
		do(t, failing, "POST", "/api/v1/batches", `{"addresses":["`+testWallet+`"]}`).Code)
}

func TestHealth(t *testing.T) {
	h := newTestServer(Dependencies{Analyzer: &fakeAnalyzer{}, Health: fakeHealth{}})
	w := do(t, h, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	h = newTestServer(Dependencies{Analyzer: &fakeAnalyzer{}, Health: fakeHealth{err: errors.New("behind")}})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, "GET", "/health", "").Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(Dependencies{Analyzer: &fakeAnalyzer{}})
	w := do(t, h, "OPTIONS", "/api/v1/analyses", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
