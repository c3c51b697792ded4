package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/walletpnl/service/analyzer"
	"github.com/brojonat/walletpnl/service/db"
	"github.com/brojonat/walletpnl/service/metrics"
	natspkg "github.com/brojonat/walletpnl/service/nats"
	"github.com/brojonat/walletpnl/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Analyzer runs a synchronous single-wallet analysis.
type Analyzer interface {
	Analyze(ctx context.Context, address string, settings analyzer.Settings) (*analyzer.Analysis, error)
}

// Store persists and queries analyses. *db.Store satisfies it.
type Store interface {
	SaveAnalysis(ctx context.Context, an *analyzer.Analysis) (*db.StoredAnalysis, error)
	GetLatestAnalysis(ctx context.Context, address string) (*db.StoredAnalysis, error)
	ListAnalyses(ctx context.Context, params db.ListAnalysesParams) ([]*db.StoredAnalysis, error)
}

// BatchStarter starts asynchronous batch runs. *temporal.Client satisfies it.
type BatchStarter interface {
	StartAnalysisBatch(ctx context.Context, input temporal.AnalyzeWalletsInput) (string, error)
}

// HealthChecker checks the upstream RPC. *rpc.Client satisfies it.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Dependencies are the collaborators behind the routes. Only Analyzer is
// required; routes whose dependency is nil answer 503.
type Dependencies struct {
	Analyzer  Analyzer
	Store     Store
	Batches   BatchStarter
	Health    HealthChecker
	Publisher natspkg.Publisher
	// Settings are the defaults request overrides apply to.
	Settings analyzer.Settings
}

// Server represents the HTTP server for the analysis service.
type Server struct {
	addr    string
	deps    Dependencies
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, deps Dependencies, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		deps:    deps,
		metrics: m,
		logger:  logger,
	}
}

// Handler returns the routed handler, wrapped with CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	// Analysis routes
	route("POST /api/v1/analyses", "/api/v1/analyses", handleAnalyzeWallet(s.deps, s.logger))
	route("GET /api/v1/analyses/{address}", "/api/v1/analyses/{address}", handleGetAnalysis(s.deps.Store, s.logger))
	route("GET /api/v1/analyses", "/api/v1/analyses", handleListAnalyses(s.deps.Store, s.logger))
	route("POST /api/v1/batches", "/api/v1/batches", handleStartBatch(s.deps.Batches, s.deps.Settings, s.logger))

	// Health check endpoint
	route("GET /health", "/health", handleHealth(s.deps.Health, s.logger))

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	if s.deps.Analyzer == nil {
		return fmt.Errorf("analyzer is required")
	}

	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// Synchronous analyses can take minutes on a slow RPC.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server",
		"addr", s.addr,
		"store", s.deps.Store != nil,
		"batches", s.deps.Batches != nil,
		"metrics", s.metrics != nil,
	)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
