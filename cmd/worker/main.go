package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/walletpnl/service/config"
	"github.com/brojonat/walletpnl/service/db"
	"github.com/brojonat/walletpnl/service/metrics"
	natspkg "github.com/brojonat/walletpnl/service/nats"
	"github.com/brojonat/walletpnl/service/pipeline"
	"github.com/brojonat/walletpnl/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.MustLoad()
	logger := config.NewLogger(cfg.LogLevel, os.Stderr, true)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

// run wires the worker and blocks until a signal arrives or the worker
// fails.
func run(cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(nil)

	store, err := db.Open(ctx, cfg.DatabaseURL, m)
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := pipeline.New(cfg, pipeline.Options{}, m, logger)
	if err != nil {
		return fmt.Errorf("failed to build analysis pipeline: %w", err)
	}

	publisher, err := natspkg.NewPublisher(cfg.NATSURL, m, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", cfg.MetricsAddr, "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	w, err := temporal.NewWorker(temporal.WorkerConfig{
		TemporalHost:            cfg.TemporalHost,
		TemporalNamespace:       cfg.TemporalNamespace,
		TaskQueue:               cfg.TemporalTaskQueue,
		Analyzer:                p.Analyzer,
		Store:                   store,
		Publisher:               publisher,
		Metrics:                 m,
		Logger:                  logger,
		MaxConcurrentActivities: cfg.AnalyzerWorkers,
	})
	if err != nil {
		return err
	}

	logger.Info("worker ready",
		"rpc_endpoints", p.RPC.Endpoints(),
		"temporal_host", cfg.TemporalHost,
		"task_queue", cfg.TemporalTaskQueue,
		"metrics_addr", cfg.MetricsAddr,
	)

	errc := make(chan error, 1)
	go func() { errc <- w.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		w.Stop()
		return nil
	}
}
