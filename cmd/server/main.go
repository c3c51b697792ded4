package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/walletpnl/service/config"
	"github.com/brojonat/walletpnl/service/db"
	"github.com/brojonat/walletpnl/service/metrics"
	natspkg "github.com/brojonat/walletpnl/service/nats"
	"github.com/brojonat/walletpnl/service/pipeline"
	"github.com/brojonat/walletpnl/service/server"
	"github.com/brojonat/walletpnl/service/temporal"
)

func main() {
	cfg := config.MustLoad()
	logger := config.NewLogger(cfg.LogLevel, os.Stderr, true)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

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

	deps := server.Dependencies{
		Analyzer: p.Analyzer,
		Store:    store,
		Health:   p.RPC,
		Settings: pipeline.Settings(cfg),
	}

	// Without NATS analyses are still stored, just not broadcast.
	if publisher, err := natspkg.NewPublisher(cfg.NATSURL, m, logger); err != nil {
		logger.Warn("NATS unavailable, analyses will not be published", "url", cfg.NATSURL, "error", err)
	} else {
		defer publisher.Close()
		deps.Publisher = publisher
	}

	// Without Temporal the batch routes answer 503.
	if tc, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, m, logger); err != nil {
		logger.Warn("temporal unavailable, batch analyses disabled", "host", cfg.TemporalHost, "error", err)
	} else {
		defer tc.Close()
		deps.Batches = tc
	}

	srv := server.New(cfg.ServerAddr, deps, m, logger)
	logger.Info("server ready",
		"addr", cfg.ServerAddr,
		"rpc_endpoints", p.RPC.Endpoints(),
		"nats", deps.Publisher != nil,
		"temporal", deps.Batches != nil,
	)

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}
