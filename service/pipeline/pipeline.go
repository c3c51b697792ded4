// Package pipeline assembles the analysis stages from configuration. The CLI,
// the HTTP server and the Temporal worker share it.
package pipeline

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/walletpnl/service/analyzer"
	"github.com/brojonat/walletpnl/service/cache"
	"github.com/brojonat/walletpnl/service/config"
	"github.com/brojonat/walletpnl/service/history"
	"github.com/brojonat/walletpnl/service/metrics"
	"github.com/brojonat/walletpnl/service/pnl"
	"github.com/brojonat/walletpnl/service/price"
	"github.com/brojonat/walletpnl/service/processor"
	"github.com/brojonat/walletpnl/service/retry"
	"github.com/brojonat/walletpnl/service/rpc"
	"github.com/brojonat/walletpnl/service/solana"
)

// Options override parts of the configured pipeline.
type Options struct {
	// StaticPrices, when set, are consulted before the price API.
	StaticPrices price.Static
	// Offline disables the price API; only StaticPrices are used.
	Offline bool
	// Transports replaces the HTTP JSON-RPC transport, mainly for tests.
	Transports rpc.TransportFactory
}

// Pipeline holds the wired stages.
type Pipeline struct {
	RPC        *rpc.Client
	History    *history.Fetcher
	Processor  *processor.Processor
	Aggregator *pnl.Aggregator
	Prices     price.Source
	Analyzer   *analyzer.Analyzer
}

// New builds every stage from cfg.
func New(cfg *config.Config, opts Options, m *metrics.Metrics, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	factory := opts.Transports
	if factory == nil {
		factory = rpc.NewTransportFactory(cfg.RPCRateLimit)
	}
	rpcClient, err := rpc.New(cfg.RPCURLs, factory, rpc.Options{
		Timeout: cfg.RPCTimeout,
		Retry: retry.Policy{
			MaxAttempts: cfg.RPCMaxAttempts,
			BaseDelay:   cfg.RPCBaseBackoff,
			MaxDelay:    30 * time.Second,
		},
		Metrics: m,
		Logger:  logger.With("component", "rpc"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc client: %w", err)
	}

	hcfg := history.DefaultConfig()
	hcfg.PageSize = cfg.HistoryPageSize
	hcfg.MaxIterations = cfg.HistoryMaxIterations
	hcfg.DetailRetry.MaxAttempts = cfg.DetailMaxAttempts
	hcfg.DetailRetry.BaseDelay = cfg.RPCBaseBackoff
	hcfg.DetailCache = cache.Config{MaxEntries: cfg.CacheMaxEntries, TTL: cfg.CacheTTL}
	fetcher := history.New(rpcClient, hcfg, m, logger.With("component", "history"))

	proc := processor.New(fetcher, solana.DefaultDecimals, m, logger.With("component", "processor"))
	agg := pnl.New(m, logger.With("component", "pnl"))

	prices := buildPrices(cfg, opts, m, logger.With("component", "price"))

	an := analyzer.New(fetcher, proc, agg, prices, analyzer.Config{Workers: cfg.AnalyzerWorkers}, m, logger.With("component", "analyzer"))

	return &Pipeline{
		RPC:        rpcClient,
		History:    fetcher,
		Processor:  proc,
		Aggregator: agg,
		Prices:     prices,
		Analyzer:   an,
	}, nil
}

func buildPrices(cfg *config.Config, opts Options, m *metrics.Metrics, logger *slog.Logger) price.Source {
	var chain price.Chain
	if len(opts.StaticPrices) > 0 {
		chain = append(chain, opts.StaticPrices)
	}
	if !opts.Offline && cfg.PriceAPIURL != "" {
		dex := price.NewDexScreener(cfg.PriceAPIURL, &http.Client{Timeout: 10 * time.Second}, m, logger)
		chain = append(chain, price.NewCached(dex, cache.Config{MaxEntries: 1000, TTL: cfg.PriceCacheTTL}, m, logger))
	}
	switch len(chain) {
	case 0:
		return nil
	case 1:
		return chain[0]
	default:
		return chain
	}
}

// Settings returns the configured default thresholds.
func Settings(cfg *config.Config) analyzer.Settings {
	return analyzer.Settings{
		Timeframe:            cfg.Timeframe,
		MinWalletCapital:     cfg.MinWalletCapital,
		MinAvgHoldingMinutes: cfg.MinAvgHoldingMinutes,
		MinWinRate:           cfg.MinWinRate,
		MinTotalPnL:          cfg.MinTotalPnL,
		MaxTransactions:      cfg.HistoryMaxTransactions,
	}
}
