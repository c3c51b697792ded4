// Package analyzer runs the full per-wallet pipeline: capital check, history
// retrieval, concurrent detail fetching and classification, timeframe
// filtering, PnL aggregation and threshold checks.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/walletpnl/service/metrics"
	"github.com/brojonat/walletpnl/service/pnl"
	"github.com/brojonat/walletpnl/service/price"
	"github.com/brojonat/walletpnl/service/solana"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidAddress  = errors.New("invalid wallet address")
	ErrInvalidSettings = errors.New("invalid settings")
)

// Reason explains why a wallet was excluded.
type Reason string

const (
	ReasonInsufficientCapital     Reason = "insufficient_capital"
	ReasonLowWinRate              Reason = "low_win_rate"
	ReasonLowTotalPnL             Reason = "low_total_pnl"
	ReasonShortHoldingPeriod      Reason = "short_holding_period"
	ReasonInsufficientHoldingData Reason = "insufficient_holding_data"
)

// History is the subset of the history fetcher the analyzer needs.
type History interface {
	FetchSignatures(ctx context.Context, address string, maxCount int) ([]solana.SignatureInfo, error)
	FetchDetails(ctx context.Context, signature string) (*solana.RawTransaction, error)
	FetchBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

// Processor classifies one raw transaction for a wallet.
type Processor interface {
	Process(ctx context.Context, wallet string, raw *solana.RawTransaction, accountKeys []string) solana.Transaction
}

// WalletAnalysisResult is the outcome of analyzing one wallet. It is built
// once and not modified afterwards.
type WalletAnalysisResult struct {
	Address          string             `json:"address"`
	RunID            string             `json:"run_id,omitempty"`
	AnalyzedAt       time.Time          `json:"analyzed_at"`
	TotalPnL         decimal.Decimal    `json:"total_pnl"`
	RealizedPnL      decimal.Decimal    `json:"realized_pnl"`
	UnrealizedPnL    decimal.Decimal    `json:"unrealized_pnl"`
	CapitalDeployed  decimal.Decimal    `json:"capital_deployed"`
	WinRate          float64            `json:"win_rate"`
	ProfitableTrades int                `json:"profitable_trades"`
	TotalTrades      int                `json:"total_trades"`
	Transactions     int                `json:"transactions"`
	Events           []pnl.Event        `json:"events"`
	OpenPositions    []pnl.OpenPosition `json:"open_positions"`
	Holding          pnl.HoldingSummary `json:"holding"`
	Settings         Settings           `json:"settings"`
}

// Analysis is the verdict for one wallet. Excluded wallets are a normal
// outcome, not an error. Result is nil only when the wallet was excluded
// before its history was fetched.
type Analysis struct {
	Address    string                `json:"address"`
	RunID      string                `json:"run_id,omitempty"`
	AnalyzedAt time.Time             `json:"analyzed_at"`
	Excluded   bool                  `json:"excluded"`
	Reason     Reason                `json:"reason,omitempty"`
	Capital    decimal.Decimal       `json:"capital"`
	Settings   Settings              `json:"settings"`
	Result     *WalletAnalysisResult `json:"result,omitempty"`
}

// Config tunes the analyzer.
type Config struct {
	// Workers bounds concurrent detail fetches per wallet.
	Workers int
}

// Analyzer wires the pipeline stages together. It is safe for concurrent use
// when its collaborators are.
type Analyzer struct {
	history    History
	processor  Processor
	aggregator *pnl.Aggregator
	prices     price.Source
	workers    int
	now        func() time.Time
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates an Analyzer.
func New(history History, processor Processor, aggregator *pnl.Aggregator, prices price.Source, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	return &Analyzer{
		history:    history,
		processor:  processor,
		aggregator: aggregator,
		prices:     prices,
		workers:    cfg.Workers,
		now:        time.Now,
		metrics:    m,
		logger:     logger,
	}
}

// Analyze evaluates one wallet against settings. It returns an error only
// for invalid input or a cancelled context; RPC failures shrink the data the
// verdict is based on instead.
func (a *Analyzer) Analyze(ctx context.Context, address string, settings Settings) (*Analysis, error) {
	return a.analyze(ctx, address, settings, "")
}

// AnalyzeRun is Analyze tagged with the run id of an enclosing batch.
func (a *Analyzer) AnalyzeRun(ctx context.Context, runID, address string, settings Settings) (*Analysis, error) {
	return a.analyze(ctx, address, settings, runID)
}

func (a *Analyzer) analyze(ctx context.Context, address string, settings Settings, runID string) (*Analysis, error) {
	if _, err := solana.ValidateAddress(address); err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidAddress, address, err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	start := a.now()
	logger := a.logger.With("wallet", address)
	out := &Analysis{
		Address:    address,
		RunID:      runID,
		AnalyzedAt: start.UTC(),
		Capital:    decimal.Zero,
		Settings:   settings,
	}

	if settings.MinWalletCapital.IsPositive() {
		capital, ok := a.capital(ctx, logger, address)
		out.Capital = capital
		if !ok || capital.LessThan(settings.MinWalletCapital) {
			logger.InfoContext(ctx, "wallet excluded",
				"reason", ReasonInsufficientCapital,
				"capital", capital.String(),
				"minimum", settings.MinWalletCapital.String(),
			)
			a.exclude(out, ReasonInsufficientCapital, 0, start)
			return out, nil
		}
	}

	txns, err := a.collect(ctx, logger, address, settings)
	if err != nil {
		return nil, err
	}

	var lookup pnl.PriceLookup
	if a.prices != nil {
		lookup = price.Lookup(a.prices)
	}
	agg := a.aggregator.Aggregate(ctx, address, txns, lookup)
	result := &WalletAnalysisResult{
		Address:          address,
		RunID:            runID,
		AnalyzedAt:       a.now().UTC(),
		TotalPnL:         agg.TotalPnL,
		RealizedPnL:      agg.RealizedPnL,
		UnrealizedPnL:    agg.UnrealizedPnL,
		CapitalDeployed:  agg.CapitalDeployed,
		WinRate:          agg.WinRate,
		ProfitableTrades: agg.ProfitableTrades,
		TotalTrades:      agg.TotalTrades,
		Transactions:     len(txns),
		Events:           agg.Events,
		OpenPositions:    agg.OpenPositions,
		Holding:          agg.Holding,
		Settings:         settings,
	}
	out.Result = result

	if reason, excluded := checkThresholds(result, settings); excluded {
		logger.InfoContext(ctx, "wallet excluded",
			"reason", reason,
			"win_rate", result.WinRate,
			"total_pnl", result.TotalPnL.String(),
			"avg_holding_minutes", result.Holding.AverageMinutes,
		)
		a.exclude(out, reason, len(txns), start)
		return out, nil
	}

	logger.InfoContext(ctx, "wallet qualified",
		"transactions", len(txns),
		"total_pnl", result.TotalPnL.String(),
		"win_rate", result.WinRate,
	)
	if a.metrics != nil {
		a.metrics.RecordWalletAnalyzed("qualified", len(txns), a.now().Sub(start).Seconds())
	}
	return out, nil
}

// capital values the wallet's native balance in the reference currency. A
// failed balance or price lookup reports false.
func (a *Analyzer) capital(ctx context.Context, logger *slog.Logger, address string) (decimal.Decimal, bool) {
	balance, err := a.history.FetchBalance(ctx, address)
	if err != nil {
		logger.WarnContext(ctx, "failed to fetch wallet balance", "error", err)
		return decimal.Zero, false
	}
	if a.prices == nil {
		logger.WarnContext(ctx, "no price source configured for capital check")
		return decimal.Zero, false
	}
	p, err := a.prices.GetPrice(ctx, solana.NativeSymbol)
	if err != nil || !p.IsPositive() {
		logger.WarnContext(ctx, "failed to price wallet balance", "error", err)
		return decimal.Zero, false
	}
	return balance.Mul(p), true
}

// collect fetches and classifies the wallet's recent transactions. Details
// are fetched by a bounded pool; transactions whose details cannot be
// fetched are dropped.
func (a *Analyzer) collect(ctx context.Context, logger *slog.Logger, address string, settings Settings) ([]solana.Transaction, error) {
	sigs, err := a.history.FetchSignatures(ctx, address, settings.MaxTransactions)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.WarnContext(ctx, "failed to fetch signatures, analyzing without history", "error", err)
		return nil, nil
	}

	now := a.now()
	pending := make([]solana.SignatureInfo, 0, len(sigs))
	outOfWindow := 0
	for _, sig := range sigs {
		if sig.BlockTime != nil && !settings.Timeframe.Contains(time.Unix(*sig.BlockTime, 0), now) {
			outOfWindow++
			continue
		}
		pending = append(pending, sig)
	}
	if outOfWindow > 0 && a.metrics != nil {
		a.metrics.RecordTransactionsSkipped("out_of_timeframe", outOfWindow)
	}

	slots := make([]*solana.Transaction, len(pending))
	g := new(errgroup.Group)
	g.SetLimit(a.workers)
	for i, sig := range pending {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			raw, err := a.history.FetchDetails(ctx, sig.Signature)
			if err != nil || raw == nil {
				logger.WarnContext(ctx, "failed to fetch transaction details, skipping",
					"signature", sig.Signature,
					"error", err,
				)
				return nil
			}
			txn := a.processor.Process(ctx, address, raw, nil)
			if txn.Signature == "" {
				txn.Signature = sig.Signature
			}
			slots[i] = &txn
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	txns := make([]solana.Transaction, 0, len(slots))
	dropped := 0
	for _, txn := range slots {
		if txn == nil {
			dropped++
			continue
		}
		if !settings.Timeframe.Contains(txn.Timestamp, now) {
			outOfWindow++
			continue
		}
		txns = append(txns, *txn)
	}
	if dropped > 0 && a.metrics != nil {
		a.metrics.RecordTransactionsSkipped("details_unavailable", dropped)
	}

	logger.DebugContext(ctx, "collected transactions",
		"signatures", len(sigs),
		"transactions", len(txns),
		"dropped", dropped,
		"out_of_timeframe", outOfWindow,
	)
	return txns, nil
}

func (a *Analyzer) exclude(out *Analysis, reason Reason, transactions int, start time.Time) {
	out.Excluded = true
	out.Reason = reason
	if a.metrics != nil {
		a.metrics.RecordWalletAnalyzed(string(reason), transactions, a.now().Sub(start).Seconds())
	}
}

// checkThresholds applies the post-aggregation checks in order: win rate,
// total PnL, then holding period.
func checkThresholds(r *WalletAnalysisResult, s Settings) (Reason, bool) {
	if r.WinRate < s.MinWinRate {
		return ReasonLowWinRate, true
	}
	if r.TotalPnL.LessThan(s.MinTotalPnL) {
		return ReasonLowTotalPnL, true
	}
	if s.MinAvgHoldingMinutes > 0 {
		if !r.Holding.Sufficient {
			return ReasonInsufficientHoldingData, true
		}
		if r.Holding.AverageMinutes < s.MinAvgHoldingMinutes {
			return ReasonShortHoldingPeriod, true
		}
	}
	return "", false
}

// Batch is the outcome of analyzing several wallets under one run id.
type Batch struct {
	RunID     string            `json:"run_id"`
	StartedAt time.Time         `json:"started_at"`
	Analyses  []*Analysis       `json:"analyses"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// Qualified returns the results of wallets that passed every check.
func (b *Batch) Qualified() []*WalletAnalysisResult {
	var out []*WalletAnalysisResult
	for _, an := range b.Analyses {
		if !an.Excluded && an.Result != nil {
			out = append(out, an.Result)
		}
	}
	return out
}

// AnalyzeBatch analyzes addresses one after another under a fresh run id.
// Per-wallet input errors are collected; only context cancellation aborts
// the batch.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, addresses []string, settings Settings) (*Batch, error) {
	return a.AnalyzeBatchWithID(ctx, uuid.NewString(), addresses, settings)
}

// AnalyzeBatchWithID is AnalyzeBatch with a caller-chosen run id.
func (a *Analyzer) AnalyzeBatchWithID(ctx context.Context, runID string, addresses []string, settings Settings) (*Batch, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	batch := &Batch{
		RunID:     runID,
		StartedAt: a.now().UTC(),
		Analyses:  make([]*Analysis, 0, len(addresses)),
	}
	a.logger.InfoContext(ctx, "starting batch analysis",
		"run_id", runID,
		"wallets", len(addresses),
		"timeframe", settings.Timeframe.String(),
	)

	for _, address := range addresses {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		an, err := a.analyze(ctx, address, settings, runID)
		if err != nil {
			if ctx.Err() != nil {
				return batch, ctx.Err()
			}
			if batch.Errors == nil {
				batch.Errors = make(map[string]string)
			}
			batch.Errors[address] = err.Error()
			if a.metrics != nil {
				a.metrics.RecordWalletAnalyzed("error", 0, 0)
			}
			continue
		}
		batch.Analyses = append(batch.Analyses, an)
	}

	a.logger.InfoContext(ctx, "batch analysis complete",
		"run_id", runID,
		"analyzed", len(batch.Analyses),
		"qualified", len(batch.Qualified()),
		"errors", len(batch.Errors),
	)
	return batch, nil
}
