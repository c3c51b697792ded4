package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/walletpnl/service/analyzer"
	"github.com/brojonat/walletpnl/service/db"
	"github.com/brojonat/walletpnl/service/metrics"
	natspkg "github.com/brojonat/walletpnl/service/nats"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// AnalyzeWalletsInput contains the input parameters for a batch analysis run.
type AnalyzeWalletsInput struct {
	RunID     string            `json:"run_id"`
	Addresses []string          `json:"addresses"`
	Settings  analyzer.Settings `json:"settings"`
	// Concurrency bounds how many AnalyzeWallet activities run at once.
	// Zero means DefaultConcurrency.
	Concurrency int `json:"concurrency,omitempty"`
}

// AnalyzeWalletsResult summarizes a batch analysis run.
type AnalyzeWalletsResult struct {
	RunID     string            `json:"run_id"`
	StartedAt time.Time         `json:"started_at"`
	Analyzed  int               `json:"analyzed"`
	Qualified []string          `json:"qualified"`
	Excluded  map[string]string `json:"excluded,omitempty"`
	Errors    map[string]string `json:"errors,omitempty"`
	Recorded  int               `json:"recorded"`
}

// AnalyzeWalletInput contains parameters for the AnalyzeWallet activity.
type AnalyzeWalletInput struct {
	RunID    string            `json:"run_id"`
	Address  string            `json:"address"`
	Settings analyzer.Settings `json:"settings"`
}

// RecordAnalysisInput contains parameters for the RecordAnalysis activity.
type RecordAnalysisInput struct {
	Analysis *analyzer.Analysis `json:"analysis"`
}

// RecordAnalysisResult contains the result of recording an analysis.
type RecordAnalysisResult struct {
	ID        int64 `json:"id,omitempty"`
	Stored    bool  `json:"stored"`
	Published bool  `json:"published"`
}

// AnalyzerInterface is the analysis entry point the activities drive.
// *analyzer.Analyzer satisfies it.
type AnalyzerInterface interface {
	AnalyzeRun(ctx context.Context, runID, address string, settings analyzer.Settings) (*analyzer.Analysis, error)
}

// StoreInterface defines the database operations needed by activities.
// This allows for easy mocking in tests.
type StoreInterface interface {
	SaveAnalysis(ctx context.Context, an *analyzer.Analysis) (*db.StoredAnalysis, error)
}

// PublisherInterface defines the NATS publishing operations needed by activities.
// This allows for easy mocking in tests.
type PublisherInterface interface {
	PublishAnalysis(ctx context.Context, event *natspkg.AnalysisEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	analyzer  AnalyzerInterface
	store     StoreInterface
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// store and publisher may be nil, in which case RecordAnalysis skips them.
func NewActivities(
	an AnalyzerInterface,
	store StoreInterface,
	publisher PublisherInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		analyzer:  an,
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// AnalyzeWallet runs the full analysis pipeline for one wallet. Invalid input
// fails without retries; an excluded wallet is a successful result.
func (a *Activities) AnalyzeWallet(ctx context.Context, input AnalyzeWalletInput) (result *analyzer.Analysis, err error) {
	done := metrics.Since(time.Now())
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("AnalyzeWallet", done(), err)
		}
	}()

	a.logger.DebugContext(ctx, "analyzing wallet",
		"address", input.Address,
		"run_id", input.RunID,
	)

	result, err = a.analyzer.AnalyzeRun(ctx, input.RunID, input.Address, input.Settings)
	if err != nil {
		if errors.Is(err, analyzer.ErrInvalidAddress) || errors.Is(err, analyzer.ErrInvalidSettings) {
			a.logger.WarnContext(ctx, "rejecting invalid analysis input",
				"address", input.Address,
				"error", err,
			)
			return nil, temporalsdk.NewNonRetryableApplicationError(err.Error(), "InvalidInput", err)
		}
		a.logger.ErrorContext(ctx, "wallet analysis failed",
			"address", input.Address,
			"error", err,
		)
		return nil, fmt.Errorf("failed to analyze wallet %s: %w", input.Address, err)
	}

	a.logger.InfoContext(ctx, "analyzed wallet",
		"address", input.Address,
		"excluded", result.Excluded,
		"reason", result.Reason,
	)
	return result, nil
}

// RecordAnalysis persists an analysis and publishes it to NATS. The store
// write is authoritative and its failure fails the activity; publishing is
// best-effort.
func (a *Activities) RecordAnalysis(ctx context.Context, input RecordAnalysisInput) (result *RecordAnalysisResult, err error) {
	done := metrics.Since(time.Now())
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("RecordAnalysis", done(), err)
		}
	}()

	if input.Analysis == nil {
		return nil, temporalsdk.NewNonRetryableApplicationError("analysis is required", "InvalidInput", nil)
	}
	an := input.Analysis
	result = &RecordAnalysisResult{}

	if a.store != nil {
		stored, err := a.store.SaveAnalysis(ctx, an)
		if err != nil {
			a.logger.ErrorContext(ctx, "failed to store analysis",
				"address", an.Address,
				"run_id", an.RunID,
				"error", err,
			)
			return nil, fmt.Errorf("failed to store analysis: %w", err)
		}
		result.ID = stored.ID
		result.Stored = true
	}

	if a.publisher != nil {
		if err := a.publisher.PublishAnalysis(ctx, natspkg.FromAnalysis(an)); err != nil {
			a.logger.ErrorContext(ctx, "failed to publish analysis to NATS",
				"address", an.Address,
				"run_id", an.RunID,
				"error", err,
			)
		} else {
			result.Published = true
		}
	}

	a.logger.DebugContext(ctx, "recorded analysis",
		"address", an.Address,
		"stored", result.Stored,
		"published", result.Published,
	)
	return result, nil
}
