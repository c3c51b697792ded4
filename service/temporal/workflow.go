package temporal

import (
	"fmt"
	"time"

	"github.com/brojonat/walletpnl/service/analyzer"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// DefaultConcurrency bounds parallel AnalyzeWallet activities per run.
const DefaultConcurrency = 4

// AnalyzeWalletsWorkflow analyzes a list of wallets under one run id.
//
// The workflow performs these steps:
// 1. Analyze each wallet (AnalyzeWallet activity), at most Concurrency at a time
// 2. Store and publish every verdict (RecordAnalysis activity)
// 3. Return a summary of qualified and excluded wallets
//
// A wallet whose analysis fails is reported in Errors and does not fail the run.
func AnalyzeWalletsWorkflow(ctx workflow.Context, input AnalyzeWalletsInput) (*AnalyzeWalletsResult, error) {
	logger := workflow.GetLogger(ctx)

	runID := input.RunID
	if runID == "" {
		runID = workflow.GetInfo(ctx).WorkflowExecution.ID
	}
	logger.Info("AnalyzeWalletsWorkflow started", "run_id", runID, "wallets", len(input.Addresses))

	if err := input.Settings.Validate(); err != nil {
		return nil, temporalsdk.NewNonRetryableApplicationError(err.Error(), "InvalidInput", err)
	}

	result := &AnalyzeWalletsResult{
		RunID:     runID,
		StartedAt: workflow.Now(ctx),
		Qualified: []string{},
	}

	// Analysis makes many RPC calls; retries mirror the RPC client's backoff.
	analyzeCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})
	recordCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    5,
		},
	})

	concurrency := input.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	// Step 1: fan out analyses, keeping at most concurrency in flight
	analyses := make([]*analyzer.Analysis, len(input.Addresses))
	selector := workflow.NewSelector(ctx)
	launch := func(i int) {
		address := input.Addresses[i]
		future := workflow.ExecuteActivity(analyzeCtx, a.AnalyzeWallet, AnalyzeWalletInput{
			RunID:    runID,
			Address:  address,
			Settings: input.Settings,
		})
		selector.AddFuture(future, func(f workflow.Future) {
			var an *analyzer.Analysis
			if err := f.Get(ctx, &an); err != nil {
				logger.Warn("wallet analysis failed", "address", address, "error", err)
				if result.Errors == nil {
					result.Errors = make(map[string]string)
				}
				result.Errors[address] = err.Error()
				return
			}
			analyses[i] = an
		})
	}

	next, pending := 0, 0
	for ; next < len(input.Addresses) && pending < concurrency; next++ {
		launch(next)
		pending++
	}
	for pending > 0 {
		selector.Select(ctx)
		pending--
		if next < len(input.Addresses) {
			launch(next)
			next++
			pending++
		}
	}
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("analysis run %s cancelled: %w", runID, err)
	}

	// Step 2: record every verdict
	var records []workflow.Future
	for _, an := range analyses {
		if an == nil {
			continue
		}
		result.Analyzed++
		if an.Excluded {
			if result.Excluded == nil {
				result.Excluded = make(map[string]string)
			}
			result.Excluded[an.Address] = string(an.Reason)
		} else {
			result.Qualified = append(result.Qualified, an.Address)
		}
		records = append(records, workflow.ExecuteActivity(recordCtx, a.RecordAnalysis, RecordAnalysisInput{Analysis: an}))
	}
	for _, f := range records {
		var rec *RecordAnalysisResult
		if err := f.Get(ctx, &rec); err != nil {
			logger.Error("failed to record analysis", "run_id", runID, "error", err)
			continue
		}
		if rec.Stored || rec.Published {
			result.Recorded++
		}
	}

	logger.Info("AnalyzeWalletsWorkflow completed",
		"run_id", runID,
		"analyzed", result.Analyzed,
		"qualified", len(result.Qualified),
		"errors", len(result.Errors),
		"recorded", result.Recorded,
	)
	return result, nil
}
