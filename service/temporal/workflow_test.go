package temporal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brojonat/walletpnl/service/analyzer"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

const (
	walletA = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	walletB = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	walletC = "DRpbCBMxVnDK7maPM5tGv6MvB3v1sRMC86PZ8okm21hy"
)

func analysisFor(input AnalyzeWalletInput) *analyzer.Analysis {
	an := &analyzer.Analysis{
		Address:    input.Address,
		RunID:      input.RunID,
		AnalyzedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Settings:   input.Settings,
		Capital:    decimal.NewFromInt(5000),
	}
	switch input.Address {
	case walletA:
		an.Result = &analyzer.WalletAnalysisResult{
			Address:  input.Address,
			RunID:    input.RunID,
			TotalPnL: decimal.NewFromInt(900),
			WinRate:  75,
		}
	case walletB:
		an.Excluded = true
		an.Reason = analyzer.ReasonLowWinRate
		an.Result = &analyzer.WalletAnalysisResult{Address: input.Address, WinRate: 10}
	}
	return an
}

func newWorkflowEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, *Activities) {
	t.Helper()
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	// Register activities first (before mocking)
	activities := &Activities{}
	env.RegisterActivity(activities.AnalyzeWallet)
	env.RegisterActivity(activities.RecordAnalysis)
	return env, activities
}

func TestAnalyzeWalletsWorkflow(t *testing.T) {
	tests := []struct {
		name          string
		addresses     []string
		analyze       func(context.Context, AnalyzeWalletInput) (*analyzer.Analysis, error)
		record        func(context.Context, RecordAnalysisInput) (*RecordAnalysisResult, error)
		expectedError bool
		validate      func(*testing.T, *AnalyzeWalletsResult)
	}{
		{
			name:      "qualified and excluded wallets",
			addresses: []string{walletA, walletB},
			analyze: func(_ context.Context, in AnalyzeWalletInput) (*analyzer.Analysis, error) {
				return analysisFor(in), nil
			},
			record: func(context.Context, RecordAnalysisInput) (*RecordAnalysisResult, error) {
				return &RecordAnalysisResult{Stored: true, Published: true}, nil
			},
			validate: func(t *testing.T, r *AnalyzeWalletsResult) {
				assert.Equal(t, "run-1", r.RunID)
				assert.Equal(t, 2, r.Analyzed)
				assert.Equal(t, []string{walletA}, r.Qualified)
				assert.Equal(t, map[string]string{walletB: "low_win_rate"}, r.Excluded)
				assert.Empty(t, r.Errors)
				assert.Equal(t, 2, r.Recorded)
			},
		},
		{
			name:      "failed analysis is reported and not recorded",
			addresses: []string{walletA, walletC},
			analyze: func(_ context.Context, in AnalyzeWalletInput) (*analyzer.Analysis, error) {
				if in.Address == walletC {
					return nil, errors.New("rpc unavailable")
				}
				return analysisFor(in), nil
			},
			record: func(context.Context, RecordAnalysisInput) (*RecordAnalysisResult, error) {
				return &RecordAnalysisResult{Stored: true}, nil
			},
			validate: func(t *testing.T, r *AnalyzeWalletsResult) {
				assert.Equal(t, 1, r.Analyzed)
				assert.Equal(t, []string{walletA}, r.Qualified)
				assert.Contains(t, r.Errors, walletC)
				assert.Equal(t, 1, r.Recorded)
			},
		},
		{
			name:      "record failure does not fail the run",
			addresses: []string{walletA},
			analyze: func(_ context.Context, in AnalyzeWalletInput) (*analyzer.Analysis, error) {
				return analysisFor(in), nil
			},
			record: func(context.Context, RecordAnalysisInput) (*RecordAnalysisResult, error) {
				return nil, errors.New("database error")
			},
			validate: func(t *testing.T, r *AnalyzeWalletsResult) {
				assert.Equal(t, 1, r.Analyzed)
				assert.Equal(t, []string{walletA}, r.Qualified)
				assert.Equal(t, 0, r.Recorded)
			},
		},
		{
			name:      "empty batch",
			addresses: nil,
			validate: func(t *testing.T, r *AnalyzeWalletsResult) {
				assert.Equal(t, 0, r.Analyzed)
				assert.Empty(t, r.Qualified)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, activities := newWorkflowEnv(t)
			if tt.analyze != nil {
				env.OnActivity(activities.AnalyzeWallet, mock.Anything, mock.Anything).Return(tt.analyze)
			}
			if tt.record != nil {
				env.OnActivity(activities.RecordAnalysis, mock.Anything, mock.Anything).Return(tt.record)
			}

			env.ExecuteWorkflow(AnalyzeWalletsWorkflow, AnalyzeWalletsInput{
				RunID:     "run-1",
				Addresses: tt.addresses,
				Settings:  analyzer.DefaultSettings(),
			})

			require.True(t, env.IsWorkflowCompleted())
			if tt.expectedError {
				assert.Error(t, env.GetWorkflowError())
				return
			}
			require.NoError(t, env.GetWorkflowError())

			var result AnalyzeWalletsResult
			require.NoError(t, env.GetWorkflowResult(&result))
			tt.validate(t, &result)
		})
	}
}

func TestAnalyzeWalletsWorkflow_PassesRunIDAndSettings(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	settings := analyzer.DefaultSettings()
	settings.Timeframe = analyzer.TimeframeOneMonth
	settings.MinWinRate = 55

	var seen []AnalyzeWalletInput
	env.OnActivity(activities.AnalyzeWallet, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in AnalyzeWalletInput) (*analyzer.Analysis, error) {
			seen = append(seen, in)
			return analysisFor(in), nil
		})
	env.OnActivity(activities.RecordAnalysis, mock.Anything, mock.Anything).
		Return(&RecordAnalysisResult{Stored: true}, nil)

	env.ExecuteWorkflow(AnalyzeWalletsWorkflow, AnalyzeWalletsInput{
		RunID:       "run-42",
		Addresses:   []string{walletA, walletB, walletC},
		Settings:    settings,
		Concurrency: 1,
	})
	require.NoError(t, env.GetWorkflowError())

	require.Len(t, seen, 3)
	for _, in := range seen {
		assert.Equal(t, "run-42", in.RunID)
		assert.Equal(t, analyzer.TimeframeOneMonth, in.Settings.Timeframe)
		assert.Equal(t, 55.0, in.Settings.MinWinRate)
	}
}

func TestAnalyzeWalletsWorkflow_ActivityRetries(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	// Fail twice then succeed
	callCount := 0
	env.OnActivity(activities.AnalyzeWallet, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in AnalyzeWalletInput) (*analyzer.Analysis, error) {
			callCount++
			if callCount < 3 {
				return nil, errors.New("transient error")
			}
			return analysisFor(in), nil
		})
	env.OnActivity(activities.RecordAnalysis, mock.Anything, mock.Anything).
		Return(&RecordAnalysisResult{Stored: true}, nil)

	env.ExecuteWorkflow(AnalyzeWalletsWorkflow, AnalyzeWalletsInput{
		RunID:     "run-1",
		Addresses: []string{walletA},
		Settings:  analyzer.DefaultSettings(),
	})
	require.NoError(t, env.GetWorkflowError())

	var result AnalyzeWalletsResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, 3, callCount)
	assert.Equal(t, []string{walletA}, result.Qualified)
}

func TestAnalyzeWalletsWorkflow_InvalidSettings(t *testing.T) {
	env, _ := newWorkflowEnv(t)

	settings := analyzer.DefaultSettings()
	settings.MinWinRate = 150

	env.ExecuteWorkflow(AnalyzeWalletsWorkflow, AnalyzeWalletsInput{
		RunID:     "run-1",
		Addresses: []string{walletA},
		Settings:  settings,
	})
	assert.Error(t, env.GetWorkflowError())
}
