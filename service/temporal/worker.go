package temporal

import (
	"fmt"
	"log/slog"

	"github.com/brojonat/walletpnl/service/metrics"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// WorkerConfig wires a worker to Temporal and to the analysis pipeline.
type WorkerConfig struct {
	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string

	Analyzer  AnalyzerInterface
	Store     StoreInterface     // nil skips persistence
	Publisher PublisherInterface // nil skips publishing
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// MaxConcurrentActivities bounds wallets analyzed at once by this
	// worker. Defaults to 10.
	MaxConcurrentActivities int
}

// Worker runs AnalyzeWalletsWorkflow and its activities.
type Worker struct {
	client client.Client
	worker worker.Worker
	logger *slog.Logger
}

// Register adds the analysis workflow and activities to r.
func Register(r worker.Registry, activities *Activities) {
	r.RegisterWorkflow(AnalyzeWalletsWorkflow)
	r.RegisterActivity(activities.AnalyzeWallet)
	r.RegisterActivity(activities.RecordAnalysis)
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Analyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConcurrentActivities <= 0 {
		cfg.MaxConcurrentActivities = 10
	}
	logger := cfg.Logger.With("component", "temporal_worker", "task_queue", cfg.TaskQueue)

	c, err := dial(cfg.TemporalHost, cfg.TemporalNamespace, logger)
	if err != nil {
		return nil, err
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: cfg.MaxConcurrentActivities,
	})
	Register(w, NewActivities(cfg.Analyzer, cfg.Store, cfg.Publisher, cfg.Metrics, logger))
	logger.Info("temporal worker configured",
		"max_concurrent_activities", cfg.MaxConcurrentActivities,
		"store", cfg.Store != nil,
		"publisher", cfg.Publisher != nil,
	)

	return &Worker{client: c, worker: w, logger: logger}, nil
}

// Start blocks until Stop is called or the process is interrupted.
func (w *Worker) Start() error {
	if err := w.worker.Run(worker.InterruptCh()); err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) Stop() {
	w.worker.Stop()
	w.client.Close()
}
