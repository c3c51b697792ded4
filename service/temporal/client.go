package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/walletpnl/service/metrics"
	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
)

// Client starts and tracks analysis runs on Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// dial connects to Temporal with the SDK logging through logger.
func dial(host, namespace string, logger *slog.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal at %s: %w", host, err)
	}
	return c, nil
}

// NewClient connects to Temporal for starting runs on taskQueue.
func NewClient(host, namespace, taskQueue string, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "temporal_client")

	c, err := dial(host, namespace, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("connected to temporal", "host", host, "namespace", namespace, "task_queue", taskQueue)

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		metrics:   m,
		logger:    logger,
	}, nil
}

// StartAnalysisBatch starts AnalyzeWalletsWorkflow and returns its run id
// without waiting for completion. An empty input.RunID is replaced by a new
// UUID; the run id doubles as the workflow id.
func (c *Client) StartAnalysisBatch(ctx context.Context, input AnalyzeWalletsInput) (string, error) {
	if len(input.Addresses) == 0 {
		return "", fmt.Errorf("at least one address is required")
	}
	if input.RunID == "" {
		input.RunID = uuid.NewString()
	}

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID(input.RunID),
		TaskQueue: c.taskQueue,
	}, AnalyzeWalletsWorkflow, input)
	if err != nil {
		c.logger.Error("failed to start analysis batch",
			"run_id", input.RunID,
			"error", err,
		)
		return "", fmt.Errorf("failed to start analysis batch %q: %w", input.RunID, err)
	}

	c.logger.Info("analysis batch started",
		"run_id", input.RunID,
		"workflow_id", run.GetID(),
		"wallets", len(input.Addresses),
	)
	return input.RunID, nil
}

// RunAnalysisBatch starts a batch and blocks until it completes.
func (c *Client) RunAnalysisBatch(ctx context.Context, input AnalyzeWalletsInput) (*AnalyzeWalletsResult, error) {
	done := metrics.Since(time.Now())
	runID, err := c.StartAnalysisBatch(ctx, input)
	if err != nil {
		return nil, err
	}
	result, err := c.GetAnalysisBatch(ctx, runID)

	if c.metrics != nil {
		status := "completed"
		if err != nil {
			status = "failed"
		}
		c.metrics.RecordWorkflowDuration(status, done())
	}
	return result, err
}

// GetAnalysisBatch waits for the batch identified by runID and returns its
// summary.
func (c *Client) GetAnalysisBatch(ctx context.Context, runID string) (*AnalyzeWalletsResult, error) {
	var result AnalyzeWalletsResult
	if err := c.client.GetWorkflow(ctx, workflowID(runID), "").Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("analysis batch %q: %w", runID, err)
	}
	return &result, nil
}

// UpsertAnalysisSchedule creates or updates a schedule that re-analyzes the
// same wallets every interval. Each scheduled run gets the workflow id as its
// run id.
func (c *Client) UpsertAnalysisSchedule(ctx context.Context, name string, input AnalyzeWalletsInput, interval time.Duration) error {
	id := scheduleID(name)
	input.RunID = ""

	c.logger.Debug("upserting analysis schedule",
		"schedule_id", id,
		"wallets", len(input.Addresses),
		"interval", interval,
	)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err != nil {
		// Schedule doesn't exist or error getting it - create new one
		_, err = c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
			ID: id,
			Spec: client.ScheduleSpec{
				Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
			},
			Action: &client.ScheduleWorkflowAction{
				ID:        "analyze-wallets-" + name,
				Workflow:  AnalyzeWalletsWorkflow,
				TaskQueue: c.taskQueue,
				Args:      []interface{}{input},
			},
			Memo: map[string]interface{}{
				"wallets":    len(input.Addresses),
				"timeframe":  input.Settings.Timeframe.String(),
				"created_by": "walletpnl",
			},
		})
		if err != nil {
			c.logger.Error("failed to create schedule", "schedule_id", id, "error", err)
			return fmt.Errorf("failed to create schedule %q: %w", id, err)
		}
		c.logger.Info("analysis schedule created", "schedule_id", id, "interval", interval)
		return nil
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(u client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			u.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{{Every: interval}}
			if action, ok := u.Description.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
				action.Args = []interface{}{input}
			}
			return &client.ScheduleUpdate{
				Schedule: &u.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule", "schedule_id", id, "error", err)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.Info("analysis schedule updated", "schedule_id", id, "interval", interval)
	return nil
}

// DeleteAnalysisSchedule deletes a schedule created by UpsertAnalysisSchedule.
func (c *Client) DeleteAnalysisSchedule(ctx context.Context, name string) error {
	id := scheduleID(name)
	if err := c.client.ScheduleClient().GetHandle(ctx, id).Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule", "schedule_id", id, "error", err)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}
	c.logger.Info("analysis schedule deleted", "schedule_id", id)
	return nil
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

func workflowID(runID string) string {
	return "analyze-wallets-" + runID
}

func scheduleID(name string) string {
	return "analyze-wallets-schedule-" + name
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
