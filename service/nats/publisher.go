package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/walletpnl/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher sends analysis events to subscribers.
type Publisher interface {
	// PublishAnalysis publishes one event on Subject(event.WalletAddress).
	PublishAnalysis(ctx context.Context, event *AnalysisEvent) error

	// PublishAnalysisBatch publishes the events of a batch run. Failures of
	// individual events are logged and do not stop the batch.
	PublishAnalysisBatch(ctx context.Context, events []*AnalysisEvent) error

	Close() error
}

const (
	StreamName     = "WALLET_ANALYSES"
	StreamSubjects = "analyses.*"

	// StreamRetention bounds how long events stay replayable.
	StreamRetention = 90 * 24 * time.Hour

	// DuplicateWindow is how long a MessageID is remembered by the stream.
	DuplicateWindow = 2 * time.Hour
)

// Subject returns the subject an analysis of address is published on.
func Subject(address string) string {
	return "analyses." + address
}

// StreamConfig is the JetStream stream every publisher converges on.
func StreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Wallet PnL analyses",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Duplicates:  DuplicateWindow,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	}
}

// JetStreamPublisher publishes analysis events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPublisher connects to natsURL and creates or updates the analyses
// stream. m may be nil.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	logger = logger.With("component", "nats_publisher")

	nc, err := nats.Connect(natsURL,
		nats.Name("walletpnl-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := js.CreateOrUpdateStream(ctx, StreamConfig())
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream %s: %w", StreamName, err)
	}
	logger.Info("NATS publisher ready",
		"url", natsURL,
		"stream", StreamName,
		"messages", stream.CachedInfo().State.Msgs,
	)

	return &JetStreamPublisher{nc: nc, js: js, metrics: m, logger: logger}, nil
}

// PublishAnalysis publishes a single analysis event. Republishing the same
// analysis within DuplicateWindow is acknowledged but not stored twice.
func (p *JetStreamPublisher) PublishAnalysis(ctx context.Context, event *AnalysisEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis event: %w", err)
	}

	subject := Subject(event.WalletAddress)
	start := time.Now()
	ack, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.MessageID()))
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.RecordNATSPublish(StreamSubjects, status, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("failed to publish analysis of %s: %w", event.WalletAddress, err)
	}

	p.logger.Debug("published analysis event",
		"subject", subject,
		"run_id", event.RunID,
		"qualified", event.Qualified,
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate,
	)
	return nil
}

func (p *JetStreamPublisher) PublishAnalysisBatch(ctx context.Context, events []*AnalysisEvent) error {
	failed := 0
	for _, event := range events {
		if err := p.PublishAnalysis(ctx, event); err != nil {
			p.logger.Error("failed to publish analysis in batch",
				"wallet", event.WalletAddress,
				"run_id", event.RunID,
				"error", err,
			)
			failed++
		}
	}
	if len(events) > 0 {
		p.logger.Debug("published analysis batch", "count", len(events), "failed", failed)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (p *JetStreamPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
