package nats

import (
	"context"
	"sync"
)

// MockPublisher keeps published events in memory. Like the stream, it drops
// events whose MessageID it has already seen.
type MockPublisher struct {
	mu     sync.Mutex
	events []*AnalysisEvent
	seen   map[string]struct{}
	err    error
	closed bool
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{seen: make(map[string]struct{})}
}

func (m *MockPublisher) PublishAnalysis(ctx context.Context, event *AnalysisEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.record(event)
	return nil
}

// PublishAnalysisBatch never fails, matching JetStreamPublisher: a
// configured error drops the batch silently.
func (m *MockPublisher) PublishAnalysisBatch(ctx context.Context, events []*AnalysisEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil
	}
	for _, e := range events {
		m.record(e)
	}
	return nil
}

func (m *MockPublisher) record(event *AnalysisEvent) {
	id := event.MessageID()
	if _, dup := m.seen[id]; dup {
		return
	}
	m.seen[id] = struct{}{}
	m.events = append(m.events, event)
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Fail makes subsequent publishes return err. Fail(nil) restores success.
func (m *MockPublisher) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Events returns the recorded events, optionally only those for one wallet.
func (m *MockPublisher) Events(wallet ...string) []*AnalysisEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*AnalysisEvent, 0, len(m.events))
	for _, e := range m.events {
		if len(wallet) == 0 || e.WalletAddress == wallet[0] {
			out = append(out, e)
		}
	}
	return out
}

func (m *MockPublisher) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
