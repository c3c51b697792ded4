package nats

import (
	"fmt"
	"time"

	"github.com/brojonat/walletpnl/service/analyzer"
	"github.com/shopspring/decimal"
)

// AnalysisEvent represents a wallet analysis published to NATS.
// This is published to the subject "analyses.{wallet_address}" in JetStream.
type AnalysisEvent struct {
	// Identifiers
	WalletAddress string `json:"wallet_address"`
	RunID         string `json:"run_id,omitempty"`

	// Verdict
	Qualified bool   `json:"qualified"`
	Reason    string `json:"reason,omitempty"`

	// Metrics, zero when the wallet was excluded before its history was read
	TotalPnL          decimal.Decimal `json:"total_pnl"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	WinRate           float64         `json:"win_rate"`
	TotalTrades       int             `json:"total_trades"`
	AvgHoldingMinutes float64         `json:"avg_holding_minutes"`
	Transactions      int             `json:"transactions"`

	// Timing information
	AnalyzedAt time.Time `json:"analyzed_at"`

	// Metadata
	PublishedAt time.Time `json:"published_at"`
}

// FromAnalysis converts an analysis to an AnalysisEvent for publishing.
func FromAnalysis(an *analyzer.Analysis) *AnalysisEvent {
	event := &AnalysisEvent{
		WalletAddress: an.Address,
		RunID:         an.RunID,
		Qualified:     !an.Excluded,
		Reason:        string(an.Reason),
		TotalPnL:      decimal.Zero,
		RealizedPnL:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		AnalyzedAt:    an.AnalyzedAt,
		PublishedAt:   time.Now().UTC(),
	}

	if r := an.Result; r != nil {
		event.TotalPnL = r.TotalPnL
		event.RealizedPnL = r.RealizedPnL
		event.UnrealizedPnL = r.UnrealizedPnL
		event.WinRate = r.WinRate
		event.TotalTrades = r.TotalTrades
		event.AvgHoldingMinutes = r.Holding.AverageMinutes
		event.Transactions = r.Transactions
	}

	return event
}

// MessageID identifies one analysis of one wallet. JetStream drops a second
// publish with the same ID inside the stream's duplicate window, which keeps
// retried activities from emitting the event twice.
func (e *AnalysisEvent) MessageID() string {
	return fmt.Sprintf("%s:%s:%d", e.RunID, e.WalletAddress, e.AnalyzedAt.UnixNano())
}
