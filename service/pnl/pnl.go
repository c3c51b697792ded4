// Package pnl folds a wallet's classified transactions into realized and
// unrealized profit and loss, win rate and holding period.
package pnl

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/brojonat/walletpnl/service/metrics"
	"github.com/brojonat/walletpnl/service/solana"
	"github.com/shopspring/decimal"
)

// PriceLookup prices one unit of token in the reference currency at a point
// in time. Sources that only know the current price may ignore at.
type PriceLookup interface {
	PriceAt(ctx context.Context, token string, at time.Time) (decimal.Decimal, error)
}

// PriceLookupFunc adapts a function to PriceLookup.
type PriceLookupFunc func(ctx context.Context, token string, at time.Time) (decimal.Decimal, error)

func (f PriceLookupFunc) PriceAt(ctx context.Context, token string, at time.Time) (decimal.Decimal, error) {
	return f(ctx, token, at)
}

// Event is a buy or sell that was applied to the wallet's positions.
type Event struct {
	Type      solana.TransactionType `json:"type"`
	Signature string                 `json:"signature"`
	Token     string                 `json:"token"`
	Amount    decimal.Decimal        `json:"amount"`
	Price     decimal.Decimal        `json:"price"`
	Timestamp time.Time              `json:"timestamp"`
}

// OpenPosition is the unmatched acquisition of one token.
type OpenPosition struct {
	Token    string          `json:"token"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	OpenedAt time.Time       `json:"opened_at"`
}

// HoldingSummary is the average time between paired buy/sell events.
// Sufficient is false when fewer than two events exist, which is distinct
// from a genuine zero average.
type HoldingSummary struct {
	AverageMinutes float64 `json:"average_minutes"`
	Pairs          int     `json:"pairs"`
	Sufficient     bool    `json:"sufficient"`
}

// Result is the aggregate for one wallet.
type Result struct {
	Wallet           string          `json:"wallet"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL         decimal.Decimal `json:"total_pnl"`
	CapitalDeployed  decimal.Decimal `json:"capital_deployed"`
	WinRate          float64         `json:"win_rate"`
	ProfitableTrades int             `json:"profitable_trades"`
	TotalTrades      int             `json:"total_trades"`
	Events           []Event         `json:"events"`
	OpenPositions    []OpenPosition  `json:"open_positions"`
	Holding          HoldingSummary  `json:"holding"`
	Skipped          int             `json:"skipped"`
}

// Aggregator computes Results. It holds no per-wallet state and is safe for
// concurrent use.
type Aggregator struct {
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an Aggregator.
func New(m *metrics.Metrics, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		now:     time.Now,
		metrics: m,
		logger:  logger,
	}
}

// Aggregate scans txns in chronological order. Transactions that are not
// trades are ignored. A trade whose price cannot be determined is skipped,
// as is a sell with no open position for its token.
func (a *Aggregator) Aggregate(ctx context.Context, wallet string, txns []solana.Transaction, prices PriceLookup) Result {
	ordered := make([]solana.Transaction, len(txns))
	copy(ordered, txns)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].Signature < ordered[j].Signature
	})

	res := Result{
		Wallet:          wallet,
		RealizedPnL:     decimal.Zero,
		UnrealizedPnL:   decimal.Zero,
		CapitalDeployed: decimal.Zero,
		Events:          []Event{},
		OpenPositions:   []OpenPosition{},
	}
	positions := make(map[string]OpenPosition)
	skipped := make(map[string]int)

	for _, txn := range ordered {
		if !txn.IsTrade() {
			continue
		}

		if txn.Type == solana.TypeSell {
			if _, ok := positions[txn.Token]; !ok {
				a.logger.DebugContext(ctx, "sell without open position, skipping",
					"wallet", wallet,
					"signature", txn.Signature,
					"token", txn.Token,
				)
				skipped["no_position"]++
				continue
			}
		}

		price, ok := a.price(ctx, prices, txn.Token, txn.Timestamp)
		if !ok {
			a.logger.WarnContext(ctx, "no price for trade, skipping",
				"wallet", wallet,
				"signature", txn.Signature,
				"token", txn.Token,
				"type", txn.Type,
			)
			skipped["no_price"]++
			continue
		}

		switch txn.Type {
		case solana.TypeBuy:
			if prev, ok := positions[txn.Token]; ok {
				res.UnrealizedPnL = res.UnrealizedPnL.Add(prev.Quantity.Mul(prev.Price))
			}
			cost := txn.Amount.Mul(price)
			res.UnrealizedPnL = res.UnrealizedPnL.Sub(cost)
			res.CapitalDeployed = res.CapitalDeployed.Add(cost)
			positions[txn.Token] = OpenPosition{
				Token:    txn.Token,
				Price:    price,
				Quantity: txn.Amount,
				OpenedAt: txn.Timestamp,
			}

		case solana.TypeSell:
			pos := positions[txn.Token]
			res.RealizedPnL = res.RealizedPnL.Add(txn.Amount.Mul(price.Sub(pos.Price)))
			res.UnrealizedPnL = res.UnrealizedPnL.Add(pos.Quantity.Mul(pos.Price))
			if price.GreaterThan(pos.Price) {
				res.ProfitableTrades++
			}
			res.TotalTrades++
			delete(positions, txn.Token)
		}

		res.Events = append(res.Events, Event{
			Type:      txn.Type,
			Signature: txn.Signature,
			Token:     txn.Token,
			Amount:    txn.Amount,
			Price:     price,
			Timestamp: txn.Timestamp,
		})
	}

	// Mark what is still open at the current price.
	now := a.now()
	tokens := make([]string, 0, len(positions))
	for token := range positions {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	for _, token := range tokens {
		pos := positions[token]
		res.OpenPositions = append(res.OpenPositions, pos)
		current, ok := a.price(ctx, prices, token, now)
		if !ok {
			a.logger.WarnContext(ctx, "no current price for open position, valuing at zero",
				"wallet", wallet,
				"token", token,
			)
			continue
		}
		res.UnrealizedPnL = res.UnrealizedPnL.Add(pos.Quantity.Mul(current))
	}

	res.TotalPnL = res.RealizedPnL.Add(res.UnrealizedPnL)
	res.WinRate = WinRate(res.ProfitableTrades, res.TotalTrades)
	res.Holding = HoldingPeriod(res.Events)

	for reason, n := range skipped {
		res.Skipped += n
		if a.metrics != nil {
			a.metrics.RecordTransactionsSkipped(reason, n)
		}
	}
	return res
}

func (a *Aggregator) price(ctx context.Context, prices PriceLookup, token string, at time.Time) (decimal.Decimal, bool) {
	if prices == nil {
		return decimal.Zero, false
	}
	p, err := prices.PriceAt(ctx, token, at)
	if err != nil {
		a.logger.DebugContext(ctx, "price lookup failed",
			"token", token,
			"error", err,
		)
		return decimal.Zero, false
	}
	if !p.IsPositive() {
		return decimal.Zero, false
	}
	return p, true
}

// WinRate returns profitable/total as a percentage, 0 when total is 0.
func WinRate(profitable, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(profitable) / float64(total) * 100
}

// HoldingPeriod pairs events positionally (0 with 1, 2 with 3, ...) and
// averages the minutes between the members of each pair. Pairing ignores
// tokens and event types; a trailing unpaired event is dropped.
func HoldingPeriod(events []Event) HoldingSummary {
	if len(events) < 2 {
		return HoldingSummary{}
	}
	var total float64
	pairs := 0
	for i := 1; i < len(events); i += 2 {
		total += events[i].Timestamp.Sub(events[i-1].Timestamp).Minutes()
		pairs++
	}
	return HoldingSummary{
		AverageMinutes: total / float64(pairs),
		Pairs:          pairs,
		Sufficient:     true,
	}
}
