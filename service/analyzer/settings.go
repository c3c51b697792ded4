package analyzer

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe restricts analysis to recent transactions. "1", "3", "6" and
// "12" are months; anything else covers the whole fetched history.
type Timeframe string

const (
	TimeframeOneMonth    Timeframe = "1"
	TimeframeThreeMonths Timeframe = "3"
	TimeframeSixMonths   Timeframe = "6"
	TimeframeOneYear     Timeframe = "12"
	TimeframeOverall     Timeframe = "overall"
)

// Days returns the window length in days, or 0 for overall.
func (t Timeframe) Days() int {
	switch t {
	case TimeframeOneMonth:
		return 30
	case TimeframeThreeMonths:
		return 90
	case TimeframeSixMonths:
		return 180
	case TimeframeOneYear:
		return 365
	default:
		return 0
	}
}

// Contains reports whether ts falls inside the window ending at now. Age is
// counted in whole days, so a transaction 30 days and 23 hours old is still
// inside a one-month window.
func (t Timeframe) Contains(ts, now time.Time) bool {
	days := t.Days()
	if days == 0 {
		return true
	}
	age := int(now.Sub(ts).Hours() / 24)
	return age <= days
}

func (t Timeframe) String() string {
	if t.Days() == 0 {
		return string(TimeframeOverall)
	}
	return string(t)
}

// Settings are the inclusion thresholds for one run. They are echoed back in
// every result.
type Settings struct {
	Timeframe            Timeframe       `json:"timeframe"`
	MinWalletCapital     decimal.Decimal `json:"min_wallet_capital"`
	MinAvgHoldingMinutes float64         `json:"min_avg_holding_minutes"`
	MinWinRate           float64         `json:"min_win_rate"`
	MinTotalPnL          decimal.Decimal `json:"min_total_pnl"`
	MaxTransactions      int             `json:"max_transactions"`
}

// DefaultSettings returns the thresholds used when none are given.
func DefaultSettings() Settings {
	return Settings{
		Timeframe:            TimeframeThreeMonths,
		MinWalletCapital:     decimal.NewFromInt(1000),
		MinAvgHoldingMinutes: 60,
		MinWinRate:           30,
		MinTotalPnL:          decimal.NewFromInt(500),
		MaxTransactions:      50,
	}
}

// Validate checks the settings for values no wallet could meet sensibly.
func (s Settings) Validate() error {
	var errs []error
	if s.MinWalletCapital.IsNegative() {
		errs = append(errs, fmt.Errorf("min wallet capital must not be negative, got %s", s.MinWalletCapital))
	}
	if s.MinAvgHoldingMinutes < 0 {
		errs = append(errs, fmt.Errorf("min average holding period must not be negative, got %v", s.MinAvgHoldingMinutes))
	}
	if s.MinWinRate < 0 || s.MinWinRate > 100 {
		errs = append(errs, fmt.Errorf("min win rate must be between 0 and 100, got %v", s.MinWinRate))
	}
	if s.MaxTransactions < 1 {
		errs = append(errs, fmt.Errorf("max transactions must be at least 1, got %d", s.MaxTransactions))
	}
	if _, err := ParseTimeframe(string(s.Timeframe)); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, errors.Join(errs...))
	}
	return nil
}

// ParseTimeframe accepts "1", "3", "6", "12" and "overall". Empty means
// overall.
func ParseTimeframe(s string) (Timeframe, error) {
	switch t := Timeframe(s); t {
	case TimeframeOneMonth, TimeframeThreeMonths, TimeframeSixMonths, TimeframeOneYear, TimeframeOverall:
		return t, nil
	case "":
		return TimeframeOverall, nil
	default:
		return "", fmt.Errorf("%w: unknown timeframe %q (want 1, 3, 6, 12 or overall)", ErrInvalidSettings, s)
	}
}

// Overrides replaces individual thresholds; nil fields keep the base value.
// It is the wire form of settings in API requests.
type Overrides struct {
	Timeframe            *string          `json:"timeframe,omitempty"`
	MinWalletCapital     *decimal.Decimal `json:"min_wallet_capital,omitempty"`
	MinAvgHoldingMinutes *float64         `json:"min_avg_holding_minutes,omitempty"`
	MinWinRate           *float64         `json:"min_win_rate,omitempty"`
	MinTotalPnL          *decimal.Decimal `json:"min_total_pnl,omitempty"`
	MaxTransactions      *int             `json:"max_transactions,omitempty"`
}

// Apply returns base with the set fields replaced, validated.
func (o *Overrides) Apply(base Settings) (Settings, error) {
	s := base
	if o != nil {
		if o.Timeframe != nil {
			tf, err := ParseTimeframe(*o.Timeframe)
			if err != nil {
				return Settings{}, err
			}
			s.Timeframe = tf
		}
		if o.MinWalletCapital != nil {
			s.MinWalletCapital = *o.MinWalletCapital
		}
		if o.MinAvgHoldingMinutes != nil {
			s.MinAvgHoldingMinutes = *o.MinAvgHoldingMinutes
		}
		if o.MinWinRate != nil {
			s.MinWinRate = *o.MinWinRate
		}
		if o.MinTotalPnL != nil {
			s.MinTotalPnL = *o.MinTotalPnL
		}
		if o.MaxTransactions != nil {
			s.MaxTransactions = *o.MaxTransactions
		}
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}
