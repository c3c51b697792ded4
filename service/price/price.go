// Package price provides reference-currency (USD) prices for assets.
package price

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/walletpnl/service/pnl"
	"github.com/shopspring/decimal"
)

// ErrNoPrice is returned when a source has no price for an asset.
var ErrNoPrice = errors.New("no price")

// Source returns the current price of one unit of asset. asset is a symbol
// such as "SOL" or a mint address.
type Source interface {
	GetPrice(ctx context.Context, asset string) (decimal.Decimal, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, asset string) (decimal.Decimal, error)

func (f SourceFunc) GetPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	return f(ctx, asset)
}

// Static is a fixed price table keyed by symbol or mint.
type Static map[string]decimal.Decimal

func (s Static) GetPrice(_ context.Context, asset string) (decimal.Decimal, error) {
	if p, ok := s[asset]; ok {
		return p, nil
	}
	if p, ok := s[strings.ToUpper(asset)]; ok {
		return p, nil
	}
	return decimal.Zero, fmt.Errorf("%w for %s", ErrNoPrice, asset)
}

// ParseStatic builds a Static table from "ASSET=PRICE" pairs.
func ParseStatic(pairs []string) (Static, error) {
	out := make(Static, len(pairs))
	for _, pair := range pairs {
		asset, value, ok := strings.Cut(pair, "=")
		asset = strings.TrimSpace(asset)
		if !ok || asset == "" {
			return nil, fmt.Errorf("invalid price %q: expected ASSET=PRICE", pair)
		}
		p, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid price for %s: %w", asset, err)
		}
		out[asset] = p
	}
	return out, nil
}

// Chain tries each source in order and returns the first price found.
type Chain []Source

func (c Chain) GetPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	var errs []error
	for _, src := range c {
		p, err := src.GetPrice(ctx, asset)
		if err == nil {
			return p, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return decimal.Zero, fmt.Errorf("%w for %s", ErrNoPrice, asset)
	}
	return decimal.Zero, errors.Join(errs...)
}

// Lookup exposes a Source to the PnL aggregator. Sources only know current
// prices, so the trade time is ignored.
func Lookup(src Source) pnl.PriceLookup {
	return pnl.PriceLookupFunc(func(ctx context.Context, token string, _ time.Time) (decimal.Decimal, error) {
		return src.GetPrice(ctx, token)
	})
}
