package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/walletpnl/service/metrics"
	"github.com/brojonat/walletpnl/service/solana"
	"github.com/shopspring/decimal"
)

// DefaultDexScreenerURL is the public DexScreener API.
const DefaultDexScreenerURL = "https://api.dexscreener.com"

const sourceDexScreener = "dexscreener"

// DexScreener prices tokens from the DexScreener token pairs endpoint.
type DexScreener struct {
	baseURL string
	client  *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDexScreener creates a DexScreener source. An empty baseURL uses the
// public API; a nil client gets a 10s timeout.
func NewDexScreener(baseURL string, client *http.Client, m *metrics.Metrics, logger *slog.Logger) *DexScreener {
	if baseURL == "" {
		baseURL = DefaultDexScreenerURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DexScreener{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		metrics: m,
		logger:  logger,
	}
}

type dexPairsResponse struct {
	Pairs []struct {
		ChainID   string `json:"chainId"`
		DexID     string `json:"dexId"`
		PriceUSD  string `json:"priceUsd"`
		BaseToken struct {
			Address string `json:"address"`
			Symbol  string `json:"symbol"`
		} `json:"baseToken"`
	} `json:"pairs"`
}

// GetPrice returns the USD price of asset from the first Solana pair that
// has the asset as its base token. Symbols of well-known tokens are mapped
// to their mints; SOL is priced through wrapped SOL.
func (d *DexScreener) GetPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	mint := solana.MintForSymbol(asset)
	if _, err := solana.ValidateAddress(mint); err != nil {
		d.record("unknown_asset")
		return decimal.Zero, fmt.Errorf("%w for %s: not a known symbol or mint", ErrNoPrice, asset)
	}

	endpoint := fmt.Sprintf("%s/latest/dex/tokens/%s", d.baseURL, url.PathEscape(mint))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build price request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.record("error")
		return decimal.Zero, fmt.Errorf("price request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		d.record("error")
		return decimal.Zero, fmt.Errorf("price status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload dexPairsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		d.record("error")
		return decimal.Zero, fmt.Errorf("decode price response: %w", err)
	}

	for _, pair := range payload.Pairs {
		if pair.ChainID != "" && pair.ChainID != "solana" {
			continue
		}
		if pair.BaseToken.Address != "" && pair.BaseToken.Address != mint {
			continue
		}
		p, err := decimal.NewFromString(pair.PriceUSD)
		if err != nil || !p.IsPositive() {
			continue
		}
		d.record("success")
		d.logger.DebugContext(ctx, "fetched price",
			"asset", asset,
			"mint", mint,
			"dex", pair.DexID,
			"price_usd", p.String(),
		)
		return p, nil
	}

	d.record("not_found")
	return decimal.Zero, fmt.Errorf("%w for %s", ErrNoPrice, asset)
}

func (d *DexScreener) record(status string) {
	if d.metrics != nil {
		d.metrics.RecordPriceLookup(sourceDexScreener, status)
	}
}
