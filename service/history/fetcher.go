// Package history retrieves a wallet's signature history, transaction
// details, balances and token account metadata over the RPC client.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/walletpnl/service/cache"
	"github.com/brojonat/walletpnl/service/decoder"
	"github.com/brojonat/walletpnl/service/metrics"
	"github.com/brojonat/walletpnl/service/retry"
	"github.com/brojonat/walletpnl/service/rpc"
	"github.com/brojonat/walletpnl/service/solana"
	"github.com/shopspring/decimal"
)

// Caller is the RPC surface the fetcher needs. *rpc.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, params []interface{}, out interface{}) error
}

// Config controls paging, retries and caching.
type Config struct {
	PageSize          int
	MaxIterations     int
	MaxDuplicatePages int
	DetailRetry       retry.Policy

	DetailCache  cache.Config
	BalanceCache cache.Config
	TokenCache   cache.Config
}

// DefaultConfig returns the defaults used by the CLI and services.
func DefaultConfig() Config {
	return Config{
		PageSize:          100,
		MaxIterations:     10,
		MaxDuplicatePages: 3,
		DetailRetry: retry.Policy{
			MaxAttempts: 2,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
		},
		DetailCache:  cache.Config{MaxEntries: 3000, TTL: 10 * time.Minute},
		BalanceCache: cache.Config{MaxEntries: 1000, TTL: time.Minute},
		TokenCache:   cache.Config{MaxEntries: 3000, TTL: time.Hour},
	}
}

// Fetcher is safe for concurrent use; its caches are shared across workers.
type Fetcher struct {
	rpc      Caller
	cfg      Config
	details  *cache.TTL[*solana.RawTransaction]
	balances *cache.TTL[decimal.Decimal]
	tokens   *cache.TTL[decoder.TokenInfo]
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Fetcher. Zero-valued paging fields fall back to DefaultConfig.
func New(rpcClient Caller, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Fetcher {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MaxDuplicatePages <= 0 {
		cfg.MaxDuplicatePages = def.MaxDuplicatePages
	}
	if cfg.DetailRetry.MaxAttempts <= 0 {
		cfg.DetailRetry = def.DetailRetry
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Fetcher{
		rpc:      rpcClient,
		cfg:      cfg,
		details:  cache.New[*solana.RawTransaction](cfg.DetailCache),
		balances: cache.New[decimal.Decimal](cfg.BalanceCache),
		tokens:   cache.New[decoder.TokenInfo](cfg.TokenCache),
		metrics:  m,
		logger:   logger,
	}
}

// FetchSignatures pages backwards through address's history and returns at
// most maxCount signatures, newest first. A page whose first signature equals
// the last accumulated one (or that brings nothing new) is a duplicate: it is
// discarded, the cursor stays put, and MaxDuplicatePages consecutive
// duplicates end the fetch. An RPC failure is returned only when nothing has
// been accumulated yet; otherwise the partial history is returned.
func (f *Fetcher) FetchSignatures(ctx context.Context, address string, maxCount int) ([]solana.SignatureInfo, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	var (
		all        []solana.SignatureInfo
		seen       = make(map[string]struct{})
		before     string
		duplicates int
	)

	for iteration := 0; iteration < f.cfg.MaxIterations && len(all) < maxCount; iteration++ {
		opts := map[string]interface{}{"limit": f.cfg.PageSize}
		if before != "" {
			opts["before"] = before
		}

		var page []solana.SignatureInfo
		if err := f.rpc.Call(ctx, "getSignaturesForAddress", []interface{}{address, opts}, &page); err != nil {
			if len(all) == 0 {
				return nil, fmt.Errorf("fetch signatures for %s: %w", address, err)
			}
			f.logger.WarnContext(ctx, "signature page failed, returning partial history",
				"wallet", address,
				"iteration", iteration,
				"accumulated", len(all),
				"error", err,
			)
			break
		}
		if f.metrics != nil {
			f.metrics.RecordSignaturesPerPage(len(page))
		}

		if len(page) == 0 {
			break
		}

		if f.isDuplicatePage(page, all, seen) {
			duplicates++
			if f.metrics != nil {
				f.metrics.RecordDuplicatePage()
			}
			f.logger.WarnContext(ctx, "duplicate signature page",
				"wallet", address,
				"first_signature", page[0].Signature,
				"consecutive", duplicates,
			)
			if duplicates >= f.cfg.MaxDuplicatePages {
				break
			}
			continue
		}
		duplicates = 0

		for _, sig := range page {
			if _, ok := seen[sig.Signature]; ok {
				continue
			}
			seen[sig.Signature] = struct{}{}
			all = append(all, sig)
			if len(all) >= maxCount {
				break
			}
		}

		before = page[len(page)-1].Signature
		if len(page) < f.cfg.PageSize {
			break
		}
	}

	f.logger.DebugContext(ctx, "fetched signatures",
		"wallet", address,
		"count", len(all),
	)
	return all, nil
}

func (f *Fetcher) isDuplicatePage(page, all []solana.SignatureInfo, seen map[string]struct{}) bool {
	if len(all) == 0 {
		return false
	}
	if page[0].Signature == all[len(all)-1].Signature {
		return true
	}
	for _, sig := range page {
		if _, ok := seen[sig.Signature]; !ok {
			return false
		}
	}
	return true
}

// FetchDetails returns the jsonParsed transaction for signature. A null
// result (not yet visible to the node) is retried per DetailRetry; transport
// failures were already retried by the RPC client.
func (f *Fetcher) FetchDetails(ctx context.Context, signature string) (*solana.RawTransaction, error) {
	if tx, ok := f.details.Get(signature); ok {
		f.recordCache("transactions", true)
		return tx, nil
	}
	f.recordCache("transactions", false)

	params := []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "jsonParsed",
			"maxSupportedTransactionVersion": 0,
		},
	}

	var tx *solana.RawTransaction
	err := retry.Do(ctx, f.cfg.DetailRetry, func(ctx context.Context, attempt int) error {
		var out solana.RawTransaction
		err := f.rpc.Call(ctx, "getTransaction", params, &out)
		if err == nil {
			tx = &out
			return nil
		}
		if errors.Is(err, rpc.ErrNoResult) {
			f.logger.DebugContext(ctx, "transaction not available yet",
				"signature", signature,
				"attempt", attempt+1,
			)
			return err
		}
		return retry.Permanent(err)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch details for %s: %w", signature, err)
	}

	f.details.Add(signature, tx)
	return tx, nil
}

type balanceResult struct {
	Value uint64 `json:"value"`
}

// FetchBalance returns address's native balance in SOL.
func (f *Fetcher) FetchBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if bal, ok := f.balances.Get(address); ok {
		f.recordCache("balances", true)
		return bal, nil
	}
	f.recordCache("balances", false)

	var out balanceResult
	if err := f.rpc.Call(ctx, "getBalance", []interface{}{address}, &out); err != nil {
		return decimal.Zero, fmt.Errorf("fetch balance for %s: %w", address, err)
	}

	bal := solana.LamportsToSOL(out.Value)
	f.balances.Add(address, bal)
	return bal, nil
}

type accountInfoResult struct {
	Value *struct {
		Owner string          `json:"owner"`
		Data  json.RawMessage `json:"data"`
	} `json:"value"`
}

// parsedAccountData is the jsonParsed shape of SPL token and mint accounts.
// Accounts the node cannot parse come back as [data, encoding] arrays.
type parsedAccountData struct {
	Program string `json:"program"`
	Parsed  struct {
		Type string `json:"type"`
		Info struct {
			Mint        string `json:"mint"`
			Owner       string `json:"owner"`
			Decimals    *uint8 `json:"decimals"`
			TokenAmount *struct {
				Decimals uint8 `json:"decimals"`
			} `json:"tokenAmount"`
		} `json:"info"`
	} `json:"parsed"`
}

// ResolveToken identifies the mint behind a token account (or a mint account
// itself) via getAccountInfo. It implements decoder.TokenResolver.
func (f *Fetcher) ResolveToken(ctx context.Context, account string) (decoder.TokenInfo, error) {
	if info, ok := f.tokens.Get(account); ok {
		f.recordCache("tokens", true)
		return info, nil
	}
	f.recordCache("tokens", false)

	if meta, ok := solana.LookupMint(account); ok {
		info := decoder.TokenInfo{Mint: meta.Mint, Symbol: meta.Symbol, Decimals: meta.Decimals}
		f.tokens.Add(account, info)
		return info, nil
	}

	var out accountInfoResult
	params := []interface{}{account, map[string]interface{}{"encoding": "jsonParsed"}}
	if err := f.rpc.Call(ctx, "getAccountInfo", params, &out); err != nil {
		return decoder.TokenInfo{}, fmt.Errorf("resolve token account %s: %w", account, err)
	}
	if out.Value == nil {
		return decoder.TokenInfo{}, fmt.Errorf("resolve token account %s: account not found", account)
	}

	var data parsedAccountData
	if err := json.Unmarshal(out.Value.Data, &data); err != nil {
		return decoder.TokenInfo{}, fmt.Errorf("resolve token account %s: not a parsed account (owner %s)", account, out.Value.Owner)
	}

	parsed := data.Parsed
	var info decoder.TokenInfo
	switch parsed.Type {
	case "account":
		info = decoder.TokenInfo{Mint: parsed.Info.Mint, Owner: parsed.Info.Owner, Decimals: solana.DefaultDecimals}
		if parsed.Info.TokenAmount != nil {
			info.Decimals = parsed.Info.TokenAmount.Decimals
		}
	case "mint":
		info = decoder.TokenInfo{Mint: account, Decimals: solana.DefaultDecimals}
		if parsed.Info.Decimals != nil {
			info.Decimals = *parsed.Info.Decimals
		}
	default:
		return decoder.TokenInfo{}, fmt.Errorf("resolve token account %s: not a token account (program %q)", account, data.Program)
	}
	info.Symbol = solana.SymbolForMint(info.Mint)

	f.tokens.Add(account, info)
	return info, nil
}

func (f *Fetcher) recordCache(name string, hit bool) {
	if f.metrics != nil {
		f.metrics.RecordCacheLookup(name, hit)
	}
}
