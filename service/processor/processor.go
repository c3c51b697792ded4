// Package processor turns a raw getTransaction result into a classified
// solana.Transaction from one wallet's point of view.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/walletpnl/service/decoder"
	"github.com/brojonat/walletpnl/service/metrics"
	"github.com/brojonat/walletpnl/service/solana"
	"github.com/shopspring/decimal"
)

// Processor drives the decoder over a transaction's instructions. The first
// instruction that decodes to a transfer decides the transaction; later
// instructions are not inspected.
type Processor struct {
	resolver decoder.TokenResolver
	defaults uint8
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Processor. resolver identifies token accounts that the
// transaction's own token balances do not describe; it may be nil.
func New(resolver decoder.TokenResolver, defaultDecimals uint8, m *metrics.Metrics, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		resolver: resolver,
		defaults: defaultDecimals,
		now:      time.Now,
		metrics:  m,
		logger:   logger,
	}
}

// Process classifies raw for wallet. accountKeys is the transaction's key
// table; when nil it is taken from raw. Process never fails: malformed or
// unrecognized instructions yield an "unknown" transaction carrying the fee.
func (p *Processor) Process(ctx context.Context, wallet string, raw *solana.RawTransaction, accountKeys []string) solana.Transaction {
	if raw == nil {
		raw = &solana.RawTransaction{}
	}
	if accountKeys == nil {
		accountKeys = raw.AccountKeys()
	}
	signature := raw.Signature()
	fee := solana.LamportsToSOL(raw.FeeLamports())

	ts, ok := raw.Time()
	backfilled := false
	if !ok {
		ts = p.now().UTC()
		backfilled = true
		p.logger.WarnContext(ctx, "transaction has no block time, using current time",
			"signature", signature,
		)
	}

	// Token accounts described by the transaction's own balances resolve
	// without a round trip.
	dec := decoder.New(&balanceResolver{balances: raw.TokenAccounts(), next: p.resolver}, p.defaults, p.metrics, p.logger)

	txType := solana.TypeUnknown
	amount := decimal.Zero
	token := solana.NativeSymbol

	keys := accountKeys
	for i, ins := range raw.Transaction.Message.Instructions {
		programID, ok := resolveProgramID(ins, keys)
		if !ok {
			p.logger.WarnContext(ctx, "instruction program index out of range, skipping",
				"signature", signature,
				"instruction", i,
			)
			continue
		}
		if !ins.HasPayload() {
			continue
		}

		var decoded decoder.Decoded
		if len(ins.Parsed) > 0 {
			decoded = dec.DecodeParsed(ctx, programID, ins.Parsed)
		} else {
			var accounts []int
			keys, accounts = resolveAccounts(ins.Accounts, keys)
			decoded = dec.Decode(ctx, decoder.Instruction{
				ProgramID:   programID,
				Data:        ins.Data,
				AccountKeys: keys,
				Accounts:    accounts,
			})
		}

		transfer, ok := decoded.(decoder.Transfer)
		if !ok {
			if u, isUnclassified := decoded.(decoder.Unclassified); isUnclassified {
				p.logger.DebugContext(ctx, "instruction not classified",
					"signature", signature,
					"instruction", i,
					"reason", u.Reason,
				)
			}
			continue
		}

		txType = classify(wallet, transfer)
		amount = transfer.Amount
		token = transfer.Token
		break
	}

	txn := solana.NewTransaction(signature, ts, txType, amount, token, fee)
	txn.TimestampBackfilled = backfilled

	if p.metrics != nil {
		p.metrics.RecordTransactionProcessed(string(txn.Type))
	}
	return txn
}

// classify types a transfer from wallet's perspective: native moves are
// transfers; a token transfer the wallet authorised is a sell, any other
// token transfer in its history is a buy.
func classify(wallet string, t decoder.Transfer) solana.TransactionType {
	if t.Native || wallet == "" {
		return solana.TypeTransfer
	}
	if t.Owner == wallet {
		return solana.TypeSell
	}
	return solana.TypeBuy
}

func resolveProgramID(ins solana.RawInstruction, keys []string) (string, bool) {
	if ins.ProgramIDIndex != nil {
		idx := *ins.ProgramIDIndex
		if idx < 0 || idx >= len(keys) {
			return "", false
		}
		return keys[idx], true
	}
	if ins.ProgramID != "" {
		return ins.ProgramID, true
	}
	return "", false
}

// resolveAccounts maps account references to indices into keys, appending
// pubkeys that are not in the table yet.
func resolveAccounts(refs []solana.AccountRef, keys []string) ([]string, []int) {
	out := make([]int, len(refs))
	for i, ref := range refs {
		if ref.Pubkey == "" {
			out[i] = ref.Index
			continue
		}
		idx := indexOf(keys, ref.Pubkey)
		if idx < 0 {
			keys = append(keys[:len(keys):len(keys)], ref.Pubkey)
			idx = len(keys) - 1
		}
		out[i] = idx
	}
	return keys, out
}

func indexOf(keys []string, key string) int {
	for i, k := range keys {
		if k == key {
			return i
		}
	}
	return -1
}

// balanceResolver answers from the transaction's pre/post token balances
// before falling back to next.
type balanceResolver struct {
	balances map[string]solana.TokenBalance
	next     decoder.TokenResolver
}

func (r *balanceResolver) ResolveToken(ctx context.Context, account string) (decoder.TokenInfo, error) {
	if b, ok := r.balances[account]; ok && b.Mint != "" {
		return decoder.TokenInfo{
			Mint:     b.Mint,
			Symbol:   solana.SymbolForMint(b.Mint),
			Decimals: b.UITokenAmount.Decimals,
			Owner:    b.Owner,
		}, nil
	}
	if r.next == nil {
		return decoder.TokenInfo{}, fmt.Errorf("token account %s not resolvable", account)
	}
	return r.next.ResolveToken(ctx, account)
}
