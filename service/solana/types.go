package solana

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the wallet-relative classification of a transaction.
type TransactionType string

const (
	TypeBuy      TransactionType = "buy"
	TypeSell     TransactionType = "sell"
	TypeTransfer TransactionType = "transfer"
	TypeUnknown  TransactionType = "unknown"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

// Transaction is a classified on-chain transaction.
// This is our domain model, independent of the RPC response format.
// Build it with NewTransaction so NetAmount always equals Amount - Fee.
type Transaction struct {
	Signature           string          `json:"signature"`
	Timestamp           time.Time       `json:"timestamp"`
	TimestampBackfilled bool            `json:"timestamp_backfilled,omitempty"`
	Type                TransactionType `json:"type"`
	Amount              decimal.Decimal `json:"amount"`
	Token               string          `json:"token"`
	Fee                 decimal.Decimal `json:"fee"`
	NetAmount           decimal.Decimal `json:"net_amount"`
}

// NewTransaction builds a Transaction. Amount is stored unsigned and the
// token defaults to SOL.
func NewTransaction(signature string, ts time.Time, typ TransactionType, amount decimal.Decimal, token string, fee decimal.Decimal) Transaction {
	if token == "" {
		token = NativeSymbol
	}
	if typ == "" {
		typ = TypeUnknown
	}
	amount = amount.Abs()
	return Transaction{
		Signature: signature,
		Timestamp: ts,
		Type:      typ,
		Amount:    amount,
		Token:     token,
		Fee:       fee,
		NetAmount: amount.Sub(fee),
	}
}

// IsTrade reports whether the transaction participates in cost-basis matching.
func (t Transaction) IsTrade() bool {
	return t.Type == TypeBuy || t.Type == TypeSell
}

// ScaleAmount converts a raw integer amount into units of an asset with the
// given number of decimals.
func ScaleAmount(raw uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals))
}

// LamportsToSOL converts lamports to SOL.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return ScaleAmount(lamports, NativeDecimals)
}
