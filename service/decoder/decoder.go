// Package decoder turns one encoded Solana instruction plus its program id
// into a typed action. Decoding never fails: anything that cannot be
// understood comes back as Unclassified with a reason.
package decoder

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brojonat/walletpnl/service/metrics"
	sol "github.com/brojonat/walletpnl/service/solana"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// Kind names a decoded variant.
type Kind string

const (
	KindTransfer      Kind = "transfer"
	KindApprove       Kind = "approve"
	KindCreateAccount Kind = "create_account"
	KindComputeBudget Kind = "compute_budget"
	KindUnclassified  Kind = "unclassified"
)

// Decoded is one of Transfer, Approve, CreateAccount, ComputeBudget or
// Unclassified.
type Decoded interface {
	Kind() Kind
}

// Transfer moves Amount of Token from Source to Destination, signed by Owner.
type Transfer struct {
	Amount      decimal.Decimal `json:"amount"`
	Token       string          `json:"token"`
	Mint        string          `json:"mint,omitempty"`
	Decimals    uint8           `json:"decimals"`
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	Owner       string          `json:"owner"`
	Native      bool            `json:"native"`
}

// Approve delegates spending of Amount from Source to Delegate.
type Approve struct {
	Amount   decimal.Decimal `json:"amount"`
	Token    string          `json:"token"`
	Source   string          `json:"source"`
	Delegate string          `json:"delegate"`
	Owner    string          `json:"owner"`
}

// CreateAccount funds and allocates NewAccount. Owner is the owning program
// for system accounts and the wallet for associated token accounts.
type CreateAccount struct {
	Lamports   uint64 `json:"lamports"`
	Funder     string `json:"funder"`
	NewAccount string `json:"new_account"`
	Owner      string `json:"owner,omitempty"`
}

// ComputeBudget is a compute-unit limit/price or heap-frame request.
type ComputeBudget struct {
	Op    string `json:"op"`
	Value uint64 `json:"value"`
}

// Unclassified carries the reason an instruction produced no action.
type Unclassified struct {
	Reason string `json:"reason"`
}

func (Transfer) Kind() Kind      { return KindTransfer }
func (Approve) Kind() Kind       { return KindApprove }
func (CreateAccount) Kind() Kind { return KindCreateAccount }
func (ComputeBudget) Kind() Kind { return KindComputeBudget }
func (Unclassified) Kind() Kind  { return KindUnclassified }

// Classifiable reports whether d is an action that decides a transaction's
// type.
func Classifiable(d Decoded) bool {
	_, ok := d.(Transfer)
	return ok
}

// Instruction is the decoder input. Accounts indexes into AccountKeys.
type Instruction struct {
	ProgramID   string
	Data        string
	AccountKeys []string
	Accounts    []int
}

// TokenInfo describes the token held by a token account.
type TokenInfo struct {
	Mint     string
	Symbol   string
	Decimals uint8
	Owner    string
}

// TokenResolver looks up the mint behind a token account.
type TokenResolver interface {
	ResolveToken(ctx context.Context, account string) (TokenInfo, error)
}

// Decoder decodes instructions. It holds no per-call state and is safe for
// concurrent use.
type Decoder struct {
	resolver        TokenResolver
	defaultDecimals uint8
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

// New creates a Decoder. resolver may be nil, in which case token symbols
// for plain transfers are "Unknown". defaultDecimals scales amounts whose
// mint cannot be resolved.
func New(resolver TokenResolver, defaultDecimals uint8, m *metrics.Metrics, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		resolver:        resolver,
		defaultDecimals: defaultDecimals,
		metrics:         m,
		logger:          logger,
	}
}

// Decode decodes one instruction.
func (d *Decoder) Decode(ctx context.Context, ins Instruction) Decoded {
	programID, err := solana.PublicKeyFromBase58(ins.ProgramID)
	if err != nil {
		return d.record("invalid", Unclassified{Reason: fmt.Sprintf("invalid program id %q", ins.ProgramID)})
	}
	program := sol.ProgramName(programID)

	data, err := DecodeData(ins.Data)
	if err != nil {
		return d.record(program, Unclassified{Reason: fmt.Sprintf("undecodable instruction data: %v", err)})
	}

	var out Decoded
	switch {
	case programID.Equals(sol.SystemProgramID):
		out = decodeSystem(data, ins)
	case sol.IsTokenProgram(programID):
		out = d.decodeToken(ctx, data, ins)
	case programID.Equals(sol.ComputeBudgetProgramID):
		out = decodeComputeBudget(data)
	case programID.Equals(sol.AssociatedTokenProgramID):
		out = decodeAssociatedToken(data, ins)
	case programID.Equals(sol.MemoProgramIDSPL), programID.Equals(sol.MemoProgramIDLegacy):
		out = Unclassified{Reason: "memo instruction"}
	case programID.Equals(sol.RaydiumAMMProgramID), programID.Equals(sol.JupiterV6ProgramID):
		out = Unclassified{Reason: "dex instruction not decoded: " + program}
	default:
		out = Unclassified{Reason: "unknown program " + ins.ProgramID}
	}
	return d.record(program, out)
}

func (d *Decoder) record(program string, out Decoded) Decoded {
	if d.metrics != nil {
		d.metrics.RecordInstructionDecoded(program, string(out.Kind()))
	}
	return out
}

// DecodeData decodes an instruction payload: padded standard base64 first,
// base58 when base64 is rejected. Empty input decodes to an empty slice.
func DecodeData(data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return []byte{}, nil
	}

	padded := data
	if rem := len(padded) % 4; rem != 0 {
		padded += strings.Repeat("=", 4-rem)
	}
	if b, err := base64.StdEncoding.Strict().DecodeString(padded); err == nil {
		return b, nil
	}

	b, err := base58.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("neither base64 nor base58: %w", err)
	}
	return b, nil
}

// accountAt resolves position pos of the instruction's account list through
// the transaction's key table.
func accountAt(ins Instruction, pos int) string {
	if pos < 0 || pos >= len(ins.Accounts) {
		return sol.UnknownAccount
	}
	idx := ins.Accounts[pos]
	if idx < 0 || idx >= len(ins.AccountKeys) {
		return sol.UnknownAccount
	}
	return ins.AccountKeys[idx]
}
