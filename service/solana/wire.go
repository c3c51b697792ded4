package solana

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// SignatureInfo is one entry of a getSignaturesForAddress page.
type SignatureInfo struct {
	Signature          string          `json:"signature"`
	Slot               uint64          `json:"slot"`
	BlockTime          *int64          `json:"blockTime"`
	Err                json.RawMessage `json:"err,omitempty"`
	Memo               *string         `json:"memo"`
	ConfirmationStatus string          `json:"confirmationStatus,omitempty"`
}

// Failed reports whether the chain recorded an error for the transaction.
func (s SignatureInfo) Failed() bool {
	return len(s.Err) > 0 && !bytes.Equal(s.Err, []byte("null"))
}

// RawTransaction is the getTransaction result. Both the "json" and
// "jsonParsed" encodings decode into it.
type RawTransaction struct {
	Slot        uint64    `json:"slot"`
	BlockTime   *int64    `json:"blockTime"`
	Meta        *RawMeta  `json:"meta"`
	Transaction RawTxBody `json:"transaction"`
}

// RawMeta carries the status and fee of a transaction.
type RawMeta struct {
	Fee               uint64          `json:"fee"`
	Err               json.RawMessage `json:"err,omitempty"`
	PreBalances       []uint64        `json:"preBalances"`
	PostBalances      []uint64        `json:"postBalances"`
	PreTokenBalances  []TokenBalance  `json:"preTokenBalances"`
	PostTokenBalances []TokenBalance  `json:"postTokenBalances"`
}

// TokenBalance is a token account balance snapshot from transaction meta.
type TokenBalance struct {
	AccountIndex  int           `json:"accountIndex"`
	Mint          string        `json:"mint"`
	Owner         string        `json:"owner"`
	UITokenAmount UITokenAmount `json:"uiTokenAmount"`
}

// UITokenAmount is the RPC's decimal-aware token amount.
type UITokenAmount struct {
	Amount         string `json:"amount"`
	Decimals       uint8  `json:"decimals"`
	UIAmountString string `json:"uiAmountString"`
}

// RawTxBody is the signed transaction body.
type RawTxBody struct {
	Signatures []string     `json:"signatures"`
	Message    RawTxMessage `json:"message"`
}

// RawTxMessage holds the account table and the top-level instructions.
type RawTxMessage struct {
	AccountKeys  []AccountKey     `json:"accountKeys"`
	Instructions []RawInstruction `json:"instructions"`
}

// AccountKey is an entry of the account table. The "json" encoding sends bare
// strings, "jsonParsed" sends objects.
type AccountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

func (k *AccountKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*k = AccountKey{Pubkey: s}
		return nil
	}
	type plain AccountKey
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("account key: %w", err)
	}
	*k = AccountKey(p)
	return nil
}

// RawInstruction is an instruction as returned by the RPC. Compiled
// instructions carry ProgramIDIndex, account indices and data; parsed ones
// carry ProgramID and either data or a parsed payload.
type RawInstruction struct {
	ProgramIDIndex *int            `json:"programIdIndex,omitempty"`
	ProgramID      string          `json:"programId,omitempty"`
	Program        string          `json:"program,omitempty"`
	Accounts       []AccountRef    `json:"accounts,omitempty"`
	Data           string          `json:"data,omitempty"`
	Parsed         json.RawMessage `json:"parsed,omitempty"`
}

// HasPayload reports whether the instruction carries something to decode.
func (i RawInstruction) HasPayload() bool {
	return i.Data != "" || len(i.Parsed) > 0
}

// AccountRef points into the account table either by index or by pubkey.
type AccountRef struct {
	Index  int
	Pubkey string
}

func (a *AccountRef) UnmarshalJSON(data []byte) error {
	var idx int
	if err := json.Unmarshal(data, &idx); err == nil {
		*a = AccountRef{Index: idx}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("account ref: %w", err)
	}
	*a = AccountRef{Index: -1, Pubkey: s}
	return nil
}

func (a AccountRef) MarshalJSON() ([]byte, error) {
	if a.Pubkey != "" {
		return json.Marshal(a.Pubkey)
	}
	return json.Marshal(a.Index)
}

// Signature returns the first transaction signature.
func (t *RawTransaction) Signature() string {
	if t == nil || len(t.Transaction.Signatures) == 0 {
		return ""
	}
	return t.Transaction.Signatures[0]
}

// AccountKeys returns the account table as base58 strings.
func (t *RawTransaction) AccountKeys() []string {
	if t == nil {
		return nil
	}
	keys := make([]string, len(t.Transaction.Message.AccountKeys))
	for i, k := range t.Transaction.Message.AccountKeys {
		keys[i] = k.Pubkey
	}
	return keys
}

// Time returns the block time, if the RPC reported one.
func (t *RawTransaction) Time() (time.Time, bool) {
	if t == nil || t.BlockTime == nil {
		return time.Time{}, false
	}
	return time.Unix(*t.BlockTime, 0).UTC(), true
}

// FeeLamports returns the fee, zero when meta is absent.
func (t *RawTransaction) FeeLamports() uint64 {
	if t == nil || t.Meta == nil {
		return 0
	}
	return t.Meta.Fee
}

// Failed reports whether the transaction errored on chain.
func (t *RawTransaction) Failed() bool {
	if t == nil || t.Meta == nil {
		return false
	}
	return len(t.Meta.Err) > 0 && !bytes.Equal(t.Meta.Err, []byte("null"))
}

// TokenAccounts indexes the token balances in meta by token account pubkey.
func (t *RawTransaction) TokenAccounts() map[string]TokenBalance {
	out := make(map[string]TokenBalance)
	if t == nil || t.Meta == nil {
		return out
	}
	keys := t.AccountKeys()
	add := func(balances []TokenBalance) {
		for _, b := range balances {
			if b.AccountIndex < 0 || b.AccountIndex >= len(keys) {
				continue
			}
			out[keys[b.AccountIndex]] = b
		}
	}
	add(t.Meta.PreTokenBalances)
	add(t.Meta.PostTokenBalances)
	return out
}
