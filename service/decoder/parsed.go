package decoder

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	sol "github.com/brojonat/walletpnl/service/solana"
	"github.com/gagliardetto/solana-go"
)

// parsedInstruction is the "parsed" object the RPC emits for programs it
// understands when called with the jsonParsed encoding.
type parsedInstruction struct {
	Type string          `json:"type"`
	Info json.RawMessage `json:"info"`
}

type parsedInfo struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Authority   string `json:"authority"`
	Multisig    string `json:"multisigAuthority"`
	Owner       string `json:"owner"`
	Delegate    string `json:"delegate"`
	Mint        string `json:"mint"`
	NewAccount  string `json:"newAccount"`
	Account     string `json:"account"`
	Wallet      string `json:"wallet"`
	Lamports    uint64 `json:"lamports"`
	Amount      string `json:"amount"`
	TokenAmount *struct {
		Amount   string `json:"amount"`
		Decimals uint8  `json:"decimals"`
	} `json:"tokenAmount"`
}

func (i parsedInfo) authority() string {
	if i.Authority != "" {
		return i.Authority
	}
	if i.Multisig != "" {
		return i.Multisig
	}
	return i.Owner
}

// DecodeParsed decodes an instruction the RPC has already parsed.
func (d *Decoder) DecodeParsed(ctx context.Context, programID string, parsed json.RawMessage) Decoded {
	pk, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return d.record("invalid", Unclassified{Reason: fmt.Sprintf("invalid program id %q", programID)})
	}
	program := sol.ProgramName(pk)

	var p parsedInstruction
	if err := json.Unmarshal(parsed, &p); err != nil || p.Type == "" {
		return d.record(program, Unclassified{Reason: "unrecognized parsed payload"})
	}
	var info parsedInfo
	if len(p.Info) > 0 {
		if err := json.Unmarshal(p.Info, &info); err != nil {
			return d.record(program, Unclassified{Reason: fmt.Sprintf("malformed parsed %s info: %v", p.Type, err)})
		}
	}

	var out Decoded
	switch {
	case pk.Equals(sol.SystemProgramID):
		out = decodeParsedSystem(p.Type, info)
	case sol.IsTokenProgram(pk):
		out = d.decodeParsedToken(ctx, p.Type, info)
	case pk.Equals(sol.AssociatedTokenProgramID) && (p.Type == "create" || p.Type == "createIdempotent"):
		out = CreateAccount{Funder: info.Source, NewAccount: info.Account, Owner: info.Wallet}
	default:
		out = Unclassified{Reason: fmt.Sprintf("parsed %s instruction %q not classified", program, p.Type)}
	}
	return d.record(program, out)
}

func decodeParsedSystem(typ string, info parsedInfo) Decoded {
	switch typ {
	case "transfer", "transferWithSeed":
		return Transfer{
			Amount:      sol.LamportsToSOL(info.Lamports),
			Token:       sol.NativeSymbol,
			Decimals:    sol.NativeDecimals,
			Source:      info.Source,
			Destination: info.Destination,
			Owner:       info.Source,
			Native:      true,
		}
	case "createAccount", "createAccountWithSeed":
		return CreateAccount{
			Lamports:   info.Lamports,
			Funder:     info.Source,
			NewAccount: info.NewAccount,
			Owner:      info.Owner,
		}
	default:
		return Unclassified{Reason: fmt.Sprintf("parsed system instruction %q not classified", typ)}
	}
}

func (d *Decoder) decodeParsedToken(ctx context.Context, typ string, info parsedInfo) Decoded {
	switch typ {
	case "transfer", "approve":
		raw, err := strconv.ParseUint(info.Amount, 10, 64)
		if err != nil {
			return Unclassified{Reason: fmt.Sprintf("invalid %s amount %q", typ, info.Amount)}
		}
		symbol, mint, decimals := d.lookupToken(ctx, info.Source)
		if typ == "approve" {
			return Approve{
				Amount:   sol.ScaleAmount(raw, decimals),
				Token:    symbol,
				Source:   info.Source,
				Delegate: info.Delegate,
				Owner:    info.authority(),
			}
		}
		return Transfer{
			Amount:      sol.ScaleAmount(raw, decimals),
			Token:       symbol,
			Mint:        mint,
			Decimals:    decimals,
			Source:      info.Source,
			Destination: info.Destination,
			Owner:       info.authority(),
		}

	case "transferChecked", "approveChecked":
		if info.TokenAmount == nil {
			return Unclassified{Reason: fmt.Sprintf("%s without tokenAmount", typ)}
		}
		raw, err := strconv.ParseUint(info.TokenAmount.Amount, 10, 64)
		if err != nil {
			return Unclassified{Reason: fmt.Sprintf("invalid %s amount %q", typ, info.TokenAmount.Amount)}
		}
		decimals := info.TokenAmount.Decimals
		symbol := sol.UnknownToken
		if info.Mint != "" {
			symbol = sol.SymbolForMint(info.Mint)
		}
		if typ == "approveChecked" {
			return Approve{
				Amount:   sol.ScaleAmount(raw, decimals),
				Token:    symbol,
				Source:   info.Source,
				Delegate: info.Delegate,
				Owner:    info.authority(),
			}
		}
		return Transfer{
			Amount:      sol.ScaleAmount(raw, decimals),
			Token:       symbol,
			Mint:        info.Mint,
			Decimals:    decimals,
			Source:      info.Source,
			Destination: info.Destination,
			Owner:       info.authority(),
		}

	default:
		return Unclassified{Reason: fmt.Sprintf("parsed token instruction %q not classified", typ)}
	}
}
