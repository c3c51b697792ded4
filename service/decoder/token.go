package decoder

import (
	"context"
	"encoding/binary"
	"fmt"

	sol "github.com/brojonat/walletpnl/service/solana"
)

// SPL Token instruction tags
const (
	tokenTransferInstruction        = uint8(3)
	tokenApproveInstruction         = uint8(4)
	tokenTransferCheckedInstruction = uint8(12)
	tokenApproveCheckedInstruction  = uint8(13)
)

// decodeToken handles SPL Token and Token-2022. Account layouts:
//
//	Transfer        [source, destination, authority]
//	TransferChecked [source, mint, destination, authority]
//	Approve         [source, delegate, owner]
//	ApproveChecked  [source, mint, delegate, owner]
func (d *Decoder) decodeToken(ctx context.Context, data []byte, ins Instruction) Decoded {
	if len(data) == 0 {
		return Unclassified{Reason: "empty token instruction"}
	}

	tag := data[0]
	switch tag {
	case tokenTransferInstruction:
		if len(data) < 9 {
			return tooShort("token transfer", 9, len(data))
		}
		source := accountAt(ins, 0)
		symbol, mint, decimals := d.lookupToken(ctx, source)
		return Transfer{
			Amount:      sol.ScaleAmount(binary.LittleEndian.Uint64(data[1:9]), decimals),
			Token:       symbol,
			Mint:        mint,
			Decimals:    decimals,
			Source:      source,
			Destination: accountAt(ins, 1),
			Owner:       accountAt(ins, 2),
		}

	case tokenTransferCheckedInstruction:
		if len(data) < 10 {
			return tooShort("token transferChecked", 10, len(data))
		}
		decimals := data[9]
		symbol, mint := symbolForMintAccount(accountAt(ins, 1))
		return Transfer{
			Amount:      sol.ScaleAmount(binary.LittleEndian.Uint64(data[1:9]), decimals),
			Token:       symbol,
			Mint:        mint,
			Decimals:    decimals,
			Source:      accountAt(ins, 0),
			Destination: accountAt(ins, 2),
			Owner:       accountAt(ins, 3),
		}

	case tokenApproveInstruction:
		if len(data) < 9 {
			return tooShort("token approve", 9, len(data))
		}
		source := accountAt(ins, 0)
		symbol, _, decimals := d.lookupToken(ctx, source)
		return Approve{
			Amount:   sol.ScaleAmount(binary.LittleEndian.Uint64(data[1:9]), decimals),
			Token:    symbol,
			Source:   source,
			Delegate: accountAt(ins, 1),
			Owner:    accountAt(ins, 2),
		}

	case tokenApproveCheckedInstruction:
		if len(data) < 10 {
			return tooShort("token approveChecked", 10, len(data))
		}
		symbol, _ := symbolForMintAccount(accountAt(ins, 1))
		return Approve{
			Amount:   sol.ScaleAmount(binary.LittleEndian.Uint64(data[1:9]), data[9]),
			Token:    symbol,
			Source:   accountAt(ins, 0),
			Delegate: accountAt(ins, 2),
			Owner:    accountAt(ins, 3),
		}

	default:
		return Unclassified{Reason: fmt.Sprintf("token instruction %d not classified", tag)}
	}
}

// lookupToken resolves the mint behind a token account. Any failure degrades
// to the unknown token at the default scale.
func (d *Decoder) lookupToken(ctx context.Context, account string) (symbol, mint string, decimals uint8) {
	if d.resolver == nil || account == sol.UnknownAccount {
		return sol.UnknownToken, "", d.defaultDecimals
	}
	info, err := d.resolver.ResolveToken(ctx, account)
	if err != nil {
		d.logger.DebugContext(ctx, "token lookup failed",
			"account", account,
			"error", err,
		)
		return sol.UnknownToken, "", d.defaultDecimals
	}

	symbol = info.Symbol
	if symbol == "" && info.Mint != "" {
		symbol = sol.SymbolForMint(info.Mint)
	}
	if symbol == "" {
		symbol = sol.UnknownToken
	}
	return symbol, info.Mint, info.Decimals
}

func symbolForMintAccount(mint string) (symbol, resolved string) {
	if mint == sol.UnknownAccount {
		return sol.UnknownToken, ""
	}
	return sol.SymbolForMint(mint), mint
}

func tooShort(what string, want, got int) Unclassified {
	return Unclassified{Reason: fmt.Sprintf("%s needs %d bytes, got %d", what, want, got)}
}
