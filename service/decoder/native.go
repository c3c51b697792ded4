package decoder

import (
	"encoding/binary"
	"fmt"

	sol "github.com/brojonat/walletpnl/service/solana"
	"github.com/gagliardetto/solana-go"
)

// System Program instruction types
const (
	systemCreateAccountInstruction    = uint32(0)
	systemTransferInstruction         = uint32(2)
	systemTransferWithSeedInstruction = uint32(11)
)

// Compute Budget instruction types
const (
	computeRequestHeapFrame           = uint8(1)
	computeSetUnitLimit               = uint8(2)
	computeSetUnitPrice               = uint8(3)
	computeSetLoadedAccountsDataLimit = uint8(4)
)

// decodeSystem handles the System Program. The tag is a u32 and lamports a
// u64 at [4:12].
//
//	CreateAccount    [funder, new account]; space [12:20], owner [20:52]
//	Transfer         [from, to]
//	TransferWithSeed [from, base, to]
func decodeSystem(data []byte, ins Instruction) Decoded {
	if len(data) < 4 {
		return tooShort("system instruction", 4, len(data))
	}

	tag := binary.LittleEndian.Uint32(data[0:4])
	switch tag {
	case systemTransferInstruction, systemTransferWithSeedInstruction:
		if len(data) < 12 {
			return tooShort("system transfer", 12, len(data))
		}
		dest := accountAt(ins, 1)
		if tag == systemTransferWithSeedInstruction {
			dest = accountAt(ins, 2)
		}
		source := accountAt(ins, 0)
		return Transfer{
			Amount:      sol.LamportsToSOL(binary.LittleEndian.Uint64(data[4:12])),
			Token:       sol.NativeSymbol,
			Decimals:    sol.NativeDecimals,
			Source:      source,
			Destination: dest,
			Owner:       source,
			Native:      true,
		}

	case systemCreateAccountInstruction:
		if len(data) < 12 {
			return tooShort("system createAccount", 12, len(data))
		}
		out := CreateAccount{
			Lamports:   binary.LittleEndian.Uint64(data[4:12]),
			Funder:     accountAt(ins, 0),
			NewAccount: accountAt(ins, 1),
		}
		if len(data) >= 52 {
			out.Owner = solana.PublicKeyFromBytes(data[20:52]).String()
		}
		return out

	default:
		return Unclassified{Reason: fmt.Sprintf("system instruction %d not classified", tag)}
	}
}

func decodeComputeBudget(data []byte) Decoded {
	if len(data) == 0 {
		return Unclassified{Reason: "empty compute budget instruction"}
	}

	switch data[0] {
	case computeRequestHeapFrame, computeSetUnitLimit, computeSetLoadedAccountsDataLimit:
		if len(data) < 5 {
			return tooShort("compute budget instruction", 5, len(data))
		}
		op := map[uint8]string{
			computeRequestHeapFrame:           "request_heap_frame",
			computeSetUnitLimit:               "set_compute_unit_limit",
			computeSetLoadedAccountsDataLimit: "set_loaded_accounts_data_size_limit",
		}[data[0]]
		return ComputeBudget{Op: op, Value: uint64(binary.LittleEndian.Uint32(data[1:5]))}

	case computeSetUnitPrice:
		if len(data) < 9 {
			return tooShort("compute unit price", 9, len(data))
		}
		return ComputeBudget{Op: "set_compute_unit_price", Value: binary.LittleEndian.Uint64(data[1:9])}

	default:
		return Unclassified{Reason: fmt.Sprintf("compute budget instruction %d not classified", data[0])}
	}
}

// decodeAssociatedToken handles Create (empty data or tag 0) and
// CreateIdempotent (tag 1). Accounts: [funder, associated account, wallet, mint, ...].
func decodeAssociatedToken(data []byte, ins Instruction) Decoded {
	if len(data) > 0 && data[0] > 1 {
		return Unclassified{Reason: fmt.Sprintf("associated token instruction %d not classified", data[0])}
	}
	return CreateAccount{
		Funder:     accountAt(ins, 0),
		NewAccount: accountAt(ins, 1),
		Owner:      accountAt(ins, 2),
	}
}
