package solana

import (
	"github.com/gagliardetto/solana-go"
)

// Well-known Solana program IDs
var (
	// SystemProgramID is the native SOL transfer program
	SystemProgramID = solana.MustPublicKeyFromBase58("11111111111111111111111111111111")

	// TokenProgramID is the SPL Token program
	TokenProgramID = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	// Token2022ProgramID is the Token Extensions program (Token-2022)
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

	ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

	AssociatedTokenProgramID = solana.MustPublicKeyFromBase58("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")

	// MemoProgramIDSPL is the SPL Memo program (most common)
	MemoProgramIDSPL = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

	// MemoProgramIDLegacy is the legacy memo program (v1)
	MemoProgramIDLegacy = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")

	// RaydiumAMMProgramID is Raydium's AMM v4 swap program
	RaydiumAMMProgramID = solana.MustPublicKeyFromBase58("675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8")

	// JupiterV6ProgramID is the Jupiter aggregator v6
	JupiterV6ProgramID = solana.MustPublicKeyFromBase58("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4")
)

// ProgramName returns a short label for a known program, used for logs and
// metrics. Unknown programs are labelled "unknown".
func ProgramName(id solana.PublicKey) string {
	switch {
	case id.Equals(SystemProgramID):
		return "system"
	case id.Equals(TokenProgramID):
		return "spl-token"
	case id.Equals(Token2022ProgramID):
		return "spl-token-2022"
	case id.Equals(ComputeBudgetProgramID):
		return "compute-budget"
	case id.Equals(AssociatedTokenProgramID):
		return "spl-associated-token-account"
	case id.Equals(MemoProgramIDSPL), id.Equals(MemoProgramIDLegacy):
		return "spl-memo"
	case id.Equals(RaydiumAMMProgramID):
		return "raydium-amm"
	case id.Equals(JupiterV6ProgramID):
		return "jupiter-v6"
	default:
		return "unknown"
	}
}

// IsTokenProgram reports whether id is SPL Token or Token-2022.
func IsTokenProgram(id solana.PublicKey) bool {
	return id.Equals(TokenProgramID) || id.Equals(Token2022ProgramID)
}

// ValidateAddress parses a base58 wallet address.
func ValidateAddress(address string) (solana.PublicKey, error) {
	return solana.PublicKeyFromBase58(address)
}
