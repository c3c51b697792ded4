package solana

const (
	// NativeSymbol is the symbol used for native SOL amounts.
	NativeSymbol = "SOL"

	// NativeDecimals is the number of decimals of SOL (lamports).
	NativeDecimals uint8 = 9

	// DefaultDecimals is assumed for SPL amounts whose mint cannot be resolved.
	DefaultDecimals uint8 = 9

	// UnknownToken labels amounts whose token could not be identified.
	UnknownToken = "Unknown"

	// UnknownAccount stands in for account references that point outside
	// the transaction's key table.
	UnknownAccount = "Unknown"

	// WrappedSOLMint is the SPL mint for wrapped SOL.
	WrappedSOLMint = "So11111111111111111111111111111111111111112"
)

// TokenMeta describes a known SPL mint.
type TokenMeta struct {
	Mint     string
	Symbol   string
	Decimals uint8
}

var knownTokens = map[string]TokenMeta{
	WrappedSOLMint: {Mint: WrappedSOLMint, Symbol: NativeSymbol, Decimals: 9},
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": {Mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Symbol: "USDC", Decimals: 6},
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB": {Mint: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", Symbol: "USDT", Decimals: 6},
	"DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263": {Mint: "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", Symbol: "BONK", Decimals: 5},
	"4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R": {Mint: "4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R", Symbol: "RAY", Decimals: 6},
	"JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN":  {Mint: "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN", Symbol: "JUP", Decimals: 6},
	"mSoLzYCxHdYgdzU16g5QSh3i5K3z3KZK7ytfqcJm7So":  {Mint: "mSoLzYCxHdYgdzU16g5QSh3i5K3z3KZK7ytfqcJm7So", Symbol: "mSOL", Decimals: 9},
}

// LookupMint returns metadata for a well-known mint.
func LookupMint(mint string) (TokenMeta, bool) {
	meta, ok := knownTokens[mint]
	return meta, ok
}

// SymbolForMint returns the known symbol for mint, or the mint itself.
func SymbolForMint(mint string) string {
	if meta, ok := knownTokens[mint]; ok {
		return meta.Symbol
	}
	return mint
}

// MintForSymbol maps a symbol back to its mint. Unknown symbols are assumed to
// already be mint addresses.
func MintForSymbol(symbol string) string {
	for mint, meta := range knownTokens {
		if meta.Symbol == symbol {
			return mint
		}
	}
	return symbol
}
