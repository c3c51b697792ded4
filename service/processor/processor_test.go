package processor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/walletpnl/service/decoder"
	"github.com/brojonat/walletpnl/service/solana"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	wallet      = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	otherWallet = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	srcToken    = "SrcTokenAccount1111111111111111111111111111"
	dstToken    = "DstTokenAccount1111111111111111111111111111"
	usdcMint    = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

	tokenTransfer1USDC = "A0BCDwAAAAAA"     // tag 3, amount 1_000_000
	systemTransfer1p5  = "AgAAAAAvaFkAAAAA" // tag 2, 1.5 SOL
	computeUnitLimit   = "AkANAwA="
	shortToken         = "AwEC"
)

// Key table used by all fixtures:
// 0 wallet, 1 srcToken, 2 dstToken, 3 token program, 4 system program,
// 5 compute budget, 6 otherWallet
var keysJSON = `["` + strings.Join([]string{
	wallet, srcToken, dstToken,
	solana.TokenProgramID.String(),
	solana.SystemProgramID.String(),
	solana.ComputeBudgetProgramID.String(),
	otherWallet,
}, `","`) + `"]`

type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) ResolveToken(ctx context.Context, account string) (decoder.TokenInfo, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(decoder.TokenInfo), args.Error(1)
}

func rawTx(t *testing.T, blockTime string, instructions string) *solana.RawTransaction {
	t.Helper()
	payload := `{
		"slot": 10,
		"blockTime": ` + blockTime + `,
		"meta": {
			"fee": 5000,
			"err": null,
			"postTokenBalances": [
				{"accountIndex": 1, "mint": "` + usdcMint + `", "owner": "` + wallet + `", "uiTokenAmount": {"amount": "0", "decimals": 6}},
				{"accountIndex": 2, "mint": "` + usdcMint + `", "owner": "` + otherWallet + `", "uiTokenAmount": {"amount": "1000000", "decimals": 6}}
			]
		},
		"transaction": {
			"signatures": ["sig1"],
			"message": {"accountKeys": ` + keysJSON + `, "instructions": [` + instructions + `]}
		}
	}`
	var raw solana.RawTransaction
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))
	return &raw
}

func newTestProcessor(resolver decoder.TokenResolver) *Processor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(resolver, solana.DefaultDecimals, nil, logger)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestProcess_TokenTransferClassification(t *testing.T) {
	tests := []struct {
		name      string
		authority int
		wallet    string
		want      solana.TransactionType
	}{
		{"wallet authorises outgoing transfer", 0, wallet, solana.TypeSell},
		{"incoming transfer", 6, wallet, solana.TypeBuy},
		{"no wallet context", 0, "", solana.TypeTransfer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := rawTx(t, "1700000000", `{"programIdIndex": 3, "accounts": [1, 2, `+itoa(tt.authority)+`], "data": "`+tokenTransfer1USDC+`"}`)

			txn := newTestProcessor(nil).Process(context.Background(), tt.wallet, raw, nil)

			assert.Equal(t, "sig1", txn.Signature)
			assert.Equal(t, tt.want, txn.Type)
			assert.True(t, txn.Amount.Equal(dec("1")), "scaled by 6 decimals from token balances, got %s", txn.Amount)
			assert.Equal(t, "USDC", txn.Token)
			assert.True(t, txn.Fee.Equal(dec("0.000005")))
			assert.True(t, txn.NetAmount.Equal(txn.Amount.Sub(txn.Fee)))
			assert.Equal(t, int64(1700000000), txn.Timestamp.Unix())
			assert.False(t, txn.TimestampBackfilled)
		})
	}
}

func TestProcess_NativeTransfer(t *testing.T) {
	raw := rawTx(t, "1700000000", `{"programIdIndex": 4, "accounts": [0, 6], "data": "`+systemTransfer1p5+`"}`)

	txn := newTestProcessor(nil).Process(context.Background(), wallet, raw, nil)

	assert.Equal(t, solana.TypeTransfer, txn.Type)
	assert.True(t, txn.Amount.Equal(dec("1.5")))
	assert.Equal(t, solana.NativeSymbol, txn.Token)
	assert.True(t, txn.NetAmount.Equal(dec("1.499995")))
}

func TestProcess_FirstMatchWins(t *testing.T) {
	raw := rawTx(t, "1700000000", strings.Join([]string{
		`{"programIdIndex": 5, "accounts": [], "data": "` + computeUnitLimit + `"}`,
		`{"programIdIndex": 4, "accounts": [0, 6], "data": "` + systemTransfer1p5 + `"}`,
		`{"programIdIndex": 3, "accounts": [1, 2, 0], "data": "` + tokenTransfer1USDC + `"}`,
	}, ","))

	txn := newTestProcessor(nil).Process(context.Background(), wallet, raw, nil)

	assert.Equal(t, solana.TypeTransfer, txn.Type)
	assert.Equal(t, solana.NativeSymbol, txn.Token)
	assert.True(t, txn.Amount.Equal(dec("1.5")))
}

func TestProcess_SkipsMalformedInstructions(t *testing.T) {
	raw := rawTx(t, "1700000000", strings.Join([]string{
		`{"programIdIndex": 3, "accounts": [1, 2, 0], "data": "` + shortToken + `"}`,
		`{"programIdIndex": 42, "accounts": [1, 2, 0], "data": "` + tokenTransfer1USDC + `"}`,
		`{"programIdIndex": 3, "accounts": [1, 2, 0]}`,
		`{"programIdIndex": 3, "accounts": [1, 2, 0], "data": "` + tokenTransfer1USDC + `"}`,
	}, ","))

	txn := newTestProcessor(nil).Process(context.Background(), wallet, raw, nil)

	assert.Equal(t, solana.TypeSell, txn.Type)
	assert.True(t, txn.Amount.Equal(dec("1")))
}

func TestProcess_NothingClassifiable(t *testing.T) {
	raw := rawTx(t, "1700000000", `{"programIdIndex": 5, "accounts": [], "data": "`+computeUnitLimit+`"}`)

	txn := newTestProcessor(nil).Process(context.Background(), wallet, raw, nil)

	assert.Equal(t, solana.TypeUnknown, txn.Type)
	assert.True(t, txn.Amount.IsZero())
	assert.True(t, txn.NetAmount.Equal(dec("-0.000005")))
}

func TestProcess_BackfillsMissingBlockTime(t *testing.T) {
	p := newTestProcessor(nil)
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	raw := rawTx(t, "null", `{"programIdIndex": 4, "accounts": [0, 6], "data": "`+systemTransfer1p5+`"}`)
	txn := p.Process(context.Background(), wallet, raw, nil)

	assert.Equal(t, fixed, txn.Timestamp)
	assert.True(t, txn.TimestampBackfilled)
}

func TestProcess_ParsedInstructions(t *testing.T) {
	raw := rawTx(t, "1700000000", `{
		"programId": "`+solana.TokenProgramID.String()+`",
		"program": "spl-token",
		"parsed": {"type": "transferChecked", "info": {"source": "`+dstToken+`", "destination": "`+srcToken+`", "mint": "`+usdcMint+`", "authority": "`+otherWallet+`", "tokenAmount": {"amount": "2500000", "decimals": 6}}}
	}`)

	txn := newTestProcessor(nil).Process(context.Background(), wallet, raw, nil)

	assert.Equal(t, solana.TypeBuy, txn.Type)
	assert.True(t, txn.Amount.Equal(dec("2.5")))
	assert.Equal(t, "USDC", txn.Token)
}

func TestProcess_PubkeyAccountRefs(t *testing.T) {
	raw := rawTx(t, "1700000000", `{
		"programId": "`+solana.TokenProgramID.String()+`",
		"accounts": ["`+srcToken+`", "NewDestination111111111111111111111111111", "`+wallet+`"],
		"data": "`+tokenTransfer1USDC+`"
	}`)

	txn := newTestProcessor(nil).Process(context.Background(), wallet, raw, nil)

	assert.Equal(t, solana.TypeSell, txn.Type)
	assert.Equal(t, "USDC", txn.Token)
}

func TestProcess_FallsBackToResolver(t *testing.T) {
	resolver := new(MockResolver)
	resolver.On("ResolveToken", mock.Anything, otherWallet).
		Return(decoder.TokenInfo{Mint: "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", Decimals: 5}, nil)

	// Source account 6 has no token balance entry in meta.
	raw := rawTx(t, "1700000000", `{"programIdIndex": 3, "accounts": [6, 1, 0], "data": "`+tokenTransfer1USDC+`"}`)

	txn := newTestProcessor(resolver).Process(context.Background(), wallet, raw, nil)

	assert.Equal(t, "BONK", txn.Token)
	assert.True(t, txn.Amount.Equal(dec("10")))
	resolver.AssertExpectations(t)
}

func TestProcess_ExplicitAccountKeys(t *testing.T) {
	raw := rawTx(t, "1700000000", `{"programIdIndex": 1, "accounts": [0, 2], "data": "`+systemTransfer1p5+`"}`)
	keys := []string{wallet, solana.SystemProgramID.String(), otherWallet}

	txn := newTestProcessor(nil).Process(context.Background(), wallet, raw, keys)

	assert.Equal(t, solana.TypeTransfer, txn.Type)
	assert.True(t, txn.Amount.Equal(dec("1.5")))
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}
