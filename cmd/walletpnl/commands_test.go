package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/walletpnl/service/analyzer"
	"github.com/brojonat/walletpnl/service/db"
	"github.com/brojonat/walletpnl/service/pnl"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

const (
	walletA = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	walletB = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
)

// captureStdout runs fn with os.Stdout redirected and returns what it wrote.
func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	runErr := fn()

	w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	return buf.String(), runErr
}

func TestLoadAddresses(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "addresses.csv")
	content := "Wallet Address\n" +
		walletB + "\n" +
		"\n" +
		"# watchlist\n" +
		walletA + ",note\n" +
		walletB + "\n"
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))

	t.Run("args then file, deduplicated", func(t *testing.T) {
		got, err := loadAddresses([]string{walletA, " "}, file)
		require.NoError(t, err)
		assert.Equal(t, []string{walletA, walletB}, got)
	})

	t.Run("file only", func(t *testing.T) {
		got, err := loadAddresses(nil, file)
		require.NoError(t, err)
		assert.Equal(t, []string{walletB, walletA}, got)
	})

	t.Run("headerless file keeps first row", func(t *testing.T) {
		plain := filepath.Join(dir, "plain.csv")
		require.NoError(t, os.WriteFile(plain, []byte(walletA+"\n"), 0o644))
		got, err := loadAddresses(nil, plain)
		require.NoError(t, err)
		assert.Equal(t, []string{walletA}, got)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadAddresses(nil, filepath.Join(dir, "nope.csv"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to open address file")
	})

	t.Run("nothing given", func(t *testing.T) {
		_, err := loadAddresses(nil, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no wallet addresses")
	})
}

func TestOverridesFromFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		check   func(t *testing.T, s analyzer.Settings)
		wantErr string
	}{
		{
			name: "no flags keeps defaults",
			args: nil,
			check: func(t *testing.T, s analyzer.Settings) {
				assert.Equal(t, analyzer.DefaultSettings(), s)
			},
		},
		{
			name: "every threshold",
			args: []string{
				"--timeframe", "12",
				"--min-wallet-capital", "250.5",
				"--min-avg-holding", "15",
				"--min-win-rate", "55",
				"--min-total-pnl", "0",
				"--max-transactions", "20",
			},
			check: func(t *testing.T, s analyzer.Settings) {
				assert.Equal(t, analyzer.TimeframeOneYear, s.Timeframe)
				assert.True(t, s.MinWalletCapital.Equal(decimal.RequireFromString("250.5")))
				assert.Equal(t, 15.0, s.MinAvgHoldingMinutes)
				assert.Equal(t, 55.0, s.MinWinRate)
				assert.True(t, s.MinTotalPnL.IsZero())
				assert.Equal(t, 20, s.MaxTransactions)
			},
		},
		{
			name:    "bad decimal",
			args:    []string{"--min-total-pnl", "lots"},
			wantErr: "invalid --min-total-pnl",
		},
		{
			name:    "unknown timeframe",
			args:    []string{"-t", "2"},
			wantErr: "unknown timeframe",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got analyzer.Settings
			app := &cli.App{
				Commands: []*cli.Command{{
					Name:  "run",
					Flags: settingsFlags(),
					Action: func(c *cli.Context) error {
						o, err := overridesFromFlags(c)
						if err != nil {
							return err
						}
						got, err = o.Apply(analyzer.DefaultSettings())
						return err
					},
				}},
			}

			err := app.Run(append([]string{"test", "run"}, tt.args...))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, got)
		})
	}
}

func sampleAnalyses() []*analyzer.Analysis {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []*analyzer.Analysis{
		{
			Address:    walletA,
			AnalyzedAt: now,
			Result: &analyzer.WalletAnalysisResult{
				Address:     walletA,
				TotalPnL:    decimal.NewFromInt(1200),
				RealizedPnL: decimal.NewFromInt(1000),
				WinRate:     62.5,
				TotalTrades: 16,
				Holding:     pnl.HoldingSummary{AverageMinutes: 95, Pairs: 8, Sufficient: true},
				Settings:    analyzer.DefaultSettings(),
			},
		},
		{
			Address:    walletB,
			AnalyzedAt: now,
			Excluded:   true,
			Reason:     analyzer.ReasonInsufficientCapital,
		},
	}
}

func TestSelectAnalyses(t *testing.T) {
	tests := []struct {
		name      string
		qualified bool
		filters   []string
		want      []string
		wantErr   bool
	}{
		{name: "no filters", want: []string{walletA, walletB}},
		{name: "qualified only", qualified: true, want: []string{walletA}},
		{name: "jq on result", filters: []string{`.result.total_trades > 10`}, want: []string{walletA}},
		{name: "jq on decimal string", filters: []string{`(.result.total_pnl // "0" | tonumber) > 2000`}, want: []string{}},
		{name: "jq on reason", filters: []string{`.reason == "insufficient_capital"`}, want: []string{walletB}},
		{name: "all filters must match", filters: []string{`.excluded | not`, `.result.win_rate > 70`}, want: []string{}},
		{name: "filter error", filters: []string{`.address | tonumber`}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codes, err := compileFilters(tt.filters)
			require.NoError(t, err)

			got, err := selectAnalyses(sampleAnalyses(), tt.qualified, codes)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			addresses := make([]string, 0, len(got))
			for _, an := range got {
				addresses = append(addresses, an.Address)
			}
			assert.Equal(t, tt.want, addresses)
		})
	}
}

func TestCompileFilters_Invalid(t *testing.T) {
	_, err := compileFilters([]string{".a ==="})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse jq filter")
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, isTruthy(nil))
	assert.False(t, isTruthy(false))
	assert.True(t, isTruthy(true))
	assert.True(t, isTruthy(0))
	assert.True(t, isTruthy(""))
	assert.True(t, isTruthy([]interface{}{}))
}

func TestPrintAnalyses(t *testing.T) {
	var buf bytes.Buffer
	printAnalyses(&buf, sampleAnalyses())
	out := buf.String()

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "VERDICT")
	assert.Contains(t, lines[1], "qualified")
	assert.Contains(t, lines[1], "1200.00")
	assert.Contains(t, lines[1], "62.5%")
	assert.Contains(t, lines[1], "95.0")
	assert.Contains(t, lines[2], "insufficient_capital")
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	batch := &analyzer.Batch{Analyses: sampleAnalyses()}
	require.NoError(t, writeCSV(&buf, batch.Qualified()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "address,total_pnl,realized_pnl,unrealized_pnl,win_rate,total_trades,avg_holding_minutes,transactions,"+
		"timeframe,min_wallet_capital,min_avg_holding_minutes,min_win_rate,min_total_pnl,max_transactions", lines[0])
	assert.Equal(t, walletA+",1200,1000,0,62.50,16,95.00,0,3,1000,60,30,500,50", lines[1])
}

func TestWriteCSV_CarriesRunSettings(t *testing.T) {
	settings := analyzer.DefaultSettings()
	settings.Timeframe = analyzer.TimeframeOneYear
	settings.MinWinRate = 42.5
	settings.MinTotalPnL = decimal.RequireFromString("750.25")

	var buf bytes.Buffer
	require.NoError(t, writeCSV(&buf, []*analyzer.WalletAnalysisResult{
		{Address: walletB, Settings: settings},
	}))

	r := csv.NewReader(&buf)
	records, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)

	row := make(map[string]string, len(records[0]))
	for i, col := range records[0] {
		row[col] = records[1][i]
	}
	assert.Equal(t, walletB, row["address"])
	assert.Equal(t, "12", row["timeframe"])
	assert.Equal(t, "1000", row["min_wallet_capital"])
	assert.Equal(t, "42.5", row["min_win_rate"])
	assert.Equal(t, "750.25", row["min_total_pnl"])
	assert.Equal(t, "50", row["max_transactions"])
}

func TestParseIndexes(t *testing.T) {
	got, err := parseIndexes(" 0, 2,1 ")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 1}, got)

	got, err = parseIndexes("")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = parseIndexes("0,-1")
	assert.Error(t, err)
	_, err = parseIndexes("x")
	assert.Error(t, err)
}

func TestDecodeCommand_SystemTransfer(t *testing.T) {
	out, err := captureStdout(t, func() error {
		return newApp().Run([]string{
			"walletpnl", "--json", "chain", "decode",
			"--program", "11111111111111111111111111111111",
			"--keys", walletA + "," + walletB,
			"--accounts", "0,1",
			"AgAAAADh9QUAAAAA",
		})
	})
	require.NoError(t, err)

	var decoded struct {
		Kind   string `json:"kind"`
		Action struct {
			Amount      string `json:"amount"`
			Token       string `json:"token"`
			Source      string `json:"source"`
			Destination string `json:"destination"`
			Native      bool   `json:"native"`
		} `json:"action"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "transfer", decoded.Kind)
	assert.Equal(t, "0.1", decoded.Action.Amount)
	assert.Equal(t, "SOL", decoded.Action.Token)
	assert.Equal(t, walletA, decoded.Action.Source)
	assert.Equal(t, walletB, decoded.Action.Destination)
	assert.True(t, decoded.Action.Native)
}

func TestDecodeCommand_Unclassified(t *testing.T) {
	out, err := captureStdout(t, func() error {
		return newApp().Run([]string{
			"walletpnl", "chain", "decode",
			"--program", "11111111111111111111111111111111",
			"AgAA",
		})
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Kind:     unclassified")
}

func TestAPIAnalyzeCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/analyses", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, walletA, body["address"])
		assert.Equal(t, map[string]interface{}{"timeframe": "6"}, body["settings"])
		assert.Equal(t, false, body["save"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"address":"` + walletA + `","excluded":false,"capital":"5000",
			"result":{"address":"` + walletA + `","total_pnl":"900","win_rate":50,"total_trades":4}}`))
	}))
	defer server.Close()

	out, err := captureStdout(t, func() error {
		return newApp().Run([]string{
			"walletpnl", "--server-url", server.URL,
			"api", "analyze", "--timeframe", "6", "--no-save", walletA,
		})
	})
	require.NoError(t, err)
	assert.Contains(t, out, walletA)
	assert.Contains(t, out, "qualified")
	assert.Contains(t, out, "900.00")
}

func TestAPIBatchCommand_JSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "watchlist.csv")
	require.NoError(t, os.WriteFile(file, []byte("address\n"+walletB+"\n"), 0o644))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/batches", r.URL.Path)

		var body struct {
			Addresses   []string `json:"addresses"`
			Concurrency int      `json:"concurrency"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{walletA, walletB}, body.Addresses)
		assert.Equal(t, 2, body.Concurrency)

		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"run_id":"run-42","wallets":2}`))
	}))
	defer server.Close()

	out, err := captureStdout(t, func() error {
		return newApp().Run([]string{
			"walletpnl", "--server-url", server.URL, "--json",
			"api", "batch", "--file", file, "--concurrency", "2", walletA,
		})
	})
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "run-42", got["run_id"])
	assert.Equal(t, float64(2), got["wallets"])
}

func TestAPIGetCommand_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"analysis not found"}`))
	}))
	defer server.Close()

	_, err := captureStdout(t, func() error {
		return newApp().Run([]string{"walletpnl", "--server-url", server.URL, "api", "get", walletA})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no stored analysis")
}

func TestAPIHealthCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Write([]byte("OK"))
	}))
	defer server.Close()

	out, err := captureStdout(t, func() error {
		return newApp().Run([]string{"walletpnl", "--server-url", server.URL, "api", "health"})
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Server is healthy")
}

func TestListParams(t *testing.T) {
	run := func(args ...string) (db.ListAnalysesParams, error) {
		var got db.ListAnalysesParams
		var runErr error
		app := &cli.App{
			Commands: []*cli.Command{{
				Name:  "run",
				Flags: listResultsCommand().Flags,
				Action: func(c *cli.Context) error {
					got, runErr = listParams(c)
					return nil
				},
			}},
		}
		require.NoError(t, app.Run(append([]string{"test", "run"}, args...)))
		return got, runErr
	}

	got, err := run()
	require.NoError(t, err)
	assert.Equal(t, db.ListAnalysesParams{Limit: 100}, got)

	got, err = run("--run-id", "run-3", "-q", "-n", "25")
	require.NoError(t, err)
	assert.Equal(t, db.ListAnalysesParams{RunID: "run-3", QualifiedOnly: true, Limit: 25}, got)

	_, err = run("--limit", "0")
	assert.ErrorContains(t, err, "--limit must be between 1 and")
	_, err = run("--limit", "5000")
	assert.ErrorContains(t, err, "--limit must be between 1 and")
}
