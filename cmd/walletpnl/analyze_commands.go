package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/brojonat/walletpnl/service/analyzer"
	"github.com/brojonat/walletpnl/service/config"
	natspkg "github.com/brojonat/walletpnl/service/nats"
	"github.com/brojonat/walletpnl/service/pipeline"
	"github.com/brojonat/walletpnl/service/price"
	"github.com/google/uuid"
	"github.com/itchyny/gojq"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

// settingsFlags are the per-run threshold overrides shared by analyze and
// the batch commands.
func settingsFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "timeframe",
			Aliases: []string{"t"},
			Usage:   "Lookback window: 1, 3, 6, 12 (months) or overall",
		},
		&cli.StringFlag{
			Name:  "min-wallet-capital",
			Usage: "Minimum SOL balance value in USD",
		},
		&cli.Float64Flag{
			Name:  "min-avg-holding",
			Usage: "Minimum average holding period in minutes",
		},
		&cli.Float64Flag{
			Name:  "min-win-rate",
			Usage: "Minimum win rate in percent",
		},
		&cli.StringFlag{
			Name:  "min-total-pnl",
			Usage: "Minimum total PnL in USD",
		},
		&cli.IntFlag{
			Name:  "max-transactions",
			Usage: "Maximum signatures fetched per wallet",
		},
	}
}

// overridesFromFlags collects the settings flags the user actually set.
func overridesFromFlags(c *cli.Context) (*analyzer.Overrides, error) {
	o := &analyzer.Overrides{}
	if c.IsSet("timeframe") {
		tf := c.String("timeframe")
		o.Timeframe = &tf
	}
	if c.IsSet("min-wallet-capital") {
		d, err := decimal.NewFromString(c.String("min-wallet-capital"))
		if err != nil {
			return nil, fmt.Errorf("invalid --min-wallet-capital: %w", err)
		}
		o.MinWalletCapital = &d
	}
	if c.IsSet("min-avg-holding") {
		v := c.Float64("min-avg-holding")
		o.MinAvgHoldingMinutes = &v
	}
	if c.IsSet("min-win-rate") {
		v := c.Float64("min-win-rate")
		o.MinWinRate = &v
	}
	if c.IsSet("min-total-pnl") {
		d, err := decimal.NewFromString(c.String("min-total-pnl"))
		if err != nil {
			return nil, fmt.Errorf("invalid --min-total-pnl: %w", err)
		}
		o.MinTotalPnL = &d
	}
	if c.IsSet("max-transactions") {
		v := c.Int("max-transactions")
		o.MaxTransactions = &v
	}
	return o, nil
}

func analyzeCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "file",
			Aliases: []string{"f"},
			Usage:   "CSV file with wallet addresses in the first column",
		},
		&cli.StringFlag{
			Name:  "run-id",
			Usage: "Run id to tag results with (default: random)",
		},
		&cli.IntFlag{
			Name:    "workers",
			Aliases: []string{"w"},
			Usage:   "Concurrent transaction detail fetches per wallet",
		},
		&cli.StringSliceFlag{
			Name:  "price",
			Usage: "Static USD price as SYMBOL=PRICE (repeatable), consulted before the price API",
		},
		&cli.BoolFlag{
			Name:  "offline",
			Usage: "Do not query the price API; only --price values are used",
		},
		&cli.StringSliceFlag{
			Name:  "jq",
			Usage: "Only show analyses for which this jq expression is truthy (repeatable, all must match)",
		},
		&cli.BoolFlag{
			Name:    "qualified",
			Aliases: []string{"q"},
			Usage:   "Only show wallets that passed every check",
		},
		&cli.StringFlag{
			Name:  "export",
			Usage: "Write qualified wallets to this CSV file",
		},
		&cli.BoolFlag{
			Name:  "save",
			Usage: "Store every analysis in Postgres (requires --database-url)",
		},
		&cli.BoolFlag{
			Name:  "publish",
			Usage: "Publish every analysis to NATS JetStream",
		},
	}

	return &cli.Command{
		Name:      "analyze",
		Usage:     "Analyze wallets and report PnL and inclusion verdicts",
		ArgsUsage: "[WALLET_ADDRESS...]",
		Description: `Analyze one or more wallets against the configured thresholds.

Addresses come from the arguments and/or a CSV file (--file). Threshold flags
override the environment defaults for this run only.

Examples:
  walletpnl analyze 7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU
  walletpnl analyze -f addresses.csv -t 6 --min-win-rate 40 --qualified
  walletpnl analyze -f addresses.csv --jq '.result.total_trades > 10' --json
  walletpnl analyze --offline --price SOL=150 --min-wallet-capital 0 ADDR`,
		Flags: append(settingsFlags(), flags...),
		Action: func(c *cli.Context) error {
			addresses, err := loadAddresses(c.Args().Slice(), c.String("file"))
			if err != nil {
				return err
			}

			overrides, err := overridesFromFlags(c)
			if err != nil {
				return err
			}
			codes, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}
			static, err := price.ParseStatic(c.StringSlice("price"))
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if c.IsSet("workers") {
				cfg.AnalyzerWorkers = c.Int("workers")
			}
			settings, err := overrides.Apply(pipeline.Settings(cfg))
			if err != nil {
				return err
			}

			logger := cliLogger(c)
			p, err := pipeline.New(cfg, pipeline.Options{
				StaticPrices: static,
				Offline:      c.Bool("offline"),
			}, nil, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runID := c.String("run-id")
			if runID == "" {
				runID = uuid.NewString()
			}
			batch, err := p.Analyzer.AnalyzeBatchWithID(ctx, runID, addresses, settings)
			if batch == nil {
				return err
			}
			if err != nil {
				// Interrupted: report what finished.
				fmt.Fprintf(os.Stderr, "analysis interrupted: %v\n", err)
			}

			if c.Bool("save") {
				if err := saveBatch(c, batch); err != nil {
					return err
				}
			}
			if c.Bool("publish") {
				if err := publishBatch(c, batch); err != nil {
					return err
				}
			}
			if path := c.String("export"); path != "" {
				if err := exportCSVFile(path, batch.Qualified()); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Exported %d qualified wallets to %s\n", len(batch.Qualified()), path)
			}

			selected, err := selectAnalyses(batch.Analyses, c.Bool("qualified"), codes)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(&analyzer.Batch{
					RunID:     batch.RunID,
					StartedAt: batch.StartedAt,
					Analyses:  selected,
					Errors:    batch.Errors,
				})
			}

			printAnalyses(os.Stdout, selected)
			for address, msg := range batch.Errors {
				fmt.Fprintf(os.Stderr, "error: %s: %s\n", address, msg)
			}
			fmt.Fprintf(os.Stderr, "\nRun %s: %d analyzed, %d qualified, %d errors\n",
				batch.RunID, len(batch.Analyses), len(batch.Qualified()), len(batch.Errors))
			return nil
		},
	}
}

// loadAddresses merges addresses from args with the first column of a CSV
// file. Blank rows, rows starting with '#' and a leading header row are
// skipped; duplicates keep their first position.
func loadAddresses(args []string, file string) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})
	add := func(address string) {
		address = strings.TrimSpace(address)
		if address == "" || strings.HasPrefix(address, "#") {
			return
		}
		if _, ok := seen[address]; ok {
			return
		}
		seen[address] = struct{}{}
		out = append(out, address)
	}

	for _, arg := range args {
		add(arg)
	}

	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open address file: %w", err)
		}
		defer f.Close()

		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		r.Comment = '#'
		first := true
		for {
			record, err := r.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read address file: %w", err)
			}
			if len(record) == 0 {
				continue
			}
			if first {
				first = false
				if isHeader(record[0]) {
					continue
				}
			}
			add(record[0])
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no wallet addresses given (pass them as arguments or use --file)")
	}
	return out, nil
}

func isHeader(cell string) bool {
	cell = strings.ToLower(strings.TrimSpace(cell))
	return cell == "id" || strings.Contains(cell, "address") || strings.Contains(cell, "wallet")
}

// selectAnalyses applies --qualified and --jq.
func selectAnalyses(analyses []*analyzer.Analysis, qualifiedOnly bool, filters []*gojq.Code) ([]*analyzer.Analysis, error) {
	out := make([]*analyzer.Analysis, 0, len(analyses))
	for _, an := range analyses {
		if qualifiedOnly && an.Excluded {
			continue
		}
		ok, err := matchFilters(an, filters)
		if err != nil {
			return nil, fmt.Errorf("jq filter failed for %s: %w", an.Address, err)
		}
		if ok {
			out = append(out, an)
		}
	}
	return out, nil
}

func printAnalyses(w io.Writer, analyses []*analyzer.Analysis) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tVERDICT\tTOTAL PNL\tREALIZED\tUNREALIZED\tWIN RATE\tTRADES\tAVG HOLD (MIN)\tTXNS")
	for _, an := range analyses {
		verdict := "qualified"
		if an.Excluded {
			verdict = string(an.Reason)
		}
		r := an.Result
		if r == nil {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\t-\t-\t-\t-\n", an.Address, verdict)
			continue
		}
		hold := "-"
		if r.Holding.Sufficient {
			hold = strconv.FormatFloat(r.Holding.AverageMinutes, 'f', 1, 64)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.1f%%\t%d\t%s\t%d\n",
			an.Address,
			verdict,
			r.TotalPnL.StringFixed(2),
			r.RealizedPnL.StringFixed(2),
			r.UnrealizedPnL.StringFixed(2),
			r.WinRate,
			r.TotalTrades,
			hold,
			r.Transactions,
		)
	}
	tw.Flush()
}

func exportCSVFile(path string, results []*analyzer.WalletAnalysisResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	if err := writeCSV(f, results); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeCSV writes one row per qualified wallet. Each row carries the
// thresholds it was judged against, so an export stays readable on its own.
func writeCSV(w io.Writer, results []*analyzer.WalletAnalysisResult) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{
		"address", "total_pnl", "realized_pnl", "unrealized_pnl", "win_rate", "total_trades", "avg_holding_minutes", "transactions",
		"timeframe", "min_wallet_capital", "min_avg_holding_minutes", "min_win_rate", "min_total_pnl", "max_transactions",
	})
	for _, r := range results {
		s := r.Settings
		cw.Write([]string{
			r.Address,
			r.TotalPnL.String(),
			r.RealizedPnL.String(),
			r.UnrealizedPnL.String(),
			strconv.FormatFloat(r.WinRate, 'f', 2, 64),
			strconv.Itoa(r.TotalTrades),
			strconv.FormatFloat(r.Holding.AverageMinutes, 'f', 2, 64),
			strconv.Itoa(r.Transactions),
			string(s.Timeframe),
			s.MinWalletCapital.String(),
			strconv.FormatFloat(s.MinAvgHoldingMinutes, 'f', -1, 64),
			strconv.FormatFloat(s.MinWinRate, 'f', -1, 64),
			s.MinTotalPnL.String(),
			strconv.Itoa(s.MaxTransactions),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}
	return nil
}

func saveBatch(c *cli.Context, batch *analyzer.Batch) error {
	store, closer, err := getStore(c)
	if err != nil {
		return err
	}
	defer closer()

	ctx := context.Background()
	for _, an := range batch.Analyses {
		if _, err := store.SaveAnalysis(ctx, an); err != nil {
			return fmt.Errorf("failed to save analysis for %s: %w", an.Address, err)
		}
	}
	fmt.Fprintf(os.Stderr, "Saved %d analyses (run %s)\n", len(batch.Analyses), batch.RunID)
	return nil
}

func publishBatch(c *cli.Context, batch *analyzer.Batch) error {
	publisher, err := natspkg.NewPublisher(c.String("nats-url"), nil, cliLogger(c))
	if err != nil {
		return err
	}
	defer publisher.Close()

	events := make([]*natspkg.AnalysisEvent, 0, len(batch.Analyses))
	for _, an := range batch.Analyses {
		events = append(events, natspkg.FromAnalysis(an))
	}
	if err := publisher.PublishAnalysisBatch(context.Background(), events); err != nil {
		return fmt.Errorf("failed to publish analyses: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Published %d analyses to %s\n", len(events), natspkg.StreamName)
	return nil
}
