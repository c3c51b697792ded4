package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/walletpnl/service/db"
	"github.com/urfave/cli/v2"
)

// listParams validates the list flags before any connection is made.
func listParams(c *cli.Context) (db.ListAnalysesParams, error) {
	limit := c.Int("limit")
	if limit < 1 || limit > db.MaxListLimit {
		return db.ListAnalysesParams{}, fmt.Errorf("--limit must be between 1 and %d", db.MaxListLimit)
	}
	return db.ListAnalysesParams{
		RunID:         c.String("run-id"),
		QualifiedOnly: c.Bool("qualified"),
		Limit:         limit,
	}, nil
}

func listResultsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List stored analyses, newest first",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "run-id",
				Usage: "Only analyses from this run",
			},
			&cli.BoolFlag{
				Name:    "qualified",
				Aliases: []string{"q"},
				Usage:   "Only wallets that passed every check",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum rows",
				Value:   100,
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "Only show analyses for which this jq expression is truthy (repeatable)",
			},
		},
		Action: func(c *cli.Context) error {
			params, err := listParams(c)
			if err != nil {
				return err
			}
			codes, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			stored, err := store.ListAnalyses(context.Background(), params)
			if err != nil {
				return fmt.Errorf("failed to list analyses: %w", err)
			}

			selected := make([]*db.StoredAnalysis, 0, len(stored))
			for _, s := range stored {
				ok, err := matchFilters(s.Analysis, codes)
				if err != nil {
					return fmt.Errorf("jq filter failed for %s: %w", s.Address, err)
				}
				if ok {
					selected = append(selected, s)
				}
			}

			if c.Bool("json") {
				return outputJSON(selected)
			}

			printStored(os.Stdout, selected)
			fmt.Fprintf(os.Stderr, "\nTotal: %d analyses\n", len(selected))
			return nil
		},
	}
}

func getResultCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show the latest stored analysis of a wallet",
		ArgsUsage: "WALLET_ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet address")
			}
			address := c.Args().First()

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			stored, err := store.GetLatestAnalysis(context.Background(), address)
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("no stored analysis for %s", address)
			}
			if err != nil {
				return fmt.Errorf("failed to get analysis: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(stored)
			}

			fmt.Printf("Address:      %s\n", stored.Address)
			fmt.Printf("Stored:       %s (id %d)\n", stored.CreatedAt.Format(time.RFC3339), stored.ID)
			if stored.RunID != "" {
				fmt.Printf("Run:          %s\n", stored.RunID)
			}
			fmt.Printf("Analyzed:     %s\n", stored.AnalyzedAt.Format(time.RFC3339))
			fmt.Printf("Timeframe:    %s\n", stored.Settings.Timeframe.String())
			fmt.Printf("Capital:      $%s\n", stored.Capital.StringFixed(2))
			if stored.Excluded {
				fmt.Printf("Verdict:      excluded (%s)\n", stored.Reason)
			} else {
				fmt.Printf("Verdict:      qualified\n")
			}
			if r := stored.Result; r != nil {
				fmt.Printf("Total PnL:    $%s\n", r.TotalPnL.StringFixed(2))
				fmt.Printf("Realized:     $%s\n", r.RealizedPnL.StringFixed(2))
				fmt.Printf("Unrealized:   $%s\n", r.UnrealizedPnL.StringFixed(2))
				fmt.Printf("Win Rate:     %.1f%% (%d/%d)\n", r.WinRate, r.ProfitableTrades, r.TotalTrades)
				if r.Holding.Sufficient {
					fmt.Printf("Avg Holding:  %.1f min over %d pairs\n", r.Holding.AverageMinutes, r.Holding.Pairs)
				}
				fmt.Printf("Transactions: %d\n", r.Transactions)
			}
			return nil
		},
	}
}

func pruneResultsCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Delete stored analyses older than a given age",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:     "older-than",
				Usage:    "Age cutoff, e.g. 720h",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			age := c.Duration("older-than")
			if age <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			n, err := store.DeleteAnalysesOlderThan(context.Background(), time.Now().Add(-age))
			if err != nil {
				return fmt.Errorf("failed to prune analyses: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]int64{"deleted": n})
			}
			fmt.Printf("✓ Deleted %d analyses\n", n)
			return nil
		},
	}
}

func printStored(w io.Writer, stored []*db.StoredAnalysis) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tADDRESS\tVERDICT\tTOTAL PNL\tWIN RATE\tRUN\tSTORED")
	for _, s := range stored {
		verdict := "qualified"
		if s.Excluded {
			verdict = string(s.Reason)
		}
		pnl, winRate := "-", "-"
		if s.Result != nil {
			pnl = s.Result.TotalPnL.StringFixed(2)
			winRate = fmt.Sprintf("%.1f%%", s.Result.WinRate)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID,
			s.Address,
			verdict,
			pnl,
			winRate,
			s.RunID,
			s.CreatedAt.Format(time.RFC3339),
		)
	}
	tw.Flush()
}
