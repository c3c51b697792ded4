package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/brojonat/walletpnl/service/analyzer"
	"github.com/brojonat/walletpnl/service/config"
	"github.com/brojonat/walletpnl/service/pipeline"
	"github.com/brojonat/walletpnl/service/temporal"
	"github.com/urfave/cli/v2"
)

func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		nil,
		cliLogger(c),
	)
}

// baseSettings are the configured default thresholds, or the built-in ones
// when the environment carries no RPC configuration.
func baseSettings() analyzer.Settings {
	if cfg, err := config.Load(); err == nil {
		return pipeline.Settings(cfg)
	}
	return analyzer.DefaultSettings()
}

// batchInput builds workflow input from addresses and the settings flags.
func batchInput(c *cli.Context) (temporal.AnalyzeWalletsInput, error) {
	addresses, err := loadAddresses(c.Args().Slice(), c.String("file"))
	if err != nil {
		return temporal.AnalyzeWalletsInput{}, err
	}
	overrides, err := overridesFromFlags(c)
	if err != nil {
		return temporal.AnalyzeWalletsInput{}, err
	}
	settings, err := overrides.Apply(baseSettings())
	if err != nil {
		return temporal.AnalyzeWalletsInput{}, err
	}
	return temporal.AnalyzeWalletsInput{
		RunID:       c.String("run-id"),
		Addresses:   addresses,
		Settings:    settings,
		Concurrency: c.Int("concurrency"),
	}, nil
}

func batchFlags() []cli.Flag {
	return append(settingsFlags(),
		&cli.StringFlag{
			Name:    "file",
			Aliases: []string{"f"},
			Usage:   "CSV file with wallet addresses in the first column",
		},
		&cli.IntFlag{
			Name:  "concurrency",
			Usage: "Wallets analyzed at once",
		},
	)
}

func startBatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Start AnalyzeWalletsWorkflow for a set of wallets",
		ArgsUsage: "[WALLET_ADDRESS...]",
		Flags: append(batchFlags(),
			&cli.StringFlag{
				Name:  "run-id",
				Usage: "Run id (default: random)",
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Block until the batch completes and print its summary",
			},
		),
		Action: func(c *cli.Context) error {
			input, err := batchInput(c)
			if err != nil {
				return err
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			if c.Bool("wait") {
				result, err := tc.RunAnalysisBatch(ctx, input)
				if err != nil {
					return err
				}
				return printBatchResult(c, result)
			}

			runID, err := tc.StartAnalysisBatch(ctx, input)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(map[string]interface{}{"run_id": runID, "wallets": len(input.Addresses)})
			}
			fmt.Printf("✓ Batch started\n")
			fmt.Printf("  Run ID:   %s\n", runID)
			fmt.Printf("  Wallets:  %d\n", len(input.Addresses))
			return nil
		},
	}
}

func batchWaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "wait",
		Usage:     "Wait for a batch and print its summary",
		ArgsUsage: "RUN_ID",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait",
				Value: 30 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: run ID")
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			result, err := tc.GetAnalysisBatch(ctx, c.Args().First())
			if err != nil {
				return err
			}
			return printBatchResult(c, result)
		},
	}
}

func upsertScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "schedule",
		Usage:     "Create or update a recurring batch for a watchlist",
		ArgsUsage: "[WALLET_ADDRESS...]",
		Flags: append(batchFlags(),
			&cli.StringFlag{
				Name:     "name",
				Usage:    "Schedule name",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "every",
				Usage: "Interval between runs",
				Value: 24 * time.Hour,
			},
		),
		Action: func(c *cli.Context) error {
			input, err := batchInput(c)
			if err != nil {
				return err
			}
			if c.Duration("every") < time.Minute {
				return fmt.Errorf("--every must be at least 1m")
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			name := c.String("name")
			if err := tc.UpsertAnalysisSchedule(context.Background(), name, input, c.Duration("every")); err != nil {
				return err
			}
			fmt.Printf("✓ Schedule %s analyzes %d wallets every %v\n", name, len(input.Addresses), c.Duration("every"))
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "unschedule",
		Usage:     "Delete a recurring batch",
		ArgsUsage: "NAME",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: schedule name")
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.DeleteAnalysisSchedule(context.Background(), c.Args().First()); err != nil {
				return err
			}
			fmt.Printf("✓ Schedule %s deleted\n", c.Args().First())
			return nil
		},
	}
}

func printBatchResult(c *cli.Context, result *temporal.AnalyzeWalletsResult) error {
	if c.Bool("json") {
		return outputJSON(result)
	}

	fmt.Printf("Run ID:      %s\n", result.RunID)
	fmt.Printf("Started:     %s\n", result.StartedAt.Format(time.RFC3339))
	fmt.Printf("Analyzed:    %d\n", result.Analyzed)
	fmt.Printf("Recorded:    %d\n", result.Recorded)
	fmt.Printf("Qualified:   %d\n", len(result.Qualified))
	for _, address := range result.Qualified {
		fmt.Printf("  %s\n", address)
	}
	if len(result.Excluded) > 0 {
		fmt.Printf("Excluded:    %d\n", len(result.Excluded))
		for _, address := range sortedKeys(result.Excluded) {
			fmt.Printf("  %s  %s\n", address, result.Excluded[address])
		}
	}
	for _, address := range sortedKeys(result.Errors) {
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", address, result.Errors[address])
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
