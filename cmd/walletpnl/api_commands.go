package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brojonat/walletpnl/client"
	"github.com/brojonat/walletpnl/service/analyzer"
	"github.com/urfave/cli/v2"
)

func apiCommands() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "HTTP client commands for a running walletpnl server",
		Subcommands: []*cli.Command{
			apiAnalyzeCommand(),
			apiGetCommand(),
			apiListCommand(),
			apiBatchCommand(),
			apiHealthCommand(),
		},
	}
}

func newAPIClient(c *cli.Context) (*client.Client, error) {
	serverURL := c.String("server-url")
	if serverURL == "" {
		return nil, fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
	}
	return client.NewClient(serverURL, nil, cliLogger(c)), nil
}

func apiAnalyzeCommand() *cli.Command {
	return &cli.Command{
		Name:      "analyze",
		Usage:     "Analyze one wallet on the server",
		ArgsUsage: "WALLET_ADDRESS",
		Flags: append(settingsFlags(),
			&cli.BoolFlag{
				Name:  "no-save",
				Usage: "Do not store the analysis on the server",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Minute,
			},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet address")
			}

			overrides, err := overridesFromFlags(c)
			if err != nil {
				return err
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			req := client.AnalyzeRequest{Address: c.Args().First(), Settings: overrides}
			if c.Bool("no-save") {
				save := false
				req.Save = &save
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			an, err := cl.Analyze(ctx, req)
			if err != nil {
				return fmt.Errorf("analysis failed: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(an)
			}
			printAnalyses(os.Stdout, []*analyzer.Analysis{an.Analysis})
			if an.ID != 0 {
				fmt.Fprintf(os.Stderr, "\nStored as analysis %d\n", an.ID)
			}
			return nil
		},
	}
}

func apiGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show the latest stored analysis of a wallet",
		ArgsUsage: "WALLET_ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet address")
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			an, err := cl.Get(context.Background(), c.Args().First())
			if client.IsNotFound(err) {
				return fmt.Errorf("no stored analysis for %s", c.Args().First())
			}
			if err != nil {
				return fmt.Errorf("failed to get analysis: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(an)
			}
			printAnalyses(os.Stdout, []*analyzer.Analysis{an.Analysis})
			return nil
		},
	}
}

func apiListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List stored analyses on the server",
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
			},
		},
		Action: func(c *cli.Context) error {
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			analyses, err := cl.List(context.Background(), client.ListOptions{
				RunID:         c.String("run-id"),
				QualifiedOnly: c.Bool("qualified"),
				Limit:         c.Int("limit"),
			})
			if err != nil {
				return fmt.Errorf("failed to list analyses: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(analyses)
			}
			plain := make([]*analyzer.Analysis, 0, len(analyses))
			for _, an := range analyses {
				if an.Analysis != nil {
					plain = append(plain, an.Analysis)
				}
			}
			printAnalyses(os.Stdout, plain)
			fmt.Fprintf(os.Stderr, "\nTotal: %d analyses\n", len(plain))
			return nil
		},
	}
}

func apiBatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "batch",
		Usage:     "Start an asynchronous batch analysis on the server",
		ArgsUsage: "[WALLET_ADDRESS...]",
		Flags: append(settingsFlags(),
			&cli.StringFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "CSV file with wallet addresses in the first column",
			},
			&cli.StringFlag{
				Name:  "run-id",
				Usage: "Run id (default: assigned by the server)",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Wallets analyzed at once",
			},
		),
		Action: func(c *cli.Context) error {
			addresses, err := loadAddresses(c.Args().Slice(), c.String("file"))
			if err != nil {
				return err
			}
			overrides, err := overridesFromFlags(c)
			if err != nil {
				return err
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			batch, err := cl.StartBatch(context.Background(), client.BatchRequest{
				RunID:       c.String("run-id"),
				Addresses:   addresses,
				Settings:    overrides,
				Concurrency: c.Int("concurrency"),
			})
			if err != nil {
				return fmt.Errorf("failed to start batch: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(batch)
			}
			fmt.Printf("✓ Batch started\n")
			fmt.Printf("  Run ID:   %s\n", batch.RunID)
			fmt.Printf("  Wallets:  %d\n", batch.Wallets)
			return nil
		},
	}
}

func apiHealthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check server health",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			if err := cl.Health(ctx); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			fmt.Printf("✓ Server is healthy\n")
			fmt.Printf("  URL: %s\n", c.String("server-url"))
			return nil
		},
	}
}
