package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "walletpnl",
		Usage: "Solana wallet PnL analysis CLI",
		Description: `Analyze Solana wallets: reconstruct trade history over JSON-RPC, compute
realized and unrealized PnL, and check each wallet against inclusion thresholds.

RPC endpoints and default thresholds are read from the environment (see .env).`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			analyzeCommand(),
			// Chain inspection commands
			{
				Name:  "chain",
				Usage: "Inspect raw chain data through the configured RPC endpoints",
				Subcommands: []*cli.Command{
					signaturesCommand(),
					txCommand(),
					decodeCommand(),
					rpcHealthCommand(),
				},
			},
			// Stored results
			{
				Name:  "results",
				Usage: "Inspect analyses stored in Postgres",
				Subcommands: []*cli.Command{
					listResultsCommand(),
					getResultCommand(),
					pruneResultsCommand(),
				},
			},
			// HTTP API client commands
			apiCommands(),
			// Temporal batch and schedule commands
			{
				Name:  "batch",
				Usage: "Temporal batch analysis commands",
				Subcommands: []*cli.Command{
					startBatchCommand(),
					batchWaitCommand(),
					upsertScheduleCommand(),
					deleteScheduleCommand(),
				},
			},
			// NATS event commands
			{
				Name:  "events",
				Usage: "NATS analysis event commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					inspectStreamCommand(),
				},
			},
			versionCommand(),
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "walletpnl server URL for api commands",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue the worker listens on",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "walletpnl-analysis",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "warn",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Printf("walletpnl CLI\n")
			fmt.Printf("  Version: %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", date)
			return nil
		},
	}
}
