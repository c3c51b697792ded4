package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/walletpnl/service/config"
	"github.com/brojonat/walletpnl/service/decoder"
	"github.com/brojonat/walletpnl/service/pipeline"
	"github.com/brojonat/walletpnl/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

// loadPipeline builds the pipeline from the environment for commands that
// talk to the RPC.
func loadPipeline(c *cli.Context) (*pipeline.Pipeline, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return pipeline.New(cfg, pipeline.Options{Offline: true}, nil, cliLogger(c))
}

func signaturesCommand() *cli.Command {
	return &cli.Command{
		Name:      "signatures",
		Usage:     "List a wallet's transaction signatures, newest first",
		Aliases:   []string{"sigs"},
		ArgsUsage: "WALLET_ADDRESS",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "max",
				Aliases: []string{"n"},
				Usage:   "Maximum signatures to fetch",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet address")
			}
			address := c.Args().First()

			p, err := loadPipeline(c)
			if err != nil {
				return err
			}

			sigs, err := p.History.FetchSignatures(context.Background(), address, c.Int("max"))
			if err != nil {
				return fmt.Errorf("failed to fetch signatures: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(sigs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SIGNATURE\tSLOT\tBLOCK TIME\tSTATUS\tFAILED")
			for _, sig := range sigs {
				blockTime := "unknown"
				if sig.BlockTime != nil {
					blockTime = time.Unix(*sig.BlockTime, 0).UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%v\n",
					sig.Signature,
					sig.Slot,
					blockTime,
					sig.ConfirmationStatus,
					sig.Failed(),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d signatures\n", len(sigs))
			return nil
		},
	}
}

func txCommand() *cli.Command {
	return &cli.Command{
		Name:      "tx",
		Usage:     "Fetch one transaction and classify it for a wallet",
		ArgsUsage: "SIGNATURE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "wallet",
				Aliases:  []string{"w"},
				Usage:    "Wallet whose point of view decides buy or sell",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "raw",
				Usage: "Print the raw getTransaction result instead",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction signature")
			}
			signature := c.Args().First()

			p, err := loadPipeline(c)
			if err != nil {
				return err
			}

			ctx := context.Background()
			raw, err := p.History.FetchDetails(ctx, signature)
			if err != nil {
				return fmt.Errorf("failed to fetch transaction: %w", err)
			}
			if c.Bool("raw") {
				return outputJSON(raw)
			}

			txn := p.Processor.Process(ctx, c.String("wallet"), raw, nil)
			if c.Bool("json") {
				return outputJSON(txn)
			}

			fmt.Printf("Signature:    %s\n", txn.Signature)
			fmt.Printf("Time:         %s", txn.Timestamp.Format(time.RFC3339))
			if txn.TimestampBackfilled {
				fmt.Printf(" (backfilled)")
			}
			fmt.Printf("\n")
			fmt.Printf("Type:         %s\n", txn.Type)
			fmt.Printf("Amount:       %s %s\n", txn.Amount.String(), txn.Token)
			fmt.Printf("Fee:          %s SOL\n", txn.Fee.String())
			fmt.Printf("Net Amount:   %s\n", txn.NetAmount.String())
			return nil
		},
	}
}

func decodeCommand() *cli.Command {
	return &cli.Command{
		Name:      "decode",
		Usage:     "Decode one instruction payload",
		ArgsUsage: "DATA",
		Description: `Decode base64 or base58 instruction data for a program.

Example (system transfer of 0.1 SOL):
  walletpnl chain decode --program 11111111111111111111111111111111 \
    --keys SRC,DST --accounts 0,1 AgAAAADh9QUAAAAA`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "program",
				Aliases:  []string{"p"},
				Usage:    "Program id (base58)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "keys",
				Usage: "Comma-separated transaction account keys",
			},
			&cli.StringFlag{
				Name:  "accounts",
				Usage: "Comma-separated indexes into --keys, in instruction order",
			},
			&cli.BoolFlag{
				Name:  "resolve",
				Usage: "Resolve token accounts over RPC (requires RPC configuration)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: instruction data")
			}

			accounts, err := parseIndexes(c.String("accounts"))
			if err != nil {
				return err
			}

			var resolver decoder.TokenResolver
			if c.Bool("resolve") {
				p, err := loadPipeline(c)
				if err != nil {
					return err
				}
				resolver = p.History
			}

			dec := decoder.New(resolver, solana.DefaultDecimals, nil, cliLogger(c))
			out := dec.Decode(context.Background(), decoder.Instruction{
				ProgramID:   c.String("program"),
				Data:        c.Args().First(),
				AccountKeys: splitList(c.String("keys")),
				Accounts:    accounts,
			})

			if c.Bool("json") {
				return outputJSON(decodedJSON{Kind: out.Kind(), Action: out})
			}

			if id, err := solanago.PublicKeyFromBase58(c.String("program")); err == nil {
				fmt.Printf("Program:  %s\n", solana.ProgramName(id))
			}
			fmt.Printf("Kind:     %s\n", out.Kind())
			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", data)
			return nil
		},
	}
}

type decodedJSON struct {
	Kind   decoder.Kind    `json:"kind"`
	Action decoder.Decoded `json:"action"`
}

func rpcHealthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check the configured RPC endpoints",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 10 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			p, err := loadPipeline(c)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			err = p.RPC.CheckHealth(ctx)
			status := "healthy"
			if err != nil {
				status = err.Error()
			}

			if c.Bool("json") {
				if jerr := outputJSON(map[string]interface{}{
					"endpoints": p.RPC.Endpoints(),
					"current":   p.RPC.Current(),
					"healthy":   err == nil,
					"status":    status,
				}); jerr != nil {
					return jerr
				}
				return err
			}

			fmt.Printf("Endpoints:  %s\n", strings.Join(p.RPC.Endpoints(), ", "))
			fmt.Printf("Current:    %s\n", p.RPC.Current())
			if err != nil {
				return fmt.Errorf("rpc health check failed: %w", err)
			}
			fmt.Printf("✓ RPC is healthy\n")
			return nil
		},
	}
}

// splitList splits a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseIndexes parses a comma-separated list of non-negative integers.
func parseIndexes(s string) ([]int, error) {
	parts := splitList(s)
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid account index %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}
