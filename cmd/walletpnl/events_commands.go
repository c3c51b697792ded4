package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/walletpnl/service/nats"
	"github.com/itchyny/gojq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand streams analysis events as they are published.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Stream analysis events, optionally for one wallet",
		ArgsUsage: "[wallet_address]",
		Description: `Subscribe to analysis events published to NATS JetStream.

Events are published to the subject analyses.{wallet_address}. Without an
address every wallet's events are streamed.

Example:
  walletpnl events subscribe --qualified --json
  walletpnl events subscribe --jq '.total_pnl | tonumber > 1000'`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "walletpnl-cli",
			},
			&cli.BoolFlag{
				Name:    "qualified",
				Aliases: []string{"q"},
				Usage:   "Only show wallets that passed every check",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "Only show events for which this jq expression is truthy (repeatable)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() > 1 {
				return fmt.Errorf("at most one wallet address is allowed")
			}
			subject := natspkg.StreamSubjects
			if c.NArg() == 1 {
				subject = natspkg.Subject(c.Args().First())
			}

			codes, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			consumerName := ""
			if c.Bool("durable") {
				consumerName = c.String("consumer-name")
			}
			return streamAnalyses(c.String("nats-url"), subject, consumerName, c.Bool("qualified"), codes, c.Bool("json"))
		},
	}
}

func streamAnalyses(natsURL, subject, consumerName string, qualifiedOnly bool, codes []*gojq.Code, jsonOutput bool) error {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if !jsonOutput {
		fmt.Printf("📡 Subscribing to: %s\n", subject)
		fmt.Printf("   NATS: %s\n", natsURL)
		if consumerName != "" {
			fmt.Printf("   Consumer: %s (durable)\n", consumerName)
		}
		fmt.Printf("\nWaiting for analyses... (Ctrl-C to exit)\n\n")
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}
	if consumerName != "" {
		consumerConfig.Durable = consumerName
		consumerConfig.Name = consumerName
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	msgChan := make(chan jetstream.Msg, 10)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}
	defer consumeCtx.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			var event natspkg.AnalysisEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				if !jsonOutput {
					fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				}
				msg.Ack()
				continue
			}
			msg.Ack()

			if qualifiedOnly && !event.Qualified {
				continue
			}
			ok, err := matchFilters(&event, codes)
			if err != nil {
				fmt.Fprintf(os.Stderr, "jq filter error: %v\n", err)
				continue
			}
			if !ok {
				continue
			}

			count++
			if jsonOutput {
				data, _ := json.Marshal(event)
				fmt.Println(string(data))
				continue
			}

			verdict := "qualified"
			if !event.Qualified {
				verdict = "excluded (" + event.Reason + ")"
			}
			fmt.Printf("─────────────────────────────────────────────────────\n")
			fmt.Printf("Analysis #%d\n", count)
			fmt.Printf("─────────────────────────────────────────────────────\n")
			fmt.Printf("Wallet:       %s\n", event.WalletAddress)
			if event.RunID != "" {
				fmt.Printf("Run:          %s\n", event.RunID)
			}
			fmt.Printf("Verdict:      %s\n", verdict)
			fmt.Printf("Total PnL:    $%s\n", event.TotalPnL.StringFixed(2))
			fmt.Printf("Win Rate:     %.1f%% over %d trades\n", event.WinRate, event.TotalTrades)
			fmt.Printf("Avg Holding:  %.1f min\n", event.AvgHoldingMinutes)
			fmt.Printf("Analyzed:     %s\n", event.AnalyzedAt.Format(time.RFC3339))
			fmt.Printf("\n")

		case <-ctx.Done():
			if !jsonOutput {
				fmt.Printf("\n\n✅ Received %d analyses\n", count)
				fmt.Println("Shutting down...")
			}
			return nil
		}
	}
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the WALLET_ANALYSES JetStream stream",
		Description: `Show information about the JetStream stream including:
- Message count
- Consumers
- Storage usage
- Stream configuration

Example:
  walletpnl events inspect-stream`,
		Action: func(c *cli.Context) error {
			natsURL := c.String("nats-url")

			nc, err := nats.Connect(natsURL)
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(context.Background(), natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(info)
			}

			fmt.Printf("Stream: %s\n", info.Config.Name)
			fmt.Printf("─────────────────────────────────────────────────────\n")
			fmt.Printf("Description:  %s\n", info.Config.Description)
			fmt.Printf("Subjects:     %v\n", info.Config.Subjects)
			fmt.Printf("Messages:     %d\n", info.State.Msgs)
			fmt.Printf("Bytes:        %d\n", info.State.Bytes)
			fmt.Printf("First Seq:    %d\n", info.State.FirstSeq)
			fmt.Printf("Last Seq:     %d\n", info.State.LastSeq)
			fmt.Printf("Consumers:    %d\n", info.State.Consumers)
			fmt.Printf("Max Age:      %s\n", info.Config.MaxAge)
			fmt.Printf("Storage:      %s\n", info.Config.Storage)
			fmt.Printf("\n")
			return nil
		},
	}
}
