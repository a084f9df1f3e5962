package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	relay "github.com/relaymq/relay-go"
	"github.com/relaymq/relay-go/config"
	"github.com/relaymq/relay-go/contracts"
	"github.com/relaymq/relay-go/messaging"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "relay",
		Short:   "Send, consume, and recover messages through the relay delivery core",
		Version: fmt.Sprintf("%s (commit: %s)", version, gitCommit),

		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")

	newClient := func(ctx context.Context) (*relay.Client, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return relay.NewClient(ctx, cfg)
	}

	// send command
	var attrs []string
	sendCmd := &cobra.Command{
		Use:   "send <entity> <payload>",
		Short: "Send one message to a queue or topic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := newClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			attributes := make(map[string]string, len(attrs))
			for _, kv := range attrs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("attribute %q is not key=value", kv)
				}
				attributes[k] = v
			}

			id, err := client.Sender().Send(ctx, args[0], []byte(args[1]), attributes)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	sendCmd.Flags().StringArrayVarP(&attrs, "attribute", "a", nil, "Message attribute as key=value (repeatable)")

	// consume command
	var (
		subscription string
		batchSize    int
		maxWait      time.Duration
		deadLetter   bool
	)
	consumeCmd := &cobra.Command{
		Use:   "consume <entity>",
		Short: "Consume messages and print them until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := newClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			entity := messaging.Queue(args[0])
			if subscription != "" {
				entity = messaging.Subscription(args[0], subscription)
			}
			if deadLetter {
				entity = entity.AsDeadLetter()
			}

			receiver, err := client.Receiver(entity)
			if err != nil {
				return err
			}

			if deadLetter {
				// Dead letters are a recovery view: print and release, never
				// remove. Removal happens through replay.
				batch, err := receiver.ReceiveBatch(ctx, batchSize, maxWait)
				if err != nil {
					return err
				}
				for _, env := range batch {
					fmt.Printf("id=%s reason=%s body=%s\n",
						env.ID, env.Attributes[contracts.AttrDeadLetterReason], env.Body)
					if err := receiver.Abandon(ctx, env); err != nil {
						return err
					}
				}
				return nil
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "consuming from %s, press Ctrl+C to stop\n", entity)
			return receiver.Run(ctx, batchSize, maxWait, messaging.HandlerFunc(
				func(ctx context.Context, env *contracts.Envelope) contracts.Outcome {
					fmt.Printf("id=%s deliveryCount=%d body=%s\n", env.ID, env.DeliveryCount, env.Body)
					return contracts.Success()
				}))
		},
	}
	consumeCmd.Flags().StringVarP(&subscription, "subscription", "s", "", "Consume a topic subscription instead of a queue")
	consumeCmd.Flags().IntVarP(&batchSize, "batch", "b", 16, "Maximum messages per lease batch")
	consumeCmd.Flags().DurationVarP(&maxWait, "wait", "w", 5*time.Second, "Maximum wait per batch")
	consumeCmd.Flags().BoolVar(&deadLetter, "dead-letter", false, "Peek the dead-letter sub-stream without removing messages")

	// replay command
	var (
		replaySub   string
		destination string
		passes      int
	)
	replayCmd := &cobra.Command{
		Use:   "replay <entity>",
		Short: "Replay dead-lettered messages back to the live stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := newClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			source := messaging.Queue(args[0])
			if replaySub != "" {
				source = messaging.Subscription(args[0], replaySub)
			}

			engine, err := client.ReplayEngine(messaging.ReplayConfig{
				Source:      source,
				Destination: destination,
			})
			if err != nil {
				return err
			}

			var total messaging.ReplayReport
			for i := 0; i < passes; i++ {
				report, err := engine.Replay(ctx)
				if err != nil {
					return err
				}
				total.Attempted += report.Attempted
				total.Succeeded += report.Succeeded
				total.Failed += report.Failed
				total.Exhausted += report.Exhausted
				if report.Attempted == 0 {
					break
				}
			}
			fmt.Printf("attempted=%d succeeded=%d failed=%d exhausted=%d\n",
				total.Attempted, total.Succeeded, total.Failed, total.Exhausted)
			return nil
		},
	}
	replayCmd.Flags().StringVarP(&replaySub, "subscription", "s", "", "Replay a subscription's dead letters")
	replayCmd.Flags().StringVarP(&destination, "destination", "d", "", "Override the resubmission destination")
	replayCmd.Flags().IntVarP(&passes, "passes", "p", 1, "Maximum replay passes")

	// stats command
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print active and dead-letter depths for every configured entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := newClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			fmt.Printf("%-40s %10s %12s\n", "ENTITY", "ACTIVE", "DEAD-LETTER")
			for _, entity := range client.Entities() {
				stats, err := client.Broker().Stats(ctx, entity)
				if err != nil {
					return err
				}
				fmt.Printf("%-40s %10d %12d\n", entity, stats.ActiveDepth, stats.DeadLetterDepth)
			}
			return nil
		},
	}

	rootCmd.AddCommand(sendCmd, consumeCmd, replayCmd, statsCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
