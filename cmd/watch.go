package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	apperrors "github.com/pbparthas/scriptlock/internal/errors"
	"github.com/pbparthas/scriptlock/internal/sweep"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the expiry sweeper in the foreground",
	Long: `Periodically release expired leases and announce leases about to expire.

Only one sweeper runs per data directory; a second "watch" or "serve" on the
same directory skips sweeping.

Events are sent to every configured backend:
  - Webhook: notify.webhook-url (signed when notify.webhook-secret is set)
  - Slack:   notify.slack-webhook
  - Redis:   published on the store connection when store.driver is redis
  - NATS:    notify.nats-url
  - Kafka:   notify.kafka-brokers

Examples:
  scriptlock watch                          # Sweep every 5 minutes
  scriptlock watch --interval 30s           # Sweep every 30 seconds
  scriptlock watch --warn-threshold 10m     # Warn 10 minutes before expiry`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().Duration("interval", sweep.DefaultInterval, "sweep interval")
	watchCmd.Flags().Duration("warn-threshold", sweep.DefaultWarnThreshold, "warn this long before expiry (0 disables)")

	viper.BindPFlag("sweep.interval", watchCmd.Flags().Lookup("interval"))
	viper.BindPFlag("sweep.warn-threshold", watchCmd.Flags().Lookup("warn-threshold"))
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	guard, err := sweep.AcquireGuard(a.cfg.DataDir)
	if err != nil {
		if errors.Is(err, apperrors.ErrSweeperRunning) {
			return fmt.Errorf("another sweeper is active for %s: %w", a.cfg.DataDir, err)
		}
		return err
	}
	defer guard.Release()

	runner := sweep.NewRunner(a.manager, a.dispatcher, a.logger, sweep.Config{
		Interval:      a.cfg.Sweep.Interval,
		WarnThreshold: a.cfg.Sweep.WarnThreshold,
	})

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Starting sweeper (interval: %s, warn threshold: %s)\n", runner.Interval(), a.cfg.Sweep.WarnThreshold)
	if a.notifier.Count() > 0 {
		fmt.Fprintf(out, "Notifications enabled: %d backend(s)\n", a.notifier.Count())
	} else {
		fmt.Fprintln(out, "No notification backends configured")
	}
	fmt.Fprintln(out, "Press Ctrl+C to stop")
	fmt.Fprintln(out)

	start := time.Now()
	if err := runner.Run(ctx); err != nil {
		return err
	}

	printVerbose("Sweeper ran for %s", time.Since(start).Round(time.Second))
	return nil
}
