package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/infra/resilience"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/mapper"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/poller"
)

var testCmd = &cobra.Command{
	Use:   "test <connection-id>",
	Short: "Run one dry-run cycle for a connection",
	Long: `Runs a single polling cycle for the given connection without
recording deliveries: webhooks are sent, but the dedup ledger, retry
queue, and sync cursor are left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid connection id %q", args[0])
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		conn, err := a.conns.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := conn.Validate(); err != nil {
			return fmt.Errorf("connection %d is not runnable: %w", id, err)
		}

		retryable, err := a.cfg.ParseRetryableStatuses()
		if err != nil {
			return err
		}

		worker := poller.NewWorker(
			poller.Stores{
				Connections: a.conns,
				SentOrders:  a.sent,
				Retries:     a.retries,
				SyncLogs:    a.syncLogs,
			},
			mapper.New(a.sent, a.logger),
			resilience.NewBreaker(resilience.BreakerConfig{
				FailureThreshold:  a.cfg.CBFailureThreshold,
				RecoveryTimeout:   a.cfg.CBRecovery(),
				HalfOpenSuccesses: a.cfg.CBHalfOpenSuccesses,
			}, resilience.WithBreakerLogger(a.logger)),
			nil,
			a.logger,
			a.cfg.RetryMaxAttempts,
		)

		rt := poller.NewRuntimeFactory(a.cfg.HTTPTimeout(), retryable, a.logger)(conn)
		if rt.Close != nil {
			defer rt.Close()
		}

		worker.RunCycle(ctx, rt.Client, rt.Sender, conn, poller.CycleOptions{DryRun: true})

		logs, err := a.syncLogs.Recent(ctx, conn.ID, 1)
		if err != nil {
			return err
		}
		if len(logs) > 0 {
			latest := logs[0]
			fmt.Printf("dry run for connection %d: found=%d sent=%d failed=%d\n",
				conn.ID, latest.OrdersFound, latest.OrdersSent, latest.OrdersFailed)
		}
		return nil
	},
}
