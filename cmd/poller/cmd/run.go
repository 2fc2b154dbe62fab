package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/infra/resilience"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/mapper"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/metrics"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/ops"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/poller"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the polling engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		mets := metrics.New(reg)

		retryable, err := a.cfg.ParseRetryableStatuses()
		if err != nil {
			return err
		}

		breaker := resilience.NewBreaker(resilience.BreakerConfig{
			FailureThreshold:  a.cfg.CBFailureThreshold,
			RecoveryTimeout:   a.cfg.CBRecovery(),
			HalfOpenSuccesses: a.cfg.CBHalfOpenSuccesses,
		}, resilience.WithBreakerLogger(a.logger))

		worker := poller.NewWorker(
			poller.Stores{
				Connections: a.conns,
				SentOrders:  a.sent,
				Retries:     a.retries,
				SyncLogs:    a.syncLogs,
			},
			mapper.New(a.sent, a.logger),
			breaker,
			mets,
			a.logger,
			a.cfg.RetryMaxAttempts,
		)

		scheduler := poller.NewScheduler(
			a.conns,
			worker,
			poller.NewRuntimeFactory(a.cfg.HTTPTimeout(), retryable, a.logger),
			poller.SchedulerConfig{
				MinInterval:       a.cfg.MinInterval(),
				ReconcileInterval: a.cfg.ReconcileInterval(),
				ShutdownGrace:     a.cfg.ShutdownGrace(),
				StoreBackoff:      10 * time.Second,
			},
			mets,
			a.logger,
		)

		if a.cfg.OpsAddr != "" {
			opsSrv := ops.New(a.cfg.OpsAddr, a.store, reg, a.logger)
			go func() {
				if err := opsSrv.Start(); err != nil {
					a.logger.Error("ops listener failed", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := opsSrv.Shutdown(shutdownCtx); err != nil {
					a.logger.Error("ops listener shutdown failed", "error", err)
				}
			}()
		}

		return scheduler.Run(ctx)
	},
}
