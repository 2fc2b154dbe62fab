// Package cmd implements the poller CLI: the run command that starts the
// engine, and the operator commands that act on retry items and circuit
// breakers.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/config"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/crypto"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/infra/sqlite"
)

// Version information set via ldflags at build time
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "poller",
	Short: "Odoo order polling bridge",
	Long: `poller pulls newly confirmed sales orders from configured Odoo
instances and delivers them as webhooks to StockMaster.

Each connection is polled on its own cadence with durable deduplication,
a retry queue, and a per-connection circuit breaker.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd, testCmd, resetCircuitCmd, retryCmd, discardCmd, versionCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("poller %s (%s)\n", Version, GitCommit)
	},
}

// app bundles the process-wide dependencies the commands share.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *sqlite.Store

	conns    *sqlite.ConnectionRepository
	sent     *sqlite.SentOrderRepository
	retries  *sqlite.RetryRepository
	syncLogs *sqlite.SyncLogRepository
}

// newApp loads config, opens the store, applies migrations, and wires the
// repositories. Config and crypto failures are fatal by contract.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		conns:    sqlite.NewConnectionRepository(store, enc),
		sent:     sqlite.NewSentOrderRepository(store),
		retries:  sqlite.NewRetryRepository(store),
		syncLogs: sqlite.NewSyncLogRepository(store),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("close store failed", "error", err)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
