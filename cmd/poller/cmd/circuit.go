package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/infra/resilience"
)

var resetCircuitCmd = &cobra.Command{
	Use:   "reset-circuit <connection-id>",
	Short: "Force a connection's circuit breaker closed",
	Args:  cobra.ExactArgs(1),
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

		resilience.Reset(&conn.Breaker)
		if err := a.conns.SaveBreaker(ctx, conn.ID, conn.Breaker); err != nil {
			return err
		}

		fmt.Printf("circuit breaker for connection %d reset to closed\n", conn.ID)
		return nil
	},
}
