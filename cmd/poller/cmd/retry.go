package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry <item-id>",
	Short: "Make a retry item due immediately",
	Long: `Sets a retry item back to pending with next_attempt_at = now.
The attempt count is preserved, so a revived exhausted item gets exactly
one more try per revival.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid retry item id %q", args[0])
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.retries.MarkPending(cmd.Context(), id, time.Now()); err != nil {
			return err
		}
		fmt.Printf("retry item %d is pending and due now\n", id)
		return nil
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard <item-id>",
	Short: "Discard a retry item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid retry item id %q", args[0])
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.retries.MarkDiscarded(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("retry item %d discarded\n", id)
		return nil
	},
}
