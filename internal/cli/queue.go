package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func NewQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drain pending operations",
	}
	cmd.AddCommand(newQueueListCommand(opts))
	cmd.AddCommand(newQueueDrainCommand(opts))
	cmd.AddCommand(newQueueDeadLettersCommand(opts))
	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending operations in queue order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(app *App) error {
				return printJSON(cmd.OutOrStdout(), app.Queue.Snapshot())
			})
		},
	}
}

func newQueueDrainCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run one drain pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(app *App) error {
				app.Monitor.Check(cmd.Context())
				result, err := app.Queue.Drain(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func newQueueDeadLettersCommand(opts *RootOptions) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "Show discarded operations kept in redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("limit must be positive, got %d", limit)
			}
			return withApp(cmd.Context(), opts, func(app *App) error {
				if app.DeadLetters == nil {
					return errors.New("dead letters need redis.address to be configured")
				}
				letters, err := app.DeadLetters.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), letters)
			})
		},
	}
	cmd.Flags().Int64VarP(&limit, "limit", "n", 50, "number of entries to show")
	return cmd
}
