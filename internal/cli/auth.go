package cli

import (
	"errors"
	"fmt"

	"duet/internal/calsync"
	"duet/internal/domain"

	"github.com/spf13/cobra"
)

func NewAuthCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the calendar authorization",
	}
	cmd.AddCommand(newAuthURLCommand(opts))
	cmd.AddCommand(newAuthExchangeCommand(opts))
	cmd.AddCommand(newAuthSignOutCommand(opts))
	return cmd
}

func requireAuth(app *App) error {
	if app.Auth == nil {
		return fmt.Errorf("calendar auth: %w", domain.ErrConfigurationMissing)
	}
	return nil
}

func newAuthURLCommand(opts *RootOptions) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "url",
		Short: "Print the consent URL to open in a browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(app *App) error {
				if err := requireAuth(app); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), app.Auth.AuthCodeURL(state))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "duet", "opaque state echoed back by the consent screen")
	return cmd
}

func newAuthExchangeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exchange <code>",
		Short: "Exchange an authorization code and run the first sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(app *App) error {
				if err := requireAuth(app); err != nil {
					return err
				}
				if err := app.Auth.Exchange(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "authorized")

				if app.Engine == nil {
					return nil
				}
				result, err := app.Engine.Sync(cmd.Context(), calsync.TriggerAuthCompleted)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func newAuthSignOutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Forget the stored calendar token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(app *App) error {
				if err := requireAuth(app); err != nil {
					return err
				}
				if err := app.Auth.SignOut(); err != nil && !errors.Is(err, domain.ErrNotAuthenticated) {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "signed out")
				return err
			})
		},
	}
}
