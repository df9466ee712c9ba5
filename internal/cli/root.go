// Package cli implements the duet command line.
package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/config.yaml"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "duet",
		Short: "duet - shared organizer sync core",
		Long: `duet keeps a couple's shared organizer in sync: writes are applied to the
shared store or queued while offline, and local events are mirrored to a
dedicated remote calendar.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", configPathFromEnv(), "path to the YAML configuration")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewCleanupCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewAuthCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

func configPathFromEnv() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return defaultConfigPath
}

// withApp builds the App for one command invocation and closes it afterwards.
func withApp(ctx context.Context, opts *RootOptions, fn func(*App) error) error {
	app, err := loadApp(ctx, opts.ConfigPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(); cerr != nil {
			app.Logger.Warn().Err(cerr).Msg("close resources")
		}
	}()
	return fn(app)
}
