package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"duet/internal/api"
	"duet/internal/logging"

	"github.com/spf13/cobra"
)

func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the queue worker, network monitor, scheduler and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, opts, func(app *App) error {
				return serve(ctx, app)
			})
		},
	}
}

func serve(ctx context.Context, app *App) error {
	logger := app.Logger
	cfg := app.Config

	go app.Monitor.Start(ctx)
	go app.Queue.Start(ctx)
	if err := app.Scheduler.Start(ctx); err != nil {
		return err
	}
	if cfg.Backup.Enabled {
		go app.Backup.Start(ctx)
	}

	errCh := make(chan error, 1)
	var httpServer *api.HTTPServer
	if cfg.API.Enabled && cfg.API.HTTP.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, app.APIDeps(), cfg.Monitoring.PrometheusEnabled, logging.Component(logger, "http"))
		go func() {
			if err := httpServer.Start(); err != nil {
				errCh <- err
			}
		}()
	}

	app.Scheduler.Startup()

	logger.Info().Int("pending", app.Queue.Pending()).Bool("calendar", app.Engine != nil).Msg("duet started")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("HTTP API failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("HTTP shutdown")
		}
	}
	app.Scheduler.Stop()
	logger.Info().Msg("duet stopped")
	return runErr
}
