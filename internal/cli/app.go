package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"duet/internal/api"
	"duet/internal/calsync"
	"duet/internal/config"
	"duet/internal/database"
	"duet/internal/domain"
	"duet/internal/events"
	"duet/internal/google"
	"duet/internal/ics"
	"duet/internal/logging"
	"duet/internal/metrics"
	"duet/internal/netmon"
	"duet/internal/repository"
	"duet/internal/scheduler"
	"duet/internal/service"
	"duet/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// App holds every wired component of one process.
type App struct {
	Config *config.Config
	Logger *zerolog.Logger

	DB          *database.DB
	Redis       *redis.Client
	Remote      *repository.GuardedStore
	DeadLetters *worker.RedisDeadLetters
	Monitor     *netmon.Monitor
	Bus         *events.EventBus
	Queue       *worker.Queue
	Auth        *google.Authenticator
	Engine      *calsync.Engine
	Scheduler   *scheduler.Scheduler
	Events      *service.EventService
	Media       *service.MediaService
	Status      *service.StatusService
	Feed        *ics.Exporter
	Backup      *database.BackupService

	closers []io.Closer
}

// allOnline is online only when every source is.
type allOnline []worker.Connectivity

func (a allOnline) Online() bool {
	for _, c := range a {
		if !c.Online() {
			return false
		}
	}
	return true
}

// loadApp reads the configuration and builds the App.
func loadApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, err
	}
	app, err := buildApp(ctx, cfg, baseLogger)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}
	if closer != nil {
		app.closers = append(app.closers, closer)
	}
	return app, nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := database.NewDB(cfg.Storage.DatabasePath(), logging.Component(logger, "database"))
	if err != nil {
		return nil, err
	}
	app.DB = db
	app.closers = append(app.closers, db)

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
	}

	var primary domain.RemoteStore
	if cfg.Redis.Address != "" {
		client := repository.NewRedisClient(cfg.Redis)
		if err := repository.Ping(ctx, client); err != nil {
			// The queue absorbs writes until the store comes back.
			logger.Warn().Err(err).Str("address", cfg.Redis.Address).Msg("redis unreachable at startup")
		}
		app.Redis = client
		app.closers = append(app.closers, client)
		primary = repository.NewRedisStore(client, cfg.Redis.KeyPrefix)
		app.DeadLetters = worker.NewRedisDeadLetters(client, cfg.Redis.KeyPrefix)
	} else {
		logger.Warn().Msg("redis address not set, using in-memory remote store")
		primary = repository.NewMemoryStore()
	}
	app.Remote = repository.NewGuardedStore(primary, time.Minute, logging.Component(logger, "remote"))

	prober := netmon.NewSystemProber(cfg.Network.ProbeAddress, cfg.Network.ProbeTimeout())
	app.Monitor = netmon.NewMonitor(prober, cfg.Network.ProbeInterval(), logging.Component(logger, "netmon"))
	app.Bus = events.NewEventBus(logging.Component(logger, "events"))

	opts := worker.Options{
		Policy: worker.RetryPolicy{
			MaxRetries: cfg.Queue.MaxRetries,
			StaleAfter: cfg.Queue.StaleAfter(),
		},
		RequestTimeout: cfg.Queue.RequestTimeout(),
		PollInterval:   cfg.Queue.PollInterval(),
		Network:        allOnline{app.Monitor, app.Remote},
		Events:         app.Bus,
	}
	if app.DeadLetters != nil {
		opts.DeadLetters = app.DeadLetters
	}
	app.Queue = worker.NewQueue(db, app.Remote, worker.NewBlobSpool(cfg.Storage.BlobDir()), opts, logging.Component(logger, "queue"))
	if err := app.Queue.Load(ctx); err != nil {
		return nil, err
	}

	var remoteCalendar service.RemoteCalendar
	var syncer scheduler.Syncer
	if cfg.Calendar.Enabled {
		auth, err := google.NewAuthenticator(cfg.Calendar.CredentialsFile, cfg.Calendar.TokenFile, logging.Component(logger, "auth"))
		if err != nil {
			if !errors.Is(err, domain.ErrConfigurationMissing) {
				return nil, err
			}
			logger.Warn().Err(err).Msg("calendar sync disabled")
		} else {
			app.Auth = auth
			client := google.NewCalendarClient(auth, logging.Component(logger, "calendar"))
			engineOpts := calsync.OptionsFromConfig(cfg.Calendar)
			engineOpts.Network = app.Monitor
			engineOpts.Events = app.Bus
			app.Engine = calsync.NewEngine(client, db, db, engineOpts, logging.Component(logger, "calsync"))
			remoteCalendar = app.Engine
			syncer = app.Engine
		}
	}

	app.Scheduler = scheduler.New(syncer, app.Queue, scheduler.Options{
		AutoSync:     cfg.Calendar.AutoSyncEnabled,
		SyncInterval: cfg.Calendar.SyncInterval(),
	}, logging.Component(logger, "scheduler"))
	app.Monitor.OnTransition(app.Scheduler.NetworkRestored)

	app.Events = service.NewEventService(db, app.Queue, remoteCalendar, logging.Component(logger, "events-service"))
	app.Media = service.NewMediaService(app.Queue, app.Remote, logging.Component(logger, "media-service"))

	var engineStatus service.SyncStatus
	if app.Engine != nil {
		engineStatus = app.Engine
	}
	app.Status = service.NewStatusService(app.Bus, app.Queue, engineStatus, app.Monitor, logging.Component(logger, "status"))
	app.Feed = ics.NewExporter(db, cfg.Calendar.CalendarName)
	app.Backup = database.NewBackupService(db, cfg.Backup, logging.Component(logger, "backup"))

	return app, nil
}

// APIDeps exposes the App to the HTTP API.
func (a *App) APIDeps() api.Deps {
	deps := api.Deps{
		Lifecycle: a.Scheduler,
		Status:    a.Status,
		Queue:     a.Queue,
		Feed:      a.Feed,
	}
	if a.Engine != nil {
		deps.Sync = a.Engine
	}
	return deps
}

// RequireEngine fails when calendar sync is not configured.
func (a *App) RequireEngine() (*calsync.Engine, error) {
	if a.Engine == nil {
		return nil, fmt.Errorf("calendar sync: %w", domain.ErrConfigurationMissing)
	}
	return a.Engine, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
