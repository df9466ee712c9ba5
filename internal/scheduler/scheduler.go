// Package scheduler turns time and lifecycle signals into sync passes and
// queue drains.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"duet/internal/calsync"
	"duet/internal/domain"
	"duet/internal/netmon"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Syncer runs calendar sync passes.
type Syncer interface {
	Sync(ctx context.Context, trigger calsync.Trigger) (calsync.Result, error)
}

// Drainer is the part of the pending queue the scheduler drives.
type Drainer interface {
	TriggerDrain()
	Prune(ctx context.Context) (int, error)
}

type Options struct {
	AutoSync     bool
	SyncInterval time.Duration
	// MaintenanceSpec is the cron spec of the queue prune/drain safety net.
	MaintenanceSpec string
}

// Scheduler owns the cron runner and the lifecycle hooks. A nil Syncer
// disables every sync trigger; queue drains still happen.
type Scheduler struct {
	syncer Syncer
	queue  Drainer
	opts   Options
	logger *zerolog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	stopped bool
	running sync.WaitGroup
}

func New(syncer Syncer, queue Drainer, opts Options, logger *zerolog.Logger) *Scheduler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 30 * time.Minute
	}
	if opts.MaintenanceSpec == "" {
		opts.MaintenanceSpec = "@hourly"
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		syncer: syncer,
		queue:  queue,
		opts:   opts,
		logger: logger,
		cron:   cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		ctx:    context.Background(),
	}
}

// Start registers the periodic jobs and starts the cron runner. Jobs and hooks
// use ctx; the runner stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if s.syncer != nil && s.opts.AutoSync {
		spec := fmt.Sprintf("@every %s", s.opts.SyncInterval)
		if _, err := s.cron.AddFunc(spec, func() { s.RunSync(calsync.TriggerPeriodic) }); err != nil {
			return fmt.Errorf("schedule periodic sync: %w", err)
		}
		s.logger.Info().Dur("interval", s.opts.SyncInterval).Msg("periodic sync scheduled")
	}
	if s.queue != nil {
		if _, err := s.cron.AddFunc(s.opts.MaintenanceSpec, s.maintainQueue); err != nil {
			return fmt.Errorf("schedule queue maintenance: %w", err)
		}
	}

	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the cron runner and waits for running jobs and hooks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.running.Wait()
}

// Foreground reports that the app came to the foreground. The engine applies
// its own gate against the last completed pass.
func (s *Scheduler) Foreground() {
	s.spawn(func() { s.RunSync(calsync.TriggerForeground) })
}

// Startup runs the first pass after the process starts, picking up edits made
// while it was down.
func (s *Scheduler) Startup() {
	s.spawn(func() { s.RunSync(calsync.TriggerStartup) })
}

// AuthCompleted starts a pass right after the user signed in.
func (s *Scheduler) AuthCompleted() {
	s.spawn(func() { s.RunSync(calsync.TriggerAuthCompleted) })
}

// NetworkRestored is registered on the network monitor's online edge.
func (s *Scheduler) NetworkRestored(st netmon.Status) {
	s.logger.Info().Str("kind", string(st.Kind)).Msg("network restored, draining queue and syncing")
	if s.queue != nil {
		s.queue.TriggerDrain()
	}
	s.spawn(func() { s.RunSync(calsync.TriggerNetworkRestored) })
}

// RunSync runs one pass and swallows its error after logging it.
func (s *Scheduler) RunSync(trigger calsync.Trigger) {
	if s.syncer == nil {
		return
	}
	_, err := s.syncer.Sync(s.context(), trigger)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrSyncInProgress):
		s.logger.Debug().Str("trigger", string(trigger)).Msg("sync already running")
	case errors.Is(err, domain.ErrNetworkUnavailable), errors.Is(err, context.Canceled):
		s.logger.Debug().Err(err).Str("trigger", string(trigger)).Msg("sync not run")
	default:
		s.logger.Warn().Err(err).Str("trigger", string(trigger)).Msg("background sync failed")
	}
}

func (s *Scheduler) maintainQueue() {
	pruned, err := s.queue.Prune(s.context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("queue prune failed")
	} else if pruned > 0 {
		s.logger.Info().Int("pruned", pruned).Msg("stale operations pruned")
	}
	s.queue.TriggerDrain()
}

// spawn runs fn in the background; hooks arriving after Stop are dropped.
func (s *Scheduler) spawn(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		fn()
	}()
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// cronLogger adapts zerolog to the cron.Logger interface.
type cronLogger struct {
	logger *zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
