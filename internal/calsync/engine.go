// Package calsync reconciles locally owned calendar events with the remote
// calendar service.
package calsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"duet/internal/config"
	"duet/internal/domain"
	"duet/internal/events"
	"duet/internal/metrics"
	"duet/internal/models"

	"github.com/rs/zerolog"
)

// State of the engine as seen by observers.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"
)

// Trigger names what started a sync pass.
type Trigger string

const (
	TriggerManual          Trigger = "manual"
	TriggerPeriodic        Trigger = "periodic"
	TriggerForeground      Trigger = "foreground"
	TriggerAuthCompleted   Trigger = "auth_completed"
	TriggerNetworkRestored Trigger = "network_restored"
	TriggerStartup         Trigger = "startup"
)

// maxPages bounds a single listing; the service never legitimately returns more.
const maxPages = 1000

// Connectivity reports whether the network is believed reachable.
type Connectivity interface {
	Online() bool
}

// Options tune an Engine.
type Options struct {
	CalendarName      string
	IncludePast       bool
	IncludeUpcoming   bool
	PastMonths        int
	FutureMonths      int
	RequestTimeout    time.Duration
	ForegroundGate    time.Duration
	CleanupPastDays   int
	CleanupFutureDays int
	Network           Connectivity
	Events            domain.EventPublisher
}

// OptionsFromConfig maps the calendar section of the configuration.
func OptionsFromConfig(cfg config.CalendarConfig) Options {
	return Options{
		CalendarName:      cfg.CalendarName,
		IncludePast:       cfg.IncludePastEvents,
		IncludeUpcoming:   cfg.IncludeUpcomingEvents,
		PastMonths:        cfg.PastMonths,
		FutureMonths:      cfg.FutureMonths,
		RequestTimeout:    cfg.RequestTimeout(),
		ForegroundGate:    cfg.ForegroundGate(),
		CleanupPastDays:   cfg.CleanupPastDays,
		CleanupFutureDays: cfg.CleanupFutureDays,
	}
}

// Result summarizes one sync pass.
type Result struct {
	Trigger    Trigger   `json:"trigger"`
	Pulled     int       `json:"pulled"`
	Cancelled  int       `json:"cancelled"`
	FullPull   bool      `json:"full_pull"`
	Recovered  bool      `json:"recovered,omitempty"`
	Pushed     int       `json:"pushed"`
	Updated    int       `json:"updated"`
	Failed     int       `json:"failed"`
	Skipped    bool      `json:"skipped,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Status is the observable engine state.
type Status struct {
	State        State      `json:"state"`
	LastError    string     `json:"last_error,omitempty"`
	LastResult   *Result    `json:"last_result,omitempty"`
	LastSyncDate *time.Time `json:"last_sync_date,omitempty"`
	CalendarID   string     `json:"calendar_id,omitempty"`
	HasToken     bool       `json:"has_token"`
}

// Engine runs single-flight sync passes: bootstrap, pull, push and update.
type Engine struct {
	calendar domain.CalendarService
	store    domain.EventStore
	cursor   domain.CursorStore
	opts     Options
	logger   *zerolog.Logger
	now      func() time.Time

	busy atomic.Bool

	mu         sync.RWMutex
	state      State
	lastErr    string
	lastResult *Result
}

func NewEngine(calendar domain.CalendarService, store domain.EventStore, cursor domain.CursorStore, opts Options, logger *zerolog.Logger) *Engine {
	if opts.CalendarName == "" {
		opts.CalendarName = "Duet"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = models.DefaultRequestTimeout
	}
	if opts.ForegroundGate <= 0 {
		opts.ForegroundGate = models.DefaultForegroundGate
	}
	if opts.CleanupPastDays <= 0 {
		opts.CleanupPastDays = 30
	}
	if opts.CleanupFutureDays <= 0 {
		opts.CleanupFutureDays = 365
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Engine{
		calendar: calendar,
		store:    store,
		cursor:   cursor,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		state:    StateIdle,
	}
}

// Sync runs one pass. A pass already in flight makes it return
// ErrSyncInProgress without doing anything; a foreground trigger within the
// gate after the last completed pass is skipped.
func (e *Engine) Sync(ctx context.Context, trigger Trigger) (Result, error) {
	if trigger == TriggerForeground {
		due, err := e.foregroundDue(ctx)
		if err != nil {
			return Result{Trigger: trigger}, err
		}
		if !due {
			e.logger.Debug().Msg("foreground sync skipped, last pass is recent")
			return Result{Trigger: trigger, Skipped: true}, nil
		}
	}

	if !e.busy.CompareAndSwap(false, true) {
		return Result{Trigger: trigger, Skipped: true}, domain.ErrSyncInProgress
	}
	defer e.busy.Store(false)

	e.setState(StateSyncing)
	started := e.now()
	result, err := e.run(ctx, trigger)
	result.Trigger = trigger
	result.FinishedAt = e.now().UTC()
	took := e.now().Sub(started)

	if err != nil {
		metrics.ObserveSync(string(trigger), "error", took)
		e.fail(trigger, result, err)
		return result, err
	}

	metrics.ObserveSync(string(trigger), "ok", took)
	e.mu.Lock()
	e.state = StateIdle
	e.lastErr = ""
	e.lastResult = &result
	e.mu.Unlock()

	e.logger.Info().
		Str("trigger", string(trigger)).
		Int("pulled", result.Pulled).
		Bool("full_pull", result.FullPull).
		Int("pushed", result.Pushed).
		Int("updated", result.Updated).
		Int("failed", result.Failed).
		Dur("took", took).
		Msg("calendar sync finished")
	e.publish(events.EventSyncCompleted, syncPayload(result, ""))
	return result, nil
}

func (e *Engine) fail(trigger Trigger, result Result, err error) {
	e.mu.Lock()
	e.state = StateError
	e.lastErr = err.Error()
	e.mu.Unlock()

	ev := e.logger.Error()
	switch {
	case errors.Is(err, domain.ErrNotAuthenticated), errors.Is(err, domain.ErrConfigurationMissing):
		ev = e.logger.Warn()
	case errors.Is(err, domain.ErrNetworkUnavailable), errors.Is(err, context.Canceled):
		ev = e.logger.Info()
	}
	ev.Err(err).Str("trigger", string(trigger)).Msg("calendar sync failed")
	e.publish(events.EventSyncFailed, syncPayload(result, err.Error()))

	// The error state is transient; the engine is ready for the next pass.
	e.setState(StateIdle)
}

func (e *Engine) run(ctx context.Context, trigger Trigger) (Result, error) {
	var result Result
	if e.opts.Network != nil && !e.opts.Network.Online() {
		return result, domain.ErrNetworkUnavailable
	}

	cursor, err := e.cursor.LoadCursor(ctx)
	if err != nil {
		return result, fmt.Errorf("load sync cursor: %w", err)
	}

	calendarID, err := e.bootstrap(ctx, &cursor)
	if err != nil {
		return result, err
	}

	pulled, err := e.pull(ctx, calendarID, &cursor)
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) && apiErr.Status == 404 {
		// The cached calendar was removed remotely: resolve it again once.
		e.logger.Warn().Str("calendar_id", calendarID).Msg("cached calendar not found, bootstrapping again")
		cursor = models.SyncCursorState{}
		if err := e.cursor.SaveCursor(ctx, cursor); err != nil {
			return result, fmt.Errorf("reset sync cursor: %w", err)
		}
		if calendarID, err = e.bootstrap(ctx, &cursor); err != nil {
			return result, err
		}
		pulled, err = e.pull(ctx, calendarID, &cursor)
	}
	if err != nil {
		return result, err
	}
	result.Pulled = pulled.items
	result.Cancelled = pulled.cancelled
	result.FullPull = pulled.full
	result.Recovered = pulled.recovered

	pushed, updated, failed, err := e.pushLocal(ctx, calendarID)
	result.Pushed, result.Updated, result.Failed = pushed, updated, failed
	if err != nil {
		return result, err
	}

	now := e.now().UTC()
	cursor.LastSyncDate = &now
	if err := e.cursor.SaveCursor(ctx, cursor); err != nil {
		return result, fmt.Errorf("save sync cursor: %w", err)
	}
	return result, nil
}

// bootstrap resolves the dedicated calendar by exact name, creating it when
// absent, and caches its id in the cursor.
func (e *Engine) bootstrap(ctx context.Context, cursor *models.SyncCursorState) (string, error) {
	if cursor.RemoteCalendarID != "" {
		return cursor.RemoteCalendarID, nil
	}

	callCtx, cancel := e.callContext(ctx)
	calendars, err := e.calendar.ListCalendars(callCtx)
	cancel()
	if err != nil {
		return "", fmt.Errorf("list calendars: %w", err)
	}

	var id string
	for _, cal := range calendars {
		if cal.Name == e.opts.CalendarName {
			id = cal.ID
			break
		}
	}
	if id == "" {
		callCtx, cancel := e.callContext(ctx)
		id, err = e.calendar.CreateCalendar(callCtx, e.opts.CalendarName)
		cancel()
		if err != nil {
			return "", fmt.Errorf("create calendar %q: %w", e.opts.CalendarName, err)
		}
	}

	// A different calendar invalidates any token issued for the old one.
	cursor.RemoteCalendarID = id
	cursor.SyncToken = ""
	if err := e.cursor.SaveCursor(ctx, *cursor); err != nil {
		return "", fmt.Errorf("save sync cursor: %w", err)
	}
	e.logger.Info().Str("calendar_id", id).Str("name", e.opts.CalendarName).Msg("calendar resolved")
	return id, nil
}

type pullResult struct {
	items     int
	cancelled int
	full      bool
	recovered bool
}

// pull fetches remote changes. With a stored token only the token is sent;
// an expired token is cleared and replaced by exactly one full pull.
func (e *Engine) pull(ctx context.Context, calendarID string, cursor *models.SyncCursorState) (pullResult, error) {
	if cursor.HasToken() {
		res, token, err := e.listAll(ctx, calendarID, models.EventQuery{SyncToken: cursor.SyncToken})
		if err == nil {
			return res, e.storeToken(ctx, cursor, token)
		}
		if !errors.Is(err, domain.ErrTokenExpired) {
			return res, err
		}

		e.logger.Warn().Msg("sync token expired, falling back to a full pull")
		cursor.SyncToken = ""
		if err := e.cursor.SaveCursor(ctx, *cursor); err != nil {
			return res, fmt.Errorf("clear sync token: %w", err)
		}
		res, token, err = e.fullPull(ctx, calendarID)
		res.recovered = true
		if err != nil {
			return res, err
		}
		return res, e.storeToken(ctx, cursor, token)
	}

	res, token, err := e.fullPull(ctx, calendarID)
	if err != nil {
		return res, err
	}
	return res, e.storeToken(ctx, cursor, token)
}

func (e *Engine) fullPull(ctx context.Context, calendarID string) (pullResult, string, error) {
	from, to := e.window()
	if !from.Before(to) {
		e.logger.Debug().Msg("sync window is empty, full pull skipped")
		return pullResult{full: true}, "", nil
	}
	res, token, err := e.listAll(ctx, calendarID, models.EventQuery{TimeMin: from, TimeMax: to})
	res.full = true
	return res, token, err
}

// listAll follows page tokens until the last page and returns its sync token.
// Pulled items are counted but not merged into local events.
func (e *Engine) listAll(ctx context.Context, calendarID string, query models.EventQuery) (pullResult, string, error) {
	var res pullResult
	for page := 0; page < maxPages; page++ {
		callCtx, cancel := e.callContext(ctx)
		resp, err := e.calendar.ListEvents(callCtx, calendarID, query)
		cancel()
		if err != nil {
			return res, "", fmt.Errorf("list events: %w", err)
		}
		for _, item := range resp.Items {
			if item.Status == "cancelled" {
				res.cancelled++
				continue
			}
			res.items++
		}
		if resp.NextPageToken == "" {
			return res, resp.NextSyncToken, nil
		}
		query.PageToken = resp.NextPageToken
	}
	return res, "", fmt.Errorf("list events: more than %d pages", maxPages)
}

func (e *Engine) storeToken(ctx context.Context, cursor *models.SyncCursorState, token string) error {
	if token == "" || token == cursor.SyncToken {
		return nil
	}
	cursor.SyncToken = token
	if err := e.cursor.SaveCursor(ctx, *cursor); err != nil {
		return fmt.Errorf("save sync token: %w", err)
	}
	return nil
}

// pushLocal creates unlinked events inside the window and updates linked
// events edited since their last sync. Per-event failures are counted.
//
// Events are stamped with the time the local list was read, so an edit saved
// while its remote write is in flight stays newer than the stamp and is sent
// by the next pass. A link is recorded even when ctx ends right after the
// remote write succeeded.
func (e *Engine) pushLocal(ctx context.Context, calendarID string) (pushed, updated, failed int, err error) {
	readAt := e.now().UTC()
	local, err := e.store.ListEvents(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("list local events: %w", err)
	}
	from, to := e.window()

	for i := range local {
		ev := &local[i]
		if ev.IsLinked() || ev.Start.Before(from) || ev.Start.After(to) {
			continue
		}
		if ctx.Err() != nil {
			return pushed, updated, failed, ctx.Err()
		}
		callCtx, cancel := e.callContext(ctx)
		remoteID, cerr := e.calendar.CreateEvent(callCtx, calendarID, models.RemoteEventFrom(ev))
		cancel()
		if cerr != nil {
			failed++
			e.logger.Warn().Err(cerr).Str("event_id", ev.ID).Msg("push event failed")
			continue
		}
		if merr := e.store.MarkEventSynced(context.WithoutCancel(ctx), ev.ID, remoteID, readAt); merr != nil {
			failed++
			e.logger.Error().Err(merr).Str("event_id", ev.ID).Str("remote_id", remoteID).Msg("pushed event not linked locally")
			continue
		}
		pushed++
	}

	for i := range local {
		ev := &local[i]
		if !ev.IsLinked() || !ev.NeedsUpdate() {
			continue
		}
		if ctx.Err() != nil {
			return pushed, updated, failed, ctx.Err()
		}
		callCtx, cancel := e.callContext(ctx)
		uerr := e.calendar.UpdateEvent(callCtx, calendarID, ev.RemoteEventID, models.RemoteEventFrom(ev))
		cancel()
		if uerr != nil {
			failed++
			e.logger.Warn().Err(uerr).Str("event_id", ev.ID).Msg("update event failed")
			continue
		}
		if merr := e.store.MarkEventSynced(context.WithoutCancel(ctx), ev.ID, ev.RemoteEventID, readAt); merr != nil {
			failed++
			e.logger.Error().Err(merr).Str("event_id", ev.ID).Msg("updated event not stamped locally")
			continue
		}
		updated++
	}
	return pushed, updated, failed, nil
}

// DeleteRemote removes the remote counterpart of a deleted local event.
// A remote event that is already gone counts as deleted.
func (e *Engine) DeleteRemote(ctx context.Context, remoteEventID string) error {
	if remoteEventID == "" {
		return nil
	}
	if e.opts.Network != nil && !e.opts.Network.Online() {
		return domain.ErrNetworkUnavailable
	}
	cursor, err := e.cursor.LoadCursor(ctx)
	if err != nil {
		return fmt.Errorf("load sync cursor: %w", err)
	}
	if cursor.RemoteCalendarID == "" {
		return nil
	}

	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	err = e.calendar.DeleteEvent(callCtx, cursor.RemoteCalendarID, remoteEventID)
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) && (apiErr.Status == 404 || apiErr.Status == 410) {
		return nil
	}
	if errors.Is(err, domain.ErrTokenExpired) {
		return nil
	}
	return err
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// LastError returns the message of the last failed pass, cleared by a successful one.
func (e *Engine) LastError() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// Status combines in-memory state with the persisted cursor.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	e.mu.RLock()
	st := Status{State: e.state, LastError: e.lastErr, LastResult: e.lastResult}
	e.mu.RUnlock()

	cursor, err := e.cursor.LoadCursor(ctx)
	if err != nil {
		return st, fmt.Errorf("load sync cursor: %w", err)
	}
	st.LastSyncDate = cursor.LastSyncDate
	st.CalendarID = cursor.RemoteCalendarID
	st.HasToken = cursor.HasToken()
	return st, nil
}

func (e *Engine) foregroundDue(ctx context.Context) (bool, error) {
	cursor, err := e.cursor.LoadCursor(ctx)
	if err != nil {
		return false, fmt.Errorf("load sync cursor: %w", err)
	}
	since := cursor.SinceLastSync(e.now())
	return since < 0 || since > e.opts.ForegroundGate, nil
}

// window is the range of events considered for full pulls and pushes. A
// disabled side collapses to now.
func (e *Engine) window() (time.Time, time.Time) {
	now := e.now().UTC()
	from, to := now, now
	if e.opts.IncludePast {
		from = now.AddDate(0, -e.opts.PastMonths, 0)
	}
	if e.opts.IncludeUpcoming {
		to = now.AddDate(0, e.opts.FutureMonths, 0)
	}
	return from, to
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.opts.RequestTimeout)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) publish(eventType string, payload interface{}) {
	if e.opts.Events == nil {
		return
	}
	if err := e.opts.Events.PublishJSON(eventType, payload); err != nil {
		e.logger.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}

func syncPayload(r Result, errMsg string) events.SyncPayload {
	return events.SyncPayload{
		Trigger:    string(r.Trigger),
		Pulled:     r.Pulled,
		FullPull:   r.FullPull,
		Pushed:     r.Pushed,
		Updated:    r.Updated,
		Failed:     r.Failed,
		Error:      errMsg,
		FinishedAt: r.FinishedAt,
	}
}
