package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"duet/internal/domain"
	"duet/internal/models"
	"duet/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Submitter is the write path of the pending operation queue.
type Submitter interface {
	Submit(ctx context.Context, payload models.OperationPayload, blob []byte) (worker.SubmitResult, error)
}

// RemoteCalendar deletes the calendar counterpart of a local event.
type RemoteCalendar interface {
	DeleteRemote(ctx context.Context, remoteEventID string) error
}

// EventService owns the local calendar events and mirrors every change to the
// shared events collection.
type EventService struct {
	store    domain.EventStore
	queue    Submitter
	calendar RemoteCalendar
	logger   *zerolog.Logger
	now      func() time.Time
}

func NewEventService(store domain.EventStore, queue Submitter, calendar RemoteCalendar, logger *zerolog.Logger) *EventService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &EventService{
		store:    store,
		queue:    queue,
		calendar: calendar,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *EventService) ValidateEvent(ev *models.CalendarEvent) error {
	if ev == nil {
		return domain.InvalidLocalData(errors.New("event is nil"))
	}
	if strings.TrimSpace(ev.Title) == "" {
		return domain.InvalidLocalData(errors.New("event title is required"))
	}
	if ev.Start.IsZero() {
		return domain.InvalidLocalData(errors.New("event start is required"))
	}
	if ev.End != nil && ev.End.Before(ev.Start) {
		return domain.InvalidLocalData(errors.New("event ends before it starts"))
	}
	return nil
}

// CreateEvent stores a new event and writes it through to the shared collection.
// The calendar push happens on the next sync pass.
func (s *EventService) CreateEvent(ctx context.Context, ev *models.CalendarEvent) (worker.SubmitResult, error) {
	if err := s.ValidateEvent(ev); err != nil {
		return worker.SubmitResult{}, err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.RemoteEventID = ""
	ev.LastSyncedAt = nil
	ev.Touch(s.now().UTC())

	if err := s.store.SaveEvent(ctx, ev); err != nil {
		return worker.SubmitResult{}, err
	}
	res, err := s.queue.Submit(ctx, models.CreateEventPayload{Event: *ev}, nil)
	if err != nil {
		return res, err
	}
	s.logger.Info().Str("event_id", ev.ID).Bool("queued", res.Queued).Msg("event created")
	return res, nil
}

// UpdateEvent applies an edit. The calendar link and sync stamp of the stored
// event are kept, so the next sync pass sees the edit and updates the remote copy.
func (s *EventService) UpdateEvent(ctx context.Context, ev *models.CalendarEvent) (worker.SubmitResult, error) {
	if err := s.ValidateEvent(ev); err != nil {
		return worker.SubmitResult{}, err
	}
	current, err := s.store.GetEvent(ctx, ev.ID)
	if err != nil {
		return worker.SubmitResult{}, err
	}
	ev.RemoteEventID = current.RemoteEventID
	ev.LastSyncedAt = current.LastSyncedAt
	if ev.CreatedBy == "" {
		ev.CreatedBy = current.CreatedBy
	}
	ev.Touch(s.now().UTC())

	if err := s.store.SaveEvent(ctx, ev); err != nil {
		return worker.SubmitResult{}, err
	}
	return s.queue.Submit(ctx, models.UpdateEventPayload{Event: *ev}, nil)
}

// DeleteEvent removes the event locally and from the shared collection. A
// linked calendar copy is deleted best-effort.
func (s *EventService) DeleteEvent(ctx context.Context, id string) (worker.SubmitResult, error) {
	current, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return worker.SubmitResult{}, err
	}
	if err := s.store.DeleteEvent(ctx, id); err != nil {
		return worker.SubmitResult{}, err
	}

	res, err := s.queue.Submit(ctx, models.DeleteEventPayload{EventID: id}, nil)
	if err != nil {
		return res, err
	}

	if current.IsLinked() && s.calendar != nil {
		if err := s.calendar.DeleteRemote(ctx, current.RemoteEventID); err != nil {
			s.logger.Warn().Err(err).
				Str("event_id", id).
				Str("remote_id", current.RemoteEventID).
				Msg("calendar copy not deleted")
		}
	}
	return res, nil
}

func (s *EventService) GetEvent(ctx context.Context, id string) (*models.CalendarEvent, error) {
	return s.store.GetEvent(ctx, id)
}

func (s *EventService) ListEvents(ctx context.Context) ([]models.CalendarEvent, error) {
	return s.store.ListEvents(ctx)
}
