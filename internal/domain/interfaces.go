package domain

import (
	"context"
	"time"

	"duet/internal/models"
)

// RemoteStore is the boundary to the managed document/object store.
type RemoteStore interface {
	CreateRecord(ctx context.Context, collection string, doc models.Document) (string, error)
	UpdateRecord(ctx context.Context, collection, id string, doc models.Document) error
	DeleteRecord(ctx context.Context, collection, id string) error
	StreamRecords(ctx context.Context, collection string, query models.RecordQuery) (Subscription, error)
	UploadBlob(ctx context.Context, data []byte, contentType string) (string, error)
	DeleteBlob(ctx context.Context, url string) error
}

// Subscription is a lazy, restartable sequence of collection snapshots.
// Next blocks until the next snapshot or until ctx is done or Close is called.
type Subscription interface {
	Next(ctx context.Context) (models.Snapshot, error)
	Close() error
}

// CalendarService is the boundary to the third-party calendar API.
type CalendarService interface {
	ListCalendars(ctx context.Context) ([]models.RemoteCalendar, error)
	CreateCalendar(ctx context.Context, name string) (string, error)
	ListEvents(ctx context.Context, calendarID string, query models.EventQuery) (*models.EventPage, error)
	CreateEvent(ctx context.Context, calendarID string, event models.RemoteEvent) (string, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, event models.RemoteEvent) error
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// OperationStore persists the pending-operation queue. ReplaceOperations
// rewrites the whole queue in order.
type OperationStore interface {
	LoadOperations(ctx context.Context) ([]models.PendingOperation, error)
	ReplaceOperations(ctx context.Context, ops []models.PendingOperation) error
}

// EventStore holds the locally mastered calendar events.
type EventStore interface {
	ListEvents(ctx context.Context) ([]models.CalendarEvent, error)
	GetEvent(ctx context.Context, id string) (*models.CalendarEvent, error)
	SaveEvent(ctx context.Context, event *models.CalendarEvent) error
	DeleteEvent(ctx context.Context, id string) error
	MarkEventSynced(ctx context.Context, id, remoteEventID string, syncedAt time.Time) error
}

// CursorStore persists the single sync cursor value.
type CursorStore interface {
	LoadCursor(ctx context.Context) (models.SyncCursorState, error)
	SaveCursor(ctx context.Context, state models.SyncCursorState) error
}

// EventPublisher publishes core events to in-process subscribers.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
