package service

import (
	"context"
	"time"

	"duet/internal/calsync"
	"duet/internal/domain"
	"duet/internal/models"
	"duet/internal/worker"

	"github.com/stretchr/testify/mock"
)

type MockEventStore struct {
	mock.Mock
}

func (m *MockEventStore) ListEvents(ctx context.Context) ([]models.CalendarEvent, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.CalendarEvent), args.Error(1)
}

func (m *MockEventStore) GetEvent(ctx context.Context, id string) (*models.CalendarEvent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CalendarEvent), args.Error(1)
}

func (m *MockEventStore) SaveEvent(ctx context.Context, ev *models.CalendarEvent) error {
	return m.Called(ctx, ev).Error(0)
}

func (m *MockEventStore) DeleteEvent(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockEventStore) MarkEventSynced(ctx context.Context, id, remoteID string, at time.Time) error {
	return m.Called(ctx, id, remoteID, at).Error(0)
}

type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) Submit(ctx context.Context, payload models.OperationPayload, blob []byte) (worker.SubmitResult, error) {
	args := m.Called(ctx, payload, blob)
	return args.Get(0).(worker.SubmitResult), args.Error(1)
}

type MockRemoteCalendar struct {
	mock.Mock
}

func (m *MockRemoteCalendar) DeleteRemote(ctx context.Context, remoteEventID string) error {
	return m.Called(ctx, remoteEventID).Error(0)
}

type MockStreamer struct {
	mock.Mock
}

func (m *MockStreamer) StreamRecords(ctx context.Context, collection string, q models.RecordQuery) (domain.Subscription, error) {
	args := m.Called(ctx, collection, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(domain.Subscription), args.Error(1)
}

type stubStats struct{ stats worker.Stats }

func (s stubStats) Stats() worker.Stats { return s.stats }

type stubSync struct {
	status calsync.Status
	err    error
}

func (s stubSync) Status(context.Context) (calsync.Status, error) { return s.status, s.err }

type stubNetwork bool

func (n stubNetwork) Online() bool { return bool(n) }
