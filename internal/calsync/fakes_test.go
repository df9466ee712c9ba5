package calsync

import (
	"context"
	"fmt"
	"sync"

	"duet/internal/models"
)

type fakeCalendar struct {
	mu sync.Mutex

	calendars          []models.RemoteCalendar
	listCalendarsCalls int
	createdCalendars   []string

	// pages answers the n-th ListEvents call (0-based).
	pages   func(n int, calendarID string, q models.EventQuery) (*models.EventPage, error)
	queries []models.EventQuery
	listIDs []string

	createErr func(ev models.RemoteEvent) error
	created   []models.RemoteEvent
	updated   []string
	deleted   []string
	deleteErr func(id string) error
	nextID    int

	// onCreate/onUpdate run before the remote write is recorded.
	onCreate func(ev models.RemoteEvent)
	onUpdate func(eventID string)

	// entered/release let a test hold a pass inside ListCalendars.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeCalendar) ListCalendars(ctx context.Context) ([]models.RemoteCalendar, error) {
	f.mu.Lock()
	f.listCalendarsCalls++
	entered, release := f.entered, f.release
	cals := append([]models.RemoteCalendar(nil), f.calendars...)
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return cals, nil
}

func (f *fakeCalendar) CreateCalendar(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdCalendars = append(f.createdCalendars, name)
	id := fmt.Sprintf("created-%d", len(f.createdCalendars))
	f.calendars = append(f.calendars, models.RemoteCalendar{ID: id, Name: name})
	return id, nil
}

func (f *fakeCalendar) ListEvents(_ context.Context, calendarID string, q models.EventQuery) (*models.EventPage, error) {
	f.mu.Lock()
	n := len(f.queries)
	f.queries = append(f.queries, q)
	f.listIDs = append(f.listIDs, calendarID)
	pages := f.pages
	f.mu.Unlock()

	if pages == nil {
		return &models.EventPage{NextSyncToken: "tok-1"}, nil
	}
	return pages(n, calendarID, q)
}

func (f *fakeCalendar) CreateEvent(_ context.Context, _ string, ev models.RemoteEvent) (string, error) {
	f.mu.Lock()
	hook := f.onCreate
	f.mu.Unlock()
	if hook != nil {
		hook(ev)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		if err := f.createErr(ev); err != nil {
			return "", err
		}
	}
	f.nextID++
	f.created = append(f.created, ev)
	return fmt.Sprintf("remote-%d", f.nextID), nil
}

func (f *fakeCalendar) UpdateEvent(_ context.Context, _ string, eventID string, _ models.RemoteEvent) error {
	f.mu.Lock()
	hook := f.onUpdate
	f.mu.Unlock()
	if hook != nil {
		hook(eventID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, eventID)
	return nil
}

func (f *fakeCalendar) DeleteEvent(_ context.Context, _ string, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		if err := f.deleteErr(eventID); err != nil {
			return err
		}
	}
	f.deleted = append(f.deleted, eventID)
	return nil
}

func (f *fakeCalendar) queryLog() []models.EventQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.EventQuery(nil), f.queries...)
}

type offline struct{}

func (offline) Online() bool { return false }
