package google

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"duet/internal/domain"
	"duet/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

func setupMockServer(t *testing.T) (*http.ServeMux, *CalendarClient) {
	t.Helper()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	svc, err := calendar.NewService(context.Background(),
		option.WithEndpoint(server.URL+"/calendar/v3/"),
		option.WithoutAuthentication())
	require.NoError(t, err)
	return mux, newCalendarClientWithService(svc)
}

func writeAPIError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}

func TestListCalendarsFollowsPages(t *testing.T) {
	mux, c := setupMockServer(t)
	mux.HandleFunc("/calendar/v3/users/me/calendarList", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pageToken") == "" {
			_ = json.NewEncoder(w).Encode(calendar.CalendarList{
				Items:         []*calendar.CalendarListEntry{{Id: "primary", Summary: "Me"}},
				NextPageToken: "p2",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(calendar.CalendarList{
			Items: []*calendar.CalendarListEntry{{Id: "cal1", Summary: "Duet"}},
		})
	})

	cals, err := c.ListCalendars(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.RemoteCalendar{{ID: "primary", Name: "Me"}, {ID: "cal1", Name: "Duet"}}, cals)
}

func TestCreateCalendar(t *testing.T) {
	mux, c := setupMockServer(t)
	mux.HandleFunc("/calendar/v3/calendars", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body calendar.Calendar
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(calendar.Calendar{Id: "new-cal", Summary: body.Summary})
	})

	id, err := c.CreateCalendar(context.Background(), "Duet")
	require.NoError(t, err)
	assert.Equal(t, "new-cal", id)
}

func TestListEventsIncrementalAndRanged(t *testing.T) {
	mux, c := setupMockServer(t)
	var lastQuery map[string]string
	mux.HandleFunc("/calendar/v3/calendars/cal1/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		lastQuery = map[string]string{
			"syncToken":   q.Get("syncToken"),
			"timeMin":     q.Get("timeMin"),
			"timeMax":     q.Get("timeMax"),
			"showDeleted": q.Get("showDeleted"),
		}
		_ = json.NewEncoder(w).Encode(calendar.Events{
			Items: []*calendar.Event{
				{Id: "r1", Summary: "Dinner", Start: &calendar.EventDateTime{DateTime: "2025-06-01T18:00:00Z"}, End: &calendar.EventDateTime{DateTime: "2025-06-01T20:00:00Z"}},
				{Id: "r2", Summary: "Trip", Start: &calendar.EventDateTime{Date: "2025-07-01"}, End: &calendar.EventDateTime{Date: "2025-07-02"}},
				{Id: "r3", Status: "cancelled"},
			},
			NextSyncToken: "tok-2",
		})
	})

	page, err := c.ListEvents(context.Background(), "cal1", models.EventQuery{SyncToken: "tok-1"})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", lastQuery["syncToken"])
	assert.Equal(t, "true", lastQuery["showDeleted"])
	assert.Empty(t, lastQuery["timeMin"])
	assert.Equal(t, "tok-2", page.NextSyncToken)
	require.Len(t, page.Items, 3)
	assert.Equal(t, time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC), page.Items[0].Start.UTC())
	assert.True(t, page.Items[1].AllDay)
	assert.Equal(t, "cancelled", page.Items[2].Status)

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = c.ListEvents(context.Background(), "cal1", models.EventQuery{TimeMin: from, TimeMax: from.AddDate(1, 0, 0)})
	require.NoError(t, err)
	assert.Empty(t, lastQuery["syncToken"])
	assert.Equal(t, "2025-01-01T00:00:00Z", lastQuery["timeMin"])
	assert.Equal(t, "2026-01-01T00:00:00Z", lastQuery["timeMax"])
}

func TestErrorMapping(t *testing.T) {
	mux, c := setupMockServer(t)
	mux.HandleFunc("/calendar/v3/calendars/gone/events", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusGone, "Sync token is no longer valid, a full sync is required.")
	})
	mux.HandleFunc("/calendar/v3/calendars/unauth/events", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusUnauthorized, "Invalid Credentials")
	})
	mux.HandleFunc("/calendar/v3/calendars/broken/events", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusInternalServerError, "Backend Error")
	})
	ctx := context.Background()

	_, err := c.ListEvents(ctx, "gone", models.EventQuery{SyncToken: "old"})
	assert.ErrorIs(t, err, domain.ErrTokenExpired)

	_, err = c.ListEvents(ctx, "unauth", models.EventQuery{})
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)

	_, err = c.ListEvents(ctx, "broken", models.EventQuery{})
	var apiErr *domain.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 500, apiErr.Status)
	assert.True(t, domain.IsRetryable(err))
}

func TestTransportFailureIsNetworkUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	endpoint := server.URL + "/calendar/v3/"
	server.Close()

	svc, err := calendar.NewService(context.Background(), option.WithEndpoint(endpoint), option.WithoutAuthentication())
	require.NoError(t, err)
	c := newCalendarClientWithService(svc)

	_, err = c.ListCalendars(context.Background())
	assert.ErrorIs(t, err, domain.ErrNetworkUnavailable)
}

func TestEventWrites(t *testing.T) {
	mux, c := setupMockServer(t)
	var inserted calendar.Event
	mux.HandleFunc("/calendar/v3/calendars/cal1/events", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&inserted))
		_ = json.NewEncoder(w).Encode(calendar.Event{Id: "remote-1"})
	})
	var method string
	mux.HandleFunc("/calendar/v3/calendars/cal1/events/remote-1", func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_ = json.NewEncoder(w).Encode(calendar.Event{Id: "remote-1"})
	})
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)

	id, err := c.CreateEvent(ctx, "cal1", models.RemoteEvent{Summary: "Dinner", Start: start})
	require.NoError(t, err)
	assert.Equal(t, "remote-1", id)
	assert.Equal(t, "Dinner", inserted.Summary)
	assert.Equal(t, "2025-06-01T19:00:00Z", inserted.End.DateTime, "end defaults to one hour after start")

	require.NoError(t, c.UpdateEvent(ctx, "cal1", "remote-1", models.RemoteEvent{Summary: "Late dinner", Start: start}))
	assert.Equal(t, http.MethodPut, method)

	require.NoError(t, c.DeleteEvent(ctx, "cal1", "remote-1"))
	assert.Equal(t, http.MethodDelete, method)
}

func TestClientWithoutAuthenticator(t *testing.T) {
	c := NewCalendarClient(nil, nil)
	_, err := c.ListCalendars(context.Background())
	assert.ErrorIs(t, err, domain.ErrConfigurationMissing)
}

func TestAllDayConversion(t *testing.T) {
	day := time.Date(2025, 12, 24, 0, 0, 0, 0, time.UTC)
	ev := toAPIEvent(models.RemoteEvent{Summary: "Eve", Start: day, AllDay: true})
	assert.Equal(t, "2025-12-24", ev.Start.Date)
	assert.Equal(t, "2025-12-25", ev.End.Date)
	assert.Empty(t, ev.Start.DateTime)
}
