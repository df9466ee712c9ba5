// Package google adapts the Google Calendar API to the calendar sync engine.
package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"duet/internal/domain"
	"duet/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const pageSize = 250

// CalendarClient implements domain.CalendarService. The API client is built on
// first use so that linking the account later does not require a restart.
type CalendarClient struct {
	auth    *Authenticator
	limiter *rate.Limiter
	logger  *zerolog.Logger

	mu      sync.Mutex
	service *calendar.Service
}

func NewCalendarClient(auth *Authenticator, logger *zerolog.Logger) *CalendarClient {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &CalendarClient{
		auth:    auth,
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		logger:  logger,
	}
}

// newCalendarClientWithService wires a prebuilt API client.
func newCalendarClientWithService(svc *calendar.Service) *CalendarClient {
	c := NewCalendarClient(nil, nil)
	c.service = svc
	return c
}

// Reset drops the cached API client, e.g. after the account was relinked.
func (c *CalendarClient) Reset() {
	c.mu.Lock()
	c.service = nil
	c.mu.Unlock()
}

func (c *CalendarClient) api(ctx context.Context) (*calendar.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.service != nil {
		return c.service, nil
	}
	if c.auth == nil {
		return nil, domain.ErrConfigurationMissing
	}
	ts, err := c.auth.TokenSource()
	if err != nil {
		return nil, err
	}
	svc, err := calendar.NewService(context.Background(), option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("unable to create calendar service: %w", err)
	}
	c.service = svc
	return svc, nil
}

// wait keeps bursts of pagination and pushes under the API quota.
func (c *CalendarClient) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

func (c *CalendarClient) ListCalendars(ctx context.Context) ([]models.RemoteCalendar, error) {
	svc, err := c.api(ctx)
	if err != nil {
		return nil, err
	}

	var out []models.RemoteCalendar
	pageToken := ""
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		call := svc.CalendarList.List().Context(ctx).MaxResults(pageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, mapError(err)
		}
		for _, item := range resp.Items {
			out = append(out, models.RemoteCalendar{ID: item.Id, Name: item.Summary})
		}
		if resp.NextPageToken == "" {
			return out, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (c *CalendarClient) CreateCalendar(ctx context.Context, name string) (string, error) {
	svc, err := c.api(ctx)
	if err != nil {
		return "", err
	}
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	created, err := svc.Calendars.Insert(&calendar.Calendar{Summary: name}).Context(ctx).Do()
	if err != nil {
		return "", mapError(err)
	}
	c.logger.Info().Str("calendar_id", created.Id).Str("name", name).Msg("calendar created")
	return created.Id, nil
}

func (c *CalendarClient) ListEvents(ctx context.Context, calendarID string, query models.EventQuery) (*models.EventPage, error) {
	svc, err := c.api(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	call := svc.Events.List(calendarID).Context(ctx).MaxResults(pageSize).SingleEvents(true)
	if query.Incremental() {
		call = call.SyncToken(query.SyncToken).ShowDeleted(true)
	} else {
		if !query.TimeMin.IsZero() {
			call = call.TimeMin(query.TimeMin.UTC().Format(time.RFC3339))
		}
		if !query.TimeMax.IsZero() {
			call = call.TimeMax(query.TimeMax.UTC().Format(time.RFC3339))
		}
	}
	if query.PageToken != "" {
		call = call.PageToken(query.PageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, mapError(err)
	}

	page := &models.EventPage{
		Items:         make([]models.RemoteEvent, 0, len(resp.Items)),
		NextPageToken: resp.NextPageToken,
		NextSyncToken: resp.NextSyncToken,
	}
	for _, item := range resp.Items {
		page.Items = append(page.Items, fromAPIEvent(item))
	}
	return page, nil
}

func (c *CalendarClient) CreateEvent(ctx context.Context, calendarID string, event models.RemoteEvent) (string, error) {
	svc, err := c.api(ctx)
	if err != nil {
		return "", err
	}
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	created, err := svc.Events.Insert(calendarID, toAPIEvent(event)).Context(ctx).Do()
	if err != nil {
		return "", mapError(err)
	}
	return created.Id, nil
}

func (c *CalendarClient) UpdateEvent(ctx context.Context, calendarID, eventID string, event models.RemoteEvent) error {
	svc, err := c.api(ctx)
	if err != nil {
		return err
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	if _, err := svc.Events.Update(calendarID, eventID, toAPIEvent(event)).Context(ctx).Do(); err != nil {
		return mapError(err)
	}
	return nil
}

func (c *CalendarClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	svc, err := c.api(ctx)
	if err != nil {
		return err
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	if err := svc.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return mapError(err)
	}
	return nil
}

// mapError translates API and transport failures into domain errors.
func mapError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusGone:
			return fmt.Errorf("%w: %s", domain.ErrTokenExpired, gerr.Message)
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", domain.ErrNotAuthenticated, gerr.Message)
		default:
			return &domain.APIError{Status: gerr.Code, Message: gerr.Message}
		}
	}
	if errors.Is(err, domain.ErrNotAuthenticated) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", domain.ErrNetworkUnavailable, err)
	}
	return err
}

func toAPIEvent(ev models.RemoteEvent) *calendar.Event {
	out := &calendar.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
	}
	end := ev.End
	if end.IsZero() || !end.After(ev.Start) {
		end = ev.Start.Add(time.Hour)
	}
	if ev.AllDay {
		out.Start = &calendar.EventDateTime{Date: ev.Start.Format(models.DateKeyLayout)}
		out.End = &calendar.EventDateTime{Date: ev.Start.AddDate(0, 0, 1).Format(models.DateKeyLayout)}
		return out
	}
	out.Start = &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)}
	out.End = &calendar.EventDateTime{DateTime: end.Format(time.RFC3339)}
	return out
}

func fromAPIEvent(e *calendar.Event) models.RemoteEvent {
	out := models.RemoteEvent{
		ID:          e.Id,
		Summary:     e.Summary,
		Description: e.Description,
		Location:    e.Location,
		Status:      e.Status,
	}
	out.Start, out.AllDay = parseEventTime(e.Start)
	out.End, _ = parseEventTime(e.End)
	return out
}

func parseEventTime(dt *calendar.EventDateTime) (time.Time, bool) {
	if dt == nil {
		return time.Time{}, false
	}
	if dt.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, dt.DateTime); err == nil {
			return t, false
		}
	}
	if dt.Date != "" {
		if t, err := time.Parse(models.DateKeyLayout, dt.Date); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
