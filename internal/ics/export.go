// Package ics renders the local calendar events as a read-only iCalendar feed.
package ics

import (
	"context"
	"fmt"
	"io"
	"time"

	"duet/internal/models"

	ical "github.com/arran4/golang-ical"
)

const productID = "-//duet//calendar feed//EN"

// EventLister supplies the events to export.
type EventLister interface {
	ListEvents(ctx context.Context) ([]models.CalendarEvent, error)
}

type Exporter struct {
	events EventLister
	name   string
	now    func() time.Time
}

func NewExporter(events EventLister, calendarName string) *Exporter {
	return &Exporter{events: events, name: calendarName, now: time.Now}
}

// Build assembles a calendar with one VEVENT per local event.
func (x *Exporter) Build(ctx context.Context) (*ical.Calendar, error) {
	events, err := x.events.ListEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if x.name != "" {
		cal.SetXWRCalName(x.name)
	}

	stamp := x.now().UTC()
	for i := range events {
		ev := &events[i]
		ve := cal.AddEvent(ev.ID + "@duet")
		ve.SetDtStampTime(stamp)
		ve.SetStartAt(ev.Start.UTC())
		ve.SetEndAt(ev.EndOrDefault().UTC())
		ve.SetSummary(ev.Title)
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		if ev.Location != "" {
			ve.SetLocation(ev.Location)
		}
		if ev.UpdatedAt != nil {
			ve.SetModifiedAt(ev.UpdatedAt.UTC())
		}
		if ev.IsSpecial {
			ve.SetProperty(ical.ComponentPropertyCategories, "SPECIAL")
		}
		if ev.CreatedBy != "" {
			ve.SetProperty(ical.ComponentProperty("X-DUET-CREATED-BY"), ev.CreatedBy)
		}
	}
	return cal, nil
}

// Write serializes the feed to w.
func (x *Exporter) Write(ctx context.Context, w io.Writer) error {
	cal, err := x.Build(ctx)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, cal.Serialize()); err != nil {
		return fmt.Errorf("write calendar: %w", err)
	}
	return nil
}
