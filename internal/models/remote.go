package models

import "time"

// Document is a schemaless record of the remote document store.
type Document map[string]any

// ID returns the "id" field when it is a non-empty string.
func (d Document) ID() string {
	if v, ok := d["id"].(string); ok {
		return v
	}
	return ""
}

// RecordQuery filters a record stream. Zero values mean "no constraint".
type RecordQuery struct {
	Where      map[string]any
	OrderBy    string
	Descending bool
	Limit      int
}

// Snapshot is one observation of a collection.
type Snapshot struct {
	Collection string
	Records    []Document
	ObservedAt time.Time
}

// RemoteCalendar is an entry of the calendar service's calendar list.
type RemoteCalendar struct {
	ID   string
	Name string
}

// RemoteEvent is an event as exchanged with the calendar service.
type RemoteEvent struct {
	ID          string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Status      string
}

// EventQuery selects either an incremental (SyncToken) or a ranged listing.
type EventQuery struct {
	SyncToken string
	TimeMin   time.Time
	TimeMax   time.Time
	PageToken string
}

// Incremental reports whether the query continues a change stream.
func (q EventQuery) Incremental() bool {
	return q.SyncToken != ""
}

// EventPage is one page of a listing.
type EventPage struct {
	Items         []RemoteEvent
	NextPageToken string
	NextSyncToken string
}

// RemoteEventFrom converts a local event into the calendar service shape.
func RemoteEventFrom(e *CalendarEvent) RemoteEvent {
	return RemoteEvent{
		ID:          e.RemoteEventID,
		Summary:     e.Title,
		Description: e.Description,
		Location:    e.Location,
		Start:       e.Start,
		End:         e.EndOrDefault(),
	}
}
