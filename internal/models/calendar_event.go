package models

import "time"

// CalendarEvent is a locally owned shared calendar entry.
type CalendarEvent struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	Start             time.Time  `json:"start"`
	End               *time.Time `json:"end,omitempty"`
	Location          string     `json:"location,omitempty"`
	CreatedBy         string     `json:"created_by"`
	IsSpecial         bool       `json:"is_special"`
	AttachedMediaRefs []string   `json:"attached_media_refs,omitempty"`
	RemoteEventID     string     `json:"remote_event_id,omitempty"`
	LastSyncedAt      *time.Time `json:"last_synced_at,omitempty"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
}

// IsLinked reports whether the event has a counterpart in the remote calendar.
func (e *CalendarEvent) IsLinked() bool {
	return e.RemoteEventID != ""
}

// NeedsUpdate reports whether a linked event was edited after its last sync.
func (e *CalendarEvent) NeedsUpdate() bool {
	if !e.IsLinked() || e.UpdatedAt == nil {
		return false
	}
	if e.LastSyncedAt == nil {
		return true
	}
	return e.UpdatedAt.After(*e.LastSyncedAt)
}

// MarkSynced advances LastSyncedAt; earlier timestamps are ignored.
func (e *CalendarEvent) MarkSynced(at time.Time) {
	if e.LastSyncedAt != nil && !at.After(*e.LastSyncedAt) {
		return
	}
	e.LastSyncedAt = &at
}

// Touch records a local edit.
func (e *CalendarEvent) Touch(at time.Time) {
	e.UpdatedAt = &at
}

// EndOrDefault returns End, or Start plus one hour for open-ended events.
func (e *CalendarEvent) EndOrDefault() time.Time {
	if e.End != nil {
		return *e.End
	}
	return e.Start.Add(time.Hour)
}

// Document renders the event as a remote store record.
func (e *CalendarEvent) Document() Document {
	doc := Document{
		"id":          e.ID,
		"title":       e.Title,
		"description": e.Description,
		"start":       e.Start.UTC().Format(time.RFC3339),
		"location":    e.Location,
		"created_by":  e.CreatedBy,
		"is_special":  e.IsSpecial,
		"media_refs":  append([]string{}, e.AttachedMediaRefs...),
	}
	if e.End != nil {
		doc["end"] = e.End.UTC().Format(time.RFC3339)
	}
	if e.UpdatedAt != nil {
		doc["updated_at"] = e.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return doc
}
