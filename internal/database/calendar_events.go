package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"duet/internal/domain"
	"duet/internal/models"
)

const eventColumns = `id, title, description, start_at, end_at, location, created_by, is_special,
               media_refs, remote_event_id, last_synced_at, updated_at`

// ListEvents returns all local events ordered by start time.
func (db *DB) ListEvents(ctx context.Context) ([]models.CalendarEvent, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+eventColumns+` FROM calendar_events ORDER BY start_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []models.CalendarEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

func (db *DB) GetEvent(ctx context.Context, id string) (*models.CalendarEvent, error) {
	row := db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM calendar_events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, domain.ErrRecordNotFound)
	}
	return ev, err
}

// SaveEvent inserts or replaces an event. LastSyncedAt never moves backwards and
// an existing remote link is kept when ev carries none.
func (db *DB) SaveEvent(ctx context.Context, ev *models.CalendarEvent) error {
	if ev.ID == "" {
		return errors.New("event id is required")
	}
	refs, err := json.Marshal(nonNilRefs(ev.AttachedMediaRefs))
	if err != nil {
		return fmt.Errorf("encode media refs: %w", err)
	}

	query := `INSERT INTO calendar_events (` + eventColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                title = excluded.title,
                description = excluded.description,
                start_at = excluded.start_at,
                end_at = excluded.end_at,
                location = excluded.location,
                created_by = excluded.created_by,
                is_special = excluded.is_special,
                media_refs = excluded.media_refs,
                remote_event_id = CASE
                    WHEN excluded.remote_event_id = '' THEN calendar_events.remote_event_id
                    ELSE excluded.remote_event_id
                END,
                last_synced_at = CASE
                    WHEN calendar_events.last_synced_at IS NULL THEN excluded.last_synced_at
                    WHEN excluded.last_synced_at IS NULL THEN calendar_events.last_synced_at
                    ELSE MAX(calendar_events.last_synced_at, excluded.last_synced_at)
                END,
                updated_at = excluded.updated_at`

	_, err = db.ExecContext(ctx, query,
		ev.ID,
		ev.Title,
		ev.Description,
		formatTime(ev.Start),
		formatTimePtr(ev.End),
		ev.Location,
		ev.CreatedBy,
		ev.IsSpecial,
		string(refs),
		ev.RemoteEventID,
		formatTimePtr(ev.LastSyncedAt),
		formatTimePtr(ev.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save event %s: %w", ev.ID, err)
	}
	return nil
}

func (db *DB) DeleteEvent(ctx context.Context, id string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM calendar_events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete event %s: %w", id, err)
	}
	return nil
}

// MarkEventSynced links an event to its remote counterpart and advances last_synced_at.
func (db *DB) MarkEventSynced(ctx context.Context, id, remoteEventID string, syncedAt time.Time) error {
	stamp := formatTime(syncedAt)
	query := `UPDATE calendar_events SET
                remote_event_id = ?,
                last_synced_at = CASE
                    WHEN last_synced_at IS NULL OR last_synced_at < ? THEN ?
                    ELSE last_synced_at
                END
              WHERE id = ?`
	res, err := db.ExecContext(ctx, query, remoteEventID, stamp, stamp, id)
	if err != nil {
		return fmt.Errorf("failed to mark event %s synced: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("event %s: %w", id, domain.ErrRecordNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.CalendarEvent, error) {
	var (
		ev           models.CalendarEvent
		startAt      string
		endAt        sql.NullString
		refs         string
		lastSyncedAt sql.NullString
		updatedAt    sql.NullString
	)
	err := row.Scan(
		&ev.ID,
		&ev.Title,
		&ev.Description,
		&startAt,
		&endAt,
		&ev.Location,
		&ev.CreatedBy,
		&ev.IsSpecial,
		&refs,
		&ev.RemoteEventID,
		&lastSyncedAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	if ev.Start, err = parseTime(startAt); err != nil {
		return nil, err
	}
	if ev.End, err = parseTimePtr(endAt); err != nil {
		return nil, err
	}
	if ev.LastSyncedAt, err = parseTimePtr(lastSyncedAt); err != nil {
		return nil, err
	}
	if ev.UpdatedAt, err = parseTimePtr(updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(refs), &ev.AttachedMediaRefs); err != nil {
		return nil, fmt.Errorf("decode media refs of %s: %w", ev.ID, err)
	}
	return &ev, nil
}

func nonNilRefs(refs []string) []string {
	if refs == nil {
		return []string{}
	}
	return refs
}
