package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"duet/internal/models"
)

// LoadCursor returns the stored sync cursor, or the zero value before the first save.
func (db *DB) LoadCursor(ctx context.Context) (models.SyncCursorState, error) {
	var (
		state    models.SyncCursorState
		lastSync sql.NullString
	)
	err := db.QueryRowContext(ctx,
		`SELECT sync_token, remote_calendar_id, last_sync_date FROM sync_cursor WHERE id = 1`,
	).Scan(&state.SyncToken, &state.RemoteCalendarID, &lastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncCursorState{}, nil
	}
	if err != nil {
		return state, fmt.Errorf("failed to load sync cursor: %w", err)
	}
	if state.LastSyncDate, err = parseTimePtr(lastSync); err != nil {
		return state, err
	}
	return state, nil
}

// SaveCursor overwrites the whole cursor in one statement.
func (db *DB) SaveCursor(ctx context.Context, state models.SyncCursorState) error {
	query := `INSERT INTO sync_cursor (id, sync_token, remote_calendar_id, last_sync_date)
              VALUES (1, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                sync_token = excluded.sync_token,
                remote_calendar_id = excluded.remote_calendar_id,
                last_sync_date = excluded.last_sync_date`
	_, err := db.ExecContext(ctx, query, state.SyncToken, state.RemoteCalendarID, formatTimePtr(state.LastSyncDate))
	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}
