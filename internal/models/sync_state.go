package models

import "time"

// SyncCursorState is the process-wide calendar sync cursor. It is always
// persisted as a whole.
type SyncCursorState struct {
	SyncToken        string     `json:"sync_token,omitempty"`
	RemoteCalendarID string     `json:"remote_calendar_id,omitempty"`
	LastSyncDate     *time.Time `json:"last_sync_date,omitempty"`
}

// HasToken reports whether an incremental pull is possible.
func (s SyncCursorState) HasToken() bool {
	return s.SyncToken != ""
}

// SinceLastSync returns the time elapsed since the last completed pass, or a
// negative duration when no pass has completed yet.
func (s SyncCursorState) SinceLastSync(now time.Time) time.Duration {
	if s.LastSyncDate == nil {
		return -1
	}
	return now.Sub(*s.LastSyncDate)
}
