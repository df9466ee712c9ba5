package calsync

import (
	"context"
	"fmt"

	"duet/internal/domain"
	"duet/internal/events"
	"duet/internal/models"
)

// CleanupResult summarizes a duplicate sweep.
type CleanupResult struct {
	Scanned int `json:"scanned"`
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

// CleanupPayload is published after a sweep.
type CleanupPayload struct {
	CleanupResult
	CalendarID string `json:"calendar_id"`
}

// Cleanup deletes remote duplicates inside the cleanup window. Events sharing
// a title and start date form a group; the first one seen in page order is
// kept and the rest are deleted.
func (e *Engine) Cleanup(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult
	if !e.busy.CompareAndSwap(false, true) {
		return result, domain.ErrSyncInProgress
	}
	defer e.busy.Store(false)
	e.setState(StateSyncing)
	defer e.setState(StateIdle)

	if e.opts.Network != nil && !e.opts.Network.Online() {
		return result, domain.ErrNetworkUnavailable
	}

	cursor, err := e.cursor.LoadCursor(ctx)
	if err != nil {
		return result, fmt.Errorf("load sync cursor: %w", err)
	}
	calendarID, err := e.bootstrap(ctx, &cursor)
	if err != nil {
		return result, err
	}

	now := e.now().UTC()
	query := models.EventQuery{
		TimeMin: now.AddDate(0, 0, -e.opts.CleanupPastDays),
		TimeMax: now.AddDate(0, 0, e.opts.CleanupFutureDays),
	}

	var duplicates []models.RemoteEvent
	seen := make(map[string]struct{})
	for page := 0; ; page++ {
		if page >= maxPages {
			return result, fmt.Errorf("list events: more than %d pages", maxPages)
		}
		callCtx, cancel := e.callContext(ctx)
		resp, err := e.calendar.ListEvents(callCtx, calendarID, query)
		cancel()
		if err != nil {
			return result, fmt.Errorf("list events: %w", err)
		}
		for _, item := range resp.Items {
			if item.Status == "cancelled" {
				continue
			}
			result.Scanned++
			key := dedupKey(item)
			if _, dup := seen[key]; dup {
				duplicates = append(duplicates, item)
				continue
			}
			seen[key] = struct{}{}
		}
		if resp.NextPageToken == "" {
			break
		}
		query.PageToken = resp.NextPageToken
	}

	for _, item := range duplicates {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		callCtx, cancel := e.callContext(ctx)
		err := e.calendar.DeleteEvent(callCtx, calendarID, item.ID)
		cancel()
		if err != nil {
			result.Failed++
			e.logger.Warn().Err(err).Str("remote_id", item.ID).Msg("delete duplicate failed")
			continue
		}
		result.Deleted++
	}

	e.logger.Info().
		Int("scanned", result.Scanned).
		Int("deleted", result.Deleted).
		Int("failed", result.Failed).
		Msg("calendar cleanup finished")
	e.publish(events.EventCleanupCompleted, CleanupPayload{CleanupResult: result, CalendarID: calendarID})
	return result, nil
}

func dedupKey(ev models.RemoteEvent) string {
	return ev.Summary + "\x00" + ev.Start.Format(models.DateKeyLayout)
}
