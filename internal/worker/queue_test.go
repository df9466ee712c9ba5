package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"duet/internal/database"
	"duet/internal/domain"
	"duet/internal/events"
	"duet/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type queueHarness struct {
	queue   *Queue
	store   *memoryOpStore
	remote  *fakeRemote
	network *switchNetwork
	dead    *recordingDeadLetters
	bus     *events.EventBus
	clock   *testClock
	blobDir string
}

func newHarness(t *testing.T) *queueHarness {
	t.Helper()
	h := &queueHarness{
		store:   &memoryOpStore{},
		remote:  newFakeRemote(),
		network: &switchNetwork{online: true},
		dead:    &recordingDeadLetters{},
		bus:     events.NewEventBus(nil),
		clock:   &testClock{now: time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)},
		blobDir: filepath.Join(t.TempDir(), "blobs"),
	}
	h.queue = h.newQueue(h.store)
	return h
}

func (h *queueHarness) newQueue(store domain.OperationStore) *Queue {
	logger := zerolog.Nop()
	q := NewQueue(store, h.remote, NewBlobSpool(h.blobDir), Options{
		Network:     h.network,
		DeadLetters: h.dead,
		Events:      h.bus,
	}, &logger)
	q.now = h.clock.Now
	return q
}

func testEvent(id, title string) models.CalendarEvent {
	start := time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)
	return models.CalendarEvent{ID: id, Title: title, Start: start, CreatedBy: "alex"}
}

func TestEnqueuePersistsImmediately(t *testing.T) {
	h := newHarness(t)
	h.network.Set(false)
	ctx := context.Background()

	id, err := h.queue.Enqueue(ctx, models.CreateEventPayload{Event: testEvent("e1", "Dinner")}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	assert.Equal(t, 1, h.store.Writes())
	stored, _ := h.store.LoadOperations(ctx)
	require.Len(t, stored, 1)
	assert.Equal(t, id, stored[0].ID)
	assert.Equal(t, models.OpCreateEvent, stored[0].Type)
	assert.Equal(t, 0, stored[0].RetryCount)
	assert.Nil(t, stored[0].LastRetryAt)
}

func TestDrainAppliesInOrderAndEmptiesQueue(t *testing.T) {
	h := newHarness(t)
	h.network.Set(false)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, models.CreateEventPayload{Event: testEvent("e1", "Dinner")}, nil)
	require.NoError(t, err)
	updated := testEvent("e1", "Dinner at eight")
	_, err = h.queue.Enqueue(ctx, models.UpdateEventPayload{Event: updated}, nil)
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, models.DeleteEventPayload{EventID: "e2"}, nil)
	require.NoError(t, err)

	h.network.Set(true)
	result, err := h.queue.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Completed)
	assert.Equal(t, 0, result.Pending)
	assert.Equal(t, []string{"create events/e1", "update events/e1", "delete events/e2"}, h.remote.callLog())
	assert.Equal(t, "Dinner at eight", h.remote.records["events/e1"]["title"])

	stored, _ := h.store.LoadOperations(ctx)
	assert.Empty(t, stored)
}

func TestDrainOfflineLeavesQueueUntouched(t *testing.T) {
	h := newHarness(t)
	h.network.Set(false)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, models.DeleteEventPayload{EventID: "e1"}, nil)
	require.NoError(t, err)
	writes := h.store.Writes()

	_, err = h.queue.Drain(ctx)
	assert.ErrorIs(t, err, domain.ErrNetworkUnavailable)
	assert.Equal(t, 1, h.queue.Pending())
	assert.Equal(t, writes, h.store.Writes())
	assert.Empty(t, h.remote.callLog())
}

func TestFailingOperationBacksOffThenIsDiscarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.remote.fail = func(call, key string) error {
		return &domain.APIError{Status: 503, Message: "unavailable"}
	}

	discarded := make(chan events.OperationDiscardedPayload, 1)
	h.bus.Subscribe(events.EventOperationDiscarded, func(e *events.Event) error {
		var p events.OperationDiscardedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		discarded <- p
		return nil
	})

	h.network.Set(false)
	opID, err := h.queue.Enqueue(ctx, models.DeleteEventPayload{EventID: "e1"}, nil)
	require.NoError(t, err)
	h.network.Set(true)

	for attempt := 1; attempt <= 4; attempt++ {
		result, err := h.queue.Drain(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, result.Retried, "attempt %d", attempt)

		ops := h.queue.Snapshot()
		require.Len(t, ops, 1)
		assert.Equal(t, attempt, ops[0].RetryCount)
		require.NotNil(t, ops[0].LastRetryAt)

		// Still inside the backoff window: nothing is attempted.
		calls := len(h.remote.callLog())
		result, err = h.queue.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Deferred)
		assert.Len(t, h.remote.callLog(), calls)

		h.clock.Advance(h.queue.policy.NextDelay(attempt))
	}

	result, err := h.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Discarded)
	assert.Equal(t, 0, h.queue.Pending())
	assert.Contains(t, h.queue.LastError(), "503")

	require.Len(t, h.dead.letters, 1)
	assert.Equal(t, opID, h.dead.letters[0].Operation.ID)
	assert.Equal(t, "retries_exhausted", h.dead.letters[0].Reason)

	select {
	case p := <-discarded:
		assert.Equal(t, opID, p.OperationID)
		assert.Equal(t, 5, p.RetryCount)
		assert.Equal(t, "events/e1", p.EntityKey)
	default:
		t.Fatal("expected discard event")
	}
}

func TestFailuresAreIndependentAcrossEntities(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.remote.fail = func(call, key string) error {
		if key == "events/broken" {
			return errors.New("boom")
		}
		return nil
	}

	h.network.Set(false)
	_, err := h.queue.Enqueue(ctx, models.CreateEventPayload{Event: testEvent("broken", "A")}, nil)
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, models.CreateEventPayload{Event: testEvent("fine", "B")}, nil)
	require.NoError(t, err)
	h.network.Set(true)

	result, err := h.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)
	assert.Equal(t, 1, result.Retried)
	assert.True(t, h.remote.has("events/fine"))

	ops := h.queue.Snapshot()
	require.Len(t, ops, 1)
	assert.Equal(t, "events/broken", ops[0].EntityKey())
}

func TestLaterOperationsOnBlockedEntityWait(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	failCreate := true
	h.remote.fail = func(call, key string) error {
		if call == "create" && failCreate {
			return errors.New("timeout")
		}
		return nil
	}

	h.network.Set(false)
	_, err := h.queue.Enqueue(ctx, models.CreateEventPayload{Event: testEvent("e1", "Trip")}, nil)
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, models.UpdateEventPayload{Event: testEvent("e1", "Trip to Rome")}, nil)
	require.NoError(t, err)
	h.network.Set(true)

	result, err := h.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)
	assert.Equal(t, 1, result.Deferred)
	assert.Equal(t, []string{"create events/e1"}, h.remote.callLog())

	failCreate = false
	h.clock.Advance(time.Minute)
	result, err = h.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Completed)
	assert.Equal(t, "Trip to Rome", h.remote.records["events/e1"]["title"])
}

func TestUndecodableOperationIsDiscardedImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.ops = []models.PendingOperation{{
		ID:        "op-1",
		Type:      "calendar.teleport",
		Payload:   json.RawMessage(`{}`),
		CreatedAt: h.clock.Now(),
	}}
	require.NoError(t, h.queue.Load(ctx))

	result, err := h.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Discarded)
	assert.Equal(t, 0, h.queue.Pending())
	require.Len(t, h.dead.letters, 1)
	assert.Equal(t, "invalid_local_data", h.dead.letters[0].Reason)
	assert.Empty(t, h.remote.callLog())
}

func TestStaleOperationsArePrunedBeforeDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.network.Set(false)
	_, err := h.queue.Enqueue(ctx, models.DeleteEventPayload{EventID: "old"}, nil)
	require.NoError(t, err)
	h.clock.Advance(8 * 24 * time.Hour)
	_, err = h.queue.Enqueue(ctx, models.DeleteEventPayload{EventID: "new"}, nil)
	require.NoError(t, err)
	h.network.Set(true)

	result, err := h.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pruned)
	assert.Equal(t, 1, result.Completed)
	assert.Equal(t, []string{"delete events/new"}, h.remote.callLog())

	require.Len(t, h.dead.letters, 1)
	assert.Equal(t, "stale", h.dead.letters[0].Reason)
}

func TestQueuedPhotoUploadsSpooledBlob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.network.Set(false)
	res, err := h.queue.Submit(ctx, models.CreatePhotoPayload{
		PhotoID:    "p1",
		Caption:    "beach",
		UploadedBy: "sam",
		TakenAt:    h.clock.Now(),
	}, []byte("jpeg-bytes"))
	require.NoError(t, err)
	require.True(t, res.Queued)

	ops := h.queue.Snapshot()
	require.Len(t, ops, 1)
	payload, err := models.DecodePayload(ops[0].Type, ops[0].Payload)
	require.NoError(t, err)
	spooled := payload.(models.CreatePhotoPayload).BlobPath
	assert.FileExists(t, spooled)
	assert.NotContains(t, string(ops[0].Payload), "jpeg-bytes")

	h.network.Set(true)
	result, err := h.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)

	record := h.remote.records["photos/p1"]
	require.NotNil(t, record)
	url := record["url"].(string)
	assert.Equal(t, []byte("jpeg-bytes"), h.remote.blobs[url])
	assert.NoFileExists(t, spooled)
}

func TestFailedRecordCreateRemovesUploadedBlob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.remote.fail = func(call, key string) error {
		if call == "create" {
			return errors.New("write rejected")
		}
		return nil
	}

	res, err := h.queue.Submit(ctx, models.CreateVoiceNotePayload{
		NoteID:     "v1",
		Title:      "hello",
		Duration:   3 * time.Second,
		RecordedBy: "alex",
		RecordedAt: h.clock.Now(),
	}, []byte("m4a"))
	require.NoError(t, err)

	assert.True(t, res.Queued)
	assert.Equal(t, 0, h.remote.blobCount())
	assert.Equal(t, 1, h.queue.Pending())
}

func TestSubmitWritesDirectlyWhenOnline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.queue.Submit(ctx, models.CreateEventPayload{Event: testEvent("e1", "Movie")}, nil)
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.True(t, h.remote.has("events/e1"))
	assert.Equal(t, 0, h.store.Writes())
}

func TestSubmitQueuesBehindPendingOperationOfSameEntity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.network.Set(false)
	_, err := h.queue.Enqueue(ctx, models.CreateEventPayload{Event: testEvent("e1", "Movie")}, nil)
	require.NoError(t, err)
	h.network.Set(true)

	res, err := h.queue.Submit(ctx, models.UpdateEventPayload{Event: testEvent("e1", "Movie night")}, nil)
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, 2, h.queue.Pending())
	assert.Empty(t, h.remote.callLog())
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	h := newHarness(t)

	_, err := h.queue.Submit(context.Background(), models.CreateEventPayload{Event: testEvent("", "No id")}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidLocalData)
	assert.Equal(t, 0, h.queue.Pending())
}

func TestEnqueueRollsBackWhenPersistFails(t *testing.T) {
	h := newHarness(t)
	h.store.err = errors.New("disk full")

	_, err := h.queue.Enqueue(context.Background(), models.CreatePhotoPayload{PhotoID: "p1"}, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, 0, h.queue.Pending())

	entries, _ := os.ReadDir(h.blobDir)
	assert.Empty(t, entries)
}

func openTestDB(t *testing.T, path string) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(path, &logger)
	require.NoError(t, err)
	return db
}

func TestQueueSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "duet.db")

	db := openTestDB(t, dbPath)
	q := h.newQueue(db)
	h.network.Set(false)

	var ids []string
	for _, id := range []string{"a", "b", "c"} {
		opID, err := q.Enqueue(ctx, models.DeleteEventPayload{EventID: id}, nil)
		require.NoError(t, err)
		ids = append(ids, opID)
	}
	h.network.Set(true)
	h.remote.fail = func(call, key string) error {
		if key == "events/b" {
			return errors.New("flaky")
		}
		return nil
	}
	_, err := q.Drain(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db = openTestDB(t, dbPath)
	defer db.Close()
	restored := h.newQueue(db)
	require.NoError(t, restored.Load(ctx))

	ops := restored.Snapshot()
	require.Len(t, ops, 1)
	assert.Equal(t, ids[1], ops[0].ID)
	assert.Equal(t, 1, ops[0].RetryCount)
	require.NotNil(t, ops[0].LastRetryAt)
	assert.True(t, ops[0].LastRetryAt.Equal(h.clock.Now()))
}

func TestNoOpDrainLeavesDatabaseFileUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "duet.db")

	db := openTestDB(t, dbPath)
	defer db.Close()
	q := h.newQueue(db)
	h.remote.fail = func(call, key string) error { return errors.New("down") }

	h.network.Set(false)
	_, err := q.Enqueue(ctx, models.DeleteEventPayload{EventID: "e1"}, nil)
	require.NoError(t, err)
	h.network.Set(true)

	result, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Retried)

	before, err := os.ReadFile(dbPath)
	require.NoError(t, err)

	result, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.False(t, result.Changed())

	after, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStartDrainsOnTrigger(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.network.Set(false)
	_, err := h.queue.Enqueue(ctx, models.DeleteEventPayload{EventID: "e1"}, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h.queue.Start(ctx)
		close(done)
	}()

	h.network.Set(true)
	h.queue.TriggerDrain()
	require.Eventually(t, func() bool { return h.queue.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestStatsReportsOldest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.network.Set(false)

	first := h.clock.Now()
	_, err := h.queue.Enqueue(ctx, models.DeleteEventPayload{EventID: "a"}, nil)
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	_, err = h.queue.Enqueue(ctx, models.DeleteEventPayload{EventID: "b"}, nil)
	require.NoError(t, err)

	st := h.queue.Stats()
	assert.Equal(t, 2, st.Pending)
	require.NotNil(t, st.Oldest)
	assert.True(t, st.Oldest.Equal(first))
}

func TestTimedOutRemoteCallIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.queue.requestTimeout = 20 * time.Millisecond

	h.network.Set(false)
	_, err := h.queue.Enqueue(ctx, models.CreateEventPayload{Event: testEvent("e1", "Dinner")}, nil)
	require.NoError(t, err)
	h.network.Set(true)
	h.remote.mu.Lock()
	h.remote.stall = true
	h.remote.mu.Unlock()

	result, err := h.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)
	assert.Equal(t, 0, result.Discarded)

	ops := h.queue.Snapshot()
	require.Len(t, ops, 1)
	assert.Equal(t, 1, ops[0].RetryCount)
	assert.Contains(t, h.queue.LastError(), context.DeadlineExceeded.Error())
}

func TestTerminalRemoteErrorIsDiscarded(t *testing.T) {
	for _, cause := range []error{domain.ErrNotAuthenticated, domain.ErrConfigurationMissing} {
		t.Run(cause.Error(), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.remote.fail = func(call, key string) error { return cause }

			h.network.Set(false)
			opID, err := h.queue.Enqueue(ctx, models.DeleteEventPayload{EventID: "e1"}, nil)
			require.NoError(t, err)
			h.network.Set(true)

			result, err := h.queue.Drain(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, result.Discarded)
			assert.Equal(t, 0, result.Retried)
			assert.Equal(t, 0, h.queue.Pending())

			require.Len(t, h.dead.letters, 1)
			assert.Equal(t, opID, h.dead.letters[0].Operation.ID)
			assert.Equal(t, "not_retryable", h.dead.letters[0].Reason)
		})
	}
}

func TestSubmitSurfacesTerminalErrors(t *testing.T) {
	h := newHarness(t)
	h.remote.fail = func(call, key string) error { return domain.ErrNotAuthenticated }

	res, err := h.queue.Submit(context.Background(), models.CreateEventPayload{Event: testEvent("e1", "Movie")}, nil)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
	assert.False(t, res.Queued)
	assert.Equal(t, 0, h.queue.Pending())
}
