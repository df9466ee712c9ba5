package repository

import (
	"context"
	"testing"
	"time"

	"duet/internal/domain"
	"duet/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	t.Run("RecordLifecycle", func(t *testing.T) {
		id, err := store.CreateRecord(ctx, "notes", models.Document{"id": "n1", "text": "hi"})
		require.NoError(t, err)
		assert.Equal(t, "n1", id)

		require.NoError(t, store.UpdateRecord(ctx, "notes", "n1", models.Document{"text": "hello"}))
		assert.ErrorIs(t, store.UpdateRecord(ctx, "notes", "n2", models.Document{}), domain.ErrRecordNotFound)

		require.NoError(t, store.DeleteRecord(ctx, "notes", "n1"))
		assert.ErrorIs(t, store.DeleteRecord(ctx, "notes", "n1"), domain.ErrRecordNotFound)
	})

	t.Run("StoredRecordsAreCopies", func(t *testing.T) {
		doc := models.Document{"id": "n3", "text": "original"}
		_, err := store.CreateRecord(ctx, "notes", doc)
		require.NoError(t, err)
		doc["text"] = "mutated"

		snap := store.snapshot("notes", models.RecordQuery{Where: map[string]any{"id": "n3"}})
		require.Len(t, snap.Records, 1)
		assert.Equal(t, "original", snap.Records[0]["text"])
	})

	t.Run("Blobs", func(t *testing.T) {
		url, err := store.UploadBlob(ctx, []byte("abc"), "audio/mp4")
		require.NoError(t, err)
		data, ct, err := store.FetchBlob(ctx, url)
		require.NoError(t, err)
		assert.Equal(t, "abc", string(data))
		assert.Equal(t, "audio/mp4", ct)
		require.NoError(t, store.DeleteBlob(ctx, url))
		assert.ErrorIs(t, store.DeleteBlob(ctx, url), domain.ErrRecordNotFound)
	})
}

func TestMemoryStoreStream(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := store.StreamRecords(ctx, "photos", models.RecordQuery{Limit: 2})
	require.NoError(t, err)

	first, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Empty(t, first.Records)

	for _, id := range []string{"a", "b", "c"} {
		_, err := store.CreateRecord(ctx, "photos", models.Document{"id": id})
		require.NoError(t, err)
	}

	next, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, next.Records, 2, "limit applies")
	assert.Equal(t, "a", next.Records[0].ID())

	require.NoError(t, sub.Close())
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestMemoryStoreNextHonorsContext(t *testing.T) {
	store := NewMemoryStore()
	sub, err := store.StreamRecords(context.Background(), "photos", models.RecordQuery{})
	require.NoError(t, err)
	defer sub.Close()

	_, err = sub.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestApplyQuery(t *testing.T) {
	records := []models.Document{
		{"id": "1", "owner": "alex", "n": float64(3)},
		{"id": "2", "owner": "sam", "n": float64(10)},
		{"id": "3", "owner": "alex", "n": float64(1)},
	}

	got := applyQuery(records, models.RecordQuery{Where: map[string]any{"owner": "alex"}, OrderBy: "n"})
	require.Len(t, got, 2)
	assert.Equal(t, "3", got[0].ID())
	assert.Equal(t, "1", got[1].ID())

	got = applyQuery(records, models.RecordQuery{OrderBy: "n", Descending: true, Limit: 1})
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].ID(), "numeric, not lexical, ordering")
}
