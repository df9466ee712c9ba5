package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"duet/internal/domain"
	"duet/internal/models"

	"github.com/google/uuid"
)

// MemoryStore is an in-process RemoteStore used when no redis address is
// configured, so a single device can run without a shared backend.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]models.Document
	blobs       map[string]memoryBlob
	watchers    map[string]map[*memorySubscription]struct{}
	now         func() time.Time
}

type memoryBlob struct {
	data        []byte
	contentType string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]models.Document),
		blobs:       make(map[string]memoryBlob),
		watchers:    make(map[string]map[*memorySubscription]struct{}),
		now:         time.Now,
	}
}

func (s *MemoryStore) CreateRecord(_ context.Context, collection string, doc models.Document) (string, error) {
	doc = cloneDocument(doc)
	id := doc.ID()
	if id == "" {
		id = uuid.NewString()
		doc["id"] = id
	}

	s.mu.Lock()
	records, ok := s.collections[collection]
	if !ok {
		records = make(map[string]models.Document)
		s.collections[collection] = records
	}
	records[id] = doc
	s.mu.Unlock()

	s.notify(collection)
	return id, nil
}

func (s *MemoryStore) UpdateRecord(_ context.Context, collection, id string, doc models.Document) error {
	s.mu.Lock()
	records := s.collections[collection]
	if _, ok := records[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", collection, id, domain.ErrRecordNotFound)
	}
	doc = cloneDocument(doc)
	doc["id"] = id
	records[id] = doc
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

func (s *MemoryStore) DeleteRecord(_ context.Context, collection, id string) error {
	s.mu.Lock()
	records := s.collections[collection]
	if _, ok := records[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", collection, id, domain.ErrRecordNotFound)
	}
	delete(records, id)
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

func (s *MemoryStore) StreamRecords(_ context.Context, collection string, query models.RecordQuery) (domain.Subscription, error) {
	sub := &memorySubscription{
		store:      s,
		collection: collection,
		query:      query,
		changed:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.mu.Lock()
	if s.watchers[collection] == nil {
		s.watchers[collection] = make(map[*memorySubscription]struct{})
	}
	s.watchers[collection][sub] = struct{}{}
	s.mu.Unlock()
	return sub, nil
}

func (s *MemoryStore) UploadBlob(_ context.Context, data []byte, contentType string) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	s.blobs[id] = memoryBlob{data: append([]byte(nil), data...), contentType: contentType}
	s.mu.Unlock()
	return blobScheme + id, nil
}

func (s *MemoryStore) FetchBlob(_ context.Context, url string) ([]byte, string, error) {
	id, err := blobID(url)
	if err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[id]
	if !ok {
		return nil, "", fmt.Errorf("blob %s: %w", id, domain.ErrRecordNotFound)
	}
	return append([]byte(nil), blob.data...), blob.contentType, nil
}

func (s *MemoryStore) DeleteBlob(_ context.Context, url string) error {
	id, err := blobID(url)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[id]; !ok {
		return fmt.Errorf("blob %s: %w", id, domain.ErrRecordNotFound)
	}
	delete(s.blobs, id)
	return nil
}

func (s *MemoryStore) snapshot(collection string, query models.RecordQuery) models.Snapshot {
	s.mu.RLock()
	records := make([]models.Document, 0, len(s.collections[collection]))
	for _, doc := range s.collections[collection] {
		records = append(records, cloneDocument(doc))
	}
	s.mu.RUnlock()

	return models.Snapshot{
		Collection: collection,
		Records:    applyQuery(records, query),
		ObservedAt: s.now().UTC(),
	}
}

func (s *MemoryStore) notify(collection string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.watchers[collection] {
		select {
		case sub.changed <- struct{}{}:
		default:
		}
	}
}

func (s *MemoryStore) unwatch(sub *memorySubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers[sub.collection], sub)
}

type memorySubscription struct {
	store      *MemoryStore
	collection string
	query      models.RecordQuery
	changed    chan struct{}
	done       chan struct{}

	mu     sync.Mutex
	primed bool
	once   sync.Once
}

func (s *memorySubscription) Next(ctx context.Context) (models.Snapshot, error) {
	select {
	case <-s.done:
		return models.Snapshot{}, ErrSubscriptionClosed
	default:
	}

	s.mu.Lock()
	primed := s.primed
	s.primed = true
	s.mu.Unlock()

	if primed {
		select {
		case <-ctx.Done():
			return models.Snapshot{}, ctx.Err()
		case <-s.done:
			return models.Snapshot{}, ErrSubscriptionClosed
		case <-s.changed:
		}
	}
	return s.store.snapshot(s.collection, s.query), nil
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.store.unwatch(s)
	})
	return nil
}
