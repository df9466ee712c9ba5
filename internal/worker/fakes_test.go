package worker

import (
	"context"
	"fmt"
	"sync"

	"duet/internal/domain"
	"duet/internal/models"
)

type memoryOpStore struct {
	mu     sync.Mutex
	ops    []models.PendingOperation
	writes int
	err    error
}

func (s *memoryOpStore) LoadOperations(context.Context) ([]models.PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PendingOperation(nil), s.ops...), nil
}

func (s *memoryOpStore) ReplaceOperations(_ context.Context, ops []models.PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes++
	s.ops = append([]models.PendingOperation(nil), ops...)
	return nil
}

func (s *memoryOpStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type fakeRemote struct {
	mu      sync.Mutex
	records map[string]models.Document
	blobs   map[string][]byte
	calls   []string
	// fail returns an error for the named call ("create", "update", "delete",
	// "upload", "delete_blob") against a record key, or nil to let it pass.
	fail func(call, key string) error
	// stall makes CreateRecord hang until its context ends.
	stall bool
	seq   int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{records: map[string]models.Document{}, blobs: map[string][]byte{}}
}

func (r *fakeRemote) check(call, key string) error {
	r.calls = append(r.calls, call+" "+key)
	if r.fail != nil {
		return r.fail(call, key)
	}
	return nil
}

func (r *fakeRemote) CreateRecord(ctx context.Context, collection string, doc models.Document) (string, error) {
	r.mu.Lock()
	stall := r.stall
	r.mu.Unlock()
	if stall {
		<-ctx.Done()
		return "", ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := collection + "/" + doc.ID()
	if err := r.check("create", key); err != nil {
		return "", err
	}
	r.records[key] = doc
	return doc.ID(), nil
}

func (r *fakeRemote) UpdateRecord(_ context.Context, collection, id string, doc models.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := collection + "/" + id
	if err := r.check("update", key); err != nil {
		return err
	}
	if _, ok := r.records[key]; !ok {
		return domain.ErrRecordNotFound
	}
	r.records[key] = doc
	return nil
}

func (r *fakeRemote) DeleteRecord(_ context.Context, collection, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := collection + "/" + id
	if err := r.check("delete", key); err != nil {
		return err
	}
	if _, ok := r.records[key]; !ok {
		return domain.ErrRecordNotFound
	}
	delete(r.records, key)
	return nil
}

func (r *fakeRemote) StreamRecords(context.Context, string, models.RecordQuery) (domain.Subscription, error) {
	return nil, fmt.Errorf("not supported")
}

func (r *fakeRemote) UploadBlob(_ context.Context, data []byte, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	url := fmt.Sprintf("blob://%d", r.seq)
	if err := r.check("upload", url); err != nil {
		return "", err
	}
	r.blobs[url] = append([]byte(nil), data...)
	return url, nil
}

func (r *fakeRemote) DeleteBlob(_ context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("delete_blob", url); err != nil {
		return err
	}
	delete(r.blobs, url)
	return nil
}

func (r *fakeRemote) has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[key]
	return ok
}

func (r *fakeRemote) blobCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blobs)
}

func (r *fakeRemote) callLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type switchNetwork struct {
	mu     sync.Mutex
	online bool
}

func (n *switchNetwork) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *switchNetwork) Set(online bool) {
	n.mu.Lock()
	n.online = online
	n.mu.Unlock()
}

type recordingDeadLetters struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func (d *recordingDeadLetters) Push(_ context.Context, letter DeadLetter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.letters = append(d.letters, letter)
	return nil
}
