package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"duet/internal/domain"
	"duet/internal/models"

	"github.com/rs/zerolog"
)

// GuardedStore wraps a RemoteStore and tracks whether it is reachable. After a
// transport failure the store is reported unavailable until the cool-down has
// passed, at which point the next call probes it again.
type GuardedStore struct {
	primary  domain.RemoteStore
	cooldown time.Duration
	logger   *zerolog.Logger
	now      func() time.Time

	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
}

func NewGuardedStore(primary domain.RemoteStore, cooldown time.Duration, logger *zerolog.Logger) *GuardedStore {
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &GuardedStore{primary: primary, cooldown: cooldown, logger: logger, now: time.Now}
}

// Online reports false while the store is marked down and the cool-down has
// not elapsed yet.
func (g *GuardedStore) Online() bool {
	if !g.isDown.Load() {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now().Sub(g.lastCheck) >= g.cooldown
}

// observe classifies err: answers from the store prove it reachable, transport
// failures mark it down.
func (g *GuardedStore) observe(err error) error {
	var apiErr *domain.APIError
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case err == nil,
		errors.Is(err, domain.ErrRecordNotFound),
		errors.Is(err, domain.ErrInvalidLocalData),
		errors.As(err, &apiErr):
		if g.isDown.CompareAndSwap(true, false) {
			g.logger.Info().Msg("remote store reachable again")
		}
		return err
	}

	g.mu.Lock()
	g.lastCheck = g.now()
	g.mu.Unlock()
	if !g.isDown.Swap(true) {
		g.logger.Error().Err(err).Msg("remote store failed, marking unavailable")
	}
	return err
}

func (g *GuardedStore) CreateRecord(ctx context.Context, collection string, doc models.Document) (string, error) {
	id, err := g.primary.CreateRecord(ctx, collection, doc)
	return id, g.observe(err)
}

func (g *GuardedStore) UpdateRecord(ctx context.Context, collection, id string, doc models.Document) error {
	return g.observe(g.primary.UpdateRecord(ctx, collection, id, doc))
}

func (g *GuardedStore) DeleteRecord(ctx context.Context, collection, id string) error {
	return g.observe(g.primary.DeleteRecord(ctx, collection, id))
}

func (g *GuardedStore) StreamRecords(ctx context.Context, collection string, query models.RecordQuery) (domain.Subscription, error) {
	sub, err := g.primary.StreamRecords(ctx, collection, query)
	return sub, g.observe(err)
}

func (g *GuardedStore) UploadBlob(ctx context.Context, data []byte, contentType string) (string, error) {
	url, err := g.primary.UploadBlob(ctx, data, contentType)
	return url, g.observe(err)
}

func (g *GuardedStore) DeleteBlob(ctx context.Context, url string) error {
	return g.observe(g.primary.DeleteBlob(ctx, url))
}

// FetchBlob reads a blob when the wrapped store can serve them.
func (g *GuardedStore) FetchBlob(ctx context.Context, url string) ([]byte, string, error) {
	fetcher, ok := g.primary.(BlobFetcher)
	if !ok {
		return nil, "", errors.New("remote store cannot serve blobs")
	}
	data, contentType, err := fetcher.FetchBlob(ctx, url)
	return data, contentType, g.observe(err)
}
