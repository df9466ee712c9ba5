package repository

import (
	"context"
	"errors"
	"sync"

	"duet/internal/models"

	"github.com/redis/go-redis/v9"
)

// ErrSubscriptionClosed is returned by Next after Close.
var ErrSubscriptionClosed = errors.New("subscription closed")

type redisSubscription struct {
	store      *RedisStore
	collection string
	query      models.RecordQuery
	pubsub     *redis.PubSub
	messages   <-chan *redis.Message

	mu      sync.Mutex
	primed  bool
	closed  bool
	closeMu sync.Once
}

func (s *redisSubscription) Next(ctx context.Context) (models.Snapshot, error) {
	s.mu.Lock()
	closed, primed := s.closed, s.primed
	s.primed = true
	s.mu.Unlock()

	if closed {
		return models.Snapshot{}, ErrSubscriptionClosed
	}
	if !primed {
		return s.store.snapshot(ctx, s.collection, s.query)
	}

	select {
	case <-ctx.Done():
		return models.Snapshot{}, ctx.Err()
	case _, ok := <-s.messages:
		if !ok {
			return models.Snapshot{}, ErrSubscriptionClosed
		}
	}
	s.coalesce()
	return s.store.snapshot(ctx, s.collection, s.query)
}

// coalesce swallows changes that queued up while the caller was busy; the
// snapshot taken next already reflects them.
func (s *redisSubscription) coalesce() {
	for {
		select {
		case _, ok := <-s.messages:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeMu.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = s.pubsub.Close()
	})
	return err
}
