// Package repository implements the remote record and blob store.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"duet/internal/config"
	"duet/internal/domain"
	"duet/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const blobScheme = "blob://"

// BlobFetcher reads back uploaded media.
type BlobFetcher interface {
	FetchBlob(ctx context.Context, url string) ([]byte, string, error)
}

// NewRedisClient builds a redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// Ping checks the redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// Close closes the redis client when set.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}

// updateScript replaces a record only when it already exists.
var updateScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// RedisStore keeps each collection in a hash of JSON records and announces
// changes on a per-collection channel. Blobs live under their own keys.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "duet"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) collectionKey(collection string) string {
	return s.prefix + ":col:" + collection
}

func (s *RedisStore) changesKey(collection string) string {
	return s.prefix + ":changes:" + collection
}

func (s *RedisStore) blobKey(id string) string {
	return s.prefix + ":blob:" + id
}

// CreateRecord stores doc and returns its id. A caller supplied "id" is kept,
// which makes replaying a create idempotent.
func (s *RedisStore) CreateRecord(ctx context.Context, collection string, doc models.Document) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("redis client is nil")
	}
	doc = cloneDocument(doc)
	id := doc.ID()
	if id == "" {
		id = uuid.NewString()
		doc["id"] = id
	}
	if _, ok := doc["created_at"]; !ok {
		doc["created_at"] = s.now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", domain.InvalidLocalData(fmt.Errorf("marshal record: %w", err))
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.collectionKey(collection), id, data)
	pipe.Publish(ctx, s.changesKey(collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to create %s record: %w", collection, err)
	}
	return id, nil
}

func (s *RedisStore) UpdateRecord(ctx context.Context, collection, id string, doc models.Document) error {
	if s.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	doc = cloneDocument(doc)
	doc["id"] = id
	data, err := json.Marshal(doc)
	if err != nil {
		return domain.InvalidLocalData(fmt.Errorf("marshal record: %w", err))
	}

	n, err := updateScript.Run(ctx, s.client, []string{s.collectionKey(collection)}, id, data).Int()
	if err != nil {
		return fmt.Errorf("failed to update %s record: %w", collection, err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, domain.ErrRecordNotFound)
	}
	if err := s.client.Publish(ctx, s.changesKey(collection), id).Err(); err != nil {
		return fmt.Errorf("failed to announce %s change: %w", collection, err)
	}
	return nil
}

func (s *RedisStore) DeleteRecord(ctx context.Context, collection, id string) error {
	if s.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	n, err := s.client.HDel(ctx, s.collectionKey(collection), id).Result()
	if err != nil {
		return fmt.Errorf("failed to delete %s record: %w", collection, err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, domain.ErrRecordNotFound)
	}
	if err := s.client.Publish(ctx, s.changesKey(collection), id).Err(); err != nil {
		return fmt.Errorf("failed to announce %s change: %w", collection, err)
	}
	return nil
}

// GetRecord loads one record.
func (s *RedisStore) GetRecord(ctx context.Context, collection, id string) (models.Document, error) {
	raw, err := s.client.HGet(ctx, s.collectionKey(collection), id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, domain.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s record: %w", collection, err)
	}
	var doc models.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s record: %w", collection, err)
	}
	return doc, nil
}

// snapshot reads the whole collection and applies query.
func (s *RedisStore) snapshot(ctx context.Context, collection string, query models.RecordQuery) (models.Snapshot, error) {
	raw, err := s.client.HGetAll(ctx, s.collectionKey(collection)).Result()
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to read %s: %w", collection, err)
	}
	records := make([]models.Document, 0, len(raw))
	for _, value := range raw {
		var doc models.Document
		if err := json.Unmarshal([]byte(value), &doc); err != nil {
			continue
		}
		records = append(records, doc)
	}
	return models.Snapshot{
		Collection: collection,
		Records:    applyQuery(records, query),
		ObservedAt: s.now().UTC(),
	}, nil
}

// StreamRecords subscribes to collection changes. The first snapshot reflects
// the current contents; each later one follows a change.
func (s *RedisStore) StreamRecords(ctx context.Context, collection string, query models.RecordQuery) (domain.Subscription, error) {
	if s.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	pubsub := s.client.Subscribe(ctx, s.changesKey(collection))
	// Wait for the subscription to be confirmed so no change is missed
	// between the initial snapshot and the first message.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", collection, err)
	}
	return &redisSubscription{
		store:      s,
		collection: collection,
		query:      query,
		pubsub:     pubsub,
		messages:   pubsub.Channel(),
	}, nil
}

// UploadBlob stores data and returns its blob:// url.
func (s *RedisStore) UploadBlob(ctx context.Context, data []byte, contentType string) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("redis client is nil")
	}
	id := uuid.NewString()
	err := s.client.HSet(ctx, s.blobKey(id), map[string]interface{}{
		"content_type": contentType,
		"data":         data,
	}).Err()
	if err != nil {
		return "", fmt.Errorf("failed to upload blob: %w", err)
	}
	return blobScheme + id, nil
}

// FetchBlob returns the bytes and content type behind url.
func (s *RedisStore) FetchBlob(ctx context.Context, url string) ([]byte, string, error) {
	id, err := blobID(url)
	if err != nil {
		return nil, "", err
	}
	fields, err := s.client.HGetAll(ctx, s.blobKey(id)).Result()
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch blob: %w", err)
	}
	data, ok := fields["data"]
	if !ok {
		return nil, "", fmt.Errorf("blob %s: %w", id, domain.ErrRecordNotFound)
	}
	return []byte(data), fields["content_type"], nil
}

func (s *RedisStore) DeleteBlob(ctx context.Context, url string) error {
	id, err := blobID(url)
	if err != nil {
		return err
	}
	n, err := s.client.Del(ctx, s.blobKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("blob %s: %w", id, domain.ErrRecordNotFound)
	}
	return nil
}

func blobID(url string) (string, error) {
	if !strings.HasPrefix(url, blobScheme) || len(url) == len(blobScheme) {
		return "", domain.InvalidLocalData(fmt.Errorf("not a blob url: %q", url))
	}
	return strings.TrimPrefix(url, blobScheme), nil
}
