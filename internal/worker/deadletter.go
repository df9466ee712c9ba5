package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"duet/internal/models"

	"github.com/redis/go-redis/v9"
)

// DeadLetter is a discarded operation kept for inspection.
type DeadLetter struct {
	Operation   models.PendingOperation `json:"operation"`
	Reason      string                  `json:"reason"`
	LastError   string                  `json:"last_error,omitempty"`
	DiscardedAt time.Time               `json:"discarded_at"`
}

// DeadLetterSink receives operations the queue gave up on.
type DeadLetterSink interface {
	Push(ctx context.Context, letter DeadLetter) error
}

// RedisDeadLetters keeps the most recent dead letters in a capped redis list.
type RedisDeadLetters struct {
	client *redis.Client
	key    string
	limit  int64
}

func NewRedisDeadLetters(client *redis.Client, prefix string) *RedisDeadLetters {
	if prefix == "" {
		prefix = "duet"
	}
	return &RedisDeadLetters{client: client, key: prefix + ":deadletter", limit: 500}
}

func (d *RedisDeadLetters) Push(ctx context.Context, letter DeadLetter) error {
	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	pipe := d.client.TxPipeline()
	pipe.LPush(ctx, d.key, data)
	pipe.LTrim(ctx, d.key, 0, d.limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	return nil
}

// List returns up to n dead letters, newest first.
func (d *RedisDeadLetters) List(ctx context.Context, n int64) ([]DeadLetter, error) {
	if n <= 0 {
		n = d.limit
	}
	raw, err := d.client.LRange(ctx, d.key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, item := range raw {
		var letter DeadLetter
		if err := json.Unmarshal([]byte(item), &letter); err != nil {
			continue
		}
		out = append(out, letter)
	}
	return out, nil
}
