// Package reconcile tracks remote records that lost their local counterpart:
// StrongRefs whose delete or rollback against the personal data store failed.
// Entries wait in Redis until a sweep retires them.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"margin/api/internal/domain"
)

// Entry is the data stored for each orphaned record.
type Entry struct {
	URI        string    `json:"uri"`
	CID        string    `json:"cid"`
	Reason     string    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

func (e Entry) Ref() (domain.PublishedRecordID, error) {
	return domain.NewPublishedRecordID(e.URI, e.CID)
}

// RedisQueue implements orphan tracking using Redis
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue creates a new Redis-backed orphan queue
func NewRedisQueue(redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisQueue{
		client: client,
		prefix: "orphan:",
	}, nil
}

// NewRedisQueueWithClient creates a queue from an existing Redis client
func NewRedisQueueWithClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{
		client: client,
		prefix: "orphan:",
	}
}

// key generates the Redis key for a StrongRef
func (q *RedisQueue) key(ref domain.PublishedRecordID) string {
	return q.prefix + ref.Key()
}

// Enqueue records an orphaned StrongRef. Enqueueing an already-tracked ref is
// a no-op so repeated failures do not reset its attempt count.
func (q *RedisQueue) Enqueue(ctx context.Context, ref domain.PublishedRecordID, reason string) error {
	entry := Entry{
		URI:        ref.URI,
		CID:        ref.CID,
		Reason:     reason,
		EnqueuedAt: time.Now(),
	}
	jsonData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal orphan entry: %w", err)
	}
	if err := q.client.SetNX(ctx, q.key(ref), jsonData, 0).Err(); err != nil {
		return fmt.Errorf("enqueue orphan %s: %w", ref, err)
	}
	return nil
}

// List returns every pending entry.
func (q *RedisQueue) List(ctx context.Context) ([]Entry, error) {
	var (
		entries []Entry
		cursor  uint64
	)
	for {
		keys, next, err := q.client.Scan(ctx, cursor, q.prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan orphans: %w", err)
		}
		for _, key := range keys {
			jsonData, err := q.client.Get(ctx, key).Result()
			if err == redis.Nil {
				continue // retired between scan and get
			}
			if err != nil {
				return nil, fmt.Errorf("read orphan %s: %w", key, err)
			}
			var entry Entry
			if err := json.Unmarshal([]byte(jsonData), &entry); err != nil {
				return nil, fmt.Errorf("unmarshal orphan %s: %w", key, err)
			}
			entries = append(entries, entry)
		}
		cursor = next
		if cursor == 0 {
			return entries, nil
		}
	}
}

// Retire removes a StrongRef whose remote record has been deleted.
func (q *RedisQueue) Retire(ctx context.Context, ref domain.PublishedRecordID) error {
	if err := q.client.Del(ctx, q.key(ref)).Err(); err != nil {
		return fmt.Errorf("retire orphan %s: %w", ref, err)
	}
	return nil
}

// RecordAttempt bumps the attempt counter after a failed delete.
func (q *RedisQueue) RecordAttempt(ctx context.Context, ref domain.PublishedRecordID) error {
	key := q.key(ref)
	jsonData, err := q.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read orphan %s: %w", ref, err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(jsonData), &entry); err != nil {
		return fmt.Errorf("unmarshal orphan %s: %w", ref, err)
	}
	entry.Attempts++
	updated, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal orphan entry: %w", err)
	}
	if err := q.client.Set(ctx, key, updated, 0).Err(); err != nil {
		return fmt.Errorf("update orphan %s: %w", ref, err)
	}
	return nil
}

// Close closes the Redis connection
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping checks if Redis is reachable
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
