package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"costgate/internal/core"
)

// RedisQueue is the durable JobQueue over a Redis sorted set. The member is
// the job ID; the score encodes priority and enqueue time so ZPOPMIN yields
// the highest-priority, oldest job.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue creates a RedisQueue using the given client. The client's
// lifecycle belongs to the caller.
func NewRedisQueue(client *redis.Client, keyPrefix string) *RedisQueue {
	return &RedisQueue{
		client: client,
		key:    keyPrefix + "queue:pending",
	}
}

func (q *RedisQueue) Push(ctx context.Context, job *core.Job) error {
	err := q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  jobScore(job),
		Member: job.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("queue push: %w", err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	results, err := q.client.ZPopMin(ctx, q.key, 1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrEmpty
		}
		return "", fmt.Errorf("queue pop: %w", err)
	}
	if len(results) == 0 {
		return "", ErrEmpty
	}

	id, ok := results[0].Member.(string)
	if !ok {
		return "", fmt.Errorf("queue pop: unexpected member type %T", results[0].Member)
	}
	return id, nil
}

func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	if err := q.client.ZRem(ctx, q.key, jobID).Err(); err != nil {
		return fmt.Errorf("queue remove: %w", err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue len: %w", err)
	}
	return int(n), nil
}
