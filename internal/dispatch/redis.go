package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a Redis list used as a work queue: producers LPUSH run ids,
// workers BRPOP them. It lets the API server and workers run as separate
// processes.
type RedisQueue struct {
	rdb     *redis.Client
	key     string
	block   time.Duration
	ownsRDB bool
}

type RedisOption func(*RedisQueue)

// WithBlockTimeout bounds each BRPOP so Next can notice cancellation.
func WithBlockTimeout(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.block = d
		}
	}
}

func NewRedisQueue(rdb *redis.Client, key string, opts ...RedisOption) *RedisQueue {
	if key == "" {
		key = "agentruns:runs"
	}
	q := &RedisQueue{rdb: rdb, key: key, block: 2 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// DialRedisQueue connects to the Redis server at url and verifies it
// answers a PING.
func DialRedisQueue(ctx context.Context, url, key string, opts ...RedisOption) (*RedisQueue, error) {
	parsed, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(parsed)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	q := NewRedisQueue(rdb, key, opts...)
	q.ownsRDB = true
	return q, nil
}

func (q *RedisQueue) Submit(ctx context.Context, runID string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run_id is required")
	}
	length, err := q.rdb.LPush(ctx, q.key, runID).Result()
	if err != nil {
		return "", fmt.Errorf("push run: %w", err)
	}
	return fmt.Sprintf("redis:%s:%d", q.key, length), nil
}

func (q *RedisQueue) Next(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := q.rdb.BRPop(ctx, q.block, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("pop run: %w", err)
		}
		// BRPOP replies with [key, value].
		if len(res) != 2 {
			return "", fmt.Errorf("unexpected BRPOP reply: %v", res)
		}
		return res[1], nil
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}

func (q *RedisQueue) Close() error {
	if q.ownsRDB {
		return q.rdb.Close()
	}
	return nil
}
