package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailkite/mailkite/internal/engine"
)

// RedisStore wraps the client backing send-window accounting: each send
// queue keeps a sorted set of recent send timestamps, so a restarted sender
// resumes mid-batch instead of opening a fresh one.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client exposes the raw client for the rate limiter.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// ResetSendWindow drops the recorded send timestamps for a queue. Used when
// an operator force-takes a queue: the forced holder starts from a fresh
// batch rather than inheriting the evicted holder's window.
func (s *RedisStore) ResetSendWindow(ctx context.Context, queue string) error {
	if err := s.client.Del(ctx, engine.SendWindowKey(queue)).Err(); err != nil {
		return fmt.Errorf("resetting send window for %s: %w", queue, err)
	}
	return nil
}
