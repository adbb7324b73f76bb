package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mailkite/mailkite/internal/engine"
)

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedis(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestNewRedis_RejectsBadURL(t *testing.T) {
	if _, err := NewRedis(context.Background(), "not-a-url"); err == nil {
		t.Error("NewRedis accepted a malformed URL")
	}
}

func TestRedisStore_ResetSendWindow(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	key := engine.SendWindowKey("sendqueue")
	if err := s.Client().ZAdd(ctx, key, redis.Z{Score: 1, Member: "1:1"}).Err(); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}

	if err := s.ResetSendWindow(ctx, "sendqueue"); err != nil {
		t.Fatalf("ResetSendWindow: %v", err)
	}
	if mr.Exists(key) {
		t.Error("send window key survived the reset")
	}
}
