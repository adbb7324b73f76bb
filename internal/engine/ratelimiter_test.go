package engine

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setupTestLimiter(t *testing.T, base Limits, providers *ProviderTable) (*SendRateLimiter, *fakeClock, *[]time.Duration, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	rl := NewSendRateLimiter(client, "testqueue", base, providers, logger)

	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	var sleeps []time.Duration
	rl.now = clock.now
	rl.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		clock.advance(d)
		return nil
	}
	return rl, clock, &sleeps, client
}

func TestSendRateLimiter_BlocksAtBatchBoundary(t *testing.T) {
	base := Limits{BatchSize: 5, BatchPeriod: time.Hour}
	rl, _, sleeps, _ := setupTestLimiter(t, base, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := rl.AwaitTurn(ctx, "dest.example"); err != nil {
			t.Fatalf("AwaitTurn %d: %v", i, err)
		}
		if err := rl.AfterSend(ctx, "dest.example"); err != nil {
			t.Fatalf("AfterSend %d: %v", i, err)
		}
	}
	if len(*sleeps) != 0 {
		t.Fatalf("first batch slept %v, want none", *sleeps)
	}

	// The 6th send waits out the rest of the window.
	if err := rl.AwaitTurn(ctx, "dest.example"); err != nil {
		t.Fatalf("AwaitTurn: %v", err)
	}
	if len(*sleeps) != 1 {
		t.Fatalf("6th send recorded %d sleeps, want 1", len(*sleeps))
	}
	if (*sleeps)[0] != time.Hour {
		t.Errorf("waited %v, want %v", (*sleeps)[0], time.Hour)
	}
}

func TestSendRateLimiter_UnlimitedWhenZero(t *testing.T) {
	rl, _, sleeps, _ := setupTestLimiter(t, Limits{}, nil)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if err := rl.AwaitTurn(ctx, "dest.example"); err != nil {
			t.Fatalf("AwaitTurn: %v", err)
		}
		if err := rl.AfterSend(ctx, "dest.example"); err != nil {
			t.Fatalf("AfterSend: %v", err)
		}
	}
	if len(*sleeps) != 0 {
		t.Errorf("unlimited limiter slept %v", *sleeps)
	}
}

func TestSendRateLimiter_ThrottleBetweenMessages(t *testing.T) {
	rl, _, sleeps, _ := setupTestLimiter(t, Limits{Throttle: 2 * time.Second}, nil)
	ctx := context.Background()

	rl.AwaitTurn(ctx, "dest.example")
	if err := rl.AfterSend(ctx, "dest.example"); err != nil {
		t.Fatalf("AfterSend: %v", err)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 2*time.Second {
		t.Errorf("sleeps = %v, want one 2s throttle", *sleeps)
	}
}

func TestSendRateLimiter_SeedsFromPriorSends(t *testing.T) {
	base := Limits{BatchSize: 3, BatchPeriod: time.Hour}
	rl, clock, _, client := setupTestLimiter(t, base, nil)
	ctx := context.Background()

	// First worker sends its full batch, recording each into redis. The
	// clock moves so each send lands on its own timestamp.
	for i := 0; i < 3; i++ {
		rl.AwaitTurn(ctx, "dest.example")
		rl.AfterSend(ctx, "dest.example")
		clock.advance(time.Millisecond)
	}

	// A replacement worker sharing the queue sees those sends and waits
	// instead of starting a fresh batch.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	restarted := NewSendRateLimiter(client, "testqueue", base, nil, logger)
	restarted.now = clock.now
	var sleeps []time.Duration
	restarted.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		clock.advance(d)
		return nil
	}

	if err := restarted.AwaitTurn(ctx, "dest.example"); err != nil {
		t.Fatalf("AwaitTurn: %v", err)
	}
	if len(sleeps) != 1 {
		t.Fatalf("restarted worker recorded %d sleeps, want 1", len(sleeps))
	}
}

func TestSendRateLimiter_ProviderTightensLimits(t *testing.T) {
	providers := NewProviderTable()
	providers.Set("slow.example", ProviderLimits{MaxBatchSize: 2, MinBatchPeriod: 2 * time.Hour})

	base := Limits{BatchSize: 100, BatchPeriod: time.Hour}
	rl, _, _, _ := setupTestLimiter(t, base, providers)

	eff := rl.Effective("mail.slow.example")
	if eff.BatchSize != 2 {
		t.Errorf("BatchSize = %d, want 2", eff.BatchSize)
	}
	if eff.BatchPeriod != 2*time.Hour {
		t.Errorf("BatchPeriod = %v, want 2h", eff.BatchPeriod)
	}

	// Providers never loosen the configured settings.
	providers.Set("loose.example", ProviderLimits{MaxBatchSize: 500, MinBatchPeriod: time.Minute})
	eff = rl.Effective("loose.example")
	if eff.BatchSize != 100 || eff.BatchPeriod != time.Hour {
		t.Errorf("loosening provider applied: %+v", eff)
	}
}

func TestSendRateLimiter_FailsOpenWithoutRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	rl := NewSendRateLimiter(client, "testqueue", Limits{BatchSize: 5, BatchPeriod: time.Hour}, nil, logger)
	rl.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	// Redis being down must not stop the send run.
	if err := rl.AwaitTurn(context.Background(), "dest.example"); err != nil {
		t.Errorf("AwaitTurn with redis down: %v", err)
	}
	if err := rl.AfterSend(context.Background(), "dest.example"); err != nil {
		t.Errorf("AfterSend with redis down: %v", err)
	}
}
