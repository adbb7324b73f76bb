package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limits are the configured send-rate settings. Zero values mean
// unlimited.
type Limits struct {
	BatchSize   int
	BatchPeriod time.Duration
	Throttle    time.Duration
}

// SendRateLimiter enforces a rolling batch of at most batchSize sends per
// batchPeriod plus a per-message throttle. The in-process batch counter is
// seeded on first use from a redis sorted set of recent send timestamps, so
// a restarted worker respects sends it made earlier in the same window.
//
// The limiter is used by a single sending goroutine; it is not safe for
// concurrent use.
type SendRateLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	queue       string
	base        Limits
	providers   *ProviderTable

	seeded      bool
	sentInBatch int
	batchStart  time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSendRateLimiter(redisClient *redis.Client, queue string, base Limits, providers *ProviderTable, logger *slog.Logger) *SendRateLimiter {
	if providers == nil {
		providers = NewProviderTable()
	}
	return &SendRateLimiter{
		redisClient: redisClient,
		logger:      logger,
		queue:       queue,
		base:        base,
		providers:   providers,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// SendWindowKey is the redis key holding the rolling send timestamps for a
// queue.
func SendWindowKey(queue string) string {
	return "sendwindow:" + queue
}

func (r *SendRateLimiter) windowKey() string {
	return SendWindowKey(r.queue)
}

// Effective returns the limits for one destination domain: the provider
// can shrink the batch and stretch the period and throttle, never the
// reverse.
func (r *SendRateLimiter) Effective(destDomain string) Limits {
	limits := r.base
	p, ok := r.providers.For(destDomain)
	if !ok {
		return limits
	}
	if p.MaxBatchSize > 0 && (limits.BatchSize == 0 || p.MaxBatchSize < limits.BatchSize) {
		limits.BatchSize = p.MaxBatchSize
	}
	if p.MinBatchPeriod > limits.BatchPeriod {
		limits.BatchPeriod = p.MinBatchPeriod
	}
	if p.MinThrottle > limits.Throttle {
		limits.Throttle = p.MinThrottle
	}
	return limits
}

// AwaitTurn blocks until the next send to destDomain is allowed to go out.
func (r *SendRateLimiter) AwaitTurn(ctx context.Context, destDomain string) error {
	limits := r.Effective(destDomain)

	if !r.seeded {
		r.sentInBatch = r.sentSince(ctx, limits.BatchPeriod)
		r.batchStart = r.now()
		r.seeded = true
		if r.sentInBatch > 0 {
			r.logger.Info("send window seeded from prior sends",
				"queue", r.queue,
				"already_sent", r.sentInBatch,
			)
		}
	}

	if limits.BatchSize > 0 && limits.BatchPeriod > 0 && r.sentInBatch >= limits.BatchSize {
		wait := limits.BatchPeriod - r.now().Sub(r.batchStart)
		if wait > 0 {
			r.logger.Info("batch limit reached, waiting",
				"queue", r.queue,
				"sent", r.sentInBatch,
				"batch_size", limits.BatchSize,
				"wait", wait.String(),
			)
			if err := r.sleep(ctx, wait); err != nil {
				return err
			}
		}
		r.sentInBatch = 0
		r.batchStart = r.now()
	}
	return nil
}

// AfterSend accounts one completed send and applies the per-message
// throttle.
func (r *SendRateLimiter) AfterSend(ctx context.Context, destDomain string) error {
	limits := r.Effective(destDomain)
	r.sentInBatch++
	r.record(ctx, limits.BatchPeriod)

	if limits.Throttle > 0 {
		return r.sleep(ctx, limits.Throttle)
	}
	return nil
}

// sentSince counts sends recorded in the window. Fails open: if redis is
// unreachable the worker starts from a fresh batch rather than refusing to
// send.
func (r *SendRateLimiter) sentSince(ctx context.Context, period time.Duration) int {
	if period <= 0 {
		return 0
	}
	key := r.windowKey()
	now := r.now().UnixMilli()

	r.redisClient.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", now-period.Milliseconds()))
	n, err := r.redisClient.ZCard(ctx, key).Result()
	if err != nil {
		r.logger.Error("counting prior sends failed", "error", err, "queue", r.queue)
		return 0
	}
	return int(n)
}

// record stores one send timestamp in the rolling window.
func (r *SendRateLimiter) record(ctx context.Context, period time.Duration) {
	key := r.windowKey()
	now := r.now()
	member := fmt.Sprintf("%d:%d", now.UnixMilli(), now.UnixNano()%10000)

	if err := r.redisClient.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: member,
	}).Err(); err != nil {
		r.logger.Error("recording send failed", "error", err, "queue", r.queue)
		return
	}
	if period > 0 {
		r.redisClient.Expire(ctx, key, period+time.Minute)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
