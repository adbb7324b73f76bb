package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mailkite/mailkite/internal/domain"
)

// ErrLockUnavailable means the queue is fully held and the wait budget was
// spent. Non-fatal: the invoking run exits cleanly and a future scheduled
// run retries.
var ErrLockUnavailable = errors.New("send queue lock unavailable")

// LeaseStore is the durable lease table. The pgx implementation lives in
// internal/store. TryInsertLease must be atomic: the alive-count check and
// the insert happen as one operation, returning 0 when the queue is full.
type LeaseStore interface {
	DeleteQueueLeases(ctx context.Context, queue string) error
	TryInsertLease(ctx context.Context, queue, holderID string, maxConcurrent int) (int64, error)
	OldestAliveLease(ctx context.Context, queue string) (*domain.SendProcessLease, error)
	MarkLeaseDead(ctx context.Context, id int64) error
	TouchLease(ctx context.Context, id int64) error
}

// LockOptions control one acquisition attempt. HolderID is an explicit
// identity value; when empty a random one is generated.
type LockOptions struct {
	Force         bool
	Interactive   bool
	MaxConcurrent int
	HolderID      string
	StaleAfter    time.Duration
	RetryInterval time.Duration
	MaxRetries    int
}

// ProcessLock is the cross-process mutex for send queues, backed by lease
// rows. At most MaxConcurrent holders are alive per queue; a crashed
// holder's lease goes stale and is reclaimed on the next acquisition.
type ProcessLock struct {
	store  LeaseStore
	logger *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewProcessLock(store LeaseStore, logger *slog.Logger) *ProcessLock {
	return &ProcessLock{
		store:  store,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Acquire obtains a lease on the queue, returning its id. It reclaims
// stale leases on the way; when the queue stays full it fails with
// ErrLockUnavailable — immediately for non-interactive callers, after the
// retry budget for interactive ones.
func (p *ProcessLock) Acquire(ctx context.Context, queue string, opts LockOptions) (int64, error) {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 600 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 10 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	if opts.HolderID == "" {
		opts.HolderID = uuid.NewString()
	}

	if opts.Force {
		p.logger.Warn("forcing lock acquisition, deleting existing leases", "queue", queue)
		if err := p.store.DeleteQueueLeases(ctx, queue); err != nil {
			return 0, fmt.Errorf("forcing lock: %w", err)
		}
	}

	retries := 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		id, err := p.store.TryInsertLease(ctx, queue, opts.HolderID, opts.MaxConcurrent)
		if err != nil {
			return 0, fmt.Errorf("acquiring lock: %w", err)
		}
		if id > 0 {
			p.logger.Info("send queue lock acquired",
				"queue", queue,
				"lease_id", id,
				"holder_id", opts.HolderID,
			)
			return id, nil
		}

		// Queue is full: reclaim a stale lease if the oldest holder has
		// stopped keeping its lease alive, then retry immediately.
		oldest, err := p.store.OldestAliveLease(ctx, queue)
		if err != nil {
			return 0, fmt.Errorf("acquiring lock: %w", err)
		}
		if oldest != nil && oldest.Age(p.now()) > opts.StaleAfter {
			p.logger.Warn("reclaiming stale lease",
				"queue", queue,
				"lease_id", oldest.ID,
				"holder_id", oldest.HolderID,
				"age", oldest.Age(p.now()).String(),
			)
			if err := p.store.MarkLeaseDead(ctx, oldest.ID); err != nil {
				return 0, fmt.Errorf("reclaiming stale lease: %w", err)
			}
			continue
		}

		if !opts.Interactive {
			// A scheduled run defers to the next invocation.
			return 0, ErrLockUnavailable
		}

		retries++
		if retries > opts.MaxRetries {
			return 0, ErrLockUnavailable
		}
		p.logger.Info("send queue busy, waiting",
			"queue", queue,
			"retry", retries,
		)
		if err := p.sleep(ctx, opts.RetryInterval); err != nil {
			return 0, err
		}
	}
}

// KeepAlive refreshes a held lease. Long-running holders call this
// periodically so staleness detection has a recent timestamp.
func (p *ProcessLock) KeepAlive(ctx context.Context, leaseID int64) error {
	if err := p.store.TouchLease(ctx, leaseID); err != nil {
		return fmt.Errorf("keeping lease alive: %w", err)
	}
	return nil
}

// Release marks the lease dead.
func (p *ProcessLock) Release(ctx context.Context, leaseID int64) error {
	if err := p.store.MarkLeaseDead(ctx, leaseID); err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}
	return nil
}
