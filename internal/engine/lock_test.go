package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mailkite/mailkite/internal/domain"
)

// fakeLeaseStore keeps leases in memory, keyed by id. Like the pgx store,
// the count-and-insert in TryInsertLease is a single atomic step.
type fakeLeaseStore struct {
	mu     sync.Mutex
	nextID int64
	leases map[int64]*domain.SendProcessLease
}

func newFakeLeaseStore() *fakeLeaseStore {
	return &fakeLeaseStore{leases: make(map[int64]*domain.SendProcessLease)}
}

func (f *fakeLeaseStore) DeleteQueueLeases(ctx context.Context, queue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, l := range f.leases {
		if l.Queue == queue {
			delete(f.leases, id)
		}
	}
	return nil
}

func (f *fakeLeaseStore) TryInsertLease(ctx context.Context, queue, holderID string, maxConcurrent int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	alive := 0
	for _, l := range f.leases {
		if l.Queue == queue && l.Alive > 0 {
			alive++
		}
	}
	if alive >= maxConcurrent {
		return 0, nil
	}
	f.nextID++
	f.leases[f.nextID] = &domain.SendProcessLease{
		ID:         f.nextID,
		Queue:      queue,
		HolderID:   holderID,
		Alive:      1,
		ModifiedAt: time.Now(),
	}
	return f.nextID, nil
}

func (f *fakeLeaseStore) OldestAliveLease(ctx context.Context, queue string) (*domain.SendProcessLease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest *domain.SendProcessLease
	for _, l := range f.leases {
		if l.Queue != queue || l.Alive == 0 {
			continue
		}
		if oldest == nil || l.ModifiedAt.Before(oldest.ModifiedAt) {
			oldest = l
		}
	}
	return oldest, nil
}

func (f *fakeLeaseStore) MarkLeaseDead(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.leases[id]; ok {
		l.Alive = 0
	}
	return nil
}

func (f *fakeLeaseStore) TouchLease(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.leases[id]; ok && l.Alive > 0 {
		l.Alive++
		l.ModifiedAt = time.Now()
	}
	return nil
}

func (f *fakeLeaseStore) aliveCount(queue string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, l := range f.leases {
		if l.Queue == queue && l.Alive > 0 {
			n++
		}
	}
	return n
}

func newTestLock(t *testing.T, store LeaseStore) *ProcessLock {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	lock := NewProcessLock(store, logger)
	lock.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return lock
}

func TestProcessLock_SingleHolder(t *testing.T) {
	store := newFakeLeaseStore()
	lock := newTestLock(t, store)
	ctx := context.Background()

	id, err := lock.Acquire(ctx, "q", LockOptions{MaxConcurrent: 1})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// The queue is held: a second non-interactive acquisition defers.
	_, err = lock.Acquire(ctx, "q", LockOptions{MaxConcurrent: 1})
	if !errors.Is(err, ErrLockUnavailable) {
		t.Fatalf("second Acquire error = %v, want ErrLockUnavailable", err)
	}

	// After release the queue is free again.
	if err := lock.Release(ctx, id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := lock.Acquire(ctx, "q", LockOptions{MaxConcurrent: 1}); err != nil {
		t.Errorf("Acquire after release: %v", err)
	}
}

func TestProcessLock_ConcurrentHoldersUpToMax(t *testing.T) {
	store := newFakeLeaseStore()
	lock := newTestLock(t, store)
	ctx := context.Background()

	opts := LockOptions{MaxConcurrent: 3}
	for i := 0; i < 3; i++ {
		if _, err := lock.Acquire(ctx, "q", opts); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if _, err := lock.Acquire(ctx, "q", opts); !errors.Is(err, ErrLockUnavailable) {
		t.Errorf("4th Acquire error = %v, want ErrLockUnavailable", err)
	}
}

func TestProcessLock_QueuesAreIndependent(t *testing.T) {
	store := newFakeLeaseStore()
	lock := newTestLock(t, store)
	ctx := context.Background()

	if _, err := lock.Acquire(ctx, "q1", LockOptions{}); err != nil {
		t.Fatalf("Acquire q1: %v", err)
	}
	if _, err := lock.Acquire(ctx, "q2", LockOptions{}); err != nil {
		t.Errorf("Acquire q2 while q1 held: %v", err)
	}
}

func TestProcessLock_ReclaimsStaleLease(t *testing.T) {
	store := newFakeLeaseStore()
	lock := newTestLock(t, store)
	ctx := context.Background()

	staleID, err := lock.Acquire(ctx, "q", LockOptions{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// The holder stops touching its lease and the clock moves past the
	// staleness window.
	store.leases[staleID].ModifiedAt = time.Now().Add(-20 * time.Minute)

	newID, err := lock.Acquire(ctx, "q", LockOptions{StaleAfter: 10 * time.Minute})
	if err != nil {
		t.Fatalf("Acquire over stale lease: %v", err)
	}
	if newID == staleID {
		t.Error("reclaimed lease reused the stale id")
	}
	if store.leases[staleID].Alive != 0 {
		t.Error("stale lease still alive after reclamation")
	}
}

func TestProcessLock_FreshLeaseNotReclaimed(t *testing.T) {
	store := newFakeLeaseStore()
	lock := newTestLock(t, store)
	ctx := context.Background()

	if _, err := lock.Acquire(ctx, "q", LockOptions{}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	_, err := lock.Acquire(ctx, "q", LockOptions{StaleAfter: 10 * time.Minute})
	if !errors.Is(err, ErrLockUnavailable) {
		t.Errorf("Acquire error = %v, want ErrLockUnavailable for a live holder", err)
	}
}

func TestProcessLock_InteractiveRetriesThenFails(t *testing.T) {
	store := newFakeLeaseStore()
	lock := newTestLock(t, store)
	ctx := context.Background()

	if _, err := lock.Acquire(ctx, "q", LockOptions{}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	retries := 0
	lock.sleep = func(ctx context.Context, d time.Duration) error {
		retries++
		return nil
	}

	_, err := lock.Acquire(ctx, "q", LockOptions{
		Interactive:   true,
		RetryInterval: time.Second,
		MaxRetries:    3,
	})
	if !errors.Is(err, ErrLockUnavailable) {
		t.Fatalf("Acquire error = %v, want ErrLockUnavailable", err)
	}
	if retries != 3 {
		t.Errorf("slept %d times, want 3", retries)
	}
}

func TestProcessLock_ForceDeletesExistingLeases(t *testing.T) {
	store := newFakeLeaseStore()
	lock := newTestLock(t, store)
	ctx := context.Background()

	if _, err := lock.Acquire(ctx, "q", LockOptions{}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := lock.Acquire(ctx, "q", LockOptions{Force: true}); err != nil {
		t.Errorf("forced Acquire: %v", err)
	}

	if alive := store.aliveCount("q"); alive != 1 {
		t.Errorf("alive leases = %d, want 1 after forced acquisition", alive)
	}
}

func TestProcessLock_ConcurrentAcquirersRespectMax(t *testing.T) {
	store := newFakeLeaseStore()
	lock := newTestLock(t, store)
	ctx := context.Background()

	// Many processes race for a single slot at once; exactly one may win.
	const racers = 8
	start := make(chan struct{})
	results := make(chan error, racers)

	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := lock.Acquire(ctx, "q", LockOptions{MaxConcurrent: 1})
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	won, deferred := 0, 0
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrLockUnavailable):
			deferred++
		default:
			t.Fatalf("Acquire: %v", err)
		}
	}
	if won != 1 || deferred != racers-1 {
		t.Errorf("winners = %d, deferred = %d, want 1 and %d", won, deferred, racers-1)
	}
	if alive := store.aliveCount("q"); alive != 1 {
		t.Errorf("alive leases = %d, want 1", alive)
	}
}

func TestProcessLock_KeepAlive(t *testing.T) {
	store := newFakeLeaseStore()
	lock := newTestLock(t, store)
	ctx := context.Background()

	id, err := lock.Acquire(ctx, "q", LockOptions{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	before := store.leases[id].Alive
	if err := lock.KeepAlive(ctx, id); err != nil {
		t.Fatalf("KeepAlive: %v", err)
	}
	if store.leases[id].Alive <= before {
		t.Error("KeepAlive did not advance the alive counter")
	}
}
