package bounce

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/mailkite/mailkite/internal/domain"
)

type fakeEvaluatorStore struct {
	subscribers []domain.Subscriber
	histories   map[int64][]domain.BounceHistoryEntry
	unconfirmed map[int64]bool
	blacklisted map[int64]string
}

func newFakeEvaluatorStore() *fakeEvaluatorStore {
	return &fakeEvaluatorStore{
		histories:   make(map[int64][]domain.BounceHistoryEntry),
		unconfirmed: make(map[int64]bool),
		blacklisted: make(map[int64]string),
	}
}

func (f *fakeEvaluatorStore) ListBouncedSubscribers(ctx context.Context) ([]domain.Subscriber, error) {
	return f.subscribers, nil
}

func (f *fakeEvaluatorStore) BounceHistory(ctx context.Context, subscriberID int64) ([]domain.BounceHistoryEntry, error) {
	return f.histories[subscriberID], nil
}

func (f *fakeEvaluatorStore) MarkUnconfirmed(ctx context.Context, id int64) error {
	f.unconfirmed[id] = true
	return nil
}

func (f *fakeEvaluatorStore) BlacklistSubscriber(ctx context.Context, id int64, reason string) error {
	f.blacklisted[id] = reason
	return nil
}

func (f *fakeEvaluatorStore) addSubscriber(id int64, statuses ...string) {
	f.subscribers = append(f.subscribers, domain.Subscriber{ID: id, Email: "sub@dest.example"})
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, status := range statuses {
		f.histories[id] = append(f.histories[id], domain.BounceHistoryEntry{
			BounceID: int64(i + 1),
			Status:   status,
			At:       at.Add(time.Duration(i) * time.Hour),
		})
	}
}

func newTestEvaluator(t *testing.T, store *fakeEvaluatorStore, unsubThreshold, blacklistThreshold int) *Evaluator {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewEvaluator(store, unsubThreshold, blacklistThreshold, logger)
}

func TestEvaluator_UnsubscribeThresholdOnly(t *testing.T) {
	store := newFakeEvaluatorStore()
	store.addSubscriber(1,
		domain.BounceStatusList,
		domain.BounceStatusList,
		domain.BounceStatusUnidentList,
	)

	// Three real bounces: over the unsubscribe threshold of 3, under the
	// blacklist threshold of 5.
	report, err := newTestEvaluator(t, store, 3, 5).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !store.unconfirmed[1] {
		t.Error("subscriber 1 should be unconfirmed")
	}
	if _, ok := store.blacklisted[1]; ok {
		t.Error("subscriber 1 should not be blacklisted")
	}
	if report.Unconfirmed != 1 || report.Blacklisted != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestEvaluator_BlacklistThreshold(t *testing.T) {
	store := newFakeEvaluatorStore()
	store.addSubscriber(1,
		domain.BounceStatusList,
		domain.BounceStatusList,
		domain.BounceStatusList,
		domain.BounceStatusList,
	)

	report, err := newTestEvaluator(t, store, 3, 4).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !store.unconfirmed[1] {
		t.Error("subscriber 1 should be unconfirmed on the way to blacklisting")
	}
	if _, ok := store.blacklisted[1]; !ok {
		t.Error("subscriber 1 should be blacklisted")
	}
	if report.Blacklisted != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestEvaluator_DuplicatesDoNotAdvanceCount(t *testing.T) {
	store := newFakeEvaluatorStore()
	store.addSubscriber(1,
		domain.BounceStatusList,
		domain.BounceStatusDuplicate,
		domain.BounceStatusDuplicate,
		domain.BounceStatusList,
	)

	// Two real bounces among four entries: threshold 3 not reached.
	_, err := newTestEvaluator(t, store, 3, 0).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.unconfirmed[1] {
		t.Error("duplicates advanced the consecutive count")
	}
}

func TestEvaluator_ZeroBlacklistThresholdDisables(t *testing.T) {
	store := newFakeEvaluatorStore()
	store.addSubscriber(1,
		domain.BounceStatusList,
		domain.BounceStatusList,
		domain.BounceStatusList,
		domain.BounceStatusList,
		domain.BounceStatusList,
		domain.BounceStatusList,
	)

	_, err := newTestEvaluator(t, store, 3, 0).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.blacklisted) != 0 {
		t.Error("blacklisting applied with threshold 0")
	}
}

func TestEvaluator_UnderThresholdUntouched(t *testing.T) {
	store := newFakeEvaluatorStore()
	store.addSubscriber(1, domain.BounceStatusList, domain.BounceStatusList)

	report, err := newTestEvaluator(t, store, 3, 5).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.unconfirmed) != 0 || len(store.blacklisted) != 0 {
		t.Error("subscriber under threshold was modified")
	}
	if report.Scanned != 1 {
		t.Errorf("Scanned = %d, want 1", report.Scanned)
	}
}
