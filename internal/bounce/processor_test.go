package bounce

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mailkite/mailkite/internal/bounce/mailbox"
)

type fakeProcessorStore struct {
	nextID  int64
	headers []string
	bodies  []string
}

func (f *fakeProcessorStore) InsertBounce(ctx context.Context, header, data string, date time.Time) (int64, error) {
	f.nextID++
	f.headers = append(f.headers, header)
	f.bodies = append(f.bodies, data)
	return f.nextID, nil
}

const processorMbox = `From MAILER-DAEMON Mon Jan  6 10:00:00 2025
Subject: failure
X-MessageId: 42
X-ListMember: 99

mailbox full
From MAILER-DAEMON Mon Jan  6 11:00:00 2025
Subject: spam report

no attribution whatsoever
`

func openProcessorMbox(t *testing.T) (mailbox.Reader, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bounces.mbox")
	if err := os.WriteFile(path, []byte(processorMbox), 0o644); err != nil {
		t.Fatalf("writing mbox: %v", err)
	}
	reader, err := mailbox.OpenMbox(path)
	if err != nil {
		t.Fatalf("OpenMbox: %v", err)
	}
	return reader, path
}

func newTestProcessor(t *testing.T, purgeUnidentified bool) (*Processor, *fakeProcessorStore, *fakeClassifierStore) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store := &fakeProcessorStore{}
	cstore := newFakeClassifierStore()
	classifier := NewClassifier(cstore, logger)
	p := NewProcessor(store, newFakeResolver(), classifier, purgeUnidentified, logger)
	return p, store, cstore
}

func TestProcessor_AttributesAndPurges(t *testing.T) {
	reader, path := openProcessorMbox(t)
	p, store, cstore := newTestProcessor(t, false)

	report, err := p.Process(context.Background(), reader)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if report.Fetched != 2 || report.Processed != 1 || report.Unidentified != 1 {
		t.Errorf("report = %+v", report)
	}
	if report.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1 (unidentified retained)", report.Deleted)
	}
	if len(store.headers) != 2 {
		t.Errorf("stored %d bounces, want 2", len(store.headers))
	}
	if cstore.subscriberBounces[99] != 1 {
		t.Errorf("subscriber 99 bounce count = %d, want 1", cstore.subscriberBounces[99])
	}
	if cstore.campaignBounces[42] != 1 {
		t.Errorf("campaign 42 bounce count = %d, want 1", cstore.campaignBounces[42])
	}

	// Only the unidentified message is left in the mailbox.
	reopened, err := mailbox.OpenMbox(path)
	if err != nil {
		t.Fatalf("reopening mbox: %v", err)
	}
	if reopened.Count() != 1 {
		t.Errorf("mailbox holds %d messages, want 1", reopened.Count())
	}
}

func TestProcessor_PurgeUnidentified(t *testing.T) {
	reader, path := openProcessorMbox(t)
	p, _, _ := newTestProcessor(t, true)

	report, err := p.Process(context.Background(), reader)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if report.Deleted != 2 {
		t.Errorf("Deleted = %d, want 2 with purge enabled", report.Deleted)
	}

	reopened, err := mailbox.OpenMbox(path)
	if err != nil {
		t.Fatalf("reopening mbox: %v", err)
	}
	if reopened.Count() != 0 {
		t.Errorf("mailbox holds %d messages, want 0", reopened.Count())
	}
}

func TestProcessor_StopBetweenMessages(t *testing.T) {
	reader, path := openProcessorMbox(t)
	p, store, _ := newTestProcessor(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := p.Process(ctx, reader)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if report.Fetched != 0 {
		t.Errorf("cancelled run fetched %d messages", report.Fetched)
	}
	if len(store.headers) != 0 {
		t.Errorf("cancelled run stored %d bounces", len(store.headers))
	}

	// Nothing was purged either.
	reopened, err := mailbox.OpenMbox(path)
	if err != nil {
		t.Fatalf("reopening mbox: %v", err)
	}
	if reopened.Count() != 2 {
		t.Errorf("mailbox holds %d messages, want 2", reopened.Count())
	}
}
