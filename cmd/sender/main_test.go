package main

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/mailkite/mailkite/internal/dispatch"
	"github.com/mailkite/mailkite/internal/domain"
	"github.com/mailkite/mailkite/internal/engine"
)

type fakeSource struct {
	campaigns []domain.Campaign
}

func (f *fakeSource) NextCampaigns(ctx context.Context, limit int) ([]domain.Campaign, error) {
	return f.campaigns, nil
}

type fakeSender struct {
	attempted []int64
	failFor   map[int64]error
}

func (f *fakeSender) SendCampaign(ctx context.Context, c *domain.Campaign) (dispatch.Stats, error) {
	f.attempted = append(f.attempted, c.ID)
	if err := f.failFor[c.ID]; err != nil {
		return dispatch.Stats{}, err
	}
	return dispatch.Stats{Sent: 1}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSendQueued_FailedCampaignDoesNotBlockOthers(t *testing.T) {
	source := &fakeSource{campaigns: []domain.Campaign{{ID: 1}, {ID: 2}, {ID: 3}}}
	sender := &fakeSender{failFor: map[int64]error{2: engine.ErrSizeLimit}}

	code := sendQueued(context.Background(), source, sender, testLogger())
	if code != 1 {
		t.Errorf("exit code = %d, want 1 after a failed campaign", code)
	}
	// The oversized campaign is left behind; the others still go out.
	if len(sender.attempted) != 3 {
		t.Errorf("attempted campaigns = %v, want all three", sender.attempted)
	}
}

func TestSendQueued_StopEndsRunCleanly(t *testing.T) {
	source := &fakeSource{campaigns: []domain.Campaign{{ID: 1}, {ID: 2}}}
	sender := &fakeSender{failFor: map[int64]error{1: context.Canceled}}

	code := sendQueued(context.Background(), source, sender, testLogger())
	if code != 0 {
		t.Errorf("exit code = %d, want 0 for a stopped run", code)
	}
	if len(sender.attempted) != 1 {
		t.Errorf("attempted campaigns = %v, want just the first", sender.attempted)
	}
}
