package bounce

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mailkite/mailkite/internal/domain"
)

// EvaluatorStore is the durable state the consecutive-bounce sweep reads
// and updates.
type EvaluatorStore interface {
	ListBouncedSubscribers(ctx context.Context) ([]domain.Subscriber, error)
	BounceHistory(ctx context.Context, subscriberID int64) ([]domain.BounceHistoryEntry, error)
	MarkUnconfirmed(ctx context.Context, id int64) error
	BlacklistSubscriber(ctx context.Context, id int64, reason string) error
}

// EvaluatorReport summarizes one sweep.
type EvaluatorReport struct {
	Scanned     int
	Unconfirmed int
	Blacklisted int
}

// Evaluator walks each bouncing subscriber's history in chronological
// order and applies the unsubscribe and blacklist thresholds. Duplicate
// bounces do not advance the consecutive count.
type Evaluator struct {
	unsubscribeThreshold int
	blacklistThreshold   int // 0 disables blacklisting
	store                EvaluatorStore
	logger               *slog.Logger
}

func NewEvaluator(store EvaluatorStore, unsubscribeThreshold, blacklistThreshold int, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		unsubscribeThreshold: unsubscribeThreshold,
		blacklistThreshold:   blacklistThreshold,
		store:                store,
		logger:               logger,
	}
}

// Run sweeps all confirmed, non-blacklisted subscribers with at least one
// bounce.
func (e *Evaluator) Run(ctx context.Context) (EvaluatorReport, error) {
	var report EvaluatorReport

	subs, err := e.store.ListBouncedSubscribers(ctx)
	if err != nil {
		return report, fmt.Errorf("listing bounced subscribers: %w", err)
	}

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		if err := e.evaluate(ctx, sub, &report); err != nil {
			return report, err
		}
	}

	e.logger.Info("consecutive bounce sweep complete",
		"scanned", report.Scanned,
		"unconfirmed", report.Unconfirmed,
		"blacklisted", report.Blacklisted,
	)
	return report, nil
}

func (e *Evaluator) evaluate(ctx context.Context, sub domain.Subscriber, report *EvaluatorReport) error {
	history, err := e.store.BounceHistory(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("subscriber %d history: %w", sub.ID, err)
	}

	consecutive := 0
	unconfirmed := false

	for _, entry := range history {
		if entry.Status == domain.BounceStatusDuplicate {
			continue
		}
		consecutive++

		if e.unsubscribeThreshold > 0 && consecutive >= e.unsubscribeThreshold && !unconfirmed {
			if err := e.store.MarkUnconfirmed(ctx, sub.ID); err != nil {
				return fmt.Errorf("unconfirming subscriber %d: %w", sub.ID, err)
			}
			unconfirmed = true
			report.Unconfirmed++
			e.logger.Info("subscriber unconfirmed after consecutive bounces",
				"subscriber_id", sub.ID,
				"consecutive", consecutive,
			)
		}

		if e.blacklistThreshold > 0 && consecutive >= e.blacklistThreshold {
			reason := fmt.Sprintf("%d consecutive bounces", consecutive)
			if err := e.store.BlacklistSubscriber(ctx, sub.ID, reason); err != nil {
				return fmt.Errorf("blacklisting subscriber %d: %w", sub.ID, err)
			}
			report.Blacklisted++
			e.logger.Info("subscriber blacklisted after consecutive bounces",
				"subscriber_id", sub.ID,
				"consecutive", consecutive,
			)
			return nil
		}
	}
	return nil
}
