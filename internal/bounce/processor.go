package bounce

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailkite/mailkite/internal/bounce/mailbox"
)

// ProcessorStore persists raw bounces before classification.
type ProcessorStore interface {
	InsertBounce(ctx context.Context, header, data string, date time.Time) (int64, error)
}

// Report summarizes one mailbox run.
type Report struct {
	Fetched      int
	Processed    int
	Unidentified int
	Deleted      int
}

// Processor drains a bounce mailbox: decode, attribute, classify, purge.
type Processor struct {
	store      ProcessorStore
	resolver   SubscriberResolver
	classifier *Classifier
	logger     *slog.Logger

	// purgeUnidentified also deletes bounces that could not be attributed.
	// Off by default so operators can inspect them.
	purgeUnidentified bool
}

func NewProcessor(store ProcessorStore, resolver SubscriberResolver, classifier *Classifier, purgeUnidentified bool, logger *slog.Logger) *Processor {
	return &Processor{
		store:             store,
		resolver:          resolver,
		classifier:        classifier,
		purgeUnidentified: purgeUnidentified,
		logger:            logger,
	}
}

// Process walks every message in the mailbox. A stop signal takes effect
// between messages: the message being classified is always finished, so no
// half-updated bounce record is left behind. The reader is closed with
// expunge on return.
func (p *Processor) Process(ctx context.Context, reader mailbox.Reader) (Report, error) {
	var report Report

	count := reader.Count()
	p.logger.Info("processing bounce mailbox", "messages", count)

	for n := 1; n <= count; n++ {
		if ctx.Err() != nil {
			p.logger.Info("bounce processing stopped", "at_message", n, "of", count)
			break
		}

		// Finish the current message even if the stop signal arrives
		// mid-classification.
		if err := p.processOne(context.WithoutCancel(ctx), reader, n, &report); err != nil {
			if cerr := reader.Close(true); cerr != nil {
				p.logger.Error("closing mailbox failed", "error", cerr)
			}
			return report, err
		}
	}

	if err := reader.Close(true); err != nil {
		return report, fmt.Errorf("closing mailbox: %w", err)
	}

	p.logger.Info("bounce mailbox processed",
		"fetched", report.Fetched,
		"processed", report.Processed,
		"unidentified", report.Unidentified,
		"deleted", report.Deleted,
	)
	return report, nil
}

func (p *Processor) processOne(ctx context.Context, reader mailbox.Reader, n int, report *Report) error {
	header, err := reader.FetchHeader(n)
	if err != nil {
		return fmt.Errorf("fetching header %d: %w", n, err)
	}
	body, err := reader.FetchBody(n)
	if err != nil {
		return fmt.Errorf("fetching body %d: %w", n, err)
	}
	report.Fetched++

	decoded := DecodeBody(header, body)

	bounceID, err := p.store.InsertBounce(ctx, header, decoded, time.Now())
	if err != nil {
		return fmt.Errorf("storing bounce %d: %w", n, err)
	}

	campaignRef := FindCampaignRef(header + "\n" + decoded)
	subscriberID, err := ResolveSubscriber(ctx, p.resolver, header, decoded)
	if err != nil {
		return fmt.Errorf("resolving bounce %d: %w", n, err)
	}

	processed, err := p.classifier.Classify(ctx, bounceID, campaignRef, subscriberID, decoded)
	if err != nil {
		return fmt.Errorf("classifying bounce %d: %w", n, err)
	}

	if processed {
		report.Processed++
	} else {
		report.Unidentified++
	}

	if processed || p.purgeUnidentified {
		if err := reader.Delete(n); err != nil {
			return fmt.Errorf("deleting message %d: %w", n, err)
		}
		report.Deleted++
	}
	return nil
}
