package bounce

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailkite/mailkite/internal/domain"
)

// ClassifierStore is the durable state the classifier updates. The pgx
// implementation lives in internal/store.
type ClassifierStore interface {
	SetBounceStatus(ctx context.Context, id int64, status, comment string) error
	BounceLinkExists(ctx context.Context, subscriberID, campaignID int64) (bool, error)
	LinkBounce(ctx context.Context, bounceID, subscriberID, campaignID int64, at time.Time) error
	IncrementSubscriberBounces(ctx context.Context, id int64) error
	IncrementCampaignBounces(ctx context.Context, id int64) error
	MarkUnconfirmed(ctx context.Context, id int64) error
}

// Classifier decides each bounce's disposition and applies the counter
// updates it implies. Re-processing a bounce for an already-linked
// (subscriber, campaign) pair never double-increments: the duplicate is
// linked but not counted.
type Classifier struct {
	store  ClassifierStore
	logger *slog.Logger
	now    func() time.Time
}

func NewClassifier(store ClassifierStore, logger *slog.Logger) *Classifier {
	return &Classifier{store: store, logger: logger, now: time.Now}
}

// Classify applies the disposition decision table, in order. It returns
// whether the bounce was processed — unprocessed bounces feed the caller's
// mailbox purge policy.
func (c *Classifier) Classify(ctx context.Context, bounceID int64, campaignRef string, subscriberID int64, body string) (bool, error) {
	campaignID := ParseCampaignID(campaignRef)

	switch {
	case IsDelayedNotice(body):
		// Transient provider delay, not a real bounce. No state change.
		err := c.store.SetBounceStatus(ctx, bounceID, domain.BounceStatusDelayedNotice, "transient delay, ignored")
		return err == nil, err

	case campaignRef == SystemMessageRef && subscriberID > 0:
		// A bounced system message means the address is bad enough that
		// even confirmation mail fails: unconfirm immediately.
		if err := c.store.MarkUnconfirmed(ctx, subscriberID); err != nil {
			return false, fmt.Errorf("classifying bounce %d: %w", bounceID, err)
		}
		if err := c.store.LinkBounce(ctx, bounceID, subscriberID, 0, c.now()); err != nil {
			return false, fmt.Errorf("classifying bounce %d: %w", bounceID, err)
		}
		c.logger.Info("subscriber unconfirmed after system message bounce",
			"bounce_id", bounceID,
			"subscriber_id", subscriberID,
		)
		err := c.store.SetBounceStatus(ctx, bounceID, domain.BounceStatusSystem,
			fmt.Sprintf("subscriber %d marked unconfirmed", subscriberID))
		return err == nil, err

	case campaignID > 0 && subscriberID > 0:
		exists, err := c.store.BounceLinkExists(ctx, subscriberID, campaignID)
		if err != nil {
			return false, fmt.Errorf("classifying bounce %d: %w", bounceID, err)
		}
		if exists {
			// Already counted for this pair: link for the history, leave
			// counters alone.
			if err := c.store.LinkBounce(ctx, bounceID, subscriberID, campaignID, c.now()); err != nil {
				return false, fmt.Errorf("classifying bounce %d: %w", bounceID, err)
			}
			err := c.store.SetBounceStatus(ctx, bounceID, domain.BounceStatusDuplicate,
				fmt.Sprintf("duplicate for subscriber %d campaign %d", subscriberID, campaignID))
			return err == nil, err
		}
		if err := c.store.IncrementCampaignBounces(ctx, campaignID); err != nil {
			return false, fmt.Errorf("classifying bounce %d: %w", bounceID, err)
		}
		if err := c.store.IncrementSubscriberBounces(ctx, subscriberID); err != nil {
			return false, fmt.Errorf("classifying bounce %d: %w", bounceID, err)
		}
		if err := c.store.LinkBounce(ctx, bounceID, subscriberID, campaignID, c.now()); err != nil {
			return false, fmt.Errorf("classifying bounce %d: %w", bounceID, err)
		}
		err = c.store.SetBounceStatus(ctx, bounceID, domain.BounceStatusList,
			fmt.Sprintf("subscriber %d campaign %d", subscriberID, campaignID))
		return err == nil, err

	case subscriberID > 0:
		if err := c.store.IncrementSubscriberBounces(ctx, subscriberID); err != nil {
			return false, fmt.Errorf("classifying bounce %d: %w", bounceID, err)
		}
		if err := c.store.LinkBounce(ctx, bounceID, subscriberID, 0, c.now()); err != nil {
			return false, fmt.Errorf("classifying bounce %d: %w", bounceID, err)
		}
		err := c.store.SetBounceStatus(ctx, bounceID, domain.BounceStatusUnidentList,
			fmt.Sprintf("subscriber %d, campaign unknown", subscriberID))
		return err == nil, err

	case campaignRef == SystemMessageRef:
		err := c.store.SetBounceStatus(ctx, bounceID, domain.BounceStatusSystem, "subscriber unknown")
		return err == nil, err

	case campaignID > 0:
		if err := c.store.IncrementCampaignBounces(ctx, campaignID); err != nil {
			return false, fmt.Errorf("classifying bounce %d: %w", bounceID, err)
		}
		err := c.store.SetBounceStatus(ctx, bounceID, domain.BounceStatusList,
			fmt.Sprintf("campaign %d, subscriber unknown", campaignID))
		return err == nil, err

	default:
		if err := c.store.SetBounceStatus(ctx, bounceID, domain.BounceStatusUnidentified, ""); err != nil {
			return false, err
		}
		return false, nil
	}
}
