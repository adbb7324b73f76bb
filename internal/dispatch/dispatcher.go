package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mailkite/mailkite/internal/content"
	"github.com/mailkite/mailkite/internal/domain"
	"github.com/mailkite/mailkite/internal/engine"
	"github.com/mailkite/mailkite/internal/tracker"
)

// Store is the durable state the dispatcher reads and writes while sending
// a campaign.
type Store interface {
	NextRecipients(ctx context.Context, campaignID, afterSubscriberID int64, limit int) ([]domain.Subscriber, error)
	SubscriberListNames(ctx context.Context, subscriberID int64) ([]string, error)
	MarkRecipientSent(ctx context.Context, campaignID, subscriberID int64) error
	MarkRecipientFailed(ctx context.Context, campaignID, subscriberID int64, reason string) error
	IncrementSentCount(ctx context.Context, campaignID int64, isHTML bool) error
	UpdateCampaignStatus(ctx context.Context, id int64, status string) error
}

// LinkRewriter is the click-tracking surface the dispatcher drives.
type LinkRewriter interface {
	RewriteHTML(ctx context.Context, body string, campaignID, subscriberID int64) (string, []tracker.DiscoveredLink, error)
	RewriteText(ctx context.Context, body string, campaignID, subscriberID int64) (string, []tracker.DiscoveredLink, error)
	Flush(ctx context.Context) error
}

// RateLimiter paces sends. AwaitTurn may block for a whole batch period and
// must honor context cancellation while waiting.
type RateLimiter interface {
	AwaitTurn(ctx context.Context, destDomain string) error
	AfterSend(ctx context.Context, destDomain string) error
}

// Stats summarizes one campaign run.
type Stats struct {
	Sent    int
	Failed  int
	Skipped int
}

// Options tune one dispatcher instance.
type Options struct {
	ClickTrack   bool
	AnalyticsTag string
	Signature    string // replaces the footer on forwarded copies
	PageSize     int
}

// Dispatcher orchestrates the per-subscriber delivery pipeline:
// precache, personalize, link-rewrite, size-check, rate-limit, send,
// account.
type Dispatcher struct {
	store        Store
	cache        *content.Cache
	builder      *content.Builder
	personalizer *Personalizer
	rewriter     LinkRewriter
	guard        *engine.SizeGuard
	limiter      RateLimiter
	transport    Transport
	logger       *slog.Logger
	opts         Options
}

func NewDispatcher(
	store Store,
	cache *content.Cache,
	builder *content.Builder,
	personalizer *Personalizer,
	rewriter LinkRewriter,
	guard *engine.SizeGuard,
	limiter RateLimiter,
	transport Transport,
	opts Options,
	logger *slog.Logger,
) *Dispatcher {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	return &Dispatcher{
		store:        store,
		cache:        cache,
		builder:      builder,
		personalizer: personalizer,
		rewriter:     rewriter,
		guard:        guard,
		limiter:      limiter,
		transport:    transport,
		logger:       logger,
		opts:         opts,
	}
}

// SendCampaign walks the campaign's unsent recipients and delivers to each.
// Per-subscriber failures are recorded and skipped; remote-fetch and
// size-limit errors suspend the whole campaign. Context cancellation stops
// the walk before the next subscriber but never aborts an in-flight send.
func (d *Dispatcher) SendCampaign(ctx context.Context, c *domain.Campaign) (Stats, error) {
	var stats Stats

	if err := d.store.UpdateCampaignStatus(ctx, c.ID, domain.CampaignStatusInProcess); err != nil {
		return stats, err
	}

	cursor := int64(0)
	stopped := false

walk:
	for {
		if ctx.Err() != nil {
			stopped = true
			break
		}

		subs, err := d.store.NextRecipients(ctx, c.ID, cursor, d.opts.PageSize)
		if err != nil {
			return stats, err
		}
		if len(subs) == 0 {
			break
		}

		for _, sub := range subs {
			cursor = sub.ID
			if ctx.Err() != nil {
				stopped = true
				break walk
			}

			if err := d.sendOne(ctx, c, sub, &stats); err != nil {
				// A stop signal surfacing mid-pipeline (rate-limit wait,
				// precache fetch) means interrupted, not broken: leave the
				// campaign inprocess for the next run.
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
					stopped = true
					break walk
				}
				d.suspend(context.WithoutCancel(ctx), c.ID)
				return stats, err
			}
		}
	}

	if err := d.rewriter.Flush(context.WithoutCancel(ctx)); err != nil {
		d.logger.Error("flushing link counters failed", "error", err, "campaign_id", c.ID)
	}

	if stopped {
		d.logger.Info("campaign send stopped, resuming on next run",
			"campaign_id", c.ID,
			"sent", stats.Sent,
		)
		return stats, ctx.Err()
	}

	if err := d.store.UpdateCampaignStatus(context.WithoutCancel(ctx), c.ID, domain.CampaignStatusSent); err != nil {
		return stats, err
	}
	d.logger.Info("campaign sent",
		"campaign_id", c.ID,
		"sent", stats.Sent,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
	)
	return stats, nil
}

// sendOne delivers to a single subscriber. A returned error is
// campaign-fatal; per-subscriber problems are accounted in stats and
// swallowed.
func (d *Dispatcher) sendOne(ctx context.Context, c *domain.Campaign, sub domain.Subscriber, stats *Stats) error {
	mc, err := d.cache.GetOrBuild(ctx, c.ID, false, func(ctx context.Context) (*domain.MessageContent, error) {
		return d.builder.Build(ctx, c, false)
	})
	if err != nil {
		// Remote fetch failures poison every copy of this campaign.
		return fmt.Errorf("precaching campaign %d: %w", c.ID, err)
	}

	dlv := FromCampaign(c, mc, false, d.opts.ClickTrack)

	msg, err := d.Render(ctx, dlv, sub)
	if err != nil {
		d.logger.Warn("personalization failed, skipping subscriber",
			"campaign_id", c.ID,
			"subscriber_id", sub.ID,
			"error", err,
		)
		if merr := d.store.MarkRecipientFailed(ctx, c.ID, sub.ID, err.Error()); merr != nil {
			d.logger.Error("recording skip failed", "error", merr, "subscriber_id", sub.ID)
		}
		stats.Skipped++
		return nil
	}

	if err := d.guard.Check(c.ID, msg.Body, msg.IsHTML); err != nil {
		if errors.Is(err, engine.ErrSizeLimit) {
			return err
		}
		return fmt.Errorf("size check for campaign %d: %w", c.ID, err)
	}

	if err := d.limiter.AwaitTurn(ctx, sub.Domain()); err != nil {
		return err
	}

	// Once the send starts it is never aborted: the message and its
	// accounting ride a detached context so a stop signal cannot leave a
	// delivered copy unrecorded.
	sendCtx := context.WithoutCancel(ctx)

	if err := d.transport.Send(sendCtx, msg); err != nil {
		d.logger.Warn("transport failure",
			"campaign_id", c.ID,
			"subscriber_id", sub.ID,
			"error", err,
		)
		if merr := d.store.MarkRecipientFailed(sendCtx, c.ID, sub.ID, err.Error()); merr != nil {
			d.logger.Error("recording failure failed", "error", merr, "subscriber_id", sub.ID)
		}
		stats.Failed++
		return nil
	}

	if err := d.store.MarkRecipientSent(sendCtx, c.ID, sub.ID); err != nil {
		return fmt.Errorf("marking recipient sent: %w", err)
	}
	if err := d.store.IncrementSentCount(sendCtx, c.ID, msg.IsHTML); err != nil {
		return fmt.Errorf("incrementing sent count: %w", err)
	}
	if err := d.limiter.AfterSend(sendCtx, sub.Domain()); err != nil {
		return err
	}
	stats.Sent++
	return nil
}

// Render personalizes one deliverable for one subscriber. Exposed for the
// system-message path and for previews.
func (d *Dispatcher) Render(ctx context.Context, dlv Deliverable, sub domain.Subscriber) (*domain.OutgoingMessage, error) {
	wantsHTML := dlv.IsHTML && sub.HTMLEmail

	body := dlv.Text
	if wantsHTML {
		body = dlv.HTML
	} else if body == "" {
		body = content.StripTags(dlv.HTML)
	}

	footer := dlv.FooterText(d.opts.Signature)
	if footer != "" && !strings.Contains(strings.ToUpper(body), "[FOOTER]") {
		if wantsHTML {
			body += "<br/><br/>[FOOTER]"
		} else {
			body += "\n\n[FOOTER]"
		}
	}

	listNames, err := d.store.SubscriberListNames(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("resolving subscriber lists: %w", err)
	}

	sys := d.personalizer.SystemPlaceholders(dlv, sub, wantsHTML)
	sys.Set("FOOTER", footer)
	sys.Set("SIGNATURE", d.opts.Signature)
	fields := d.personalizer.SubscriberPlaceholders(sub, listNames)
	attrs := d.personalizer.AttributePlaceholders(sub)

	// One non-recursive pass per map: brackets introduced by an earlier
	// pass are never re-expanded by a later one.
	subject := attrs.Apply(fields.Apply(sys.Apply(dlv.Subject)))

	body = d.personalizer.ExpandForwardTokens(body, sub, wantsHTML)
	body = attrs.Apply(fields.Apply(sys.Apply(body)))

	if dlv.TrackClicks && dlv.CampaignID > 0 {
		if wantsHTML {
			body, _, err = d.rewriter.RewriteHTML(ctx, body, dlv.CampaignID, sub.ID)
		} else {
			body, _, err = d.rewriter.RewriteText(ctx, body, dlv.CampaignID, sub.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("rewriting links: %w", err)
		}
	} else if d.opts.AnalyticsTag != "" {
		body = AppendAnalyticsTag(body, d.opts.AnalyticsTag)
	}

	return &domain.OutgoingMessage{
		CampaignID:   dlv.CampaignID,
		SubscriberID: sub.ID,
		To:           sub.Email,
		FromField:    dlv.FromField,
		ReplyToName:  dlv.ReplyToName,
		ReplyToEmail: dlv.ReplyToEmail,
		Subject:      subject,
		Body:         body,
		Charset:      dlv.Charset,
		IsHTML:       wantsHTML,
	}, nil
}

// SendSystem delivers a one-off system message through the same pipeline,
// without campaign accounting or click tracking.
func (d *Dispatcher) SendSystem(ctx context.Context, subject, body, fromField, charset string, sub domain.Subscriber) error {
	dlv := FromSystemMessage(subject, body, fromField, charset)
	msg, err := d.Render(ctx, dlv, sub)
	if err != nil {
		return fmt.Errorf("rendering system message: %w", err)
	}
	if err := d.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending system message: %w", err)
	}
	return nil
}

func (d *Dispatcher) suspend(ctx context.Context, campaignID int64) {
	if err := d.store.UpdateCampaignStatus(ctx, campaignID, domain.CampaignStatusSuspended); err != nil {
		d.logger.Error("suspending campaign failed", "error", err, "campaign_id", campaignID)
	}
}
