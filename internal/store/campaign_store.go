package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mailkite/mailkite/internal/domain"
)

func (s *PostgresStore) GetCampaign(ctx context.Context, id int64) (*domain.Campaign, error) {
	var c domain.Campaign
	err := s.pool.QueryRow(ctx, `
		SELECT id, subject, from_field, reply_to, html_content, text_content, footer,
		       charset, send_format, status, sent_html, sent_text, bounce_count,
		       embargo_until, created_at, updated_at
		FROM campaigns WHERE id = $1
	`, id).Scan(
		&c.ID, &c.Subject, &c.FromField, &c.ReplyTo, &c.HTMLContent, &c.TextContent,
		&c.Footer, &c.Charset, &c.SendFormat, &c.Status, &c.SentHTML, &c.SentText,
		&c.BounceCount, &c.EmbargoUntil, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying campaign: %w", err)
	}
	return &c, nil
}

// NextCampaigns returns campaigns that are submitted (or resuming) and past
// any embargo, oldest first.
func (s *PostgresStore) NextCampaigns(ctx context.Context, limit int) ([]domain.Campaign, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subject, from_field, reply_to, html_content, text_content, footer,
		       charset, send_format, status, sent_html, sent_text, bounce_count,
		       embargo_until, created_at, updated_at
		FROM campaigns
		WHERE status IN ($1, $2)
		  AND (embargo_until IS NULL OR embargo_until <= NOW())
		ORDER BY created_at
		LIMIT $3
	`, domain.CampaignStatusSubmitted, domain.CampaignStatusInProcess, limit)
	if err != nil {
		return nil, fmt.Errorf("querying campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		err := rows.Scan(
			&c.ID, &c.Subject, &c.FromField, &c.ReplyTo, &c.HTMLContent, &c.TextContent,
			&c.Footer, &c.Charset, &c.SendFormat, &c.Status, &c.SentHTML, &c.SentText,
			&c.BounceCount, &c.EmbargoUntil, &c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, nil
}

func (s *PostgresStore) UpdateCampaignStatus(ctx context.Context, id int64, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("updating campaign status: %w", err)
	}
	return nil
}

// IncrementSentCount bumps the campaign's per-format sent counter.
func (s *PostgresStore) IncrementSentCount(ctx context.Context, id int64, isHTML bool) error {
	column := "sent_text"
	if isHTML {
		column = "sent_html"
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf("UPDATE campaigns SET %s = %s + 1, updated_at = NOW() WHERE id = $1", column, column),
		id)
	if err != nil {
		return fmt.Errorf("incrementing sent count: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementCampaignBounces(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET bounce_count = bounce_count + 1, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("incrementing campaign bounce count: %w", err)
	}
	return nil
}

// NextRecipients returns the next page of unsent, deliverable recipients of
// a campaign, ordered by subscriber id so workers can resume from a cursor.
func (s *PostgresStore) NextRecipients(ctx context.Context, campaignID, afterSubscriberID int64, limit int) ([]domain.Subscriber, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.id, u.email, u.unique_id, u.html_email, u.confirmed, u.blacklisted,
		       u.bounce_count, u.attributes, u.created_at, u.updated_at
		FROM campaign_recipients r
		JOIN subscribers u ON u.id = r.subscriber_id
		WHERE r.campaign_id = $1
		  AND r.sent_at IS NULL
		  AND u.confirmed
		  AND NOT u.blacklisted
		  AND u.id > $2
		ORDER BY u.id
		LIMIT $3
	`, campaignID, afterSubscriberID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recipients: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscriber
	for rows.Next() {
		var u domain.Subscriber
		err := rows.Scan(
			&u.ID, &u.Email, &u.UniqueID, &u.HTMLEmail, &u.Confirmed, &u.Blacklisted,
			&u.BounceCount, &u.Attributes, &u.CreatedAt, &u.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning recipient: %w", err)
		}
		subs = append(subs, u)
	}
	return subs, nil
}

// MarkRecipientSent records that a recipient received the campaign, so a
// restarted worker never sends to them again.
func (s *PostgresStore) MarkRecipientSent(ctx context.Context, campaignID, subscriberID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaign_recipients SET sent_at = NOW()
		WHERE campaign_id = $1 AND subscriber_id = $2
	`, campaignID, subscriberID)
	if err != nil {
		return fmt.Errorf("marking recipient sent: %w", err)
	}
	return nil
}

// MarkRecipientFailed records a per-subscriber transport failure. The send
// continues with the next recipient.
func (s *PostgresStore) MarkRecipientFailed(ctx context.Context, campaignID, subscriberID int64, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaign_recipients SET failed_at = NOW(), failure_reason = $3
		WHERE campaign_id = $1 AND subscriber_id = $2
	`, campaignID, subscriberID, reason)
	if err != nil {
		return fmt.Errorf("marking recipient failed: %w", err)
	}
	return nil
}
