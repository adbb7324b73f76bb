package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mailkite/mailkite/internal/domain"
)

func (s *PostgresStore) InsertBounce(ctx context.Context, header, data string, date time.Time) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO bounces (date, header, data, status, comment)
		VALUES ($1, $2, $3, '', '')
		RETURNING id
	`, date, header, data).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting bounce: %w", err)
	}
	return id, nil
}

// SetBounceStatus records the final classification. Called exactly once per
// bounce.
func (s *PostgresStore) SetBounceStatus(ctx context.Context, id int64, status, comment string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE bounces SET status = $2, comment = $3 WHERE id = $1
	`, id, status, comment)
	if err != nil {
		return fmt.Errorf("setting bounce status: %w", err)
	}
	return nil
}

// BounceLinkExists reports whether a bounce has already been attributed to
// this (subscriber, campaign) pair. The classifier uses it to keep counter
// updates idempotent.
func (s *PostgresStore) BounceLinkExists(ctx context.Context, subscriberID, campaignID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM user_message_bounces
			WHERE subscriber_id = $1 AND campaign_id = $2
		)
	`, subscriberID, campaignID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking bounce link: %w", err)
	}
	return exists, nil
}

// LinkBounce attributes a bounce to a subscriber, and to a campaign when one
// was identified (campaignID 0 means none).
func (s *PostgresStore) LinkBounce(ctx context.Context, bounceID, subscriberID, campaignID int64, at time.Time) error {
	var campaign any
	if campaignID > 0 {
		campaign = campaignID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_message_bounces (bounce_id, subscriber_id, campaign_id, at)
		VALUES ($1, $2, $3, $4)
	`, bounceID, subscriberID, campaign, at)
	if err != nil {
		return fmt.Errorf("linking bounce: %w", err)
	}
	return nil
}

// BounceHistory returns a subscriber's bounce links in chronological order,
// joined with each bounce's classification status.
func (s *PostgresStore) BounceHistory(ctx context.Context, subscriberID int64) ([]domain.BounceHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT b.id, COALESCE(umb.campaign_id, 0), b.status, umb.at
		FROM user_message_bounces umb
		JOIN bounces b ON b.id = umb.bounce_id
		WHERE umb.subscriber_id = $1
		ORDER BY umb.at, b.id
	`, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("querying bounce history: %w", err)
	}
	defer rows.Close()

	var history []domain.BounceHistoryEntry
	for rows.Next() {
		var e domain.BounceHistoryEntry
		if err := rows.Scan(&e.BounceID, &e.CampaignID, &e.Status, &e.At); err != nil {
			return nil, fmt.Errorf("scanning bounce history: %w", err)
		}
		history = append(history, e)
	}
	return history, nil
}
