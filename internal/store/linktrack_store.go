package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mailkite/mailkite/internal/domain"
)

// GetOrCreateForward resolves the canonical URL to its forward row,
// inserting it when unseen. Forward rows are unique by URL, so a concurrent
// insert race resolves to the existing row.
func (s *PostgresStore) GetOrCreateForward(ctx context.Context, url string, personalized bool) (*domain.LinkTrackForward, error) {
	var fw domain.LinkTrackForward
	err := s.pool.QueryRow(ctx, `
		INSERT INTO linktrack_forwards (url, personalized)
		VALUES ($1, $2)
		ON CONFLICT (url) DO UPDATE SET personalized = linktrack_forwards.personalized OR EXCLUDED.personalized
		RETURNING id, url, personalized, created_at
	`, url, personalized).Scan(&fw.ID, &fw.URL, &fw.Personalized, &fw.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upserting forward: %w", err)
	}
	return &fw, nil
}

func (s *PostgresStore) GetForward(ctx context.Context, id int64) (*domain.LinkTrackForward, error) {
	var fw domain.LinkTrackForward
	err := s.pool.QueryRow(ctx, `
		SELECT id, url, personalized, created_at FROM linktrack_forwards WHERE id = $1
	`, id).Scan(&fw.ID, &fw.URL, &fw.Personalized, &fw.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying forward: %w", err)
	}
	return &fw, nil
}

// SaveSentCount writes the in-process running total for one
// (campaign, forward) pair. Totals only grow, so the upsert keeps the
// larger value if a stale flush ever races a fresh one.
func (s *PostgresStore) SaveSentCount(ctx context.Context, campaignID, forwardID, total int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO linktrack_sent_counts (campaign_id, forward_id, total)
		VALUES ($1, $2, $3)
		ON CONFLICT (campaign_id, forward_id)
		DO UPDATE SET total = GREATEST(linktrack_sent_counts.total, EXCLUDED.total)
	`, campaignID, forwardID, total)
	if err != nil {
		return fmt.Errorf("saving sent count: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSentCount(ctx context.Context, campaignID, forwardID int64) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT total FROM linktrack_sent_counts WHERE campaign_id = $1 AND forward_id = $2
	`, campaignID, forwardID).Scan(&total)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("querying sent count: %w", err)
	}
	return total, nil
}

// RecordClick stores one click on a tracked link, attributed to the
// subscriber and campaign decoded from the masked link id.
func (s *PostgresStore) RecordClick(ctx context.Context, forwardID, campaignID, subscriberID int64, remoteAddr, userAgent string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO linktrack_clicks (forward_id, campaign_id, subscriber_id, remote_addr, user_agent)
		VALUES ($1, $2, $3, $4, $5)
	`, forwardID, campaignID, subscriberID, remoteAddr, userAgent)
	if err != nil {
		return fmt.Errorf("recording click: %w", err)
	}
	return nil
}
