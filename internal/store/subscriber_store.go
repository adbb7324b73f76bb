package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/mailkite/mailkite/internal/domain"
)

func (s *PostgresStore) GetSubscriber(ctx context.Context, id int64) (*domain.Subscriber, error) {
	return s.querySubscriber(ctx, "id = $1", id)
}

func (s *PostgresStore) FindSubscriberByEmail(ctx context.Context, email string) (*domain.Subscriber, error) {
	return s.querySubscriber(ctx, "LOWER(email) = $1", strings.ToLower(email))
}

func (s *PostgresStore) querySubscriber(ctx context.Context, where string, arg any) (*domain.Subscriber, error) {
	var u domain.Subscriber
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, unique_id, html_email, confirmed, blacklisted,
		       bounce_count, attributes, created_at, updated_at
		FROM subscribers WHERE `+where,
		arg,
	).Scan(
		&u.ID, &u.Email, &u.UniqueID, &u.HTMLEmail, &u.Confirmed, &u.Blacklisted,
		&u.BounceCount, &u.Attributes, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying subscriber: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) IncrementSubscriberBounces(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscribers SET bounce_count = bounce_count + 1, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("incrementing subscriber bounce count: %w", err)
	}
	return nil
}

// MarkUnconfirmed flips the subscriber back to unconfirmed, taking them out
// of every send.
func (s *PostgresStore) MarkUnconfirmed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscribers SET confirmed = FALSE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("marking subscriber unconfirmed: %w", err)
	}
	return nil
}

func (s *PostgresStore) BlacklistSubscriber(ctx context.Context, id int64, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE subscribers SET blacklisted = TRUE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("blacklisting subscriber: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO blacklist_reasons (subscriber_id, reason) VALUES ($1, $2)
	`, id, reason)
	if err != nil {
		return fmt.Errorf("recording blacklist reason: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// SubscriberListNames returns the names of the active lists the subscriber
// belongs to. Backs the [LISTS] placeholder.
func (s *PostgresStore) SubscriberListNames(ctx context.Context, subscriberID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT l.name
		FROM lists l
		JOIN list_memberships m ON m.list_id = l.id
		WHERE m.subscriber_id = $1 AND l.active
		ORDER BY l.name
	`, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("querying subscriber lists: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning list name: %w", err)
		}
		names = append(names, name)
	}
	return names, nil
}

// ListBouncedSubscribers returns confirmed, non-blacklisted subscribers
// with at least one recorded bounce, for the consecutive-bounce sweep.
func (s *PostgresStore) ListBouncedSubscribers(ctx context.Context) ([]domain.Subscriber, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, email, unique_id, html_email, confirmed, blacklisted,
		       bounce_count, attributes, created_at, updated_at
		FROM subscribers
		WHERE confirmed AND NOT blacklisted AND bounce_count > 0
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying bounced subscribers: %w", err)
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
			return nil, fmt.Errorf("scanning subscriber: %w", err)
		}
		subs = append(subs, u)
	}
	return subs, nil
}
