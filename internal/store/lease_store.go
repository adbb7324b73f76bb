package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mailkite/mailkite/internal/domain"
)

// DeleteQueueLeases removes every lease for a queue, dead or alive. Used by
// forced acquisition.
func (s *PostgresStore) DeleteQueueLeases(ctx context.Context, queue string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM send_process_leases WHERE queue = $1`, queue)
	if err != nil {
		return fmt.Errorf("deleting queue leases: %w", err)
	}
	return nil
}

// TryInsertLease inserts a lease only while fewer than maxConcurrent alive
// leases exist for the queue, returning 0 when the queue is full. The count
// and the insert run under a per-queue advisory lock in one transaction, so
// two processes racing on the same queue can never both slip past the limit.
func (s *PostgresStore) TryInsertLease(ctx context.Context, queue, holderID string, maxConcurrent int) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning lease transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		SELECT pg_advisory_xact_lock(hashtext('send_process_leases:' || $1))
	`, queue)
	if err != nil {
		return 0, fmt.Errorf("locking queue %s: %w", queue, err)
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO send_process_leases (queue, alive, holder_id, started_at, modified_at)
		SELECT $1, 1, $2, NOW(), NOW()
		WHERE (SELECT COUNT(*) FROM send_process_leases WHERE queue = $1 AND alive > 0) < $3
		RETURNING id
	`, queue, holderID, maxConcurrent).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("inserting lease: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing lease: %w", err)
	}
	return id, nil
}

// OldestAliveLease returns the alive lease that was refreshed longest ago,
// the candidate for stale reclamation.
func (s *PostgresStore) OldestAliveLease(ctx context.Context, queue string) (*domain.SendProcessLease, error) {
	var l domain.SendProcessLease
	err := s.pool.QueryRow(ctx, `
		SELECT id, queue, alive, holder_id, started_at, modified_at
		FROM send_process_leases
		WHERE queue = $1 AND alive > 0
		ORDER BY modified_at
		LIMIT 1
	`, queue).Scan(&l.ID, &l.Queue, &l.Alive, &l.HolderID, &l.StartedAt, &l.ModifiedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying oldest lease: %w", err)
	}
	return &l, nil
}

// MarkLeaseDead releases a lease or reclaims a stale one.
func (s *PostgresStore) MarkLeaseDead(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE send_process_leases SET alive = 0, modified_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("marking lease dead: %w", err)
	}
	return nil
}

// TouchLease bumps the alive counter and refresh timestamp. Long-running
// holders call this periodically so staleness detection sees recent activity.
func (s *PostgresStore) TouchLease(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE send_process_leases SET alive = alive + 1, modified_at = NOW()
		WHERE id = $1 AND alive > 0
	`, id)
	if err != nil {
		return fmt.Errorf("touching lease: %w", err)
	}
	return nil
}
