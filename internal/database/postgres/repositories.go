package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// ShareRepository handles share journal operations
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a new share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateShare appends a share to the journal
func (r *ShareRepository) CreateShare(ctx context.Context, share *Share) error {
	query := `
		INSERT INTO shares (pool, job_id, nonce, digest, difficulty, actual_difficulty,
		                    accepted, reason, latency_ms, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		share.Pool, share.JobID, share.Nonce, share.Digest, share.Difficulty,
		share.ActualDifficulty, share.Accepted, share.Reason, share.LatencyMs, share.SubmittedAt,
	).Scan(&share.ID)

	if err != nil {
		return fmt.Errorf("failed to create share: %w", err)
	}

	return nil
}

// GetSharesByPool retrieves the newest shares of a pool with pagination
func (r *ShareRepository) GetSharesByPool(ctx context.Context, pool string, limit, offset int) ([]*Share, error) {
	query := `
		SELECT id, pool, job_id, nonce, digest, difficulty, actual_difficulty,
		       accepted, reason, latency_ms, submitted_at
		FROM shares
		WHERE pool = $1
		ORDER BY submitted_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, pool, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var shares []*Share
	for rows.Next() {
		share := &Share{}
		err := rows.Scan(
			&share.ID, &share.Pool, &share.JobID, &share.Nonce, &share.Digest,
			&share.Difficulty, &share.ActualDifficulty, &share.Accepted, &share.Reason,
			&share.LatencyMs, &share.SubmittedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		shares = append(shares, share)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shares: %w", err)
	}

	return shares, nil
}

// Summary counts accepted and rejected shares of a pool
func (r *ShareRepository) Summary(ctx context.Context, pool string) (*ShareSummary, error) {
	query := `
		SELECT COUNT(*) FILTER (WHERE accepted), COUNT(*) FILTER (WHERE NOT accepted)
		FROM shares WHERE pool = $1`

	summary := &ShareSummary{Pool: pool}
	if err := r.db.QueryRowContext(ctx, query, pool).Scan(&summary.Accepted, &summary.Rejected); err != nil {
		return nil, fmt.Errorf("failed to summarize shares: %w", err)
	}
	return summary, nil
}
