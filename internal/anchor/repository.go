package anchor

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drivelane/fleettrust/internal/batch"
)

// RepositoryInterface is the dispatcher's view of the anchoring queue.
type RepositoryInterface interface {
	// ListPending returns batches awaiting submission, oldest trip-end
	// first.
	ListPending(ctx context.Context, limit int) ([]batch.Batch, error)

	MarkSubmitted(ctx context.Context, batchID, proofRef string) error
	MarkFailed(ctx context.Context, batchID, submitErr string) error
}

// Repository reads and advances the anchoring queue on the batches table
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new anchor repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// ListPending selects pending batches oldest trip-end first
func (r *Repository) ListPending(ctx context.Context, limit int) ([]batch.Batch, error) {
	rows, err := r.db.Query(ctx, `
		SELECT b.id, b.device_id, b.vehicle_id, b.trip_state,
		       b.stats, b.verdict,
		       b.anchor_state, COALESCE(b.proof_ref, ''), COALESCE(b.anchor_error, ''),
		       b.started_at, b.ended_at
		FROM batches b
		WHERE b.anchor_state = $1
		ORDER BY b.ended_at ASC
		LIMIT $2`,
		batch.AnchorPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending anchors: %w", err)
	}
	defer rows.Close()

	var batches []batch.Batch
	for rows.Next() {
		b, err := batch.ScanRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending batch: %w", err)
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

// MarkSubmitted records the proof reference and advances the anchor state
func (r *Repository) MarkSubmitted(ctx context.Context, batchID, proofRef string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE batches
		SET anchor_state = $1, proof_ref = $2, anchor_error = NULL
		WHERE id = $3`,
		batch.AnchorSubmitted, proofRef, batchID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark batch submitted: %w", err)
	}
	return nil
}

// MarkFailed retains the submission error for audit and admin retry
func (r *Repository) MarkFailed(ctx context.Context, batchID, submitErr string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE batches
		SET anchor_state = $1, anchor_error = $2
		WHERE id = $3`,
		batch.AnchorFailed, submitErr, batchID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark batch failed: %w", err)
	}
	return nil
}
