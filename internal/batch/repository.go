package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateBatch reports an insert racing a concurrent open of the same
// batch id. Callers fall back to the already-created batch.
var ErrDuplicateBatch = errors.New("batch id already exists")

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint failures
const uniqueViolation = "23505"

const batchColumns = `
	b.id, b.device_id, b.vehicle_id, b.trip_state,
	b.stats, b.verdict,
	b.anchor_state, COALESCE(b.proof_ref, ''), COALESCE(b.anchor_error, ''),
	b.started_at, b.ended_at`

const sampleColumns = `
	s.id, s.batch_id, s.vehicle_id, s.mileage, s.recorded_at,
	COALESCE(s.channel, ''), COALESCE(s.actor, ''),
	s.latitude, s.longitude,
	s.verified, COALESCE(s.verified_by, ''), s.verified_at,
	s.delta_miles, s.tamper_flag, COALESCE(s.rollback_annotation, ''),
	s.created_at`

// Repository handles batch and telemetry sample data access
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new batch repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// CreateBatch inserts a new active batch
func (r *Repository) CreateBatch(ctx context.Context, b *Batch) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO batches (id, device_id, vehicle_id, trip_state, anchor_state, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.DeviceID, b.VehicleID, b.TripState, b.AnchorState, b.StartedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateBatch
		}
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

// ListBatches returns a page of batches, newest first, optionally filtered
// by trip state
func (r *Repository) ListBatches(ctx context.Context, state TripState, limit, offset int) ([]Batch, int64, error) {
	where := "TRUE"
	args := []interface{}{}
	if state != "" {
		args = append(args, state)
		where = fmt.Sprintf("b.trip_state = $%d", len(args))
	}

	var total int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM batches b WHERE %s", where)
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count batches: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM batches b
		WHERE %s
		ORDER BY b.started_at DESC, b.id DESC
		LIMIT $%d OFFSET $%d`, batchColumns, where, len(args)+1, len(args)+2)

	rows, err := r.db.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	batches := make([]Batch, 0, limit)
	for rows.Next() {
		b, err := ScanRow(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return batches, total, nil
}

// GetBatch loads a batch by its device-supplied id
func (r *Repository) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	query := fmt.Sprintf("SELECT %s FROM batches b WHERE b.id = $1", batchColumns)
	b, err := ScanRow(r.db.QueryRow(ctx, query, batchID).Scan)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// InsertSample appends one telemetry sample
func (r *Repository) InsertSample(ctx context.Context, s *TelemetrySample) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO telemetry_samples
			(id, batch_id, vehicle_id, mileage, recorded_at, channel, actor,
			 latitude, longitude, delta_miles, tamper_flag, rollback_annotation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.BatchID, s.VehicleID, s.Mileage, s.RecordedAt, s.Channel, s.Actor,
		s.Latitude, s.Longitude, s.DeltaMiles, s.TamperFlag, s.RollbackAnnotation, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert telemetry sample: %w", err)
	}
	return nil
}

// LastSample returns the sample with the latest recorded timestamp in the
// batch, for delta-from-previous computation. pgx.ErrNoRows when empty.
func (r *Repository) LastSample(ctx context.Context, batchID string) (*TelemetrySample, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM telemetry_samples s
		WHERE s.batch_id = $1
		ORDER BY s.recorded_at DESC, s.created_at DESC
		LIMIT 1`, sampleColumns)
	s, err := scanSample(r.db.QueryRow(ctx, query, batchID).Scan)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListSamples returns all samples of a batch in recorded-timestamp order
func (r *Repository) ListSamples(ctx context.Context, batchID string) ([]TelemetrySample, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM telemetry_samples s
		WHERE s.batch_id = $1
		ORDER BY s.recorded_at ASC, s.created_at ASC`, sampleColumns)
	rows, err := r.db.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry samples: %w", err)
	}
	defer rows.Close()

	var samples []TelemetrySample
	for rows.Next() {
		s, err := scanSample(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan telemetry sample: %w", err)
		}
		samples = append(samples, *s)
	}
	return samples, rows.Err()
}

// CompleteBatch finalizes a trip, conditional on it still being active. The
// state check makes duplicate close signals lose cleanly.
func (r *Repository) CompleteBatch(ctx context.Context, batchID string, state TripState, anchorState AnchorState, stats *TripStats, verdict *Verdict, endedAt time.Time) (bool, error) {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return false, fmt.Errorf("failed to marshal trip stats: %w", err)
	}
	verdictJSON, err := json.Marshal(verdict)
	if err != nil {
		return false, fmt.Errorf("failed to marshal verdict: %w", err)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE batches
		SET trip_state = $1, anchor_state = $2, stats = $3, verdict = $4, ended_at = $5
		WHERE id = $6 AND trip_state = $7`,
		state, anchorState, statsJSON, verdictJSON, endedAt, batchID, TripActive,
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete batch: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkAnchorPending re-queues a failed anchor for the next sweep
func (r *Repository) MarkAnchorPending(ctx context.Context, batchID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE batches
		SET anchor_state = $1, anchor_error = NULL
		WHERE id = $2 AND anchor_state = $3`,
		AnchorPending, batchID, AnchorFailed,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark batch for retry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// VerifySample flags a sample as verified by an authorized verifier
func (r *Repository) VerifySample(ctx context.Context, sampleID uuid.UUID, verifier string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE telemetry_samples
		SET verified = TRUE, verified_by = $1, verified_at = $2
		WHERE id = $3`,
		verifier, at, sampleID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to verify sample: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListStaleActive returns ids of batches stuck active since before cutoff
func (r *Repository) ListStaleActive(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id FROM batches
		WHERE trip_state = $1 AND started_at < $2
		ORDER BY started_at ASC
		LIMIT $3`,
		TripActive, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale batches: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountByState computes the dashboard read model in one pass
func (r *Repository) CountByState(ctx context.Context) (*DashboardStats, error) {
	stats := &DashboardStats{}
	err := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE trip_state = 'active'),
			COUNT(*) FILTER (WHERE trip_state = 'completed'),
			COUNT(*) FILTER (WHERE trip_state = 'failed'),
			COUNT(*) FILTER (WHERE anchor_state = 'pending'),
			COUNT(*) FILTER (WHERE anchor_state = 'submitted'),
			COUNT(*) FILTER (WHERE anchor_state = 'failed')
		FROM batches`,
	).Scan(
		&stats.ActiveTrips, &stats.CompletedTrips, &stats.FailedTrips,
		&stats.PendingAnchors, &stats.SubmittedAnchors, &stats.FailedAnchors,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count batches: %w", err)
	}
	if attempts := stats.SubmittedAnchors + stats.FailedAnchors; attempts > 0 {
		stats.SuccessRate = float64(stats.SubmittedAnchors) / float64(attempts)
	}
	return stats, nil
}

// ScanRow scans one batches row. Shared with the anchoring queue reader.
func ScanRow(scan func(dest ...interface{}) error) (*Batch, error) {
	var (
		b       Batch
		stats   []byte
		verdict []byte
	)
	err := scan(
		&b.ID, &b.DeviceID, &b.VehicleID, &b.TripState,
		&stats, &verdict,
		&b.AnchorState, &b.ProofRef, &b.AnchorError,
		&b.StartedAt, &b.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &b.Stats); err != nil {
			return nil, fmt.Errorf("failed to decode trip stats: %w", err)
		}
	}
	if len(verdict) > 0 {
		if err := json.Unmarshal(verdict, &b.Verdict); err != nil {
			return nil, fmt.Errorf("failed to decode verdict: %w", err)
		}
	}
	return &b, nil
}

func scanSample(scan func(dest ...interface{}) error) (*TelemetrySample, error) {
	s := &TelemetrySample{}
	err := scan(
		&s.ID, &s.BatchID, &s.VehicleID, &s.Mileage, &s.RecordedAt,
		&s.Channel, &s.Actor,
		&s.Latitude, &s.Longitude,
		&s.Verified, &s.VerifiedBy, &s.VerifiedAt,
		&s.DeltaMiles, &s.TamperFlag, &s.RollbackAnnotation,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
