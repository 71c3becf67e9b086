package trust

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const trustEventColumns = `
	e.id, e.vehicle_id, e.delta, e.resulting_score,
	e.reason, e.source, e.details, e.actor, e.created_at`

// Repository handles trust ledger data access
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new trust repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// GetRecord loads the current trust row for a vehicle
func (r *Repository) GetRecord(ctx context.Context, vehicleID uuid.UUID) (*VehicleTrustRecord, error) {
	rec := &VehicleTrustRecord{}
	err := r.db.QueryRow(ctx, `
		SELECT vehicle_id, score, version, updated_at
		FROM vehicle_trust_records
		WHERE vehicle_id = $1`,
		vehicleID,
	).Scan(&rec.VehicleID, &rec.Score, &rec.Version, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ApplyAdjustment conditionally writes the new score and inserts the audit
// event in a single transaction. The UPDATE only matches when the row is
// still at expectedVersion; a miss means a concurrent writer won and the
// caller should re-read and retry.
func (r *Repository) ApplyAdjustment(ctx context.Context, event *TrustEvent, expectedVersion int64) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE vehicle_trust_records
		SET score = $1, version = version + 1, updated_at = NOW()
		WHERE vehicle_id = $2 AND version = $3`,
		event.ResultingScore, event.VehicleID, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update trust record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit adjustment: %w", err)
	}
	return true, nil
}

// Seed upserts the trust row to the event's resulting score and records the
// seed event in the same transaction.
func (r *Repository) Seed(ctx context.Context, event *TrustEvent) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO vehicle_trust_records (vehicle_id, score, version, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (vehicle_id)
		DO UPDATE SET score = EXCLUDED.score,
		              version = vehicle_trust_records.version + 1,
		              updated_at = NOW()`,
		event.VehicleID, event.ResultingScore,
	)
	if err != nil {
		return fmt.Errorf("failed to seed trust record: %w", err)
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit seed: %w", err)
	}
	return nil
}

// ListEvents returns a page of events for a vehicle, newest first
func (r *Repository) ListEvents(ctx context.Context, vehicleID uuid.UUID, filter EventFilter, limit, offset int) ([]TrustEvent, int64, error) {
	where := "e.vehicle_id = $1"
	args := []interface{}{vehicleID}

	switch filter.Direction {
	case DirectionPositive:
		where += " AND e.delta > 0"
	case DirectionNegative:
		where += " AND e.delta < 0"
	}
	if filter.Source != "" {
		args = append(args, filter.Source)
		where += fmt.Sprintf(" AND e.source = $%d", len(args))
	}

	var total int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM trust_events e WHERE %s", where)
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count trust events: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM trust_events e
		WHERE %s
		ORDER BY e.created_at DESC, e.id DESC
		LIMIT $%d OFFSET $%d`, trustEventColumns, where, len(args)+1, len(args)+2)

	rows, err := r.db.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query trust events: %w", err)
	}
	defer rows.Close()

	events := make([]TrustEvent, 0, limit)
	for rows.Next() {
		event, err := scanTrustEvent(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan trust event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, event *TrustEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO trust_events
			(id, vehicle_id, delta, resulting_score, reason, source, details, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.VehicleID, event.Delta, event.ResultingScore,
		event.Reason, event.Source, details, event.Actor, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trust event: %w", err)
	}
	return nil
}

func scanTrustEvent(scan func(dest ...interface{}) error) (TrustEvent, error) {
	var (
		e       TrustEvent
		details []byte
	)
	err := scan(
		&e.ID, &e.VehicleID, &e.Delta, &e.ResultingScore,
		&e.Reason, &e.Source, &details, &e.Actor, &e.CreatedAt,
	)
	if err != nil {
		return e, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return e, fmt.Errorf("failed to decode event details: %w", err)
		}
	}
	return e, nil
}
