package trust

import (
	"context"

	"github.com/google/uuid"
)

// RepositoryInterface is the persistence contract for the trust ledger.
type RepositoryInterface interface {
	// GetRecord loads a vehicle's current trust row. Returns pgx.ErrNoRows
	// when the vehicle has never been seeded or adjusted.
	GetRecord(ctx context.Context, vehicleID uuid.UUID) (*VehicleTrustRecord, error)

	// ApplyAdjustment writes the new score and inserts the event in one
	// transaction, conditional on the record still being at
	// expectedVersion. Returns false (and no error) when the version
	// check lost the race.
	ApplyAdjustment(ctx context.Context, event *TrustEvent, expectedVersion int64) (bool, error)

	// Seed upserts the trust row to the event's resulting score and
	// records the seed event in the same transaction.
	Seed(ctx context.Context, event *TrustEvent) error

	// ListEvents returns a page of events for a vehicle, newest first,
	// optionally filtered by delta sign and source, plus the total
	// matching count.
	ListEvents(ctx context.Context, vehicleID uuid.UUID, filter EventFilter, limit, offset int) ([]TrustEvent, int64, error)
}

// Notifier publishes trust-change notifications. Failures are logged and
// swallowed by the service; they never fail the adjustment.
type Notifier interface {
	TrustChanged(ctx context.Context, change TrustChange) error
}

// ScoreCache is a read-through cache for trust records.
type ScoreCache interface {
	Get(ctx context.Context, vehicleID uuid.UUID) (*VehicleTrustRecord, bool)
	Set(ctx context.Context, record *VehicleTrustRecord)
	Invalidate(ctx context.Context, vehicleID uuid.UUID)
}
