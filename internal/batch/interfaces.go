package batch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/drivelane/fleettrust/internal/trust"
)

// RepositoryInterface is the persistence contract for batches and samples.
type RepositoryInterface interface {
	// CreateBatch inserts a new active batch. Returns ErrDuplicateBatch
	// when the id already exists.
	CreateBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, batchID string) (*Batch, error)

	// ListBatches returns a page of batches, newest first, optionally
	// filtered by trip state, plus the total matching count.
	ListBatches(ctx context.Context, state TripState, limit, offset int) ([]Batch, int64, error)
	InsertSample(ctx context.Context, s *TelemetrySample) error
	LastSample(ctx context.Context, batchID string) (*TelemetrySample, error)
	ListSamples(ctx context.Context, batchID string) ([]TelemetrySample, error)

	// CompleteBatch transitions an active batch to its final trip state,
	// persisting stats and verdict, conditional on the batch still being
	// active. Returns false when another writer closed it first.
	CompleteBatch(ctx context.Context, batchID string, state TripState, anchorState AnchorState, stats *TripStats, verdict *Verdict, endedAt time.Time) (bool, error)

	// MarkAnchorPending moves a failed anchor back to pending, clearing the
	// retained error. Returns false unless the anchor state was failed.
	MarkAnchorPending(ctx context.Context, batchID string) (bool, error)

	VerifySample(ctx context.Context, sampleID uuid.UUID, verifier string, at time.Time) (bool, error)
	ListStaleActive(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	CountByState(ctx context.Context) (*DashboardStats, error)
}

// Evaluator runs fraud heuristics over an ordered sample list. It never
// returns an error; suspicion is expressed through the verdict.
type Evaluator interface {
	Evaluate(samples []TelemetrySample) Verdict
}

// TrustAdjuster is the slice of the trust service the validator needs.
type TrustAdjuster interface {
	ApplyAdjustment(ctx context.Context, vehicleID uuid.UUID, delta int, reason string, source trust.Source, details trust.EventDetails, actor string) (*trust.Adjustment, error)
}

// DeltaPolicy converts a verdict into a trust delta for valid batches. The
// severity curve is deployment policy, so it is injected rather than fixed.
type DeltaPolicy func(v Verdict) int

// DefaultDeltaPolicy returns 0 for clean batches and a negative delta scaled
// by fraud score for flagged-but-valid ones.
func DefaultDeltaPolicy(v Verdict) int {
	if len(v.Anomalies) == 0 {
		return 0
	}
	return -(v.FraudScore / 10)
}
