package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drivelane/fleettrust/internal/heuristics"
	"github.com/drivelane/fleettrust/internal/trust"
	"github.com/drivelane/fleettrust/pkg/common"
	"github.com/drivelane/fleettrust/pkg/logger"
)

const (
	dashboardCacheKey = "batch:dashboard:stats"
	dashboardCacheTTL = 15 * time.Second

	// staleBatchLimit bounds how many stuck trips a single watchdog pass
	// force-closes.
	staleBatchLimit = 100
)

// Service handles batch intake and validation business logic
type Service struct {
	repo      RepositoryInterface
	evaluator Evaluator
	trust     TrustAdjuster
	policy    DeltaPolicy
	cache     redis.Cmdable
	now       func() time.Time
}

// NewService creates a new batch service. The delta policy converts verdicts
// into automated trust adjustments; pass nil for the default severity curve.
func NewService(repo RepositoryInterface, evaluator Evaluator, trustSvc TrustAdjuster, policy DeltaPolicy) *Service {
	if policy == nil {
		policy = DefaultDeltaPolicy
	}
	return &Service{
		repo:      repo,
		evaluator: evaluator,
		trust:     trustSvc,
		policy:    policy,
		now:       time.Now,
	}
}

// SetCache attaches a Redis client for the dashboard read model
func (s *Service) SetCache(c redis.Cmdable) {
	s.cache = c
}

// OpenTrip creates an active batch. A duplicate batch id returns the
// existing batch unchanged, so devices can safely re-send the open signal.
func (s *Service) OpenTrip(ctx context.Context, batchID, deviceID string, vehicleID uuid.UUID) (*Batch, error) {
	if batchID == "" {
		return nil, common.NewValidationError("batch id is required", nil)
	}
	if deviceID == "" {
		return nil, common.NewValidationError("device id is required", nil)
	}

	existing, err := s.repo.GetBatch(ctx, batchID)
	if err == nil {
		return s.resolveExistingOpen(existing, deviceID, vehicleID)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, common.NewInternalError("failed to look up batch", err)
	}

	b := &Batch{
		ID:          batchID,
		DeviceID:    deviceID,
		VehicleID:   vehicleID,
		TripState:   TripActive,
		AnchorState: AnchorNotSubmitted,
		StartedAt:   s.now().UTC(),
	}
	if err := s.repo.CreateBatch(ctx, b); err != nil {
		if errors.Is(err, ErrDuplicateBatch) {
			// a concurrent open won the insert between our read and write
			winner, getErr := s.repo.GetBatch(ctx, batchID)
			if getErr != nil {
				return nil, common.NewInternalError("failed to load concurrently opened batch", getErr)
			}
			return s.resolveExistingOpen(winner, deviceID, vehicleID)
		}
		return nil, common.NewInternalError("failed to create batch", err)
	}

	logger.WithContext(ctx).Info("trip opened",
		zap.String("batch_id", batchID),
		zap.String("device_id", deviceID),
		zap.String("vehicle_id", vehicleID.String()),
	)
	return b, nil
}

// resolveExistingOpen applies the idempotent-open contract to a batch another
// open already created: same device and vehicle get it back unchanged, anyone
// else is rejected.
func (s *Service) resolveExistingOpen(existing *Batch, deviceID string, vehicleID uuid.UUID) (*Batch, error) {
	if existing.DeviceID != deviceID || existing.VehicleID != vehicleID {
		return nil, common.NewValidationError("batch id already used by another device", nil)
	}
	return existing, nil
}

// ListBatches returns a page of batches for the ops dashboard, optionally
// filtered by trip state
func (s *Service) ListBatches(ctx context.Context, state TripState, limit, offset int) ([]Batch, int64, error) {
	switch state {
	case "", TripActive, TripCompleted, TripFailed:
	default:
		return nil, 0, common.NewValidationError(fmt.Sprintf("unknown trip state %q", state), nil)
	}

	batches, total, err := s.repo.ListBatches(ctx, state, limit, offset)
	if err != nil {
		return nil, 0, common.NewInternalError("failed to list batches", err)
	}
	return batches, total, nil
}

// AppendSample adds a reading to an active batch, computing the mileage
// delta from the previous sample.
func (s *Service) AppendSample(ctx context.Context, batchID string, req *AppendSampleRequest) (*TelemetrySample, error) {
	b, err := s.getBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.TripState != TripActive {
		return nil, common.NewValidationError(
			fmt.Sprintf("batch %s is %s, samples are only accepted while active", batchID, b.TripState), nil)
	}

	sample := &TelemetrySample{
		ID:                 uuid.New(),
		BatchID:            batchID,
		VehicleID:          b.VehicleID,
		Mileage:            req.Mileage,
		RecordedAt:         req.RecordedAt.UTC(),
		Channel:            req.Channel,
		Actor:              req.Actor,
		Latitude:           req.Latitude,
		Longitude:          req.Longitude,
		TamperFlag:         req.TamperFlag,
		RollbackAnnotation: req.RollbackAnnotation,
		CreatedAt:          s.now().UTC(),
	}

	prev, err := s.repo.LastSample(ctx, batchID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, common.NewInternalError("failed to load previous sample", err)
	}
	if prev != nil {
		sample.DeltaMiles = sample.Mileage - prev.Mileage
	}

	if err := s.repo.InsertSample(ctx, sample); err != nil {
		return nil, common.NewInternalError("failed to store telemetry sample", err)
	}
	return sample, nil
}

// CloseTrip finalizes a batch and runs validation. A close signal for an
// already completed or failed batch is a no-op returning the stored verdict,
// so duplicate closes can never double-validate or double-adjust.
func (s *Service) CloseTrip(ctx context.Context, batchID string) (*Batch, error) {
	b, err := s.getBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.TripState != TripActive {
		return b, nil
	}

	samples, err := s.repo.ListSamples(ctx, batchID)
	if err != nil {
		return nil, common.NewInternalError("failed to load batch samples", err)
	}

	verdict := s.evaluator.Evaluate(samples)
	stats := computeStats(samples)

	state := TripCompleted
	anchorState := AnchorPending
	if !verdict.IsValid {
		state = TripFailed
		anchorState = AnchorNotSubmitted
	}

	endedAt := s.now().UTC()
	ok, err := s.repo.CompleteBatch(ctx, batchID, state, anchorState, stats, &verdict, endedAt)
	if err != nil {
		return nil, common.NewInternalError("failed to finalize batch", err)
	}
	if !ok {
		// a concurrent close won; return its persisted outcome
		return s.getBatch(ctx, batchID)
	}

	logger.WithContext(ctx).Info("trip closed",
		zap.String("batch_id", batchID),
		zap.String("trip_state", string(state)),
		zap.Bool("is_valid", verdict.IsValid),
		zap.Int("fraud_score", verdict.FraudScore),
		zap.Int("anomalies", len(verdict.Anomalies)),
	)

	if verdict.IsValid {
		s.applyTrustDelta(ctx, b, verdict)
	}
	s.invalidateDashboard(ctx)

	b.TripState = state
	b.AnchorState = anchorState
	b.Stats = stats
	b.Verdict = &verdict
	b.EndedAt = &endedAt
	return b, nil
}

// applyTrustDelta feeds the validation outcome back into the vehicle's trust
// score. A zero delta from the policy means a clean batch and no event.
func (s *Service) applyTrustDelta(ctx context.Context, b *Batch, verdict Verdict) {
	if s.trust == nil {
		return
	}
	delta := s.policy(verdict)
	if delta == 0 {
		return
	}

	details := trust.EventDetails{
		BatchID:    b.ID,
		FraudScore: verdict.FraudScore,
		Anomalies:  summarizeAnomalies(verdict.Anomalies),
	}
	_, err := s.trust.ApplyAdjustment(ctx, b.VehicleID, delta, "telemetry_validation",
		trust.SourceAutomated, details, "validator")
	if err != nil {
		// the batch outcome is already durable; the score catches up on
		// the next adjustment for this vehicle
		logger.WithContext(ctx).Error("automated trust adjustment failed",
			zap.String("batch_id", b.ID),
			zap.String("vehicle_id", b.VehicleID.String()),
			zap.Int("delta", delta),
			zap.Error(err),
		)
	}
}

// VerifySample marks a stored sample as verified by an authorized verifier
func (s *Service) VerifySample(ctx context.Context, sampleID uuid.UUID, verifier string) error {
	if verifier == "" {
		return common.NewValidationError("verifier is required", nil)
	}
	ok, err := s.repo.VerifySample(ctx, sampleID, verifier, s.now().UTC())
	if err != nil {
		return common.NewInternalError("failed to verify sample", err)
	}
	if !ok {
		return common.NewNotFoundError("sample not found", nil)
	}
	return nil
}

// MarkForRetry re-queues a failed anchoring for the next dispatcher sweep.
// Only explicitly failed submissions are eligible.
func (s *Service) MarkForRetry(ctx context.Context, batchID, actor string) (*Batch, error) {
	b, err := s.getBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.AnchorState != AnchorFailed {
		return nil, common.NewValidationError(
			fmt.Sprintf("batch %s anchor state is %s, only failed submissions can be retried", batchID, b.AnchorState), nil)
	}

	ok, err := s.repo.MarkAnchorPending(ctx, batchID)
	if err != nil {
		return nil, common.NewInternalError("failed to mark batch for retry", err)
	}
	if !ok {
		return nil, common.NewConcurrentUpdateError("batch anchor state changed during retry", nil)
	}

	logger.WithContext(ctx).Info("batch re-queued for anchoring",
		zap.String("batch_id", batchID),
		zap.String("actor", actor),
	)
	s.invalidateDashboard(ctx)
	return s.getBatch(ctx, batchID)
}

// ForceCompleteStale closes batches stuck active beyond maxAge so they are
// not lost to validation. Returns the number of batches closed.
func (s *Service) ForceCompleteStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-maxAge)
	ids, err := s.repo.ListStaleActive(ctx, cutoff, staleBatchLimit)
	if err != nil {
		return 0, common.NewInternalError("failed to list stale batches", err)
	}

	closed := 0
	for _, id := range ids {
		if _, err := s.CloseTrip(ctx, id); err != nil {
			logger.WithContext(ctx).Error("watchdog failed to close stale batch",
				zap.String("batch_id", id), zap.Error(err))
			continue
		}
		closed++
	}
	if closed > 0 {
		logger.WithContext(ctx).Warn("watchdog force-closed stale trips", zap.Int("count", closed))
	}
	return closed, nil
}

// ValidationReport returns the verdict and anchoring state for audit
func (s *Service) ValidationReport(ctx context.Context, batchID string) (*ValidationReport, error) {
	b, err := s.getBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return &ValidationReport{
		BatchID:     b.ID,
		VehicleID:   b.VehicleID,
		TripState:   b.TripState,
		Stats:       b.Stats,
		Verdict:     b.Verdict,
		AnchorState: b.AnchorState,
		ProofRef:    b.ProofRef,
		AnchorError: b.AnchorError,
	}, nil
}

// DashboardStats computes the ops read model, cached briefly in Redis
func (s *Service) DashboardStats(ctx context.Context) (*DashboardStats, error) {
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, dashboardCacheKey).Bytes(); err == nil {
			stats := &DashboardStats{}
			if err := json.Unmarshal(data, stats); err == nil {
				return stats, nil
			}
		}
	}

	stats, err := s.repo.CountByState(ctx)
	if err != nil {
		return nil, common.NewInternalError("failed to compute dashboard stats", err)
	}

	if s.cache != nil {
		if data, err := json.Marshal(stats); err == nil {
			if err := s.cache.Set(ctx, dashboardCacheKey, data, dashboardCacheTTL).Err(); err != nil {
				logger.WithContext(ctx).Debug("dashboard cache write failed", zap.Error(err))
			}
		}
	}
	return stats, nil
}

func (s *Service) getBatch(ctx context.Context, batchID string) (*Batch, error) {
	b, err := s.repo.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.NewNotFoundError(fmt.Sprintf("batch %s not found", batchID), err)
		}
		return nil, common.NewInternalError("failed to load batch", err)
	}
	return b, nil
}

func (s *Service) invalidateDashboard(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, dashboardCacheKey).Err(); err != nil {
		logger.WithContext(ctx).Debug("dashboard cache invalidation failed", zap.Error(err))
	}
}

// computeStats derives trip summary statistics from ordered samples
func computeStats(samples []TelemetrySample) *TripStats {
	stats := &TripStats{SampleCount: len(samples)}
	if len(samples) < 2 {
		return stats
	}

	first, last := samples[0], samples[len(samples)-1]
	stats.DistanceMiles = last.Mileage - first.Mileage
	if stats.DistanceMiles < 0 {
		stats.DistanceMiles = 0
	}

	elapsed := last.RecordedAt.Sub(first.RecordedAt).Hours()
	if elapsed > 0 {
		stats.AvgSpeedMPH = stats.DistanceMiles / elapsed
	}

	for i := 1; i < len(samples); i++ {
		delta := samples[i].Mileage - samples[i-1].Mileage
		hours := samples[i].RecordedAt.Sub(samples[i-1].RecordedAt).Hours()
		if delta > 0 && hours > 0 {
			if mph := delta / hours; mph > stats.MaxSpeedMPH {
				stats.MaxSpeedMPH = mph
			}
		}
	}
	return stats
}

// summarizeAnomalies aggregates per-sample anomalies into event details
func summarizeAnomalies(anomalies []heuristics.Anomaly) *trust.AnomalySummary {
	if len(anomalies) == 0 {
		return nil
	}
	sum := &trust.AnomalySummary{}
	for _, a := range anomalies {
		switch a.Code {
		case heuristics.AnomalyRollback:
			sum.Rollbacks++
		case heuristics.AnomalyRateExceeded:
			sum.RateExceeded++
		case heuristics.AnomalyTamperFlag:
			sum.Tampered++
		}
	}
	return sum
}
