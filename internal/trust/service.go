package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/drivelane/fleettrust/pkg/common"
	"github.com/drivelane/fleettrust/pkg/logger"
)

// maxAbsDelta rejects obviously malformed adjustments before they reach the
// ledger. A single adjustment can never move a score further than the full
// scale anyway.
const maxAbsDelta = MaxScore - MinScore

// Service implements the trust score ledger over an optimistic
// compare-and-swap write path.
type Service struct {
	repo        RepositoryInterface
	notifier    Notifier
	cache       ScoreCache
	maxAttempts int
	now         func() time.Time
}

// NewService creates a new trust service. maxAttempts bounds the CAS retry
// loop under write contention.
func NewService(repo RepositoryInterface, maxAttempts int) *Service {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Service{
		repo:        repo,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// SetNotifier attaches a best-effort change notifier
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetCache attaches a read-through score cache
func (s *Service) SetCache(c ScoreCache) {
	s.cache = c
}

// GetScore returns the current trust record for a vehicle
func (s *Service) GetScore(ctx context.Context, vehicleID uuid.UUID) (*VehicleTrustRecord, error) {
	if s.cache != nil {
		if rec, ok := s.cache.Get(ctx, vehicleID); ok {
			return rec, nil
		}
	}

	rec, err := s.repo.GetRecord(ctx, vehicleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.NewNotFoundError("vehicle has no trust record", err)
		}
		return nil, common.NewInternalError("failed to load trust record", err)
	}

	if s.cache != nil {
		s.cache.Set(ctx, rec)
	}
	return rec, nil
}

// ApplyAdjustment moves a vehicle's score by delta, clamped to the valid
// range, and records exactly one trust event for the write. Concurrent
// writers are resolved by re-reading and retrying up to the configured
// attempt budget.
func (s *Service) ApplyAdjustment(ctx context.Context, vehicleID uuid.UUID, delta int, reason string, source Source, details EventDetails, actor string) (*Adjustment, error) {
	if !source.Valid() {
		return nil, common.NewValidationError(fmt.Sprintf("unknown trust source %q", source), nil)
	}
	if reason == "" {
		return nil, common.NewValidationError("adjustment reason is required", nil)
	}
	if delta == 0 {
		return nil, common.NewValidationError("adjustment delta must be non-zero", nil)
	}
	if delta < -maxAbsDelta || delta > maxAbsDelta {
		return nil, common.NewValidationError("adjustment delta out of range", nil)
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		rec, err := s.repo.GetRecord(ctx, vehicleID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, common.NewNotFoundError("vehicle has no trust record", err)
			}
			return nil, common.NewInternalError("failed to load trust record", err)
		}

		newScore := clamp(rec.Score + delta)
		event := &TrustEvent{
			ID:             uuid.New(),
			VehicleID:      vehicleID,
			Delta:          newScore - rec.Score,
			ResultingScore: newScore,
			Reason:         reason,
			Source:         source,
			Details:        details,
			Actor:          actor,
			CreatedAt:      s.now().UTC(),
		}

		ok, err := s.repo.ApplyAdjustment(ctx, event, rec.Version)
		if err != nil {
			return nil, common.NewInternalError("failed to apply trust adjustment", err)
		}
		if !ok {
			logger.WithContext(ctx).Debug("trust adjustment lost version race, retrying",
				zap.String("vehicle_id", vehicleID.String()),
				zap.Int("attempt", attempt),
			)
			continue
		}

		if s.cache != nil {
			s.cache.Invalidate(ctx, vehicleID)
		}
		s.notifyChange(ctx, TrustChange{
			VehicleID:     vehicleID,
			PreviousScore: rec.Score,
			NewScore:      newScore,
			EventID:       event.ID,
			Reason:        reason,
		})

		return &Adjustment{
			PreviousScore: rec.Score,
			NewScore:      newScore,
			EventID:       event.ID,
		}, nil
	}

	return nil, common.NewConcurrentUpdateError(
		fmt.Sprintf("trust adjustment for vehicle %s contended after %d attempts", vehicleID, s.maxAttempts), nil)
}

// SeedScore sets a vehicle's score directly, bypassing delta semantics. Used
// for onboarding and test fixtures. The seed event carries a zero delta so
// replays treat it as a new baseline.
func (s *Service) SeedScore(ctx context.Context, vehicleID uuid.UUID, score int, actor string) (*TrustEvent, error) {
	if score < MinScore || score > MaxScore {
		return nil, common.NewValidationError(
			fmt.Sprintf("seed score must be between %d and %d", MinScore, MaxScore), nil)
	}

	event := &TrustEvent{
		ID:             uuid.New(),
		VehicleID:      vehicleID,
		Delta:          0,
		ResultingScore: score,
		Reason:         "seed",
		Source:         SourceSeed,
		Actor:          actor,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.repo.Seed(ctx, event); err != nil {
		return nil, common.NewInternalError("failed to seed trust record", err)
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx, vehicleID)
	}
	logger.WithContext(ctx).Info("trust score seeded",
		zap.String("vehicle_id", vehicleID.String()),
		zap.Int("score", score),
		zap.String("actor", actor),
	)
	return event, nil
}

// ListEvents returns a page of a vehicle's trust history, newest first
func (s *Service) ListEvents(ctx context.Context, vehicleID uuid.UUID, filter EventFilter, limit, offset int) ([]TrustEvent, int64, error) {
	switch filter.Direction {
	case "", DirectionAll, DirectionPositive, DirectionNegative:
	default:
		return nil, 0, common.NewValidationError(fmt.Sprintf("unknown event direction %q", filter.Direction), nil)
	}
	if filter.Source != "" && !filter.Source.Valid() {
		return nil, 0, common.NewValidationError(fmt.Sprintf("unknown event source %q", filter.Source), nil)
	}

	events, total, err := s.repo.ListEvents(ctx, vehicleID, filter, limit, offset)
	if err != nil {
		return nil, 0, common.NewInternalError("failed to list trust events", err)
	}
	return events, total, nil
}

// notifyChange publishes the change and swallows any failure. Notification
// delivery must never fail or delay a committed adjustment.
func (s *Service) notifyChange(ctx context.Context, change TrustChange) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.TrustChanged(ctx, change); err != nil {
		logger.WithContext(ctx).Warn("trust change notification failed",
			zap.String("vehicle_id", change.VehicleID.String()),
			zap.String("event_id", change.EventID.String()),
			zap.Error(err),
		)
	}
}
