package trust

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/drivelane/fleettrust/pkg/common"
)

// ========================================
// INTERNAL MOCKS (implement the package interfaces)
// ========================================

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) GetRecord(ctx context.Context, vehicleID uuid.UUID) (*VehicleTrustRecord, error) {
	args := m.Called(ctx, vehicleID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*VehicleTrustRecord), args.Error(1)
}

func (m *mockRepo) ApplyAdjustment(ctx context.Context, event *TrustEvent, expectedVersion int64) (bool, error) {
	args := m.Called(ctx, event, expectedVersion)
	return args.Bool(0), args.Error(1)
}

func (m *mockRepo) Seed(ctx context.Context, event *TrustEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *mockRepo) ListEvents(ctx context.Context, vehicleID uuid.UUID, filter EventFilter, limit, offset int) ([]TrustEvent, int64, error) {
	args := m.Called(ctx, vehicleID, filter, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]TrustEvent), args.Get(1).(int64), args.Error(2)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) TrustChanged(ctx context.Context, change TrustChange) error {
	args := m.Called(ctx, change)
	return args.Error(0)
}

func record(vehicleID uuid.UUID, score int, version int64) *VehicleTrustRecord {
	return &VehicleTrustRecord{
		VehicleID: vehicleID,
		Score:     score,
		Version:   version,
		UpdatedAt: time.Now(),
	}
}

// ========================================
// APPLY ADJUSTMENT
// ========================================

func TestApplyAdjustment_Success(t *testing.T) {
	repo := new(mockRepo)
	svc := NewService(repo, 3)
	vehicleID := uuid.New()
	ctx := context.Background()

	repo.On("GetRecord", ctx, vehicleID).Return(record(vehicleID, 60, 4), nil).Once()
	repo.On("ApplyAdjustment", ctx, mock.MatchedBy(func(e *TrustEvent) bool {
		return e.Delta == -15 && e.ResultingScore == 45 && e.Source == SourceManual
	}), int64(4)).Return(true, nil).Once()

	adj, err := svc.ApplyAdjustment(ctx, vehicleID, -15, "incident review", SourceManual, EventDetails{}, "ops@fleet")
	require.NoError(t, err)
	assert.Equal(t, 60, adj.PreviousScore)
	assert.Equal(t, 45, adj.NewScore)
	assert.NotEqual(t, uuid.Nil, adj.EventID)
	repo.AssertExpectations(t)
}

func TestApplyAdjustment_ClampsAtUpperBound(t *testing.T) {
	repo := new(mockRepo)
	svc := NewService(repo, 3)
	vehicleID := uuid.New()
	ctx := context.Background()

	repo.On("GetRecord", ctx, vehicleID).Return(record(vehicleID, 95, 1), nil).Once()
	repo.On("ApplyAdjustment", ctx, mock.MatchedBy(func(e *TrustEvent) bool {
		// the event must record the applied delta, not the requested one
		return e.Delta == 5 && e.ResultingScore == 100
	}), int64(1)).Return(true, nil).Once()

	adj, err := svc.ApplyAdjustment(ctx, vehicleID, 20, "bonus streak", SourceAutomated, EventDetails{}, "system")
	require.NoError(t, err)
	assert.Equal(t, 100, adj.NewScore)
	repo.AssertExpectations(t)
}

func TestApplyAdjustment_ClampsAtLowerBound(t *testing.T) {
	repo := new(mockRepo)
	svc := NewService(repo, 3)
	vehicleID := uuid.New()
	ctx := context.Background()

	repo.On("GetRecord", ctx, vehicleID).Return(record(vehicleID, 3, 7), nil).Once()
	repo.On("ApplyAdjustment", ctx, mock.MatchedBy(func(e *TrustEvent) bool {
		return e.Delta == -3 && e.ResultingScore == 0
	}), int64(7)).Return(true, nil).Once()

	adj, err := svc.ApplyAdjustment(ctx, vehicleID, -10, "fraud detected", SourceAutomated, EventDetails{}, "system")
	require.NoError(t, err)
	assert.Equal(t, 0, adj.NewScore)
	repo.AssertExpectations(t)
}

func TestApplyAdjustment_RetriesOnVersionRace(t *testing.T) {
	repo := new(mockRepo)
	svc := NewService(repo, 3)
	vehicleID := uuid.New()
	ctx := context.Background()

	// first read sees version 2, loses the race, re-reads version 3 and wins
	repo.On("GetRecord", ctx, vehicleID).Return(record(vehicleID, 50, 2), nil).Once()
	repo.On("ApplyAdjustment", ctx, mock.Anything, int64(2)).Return(false, nil).Once()
	repo.On("GetRecord", ctx, vehicleID).Return(record(vehicleID, 48, 3), nil).Once()
	repo.On("ApplyAdjustment", ctx, mock.MatchedBy(func(e *TrustEvent) bool {
		return e.ResultingScore == 43
	}), int64(3)).Return(true, nil).Once()

	adj, err := svc.ApplyAdjustment(ctx, vehicleID, -5, "late report", SourceAutomated, EventDetails{}, "system")
	require.NoError(t, err)
	assert.Equal(t, 48, adj.PreviousScore)
	assert.Equal(t, 43, adj.NewScore)
	repo.AssertExpectations(t)
}

func TestApplyAdjustment_ExhaustedAttempts(t *testing.T) {
	repo := new(mockRepo)
	svc := NewService(repo, 2)
	vehicleID := uuid.New()
	ctx := context.Background()

	repo.On("GetRecord", ctx, vehicleID).Return(record(vehicleID, 50, 1), nil).Twice()
	repo.On("ApplyAdjustment", ctx, mock.Anything, int64(1)).Return(false, nil).Twice()

	_, err := svc.ApplyAdjustment(ctx, vehicleID, -5, "contended", SourceAutomated, EventDetails{}, "system")
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.CodeConcurrentUpdate))
	repo.AssertExpectations(t)
}

func TestApplyAdjustment_VehicleNotFound(t *testing.T) {
	repo := new(mockRepo)
	svc := NewService(repo, 3)
	vehicleID := uuid.New()
	ctx := context.Background()

	repo.On("GetRecord", ctx, vehicleID).Return(nil, pgx.ErrNoRows).Once()

	_, err := svc.ApplyAdjustment(ctx, vehicleID, 5, "onboarding bonus", SourceManual, EventDetails{}, "ops")
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.CodeNotFound))
}

func TestApplyAdjustment_RejectsInvalidInput(t *testing.T) {
	repo := new(mockRepo)
	svc := NewService(repo, 3)
	vehicleID := uuid.New()
	ctx := context.Background()

	cases := []struct {
		name   string
		delta  int
		reason string
		source Source
	}{
		{"zero delta", 0, "noop", SourceManual},
		{"empty reason", -5, "", SourceManual},
		{"unknown source", -5, "reason", Source("webhook")},
		{"delta beyond scale", 150, "reason", SourceManual},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.ApplyAdjustment(ctx, vehicleID, tc.delta, tc.reason, tc.source, EventDetails{}, "ops")
			require.Error(t, err)
			assert.True(t, common.IsCode(err, common.CodeValidation))
		})
	}
	repo.AssertNotCalled(t, "GetRecord")
}

func TestApplyAdjustment_NotifierFailureDoesNotFailAdjustment(t *testing.T) {
	repo := new(mockRepo)
	notifier := new(mockNotifier)
	svc := NewService(repo, 3)
	svc.SetNotifier(notifier)
	vehicleID := uuid.New()
	ctx := context.Background()

	repo.On("GetRecord", ctx, vehicleID).Return(record(vehicleID, 70, 1), nil).Once()
	repo.On("ApplyAdjustment", ctx, mock.Anything, int64(1)).Return(true, nil).Once()
	notifier.On("TrustChanged", ctx, mock.MatchedBy(func(ch TrustChange) bool {
		return ch.PreviousScore == 70 && ch.NewScore == 65
	})).Return(errors.New("nats unavailable")).Once()

	adj, err := svc.ApplyAdjustment(ctx, vehicleID, -5, "speed anomaly", SourceAutomated, EventDetails{}, "system")
	require.NoError(t, err)
	assert.Equal(t, 65, adj.NewScore)
	notifier.AssertExpectations(t)
}

func TestApplyAdjustment_ReplayableDeltas(t *testing.T) {
	// summing the recorded deltas from the seed value must reproduce the
	// final score, even when a requested delta was clamped
	repo := new(mockRepo)
	svc := NewService(repo, 3)
	vehicleID := uuid.New()
	ctx := context.Background()

	var recorded []int
	score := 90
	version := int64(1)
	steps := []int{+20, -30, -70, +5} // second and third hit the bounds

	for _, delta := range steps {
		repo.On("GetRecord", ctx, vehicleID).Return(record(vehicleID, score, version), nil).Once()
		repo.On("ApplyAdjustment", ctx, mock.Anything, version).
			Run(func(args mock.Arguments) {
				e := args.Get(1).(*TrustEvent)
				recorded = append(recorded, e.Delta)
			}).Return(true, nil).Once()

		adj, err := svc.ApplyAdjustment(ctx, vehicleID, delta, "replay", SourceAutomated, EventDetails{}, "system")
		require.NoError(t, err)
		score = adj.NewScore
		version++
	}

	replayed := 90
	for _, d := range recorded {
		replayed += d
	}
	assert.Equal(t, score, replayed)
	assert.Equal(t, []int{10, -30, -70, 5}, recorded)
}

// ========================================
// SEED AND READS
// ========================================

func TestSeedScore(t *testing.T) {
	repo := new(mockRepo)
	svc := NewService(repo, 3)
	vehicleID := uuid.New()
	ctx := context.Background()

	repo.On("Seed", ctx, mock.MatchedBy(func(e *TrustEvent) bool {
		return e.Source == SourceSeed && e.Delta == 0 && e.ResultingScore == 80
	})).Return(nil).Once()

	event, err := svc.SeedScore(ctx, vehicleID, 80, "fleet-admin")
	require.NoError(t, err)
	assert.Equal(t, SourceSeed, event.Source)
	assert.Equal(t, 80, event.ResultingScore)
	repo.AssertExpectations(t)
}

func TestSeedScore_RejectsOutOfRange(t *testing.T) {
	repo := new(mockRepo)
	svc := NewService(repo, 3)
	ctx := context.Background()

	for _, score := range []int{-1, 101} {
		_, err := svc.SeedScore(ctx, uuid.New(), score, "fleet-admin")
		require.Error(t, err)
		assert.True(t, common.IsCode(err, common.CodeValidation))
	}
	repo.AssertNotCalled(t, "Seed")
}

func TestGetScore_NotFound(t *testing.T) {
	repo := new(mockRepo)
	svc := NewService(repo, 3)
	vehicleID := uuid.New()
	ctx := context.Background()

	repo.On("GetRecord", ctx, vehicleID).Return(nil, pgx.ErrNoRows).Once()

	_, err := svc.GetScore(ctx, vehicleID)
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.CodeNotFound))
}

func TestListEvents_RejectsUnknownDirection(t *testing.T) {
	repo := new(mockRepo)
	svc := NewService(repo, 3)
	ctx := context.Background()

	_, _, err := svc.ListEvents(ctx, uuid.New(), EventFilter{Direction: EventDirection("sideways")}, 20, 0)
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.CodeValidation))
	repo.AssertNotCalled(t, "ListEvents")
}

func TestListEvents_RejectsUnknownSource(t *testing.T) {
	repo := new(mockRepo)
	svc := NewService(repo, 3)
	ctx := context.Background()

	_, _, err := svc.ListEvents(ctx, uuid.New(), EventFilter{Source: Source("gossip")}, 20, 0)
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.CodeValidation))
	repo.AssertNotCalled(t, "ListEvents")
}

func TestListEvents_PassesFilterThrough(t *testing.T) {
	repo := new(mockRepo)
	svc := NewService(repo, 3)
	vehicleID := uuid.New()
	ctx := context.Background()

	filter := EventFilter{Direction: DirectionNegative, Source: SourceManual}
	want := []TrustEvent{{ID: uuid.New(), VehicleID: vehicleID, Delta: -5, Source: SourceManual}}
	repo.On("ListEvents", ctx, vehicleID, filter, 10, 20).Return(want, int64(31), nil).Once()

	events, total, err := svc.ListEvents(ctx, vehicleID, filter, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, want, events)
	assert.Equal(t, int64(31), total)
	repo.AssertExpectations(t)
}
