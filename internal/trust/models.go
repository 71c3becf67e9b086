package trust

import (
	"time"

	"github.com/google/uuid"
)

const (
	// MinScore and MaxScore bound every vehicle trust score.
	MinScore = 0
	MaxScore = 100
)

// Source identifies what kind of actor produced a trust event
type Source string

const (
	SourceManual    Source = "manual"
	SourceAutomated Source = "automated"
	SourceSeed      Source = "seed"
)

// Valid reports whether the source is one of the known values.
func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceAutomated, SourceSeed:
		return true
	}
	return false
}

// VehicleTrustRecord is the single mutable trust row per vehicle. It is only
// ever written through the ledger's compare-and-swap adjustment.
type VehicleTrustRecord struct {
	VehicleID uuid.UUID `json:"vehicle_id" db:"vehicle_id"`
	Score     int       `json:"score" db:"score"`
	Version   int64     `json:"version" db:"version"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// AnomalySummary aggregates anomaly counts carried on automated events.
type AnomalySummary struct {
	Rollbacks    int `json:"rollbacks"`
	RateExceeded int `json:"rate_exceeded"`
	Tampered     int `json:"tampered"`
}

// EventDetails is the structured payload attached to a trust event.
type EventDetails struct {
	Note       string          `json:"note,omitempty"`
	BatchID    string          `json:"batch_id,omitempty"`
	FraudScore int             `json:"fraud_score,omitempty"`
	Anomalies  *AnomalySummary `json:"anomalies,omitempty"`
}

// TrustEvent is one immutable audit record of a score change. Replaying all
// events for a vehicle in creation order, summing deltas from the latest
// seed, reproduces the current score.
type TrustEvent struct {
	ID             uuid.UUID    `json:"id" db:"id"`
	VehicleID      uuid.UUID    `json:"vehicle_id" db:"vehicle_id"`
	Delta          int          `json:"delta" db:"delta"`
	ResultingScore int          `json:"resulting_score" db:"resulting_score"`
	Reason         string       `json:"reason" db:"reason"`
	Source         Source       `json:"source" db:"source"`
	Details        EventDetails `json:"details" db:"details"`
	Actor          string       `json:"actor" db:"actor"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
}

// Adjustment is the result of a successful ledger adjustment.
type Adjustment struct {
	PreviousScore int       `json:"previous_score"`
	NewScore      int       `json:"new_score"`
	EventID       uuid.UUID `json:"event_id"`
}

// TrustChange is the notification payload emitted after every successful
// adjustment. Delivery is best-effort.
type TrustChange struct {
	VehicleID     uuid.UUID `json:"vehicle_id"`
	PreviousScore int       `json:"previous_score"`
	NewScore      int       `json:"new_score"`
	EventID       uuid.UUID `json:"event_id"`
	Reason        string    `json:"reason"`
}

// EventDirection filters event history by delta sign
type EventDirection string

const (
	DirectionAll      EventDirection = "all"
	DirectionPositive EventDirection = "positive"
	DirectionNegative EventDirection = "negative"
)

// EventFilter narrows event history queries. Zero values mean no filtering.
type EventFilter struct {
	Direction EventDirection
	Source    Source
}

// AdjustRequest is the admin manual-adjustment request body.
type AdjustRequest struct {
	Delta  int    `json:"delta" validate:"required"`
	Reason string `json:"reason" validate:"required,min=3,max=128"`
	Note   string `json:"note" validate:"omitempty,max=512"`
}

// SeedRequest is the bootstrap/testing seed request body.
type SeedRequest struct {
	Score int `json:"score" validate:"min=0,max=100"`
}

// clamp bounds a score to [MinScore, MaxScore].
func clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
