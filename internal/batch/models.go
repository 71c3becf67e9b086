package batch

import (
	"time"

	"github.com/google/uuid"

	"github.com/drivelane/fleettrust/internal/heuristics"
)

// TripState is the lifecycle state of a telemetry batch
type TripState string

const (
	TripActive    TripState = "active"
	TripCompleted TripState = "completed"
	TripFailed    TripState = "failed"
)

// AnchorState tracks a batch's progress toward the external ledger
type AnchorState string

const (
	AnchorNotSubmitted AnchorState = "not_submitted"
	AnchorPending      AnchorState = "pending"
	AnchorSubmitted    AnchorState = "submitted"
	AnchorFailed       AnchorState = "failed"
)

// Batch is a device-reported group of telemetry samples for one trip. The
// batch ID is supplied by the device and doubles as the idempotency key for
// trip open, close, and ledger submission.
type Batch struct {
	ID          string      `json:"id" db:"id"`
	DeviceID    string      `json:"device_id" db:"device_id"`
	VehicleID   uuid.UUID   `json:"vehicle_id" db:"vehicle_id"`
	TripState   TripState   `json:"trip_state" db:"trip_state"`
	Stats       *TripStats  `json:"stats,omitempty" db:"stats"`
	Verdict     *Verdict    `json:"verdict,omitempty" db:"verdict"`
	AnchorState AnchorState `json:"anchor_state" db:"anchor_state"`
	ProofRef    string      `json:"proof_ref,omitempty" db:"proof_ref"`
	AnchorError string      `json:"anchor_error,omitempty" db:"anchor_error"`
	StartedAt   time.Time   `json:"started_at" db:"started_at"`
	EndedAt     *time.Time  `json:"ended_at,omitempty" db:"ended_at"`
}

// TripStats are summary statistics computed when a trip closes.
type TripStats struct {
	DistanceMiles float64 `json:"distance_miles"`
	AvgSpeedMPH   float64 `json:"avg_speed_mph"`
	MaxSpeedMPH   float64 `json:"max_speed_mph"`
	SampleCount   int     `json:"sample_count"`
}

// Verdict is the persisted fraud verdict for a completed batch.
type Verdict struct {
	IsValid    bool                 `json:"is_valid"`
	FraudScore int                  `json:"fraud_score"`
	Anomalies  []heuristics.Anomaly `json:"anomalies"`
}

// TelemetrySample is one odometer reading inside a batch.
type TelemetrySample struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	BatchID            string     `json:"batch_id" db:"batch_id"`
	VehicleID          uuid.UUID  `json:"vehicle_id" db:"vehicle_id"`
	Mileage            float64    `json:"mileage" db:"mileage"`
	RecordedAt         time.Time  `json:"recorded_at" db:"recorded_at"`
	Channel            string     `json:"channel,omitempty" db:"channel"`
	Actor              string     `json:"actor,omitempty" db:"actor"`
	Latitude           *float64   `json:"latitude,omitempty" db:"latitude"`
	Longitude          *float64   `json:"longitude,omitempty" db:"longitude"`
	Verified           bool       `json:"verified" db:"verified"`
	VerifiedBy         string     `json:"verified_by,omitempty" db:"verified_by"`
	VerifiedAt         *time.Time `json:"verified_at,omitempty" db:"verified_at"`
	DeltaMiles         float64    `json:"delta_miles" db:"delta_miles"`
	TamperFlag         bool       `json:"tamper_flag" db:"tamper_flag"`
	RollbackAnnotation string     `json:"rollback_annotation,omitempty" db:"rollback_annotation"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
}

// ValidationReport combines the verdict with anchoring state for audit reads.
type ValidationReport struct {
	BatchID     string      `json:"batch_id"`
	VehicleID   uuid.UUID   `json:"vehicle_id"`
	TripState   TripState   `json:"trip_state"`
	Stats       *TripStats  `json:"stats,omitempty"`
	Verdict     *Verdict    `json:"verdict,omitempty"`
	AnchorState AnchorState `json:"anchor_state"`
	ProofRef    string      `json:"proof_ref,omitempty"`
	AnchorError string      `json:"anchor_error,omitempty"`
}

// DashboardStats is the derived read model for the ops dashboard.
type DashboardStats struct {
	ActiveTrips      int64   `json:"active_trips"`
	CompletedTrips   int64   `json:"completed_trips"`
	FailedTrips      int64   `json:"failed_trips"`
	PendingAnchors   int64   `json:"pending_anchors"`
	SubmittedAnchors int64   `json:"submitted_anchors"`
	FailedAnchors    int64   `json:"failed_anchors"`
	SuccessRate      float64 `json:"anchor_success_rate"`
}

// OpenTripRequest is the device request to start a trip batch.
type OpenTripRequest struct {
	BatchID   string    `json:"batch_id" validate:"required,min=8,max=128"`
	DeviceID  string    `json:"device_id" validate:"required"`
	VehicleID uuid.UUID `json:"vehicle_id" validate:"required"`
}

// AppendSampleRequest is the device request to add one reading.
type AppendSampleRequest struct {
	Mileage            float64   `json:"mileage" validate:"min=0"`
	RecordedAt         time.Time `json:"recorded_at" validate:"required"`
	Channel            string    `json:"channel" validate:"omitempty,max=32"`
	Actor              string    `json:"actor" validate:"omitempty,max=64"`
	Latitude           *float64  `json:"latitude" validate:"omitempty,min=-90,max=90"`
	Longitude          *float64  `json:"longitude" validate:"omitempty,min=-180,max=180"`
	TamperFlag         bool      `json:"tamper_flag"`
	RollbackAnnotation string    `json:"rollback_annotation" validate:"omitempty,max=256"`
}
