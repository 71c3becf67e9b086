package heuristics

import (
	"time"

	"github.com/drivelane/fleettrust/pkg/common"
)

// AnomalyCode classifies a detected anomaly
type AnomalyCode string

const (
	AnomalyRollback     AnomalyCode = "ROLLBACK"
	AnomalyRateExceeded AnomalyCode = "RATE_EXCEEDED"
	AnomalyTamperFlag   AnomalyCode = "TAMPER_FLAG"
)

// Sample is one odometer reading as seen by the engine. Callers map their
// storage model onto this; the engine never performs I/O.
type Sample struct {
	Mileage           float64
	RecordedAt        time.Time
	TamperFlag        bool
	RollbackAnnotated bool // an audited, authorized odometer correction
}

// RollbackDetail describes a mileage decrease between consecutive samples
type RollbackDetail struct {
	PreviousMileage float64 `json:"previous_mileage"`
	Mileage         float64 `json:"mileage"`
}

// RateDetail describes an implausible travel rate between consecutive samples
type RateDetail struct {
	ObservedMPH float64 `json:"observed_mph"`
	CeilingMPH  float64 `json:"ceiling_mph"`
}

// TamperDetail marks a sample flagged by the data-acquisition layer
type TamperDetail struct {
	TamperedSamples int `json:"tampered_samples"`
	TotalSamples    int `json:"total_samples"`
}

// Anomaly is one detected irregularity. Exactly one detail field is set,
// matching the code.
type Anomaly struct {
	Code        AnomalyCode     `json:"code"`
	SampleIndex int             `json:"sample_index"`
	Rollback    *RollbackDetail `json:"rollback,omitempty"`
	Rate        *RateDetail     `json:"rate,omitempty"`
	Tamper      *TamperDetail   `json:"tamper,omitempty"`
}

// Verdict is the engine's output. FraudScore is bounded to [0,100].
type Verdict struct {
	IsValid    bool      `json:"is_valid"`
	FraudScore int       `json:"fraud_score"`
	Anomalies  []Anomaly `json:"anomalies"`
}

// Config holds the engine's tuning knobs.
type Config struct {
	// MaxSpeedMPH is the travel-rate ceiling between consecutive samples.
	MaxSpeedMPH float64

	// FraudScoreThreshold invalidates batches scoring above it.
	FraudScoreThreshold int

	// MaxRollbacks is the number of unannotated rollbacks tolerated before
	// the batch is invalid regardless of score.
	MaxRollbacks int

	// Per-anomaly score weights.
	RollbackWeight int
	RateWeight     int
	TamperWeight   int
}

// Validate rejects thresholds the engine cannot evaluate against.
func (c Config) Validate() error {
	if c.MaxSpeedMPH <= 0 {
		return common.NewConfigurationError("heuristics: rate ceiling must be positive", nil)
	}
	if c.FraudScoreThreshold < 0 || c.FraudScoreThreshold > 100 {
		return common.NewConfigurationError("heuristics: fraud score threshold must be within [0,100]", nil)
	}
	if c.MaxRollbacks < 0 {
		return common.NewConfigurationError("heuristics: max rollbacks must not be negative", nil)
	}
	if c.RollbackWeight < 0 || c.RateWeight < 0 || c.TamperWeight < 0 {
		return common.NewConfigurationError("heuristics: anomaly weights must not be negative", nil)
	}
	return nil
}

// DefaultConfig returns the production default thresholds.
func DefaultConfig() Config {
	return Config{
		MaxSpeedMPH:         120,
		FraudScoreThreshold: 60,
		MaxRollbacks:        0,
		RollbackWeight:      40,
		RateWeight:          25,
		TamperWeight:        35,
	}
}
