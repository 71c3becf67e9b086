package batch

import (
	"github.com/drivelane/fleettrust/internal/heuristics"
)

// EngineEvaluator adapts the fraud heuristics engine to the batch domain.
type EngineEvaluator struct {
	engine *heuristics.Engine
}

// NewEngineEvaluator wraps a heuristics engine
func NewEngineEvaluator(engine *heuristics.Engine) *EngineEvaluator {
	return &EngineEvaluator{engine: engine}
}

// Evaluate maps samples to the engine's input and the verdict back out
func (e *EngineEvaluator) Evaluate(samples []TelemetrySample) Verdict {
	in := make([]heuristics.Sample, len(samples))
	for i, s := range samples {
		in[i] = heuristics.Sample{
			Mileage:           s.Mileage,
			RecordedAt:        s.RecordedAt,
			TamperFlag:        s.TamperFlag,
			RollbackAnnotated: s.RollbackAnnotation != "",
		}
	}
	v := e.engine.Evaluate(in)
	return Verdict{
		IsValid:    v.IsValid,
		FraudScore: v.FraudScore,
		Anomalies:  v.Anomalies,
	}
}
