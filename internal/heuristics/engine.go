package heuristics

import (
	"sort"
)

// Engine evaluates ordered telemetry samples against the fraud rules. It is
// pure and deterministic: same samples in, same verdict out, no I/O, and it
// never returns an error. A suspicious batch gets a suspicious verdict.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine with the given thresholds.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate runs the fraud rules over the samples in recorded-timestamp order.
func (e *Engine) Evaluate(samples []Sample) Verdict {
	if len(samples) == 0 {
		return Verdict{IsValid: true, FraudScore: 0, Anomalies: []Anomaly{}}
	}

	ordered := make([]Sample, len(samples))
	copy(ordered, samples)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].RecordedAt.Before(ordered[j].RecordedAt)
	})

	anomalies := make([]Anomaly, 0)
	rollbacks := 0
	rateExceeded := 0
	tampered := 0

	for i, s := range ordered {
		if s.TamperFlag {
			tampered++
			anomalies = append(anomalies, Anomaly{
				Code:        AnomalyTamperFlag,
				SampleIndex: i,
				Tamper: &TamperDetail{
					// counts are finalized below once the batch total is known
					TotalSamples: len(ordered),
				},
			})
		}

		if i == 0 {
			continue
		}
		prev := ordered[i-1]

		if s.Mileage < prev.Mileage && !s.RollbackAnnotated {
			rollbacks++
			anomalies = append(anomalies, Anomaly{
				Code:        AnomalyRollback,
				SampleIndex: i,
				Rollback: &RollbackDetail{
					PreviousMileage: prev.Mileage,
					Mileage:         s.Mileage,
				},
			})
			continue
		}

		if mph, exceeded := e.rateBetween(prev, s); exceeded {
			rateExceeded++
			anomalies = append(anomalies, Anomaly{
				Code:        AnomalyRateExceeded,
				SampleIndex: i,
				Rate: &RateDetail{
					ObservedMPH: mph,
					CeilingMPH:  e.cfg.MaxSpeedMPH,
				},
			})
		}
	}

	for i := range anomalies {
		if anomalies[i].Tamper != nil {
			anomalies[i].Tamper.TamperedSamples = tampered
		}
	}

	score := e.score(rollbacks, rateExceeded, tampered, len(ordered))
	valid := score <= e.cfg.FraudScoreThreshold && rollbacks <= e.cfg.MaxRollbacks

	return Verdict{
		IsValid:    valid,
		FraudScore: score,
		Anomalies:  anomalies,
	}
}

// rateBetween derives miles-per-hour between consecutive samples. A mileage
// increase with zero or negative elapsed time is treated as exceeding any
// ceiling.
func (e *Engine) rateBetween(prev, cur Sample) (float64, bool) {
	delta := cur.Mileage - prev.Mileage
	if delta <= 0 {
		return 0, false
	}

	elapsed := cur.RecordedAt.Sub(prev.RecordedAt)
	if elapsed <= 0 {
		return 0, true
	}

	mph := delta / elapsed.Hours()
	return mph, mph > e.cfg.MaxSpeedMPH
}

// score combines anomaly counts into a bounded [0,100] fraud score. Tampered
// samples contribute proportionally to their share of the batch.
func (e *Engine) score(rollbacks, rateExceeded, tampered, total int) int {
	score := rollbacks*e.cfg.RollbackWeight + rateExceeded*e.cfg.RateWeight

	if tampered > 0 && total > 0 {
		fraction := float64(tampered) / float64(total)
		score += int(fraction * float64(e.cfg.TamperWeight))
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}
