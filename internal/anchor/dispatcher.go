package anchor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drivelane/fleettrust/internal/batch"
	"github.com/drivelane/fleettrust/pkg/logger"
	"github.com/drivelane/fleettrust/pkg/tracing"
)

// SweepResult summarizes one dispatcher pass.
type SweepResult struct {
	Picked    int `json:"picked"`
	Submitted int `json:"submitted"`
	Failed    int `json:"failed"`
}

// Dispatcher drains the anchoring queue against the external ledger. It runs
// off the request path; ingestion latency never waits on the ledger.
type Dispatcher struct {
	repo          RepositoryInterface
	client        LedgerClient
	sweepLimit    int
	submitTimeout time.Duration
}

// NewDispatcher creates a dispatcher over the given queue and ledger client
func NewDispatcher(repo RepositoryInterface, client LedgerClient, sweepLimit int, submitTimeout time.Duration) *Dispatcher {
	if sweepLimit < 1 {
		sweepLimit = 50
	}
	return &Dispatcher{
		repo:          repo,
		client:        client,
		sweepLimit:    sweepLimit,
		submitTimeout: submitTimeout,
	}
}

// Sweep submits all pending batches, oldest trip-end first. Each batch is
// handled independently; one failure never aborts the rest. A failed
// submission stays failed until an admin explicitly re-queues it.
func (d *Dispatcher) Sweep(ctx context.Context) (*SweepResult, error) {
	ctx, span := tracing.Tracer("anchor").Start(ctx, "dispatcher.sweep")
	defer span.End()

	start := time.Now()
	defer func() {
		sweepDuration.Observe(time.Since(start).Seconds())
	}()

	pending, err := d.repo.ListPending(ctx, d.sweepLimit)
	if err != nil {
		return nil, err
	}
	pendingSwept.Observe(float64(len(pending)))
	span.SetAttributes(attribute.Int("anchor.pending", len(pending)))

	result := &SweepResult{Picked: len(pending)}
	for i := range pending {
		if ctx.Err() != nil {
			break
		}
		if d.submitOne(ctx, &pending[i]) {
			result.Submitted++
		} else {
			result.Failed++
		}
	}

	if result.Picked > 0 {
		logger.WithContext(ctx).Info("anchoring sweep finished",
			zap.Int("picked", result.Picked),
			zap.Int("submitted", result.Submitted),
			zap.Int("failed", result.Failed),
		)
	}
	return result, nil
}

// submitOne anchors a single batch with its own timeout and records the
// outcome. Returns true on successful submission.
func (d *Dispatcher) submitOne(ctx context.Context, b *batch.Batch) bool {
	ctx, span := tracing.Tracer("anchor").Start(ctx, "dispatcher.submit",
		trace.WithAttributes(attribute.String("batch.id", b.ID)))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, d.submitTimeout)
	defer cancel()

	proofRef, err := d.client.Submit(callCtx, b.ID, buildPayload(b))
	if err != nil {
		submissionsTotal.WithLabelValues("failed").Inc()
		logger.WithContext(ctx).Error("ledger submission failed",
			zap.String("batch_id", b.ID), zap.Error(err))
		if markErr := d.repo.MarkFailed(ctx, b.ID, err.Error()); markErr != nil {
			logger.WithContext(ctx).Error("failed to record submission failure",
				zap.String("batch_id", b.ID), zap.Error(markErr))
		}
		return false
	}

	if err := d.repo.MarkSubmitted(ctx, b.ID, proofRef); err != nil {
		// the ledger has the anchor; the idempotency key makes the next
		// explicit retry a cheap no-op on the ledger side
		submissionsTotal.WithLabelValues("failed").Inc()
		logger.WithContext(ctx).Error("failed to record proof reference",
			zap.String("batch_id", b.ID), zap.String("proof_ref", proofRef), zap.Error(err))
		return false
	}

	submissionsTotal.WithLabelValues("submitted").Inc()
	logger.WithContext(ctx).Info("batch anchored",
		zap.String("batch_id", b.ID), zap.String("proof_ref", proofRef))
	return true
}

// Run sweeps on a fixed interval until the context is cancelled
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("anchoring dispatcher started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			logger.Info("anchoring dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil {
				logger.Error("anchoring sweep failed", zap.Error(err))
			}
		}
	}
}

func buildPayload(b *batch.Batch) Payload {
	p := Payload{
		BatchID:   b.ID,
		VehicleID: b.VehicleID.String(),
		DeviceID:  b.DeviceID,
	}
	if b.Stats != nil {
		p.SampleCount = b.Stats.SampleCount
		p.DistanceMiles = b.Stats.DistanceMiles
	}
	if b.Verdict != nil {
		p.FraudScore = b.Verdict.FraudScore
	}
	if b.EndedAt != nil {
		p.EndedAt = *b.EndedAt
	}
	return p
}
