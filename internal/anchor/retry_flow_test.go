package anchor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivelane/fleettrust/internal/batch"
)

// fakeQueue is a stateful in-memory anchoring queue for walking multi-sweep
// state transitions.
type fakeQueue struct {
	batches map[string]*batch.Batch
	history map[string][]batch.AnchorState
}

func newFakeQueue(batches ...batch.Batch) *fakeQueue {
	q := &fakeQueue{
		batches: make(map[string]*batch.Batch),
		history: make(map[string][]batch.AnchorState),
	}
	for i := range batches {
		b := batches[i]
		q.batches[b.ID] = &b
		q.history[b.ID] = []batch.AnchorState{b.AnchorState}
	}
	return q
}

func (q *fakeQueue) ListPending(ctx context.Context, limit int) ([]batch.Batch, error) {
	var pending []batch.Batch
	for _, b := range q.batches {
		if b.AnchorState == batch.AnchorPending {
			pending = append(pending, *b)
		}
	}
	return pending, nil
}

func (q *fakeQueue) MarkSubmitted(ctx context.Context, batchID, proofRef string) error {
	b := q.batches[batchID]
	b.AnchorState = batch.AnchorSubmitted
	b.ProofRef = proofRef
	b.AnchorError = ""
	q.history[batchID] = append(q.history[batchID], batch.AnchorSubmitted)
	return nil
}

func (q *fakeQueue) MarkFailed(ctx context.Context, batchID, submitErr string) error {
	b := q.batches[batchID]
	b.AnchorState = batch.AnchorFailed
	b.AnchorError = submitErr
	q.history[batchID] = append(q.history[batchID], batch.AnchorFailed)
	return nil
}

func (q *fakeQueue) markRetry(batchID string) {
	b := q.batches[batchID]
	b.AnchorState = batch.AnchorPending
	b.AnchorError = ""
	q.history[batchID] = append(q.history[batchID], batch.AnchorPending)
}

// flakyLedger fails a set number of submissions before succeeding.
type flakyLedger struct {
	failures int
	calls    int
}

func (l *flakyLedger) Submit(ctx context.Context, batchID string, payload Payload) (string, error) {
	l.calls++
	if l.calls <= l.failures {
		return "", errors.New("ledger unavailable")
	}
	return "proof-" + batchID, nil
}

func (l *flakyLedger) Verify(ctx context.Context, proofRef string) (bool, error) {
	return true, nil
}

func TestAnchorRetryFlow_FailedThenExplicitRetrySucceeds(t *testing.T) {
	queue := newFakeQueue(pendingBatch("trip-1"))
	ledger := &flakyLedger{failures: 2}
	d := NewDispatcher(queue, ledger, 50, time.Second)
	ctx := context.Background()

	// two sweeps fail; the batch stays failed between them, no automatic
	// retry re-queues it
	result, err := d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, batch.AnchorFailed, queue.batches["trip-1"].AnchorState)
	assert.Equal(t, "ledger unavailable", queue.batches["trip-1"].AnchorError)

	result, err = d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Picked)

	// admin re-queues, second submission attempt fails again
	queue.markRetry("trip-1")
	result, err = d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	// second re-queue, third attempt succeeds
	queue.markRetry("trip-1")
	result, err = d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Submitted)

	final := queue.batches["trip-1"]
	assert.Equal(t, batch.AnchorSubmitted, final.AnchorState)
	assert.Equal(t, "proof-trip-1", final.ProofRef)
	assert.Empty(t, final.AnchorError)
	assert.Equal(t, []batch.AnchorState{
		batch.AnchorPending,
		batch.AnchorFailed,
		batch.AnchorPending,
		batch.AnchorFailed,
		batch.AnchorPending,
		batch.AnchorSubmitted,
	}, queue.history["trip-1"])
}
