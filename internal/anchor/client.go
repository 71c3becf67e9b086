package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/drivelane/fleettrust/pkg/common"
	"github.com/drivelane/fleettrust/pkg/resilience"
)

// IdempotencyKeyHeader keys ledger submissions by batch id so resubmitting
// an already-anchored batch is rejected by the ledger, not double-anchored.
const IdempotencyKeyHeader = "Idempotency-Key"

// LedgerClient is the narrow boundary to the external immutable ledger.
type LedgerClient interface {
	// Submit anchors a batch payload and returns the ledger's proof
	// reference. Submission is idempotent per batch id.
	Submit(ctx context.Context, batchID string, payload Payload) (string, error)

	// Verify checks that a previously returned proof reference is still
	// anchored.
	Verify(ctx context.Context, proofRef string) (bool, error)
}

// Payload is the document anchored per batch.
type Payload struct {
	BatchID       string    `json:"batch_id"`
	VehicleID     string    `json:"vehicle_id"`
	DeviceID      string    `json:"device_id"`
	SampleCount   int       `json:"sample_count"`
	DistanceMiles float64   `json:"distance_miles"`
	FraudScore    int       `json:"fraud_score"`
	EndedAt       time.Time `json:"ended_at"`
}

type submitResponse struct {
	ProofReference string `json:"proof_reference"`
}

type verifyResponse struct {
	Anchored bool `json:"anchored"`
}

// HTTPLedgerClient talks to the ledger's REST API. Transient transport
// failures are retried within the call; a breaker sheds load when the
// ledger is down across calls.
type HTTPLedgerClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// NewHTTPLedgerClient creates a ledger client for the given base URL
func NewHTTPLedgerClient(baseURL, apiKey string, timeout time.Duration) *HTTPLedgerClient {
	retry := resilience.ConservativeRetryConfig()
	// submissions run inside a bounded sweep slot, so the gap between the
	// two attempts has to stay well under the per-call timeout
	retry.InitialBackoff = 250 * time.Millisecond
	retry.MaxBackoff = time.Second
	retry.RetryableChecker = func(err error) bool {
		if httpErr, ok := err.(*ledgerHTTPError); ok {
			return resilience.IsRetryableHTTPStatus(httpErr.status)
		}
		return true
	}
	return &HTTPLedgerClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		breaker: resilience.NewCircuitBreaker(resilience.BuildSettings("ledger", 60, 30, 5, 2),
			resilience.GracefulDegradation("ledger")),
		retry: retry,
	}
}

type ledgerHTTPError struct {
	status int
	body   string
}

func (e *ledgerHTTPError) Error() string {
	return fmt.Sprintf("ledger returned status %d: %s", e.status, e.body)
}

// Submit anchors a batch payload
func (c *HTTPLedgerClient) Submit(ctx context.Context, batchID string, payload Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", common.NewInternalError("failed to encode anchor payload", err)
	}

	result, err := resilience.RetryWithBreaker(ctx, c.retry, c.breaker, func(ctx context.Context) (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/anchors", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(IdempotencyKeyHeader, batchID)
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return nil, &ledgerHTTPError{status: resp.StatusCode, body: string(respBody)}
		}

		var sr submitResponse
		if err := json.Unmarshal(respBody, &sr); err != nil {
			return nil, fmt.Errorf("failed to decode ledger response: %w", err)
		}
		if sr.ProofReference == "" {
			return nil, fmt.Errorf("ledger response missing proof reference")
		}
		return sr.ProofReference, nil
	})
	if err != nil {
		return "", common.NewExternalServiceError(fmt.Sprintf("ledger submission failed for batch %s", batchID), err)
	}
	return result.(string), nil
}

// Verify checks a proof reference against the ledger
func (c *HTTPLedgerClient) Verify(ctx context.Context, proofRef string) (bool, error) {
	result, err := c.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/anchors/"+proofRef, nil)
		if err != nil {
			return nil, err
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return false, nil
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode != http.StatusOK {
			return nil, &ledgerHTTPError{status: resp.StatusCode, body: string(respBody)}
		}

		var vr verifyResponse
		if err := json.Unmarshal(respBody, &vr); err != nil {
			return nil, fmt.Errorf("failed to decode ledger response: %w", err)
		}
		return vr.Anchored, nil
	})
	if err != nil {
		return false, common.NewExternalServiceError("ledger verification failed", err)
	}
	return result.(bool), nil
}
