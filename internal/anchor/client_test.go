package anchor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivelane/fleettrust/pkg/common"
)

func TestHTTPLedgerClient_Submit(t *testing.T) {
	var gotIdempotencyKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/anchors", r.URL.Path)
		gotIdempotencyKey = r.Header.Get(IdempotencyKeyHeader)
		gotAuth = r.Header.Get("Authorization")

		var p Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "trip-1", p.BatchID)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"proof_reference": "proof-xyz"})
	}))
	defer srv.Close()

	client := NewHTTPLedgerClient(srv.URL, "secret-key", 5*time.Second)
	proofRef, err := client.Submit(context.Background(), "trip-1", Payload{BatchID: "trip-1"})
	require.NoError(t, err)
	assert.Equal(t, "proof-xyz", proofRef)
	assert.Equal(t, "trip-1", gotIdempotencyKey)
	assert.Equal(t, "Bearer secret-key", gotAuth)
}

func TestHTTPLedgerClient_SubmitNonRetryableFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "conflicting anchor", http.StatusConflict)
	}))
	defer srv.Close()

	client := NewHTTPLedgerClient(srv.URL, "", 5*time.Second)
	_, err := client.Submit(context.Background(), "trip-1", Payload{BatchID: "trip-1"})
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.CodeExternalService))
	// 409 is not retryable transport noise
	assert.Equal(t, 1, calls)
}

func TestHTTPLedgerClient_SubmitRetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"proof_reference": "proof-after-retry"})
	}))
	defer srv.Close()

	client := NewHTTPLedgerClient(srv.URL, "", 5*time.Second)
	proofRef, err := client.Submit(context.Background(), "trip-1", Payload{BatchID: "trip-1"})
	require.NoError(t, err)
	assert.Equal(t, "proof-after-retry", proofRef)
	assert.Equal(t, 2, calls)
}

func TestHTTPLedgerClient_Verify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/anchors/proof-ok":
			json.NewEncoder(w).Encode(map[string]bool{"anchored": true})
		case "/anchors/proof-gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	client := NewHTTPLedgerClient(srv.URL, "", 5*time.Second)

	anchored, err := client.Verify(context.Background(), "proof-ok")
	require.NoError(t, err)
	assert.True(t, anchored)

	anchored, err = client.Verify(context.Background(), "proof-gone")
	require.NoError(t, err)
	assert.False(t, anchored)
}

func TestHTTPLedgerClient_SubmitTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server can detect the client disconnect
		// and cancel the request context.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewHTTPLedgerClient(srv.URL, "", 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Submit(ctx, "trip-1", Payload{BatchID: "trip-1"})
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.CodeExternalService))
}
