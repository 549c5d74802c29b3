package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverSignsBody(t *testing.T) {
	var (
		gotSig  string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	event := &Event{Type: EventBatchCompleted, JobID: "job-1", Timestamp: 42, Data: map[string]int{"total": 2}}
	require.NoError(t, Deliver(context.Background(), srv.URL, "s3cret", event))

	assert.True(t, Verify("s3cret", gotBody, gotSig))
	assert.False(t, Verify("other", gotBody, gotSig))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "batch.completed", decoded["type"])
	assert.Equal(t, "job-1", decoded["job_id"])
}

func TestDeliverWithoutSecretIsUnsigned(t *testing.T) {
	var sig atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig.Store(r.Header.Get(SignatureHeader))
	}))
	defer srv.Close()

	require.NoError(t, Deliver(context.Background(), srv.URL, "", &Event{Type: EventBatchCompleted}))
	assert.Equal(t, "", sig.Load())
}

func TestDeliverErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := Deliver(context.Background(), srv.URL, "", &Event{Type: EventBatchCompleted})
	assert.ErrorContains(t, err, "status 500")
}

func TestDeliverAsyncRetries(t *testing.T) {
	fastRetries(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	select {
	case err := <-DeliverAsync(srv.URL, "", &Event{Type: EventBatchCompleted, JobID: "j"}):
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("delivery did not finish")
	}
	assert.EqualValues(t, 3, calls.Load())
}

func TestDeliverAsyncExhausts(t *testing.T) {
	fastRetries(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := <-DeliverAsync(srv.URL, "", &Event{Type: EventBatchCompleted})
	assert.ErrorContains(t, err, "status 503")
	assert.EqualValues(t, maxRetries+1, calls.Load())
}

func fastRetries(t *testing.T) {
	t.Helper()
	base, limit := retryBaseDelay, retryMaxDelay
	retryBaseDelay, retryMaxDelay = time.Millisecond, 5*time.Millisecond
	t.Cleanup(func() { retryBaseDelay, retryMaxDelay = base, limit })
}
