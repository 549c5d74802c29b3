package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/renderd/models"
)

var at = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestRenderSendsKeyAndDecodesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/render", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("X-API-Key"))
		var body models.RenderHTTPRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "#app", body.WaitForSelector)

		writeJSON(w, http.StatusGatewayTimeout, models.NewFailure(body.URL, "", 0,
			&models.RenderError{Kind: models.KindSelectorTimeout, Message: "no #app", Attempts: 1}, at))
	}))
	defer srv.Close()

	res, err := newAPIClient(srv.URL, "k").render(context.Background(), models.RenderHTTPRequest{
		URL:           "https://example.com/",
		RenderOptions: models.RenderOptions{WaitForSelector: "#app"},
	})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, models.KindSelectorTimeout, res.Kind())
}

func TestRenderSurfacesEnvelopeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{
			Error: &models.ErrorDetail{Code: models.ErrCodeUnauthorized, Message: "invalid API key"},
		})
	}))
	defer srv.Close()

	_, err := newAPIClient(srv.URL, "bad").render(context.Background(), models.RenderHTTPRequest{URL: "https://example.com/"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNAUTHORIZED")
}

func TestSubmitAndWaitBatch(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/batch/render":
			writeJSON(w, http.StatusAccepted, models.BatchResponse{ID: "job-1", Status: models.JobProcessing, Total: 1})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/batch/job-1":
			status := models.JobProcessing
			var results []*models.RenderResult
			if polls.Add(1) >= 3 {
				status = models.JobCompleted
				results = []*models.RenderResult{models.NewSuccess("https://example.com/",
					models.PageContent{HTML: "<p/>", Title: "t", StatusCode: 200}, at)}
			}
			writeJSON(w, http.StatusOK, models.BatchStatusResponse{
				ID: "job-1", Status: status, Total: 1, Completed: len(results),
				URLs: []string{"https://example.com/"}, Results: results,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL, "")
	c.pollInterval = time.Millisecond

	id, err := c.submitBatch(context.Background(), models.BatchRenderRequest{URLs: []string{"https://example.com/"}})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	job, err := c.waitBatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, int32(3), polls.Load())
	require.Len(t, job.Results, 1)
	assert.Equal(t, "t", job.Results[0].Title)
}

func TestWaitBatchUnknownJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{
			Error: &models.ErrorDetail{Code: models.ErrCodeNotFound, Message: "batch job not found"},
		})
	}))
	defer srv.Close()

	_, err := newAPIClient(srv.URL, "").waitBatch(context.Background(), "nope")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestFormatResult(t *testing.T) {
	ok := models.NewSuccess("https://example.com/", models.PageContent{
		HTML:       strings.Repeat("x", 50),
		Title:      "Example",
		Meta:       map[string]string{"description": "d", "canonical": "https://example.com/"},
		StatusCode: 200,
	}, at)

	text := formatResult(ok, 10)
	assert.Contains(t, text, "Title: Example")
	assert.Contains(t, text, "Status: 200")
	assert.Less(t, strings.Index(text, "Meta canonical"), strings.Index(text, "Meta description"))
	assert.Contains(t, text, "[truncated, 50 bytes total]")

	assert.NotContains(t, formatResult(ok, -1), "xxx")

	failed := models.NewFailure("https://example.com/", "", 0,
		&models.RenderError{Kind: models.KindNavigation, Message: "dns", Attempts: 3}, at)
	assert.Contains(t, formatResult(failed, 0), "NavigationError: dns (after 3 attempts)")
}
