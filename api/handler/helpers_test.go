package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/renderd/engine"
	"github.com/use-agent/renderd/models"
)

var testNow = time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubSession answers every fetch with fn and counts calls per URL.
type stubSession struct {
	fn    func(req models.RenderRequest) *models.RenderResult
	stats models.SessionStats

	mu    sync.Mutex
	calls map[string]int
}

func newStubSession(fn func(req models.RenderRequest) *models.RenderResult) *stubSession {
	return &stubSession{
		fn:    fn,
		stats: models.SessionStats{State: "open"},
		calls: map[string]int{},
	}
}

func (s *stubSession) Fetch(_ context.Context, req models.RenderRequest) *models.RenderResult {
	s.mu.Lock()
	s.calls[req.URL]++
	s.mu.Unlock()
	return s.fn(req)
}

func (s *stubSession) Close() error { return nil }

func (s *stubSession) Stats() models.SessionStats { return s.stats }

func (s *stubSession) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func ok(req models.RenderRequest) *models.RenderResult {
	return models.NewSuccess(req.URL, models.PageContent{
		HTML:       "<html><head><title>ok</title></head></html>",
		Title:      "ok",
		Meta:       map[string]string{"description": "stub"},
		StatusCode: 200,
	}, testNow)
}

func fail(req models.RenderRequest, kind models.ErrorKind) *models.RenderResult {
	return models.NewFailure(req.URL, "", 0, models.NewRenderError(kind, "stub failure", nil), testNow)
}

func newTestEngine(sess engine.Session) *engine.Engine {
	return engine.New(engine.Config{
		MaxConcurrent: 2,
		Retry:         engine.RetryPolicy{MaxAttempts: 1},
		Clock:         func() time.Time { return testNow },
	}, func(engine.SessionOverrides) engine.Session { return sess })
}

func newJSONRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func doJSON(t *testing.T, h gin.HandlerFunc, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = newJSONRequest(t, method, path, body)
	h(c)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}
