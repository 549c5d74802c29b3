package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/renderd/api/handler"
	"github.com/use-agent/renderd/api/middleware"
	"github.com/use-agent/renderd/cache"
	"github.com/use-agent/renderd/config"
	"github.com/use-agent/renderd/engine"
	"github.com/use-agent/renderd/models"
	"github.com/use-agent/renderd/store"
)

type echoSession struct{}

func (echoSession) Fetch(_ context.Context, req models.RenderRequest) *models.RenderResult {
	return models.NewSuccess(req.URL, models.PageContent{HTML: "<p>hi</p>", Title: "hi", StatusCode: 200}, time.Now())
}

func (echoSession) Close() error { return nil }

func (echoSession) Stats() models.SessionStats { return models.SessionStats{State: "open"} }

func newTestRouter(t *testing.T, authEnabled bool) (*gin.Engine, *handler.Batches) {
	t.Helper()
	cfg := &config.Config{
		Server:    config.ServerConfig{Mode: gin.TestMode},
		Auth:      config.AuthConfig{Enabled: authEnabled, APIKeys: []string{"secret"}},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 100, Burst: 100},
	}
	var sess engine.Session = echoSession{}
	eng := engine.New(engine.Config{MaxConcurrent: 3}, func(engine.SessionOverrides) engine.Session { return sess })
	cc := cache.New(10)
	rl := middleware.NewRateLimiter(cfg.RateLimit)
	t.Cleanup(func() {
		cc.Close()
		rl.Close()
	})
	batches := handler.NewBatches(context.Background(), eng, sess, store.NewMemoryStore())

	return NewRouter(Deps{
		Config:    cfg,
		Engine:    eng,
		Session:   sess,
		Batches:   batches,
		Cache:     cc,
		Limiter:   rl,
		StartTime: time.Now(),
	}), batches
}

func serve(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRouterPublicEndpoints(t *testing.T) {
	r, _ := newTestRouter(t, true)

	rec := serve(r, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health models.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 3, health.Concurrency)

	rec = serve(r, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRouterRequiresAPIKey(t *testing.T) {
	r, _ := newTestRouter(t, true)
	body := `{"url":"https://example.com/"}`

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodPost, "/api/v1/render", body, nil).Code)

	rec := serve(r, http.MethodPost, "/api/v1/render", body, map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}

func TestRouterBatchRoundTrip(t *testing.T) {
	r, batches := newTestRouter(t, false)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(models.BatchRenderRequest{
		URLs: []string{"https://example.com/1", "https://example.com/2"},
	}))
	rec := serve(r, http.MethodPost, "/api/v1/batch/render", buf.String(), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted models.BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))

	batches.Wait()

	rec = serve(r, http.MethodGet, "/api/v1/batch/"+accepted.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status models.BatchStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, models.JobCompleted, status.Status)
	assert.Equal(t, 2, status.Completed)
}
