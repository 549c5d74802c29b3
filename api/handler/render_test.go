package handler

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/renderd/cache"
	"github.com/use-agent/renderd/models"
)

func TestRenderSuccess(t *testing.T) {
	sess := newStubSession(ok)
	h := Render(newTestEngine(sess), sess, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/render", models.RenderHTTPRequest{
		URL:           "https://example.com/a",
		RenderOptions: models.RenderOptions{WaitForSelector: "#app"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[models.RenderResult](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, "https://example.com/a", res.URL)
	assert.Equal(t, "ok", res.Title)
	assert.Equal(t, "stub", res.Meta["description"])
	assert.Nil(t, res.Error)
	assert.Empty(t, rec.Header().Get(CacheHeader))
}

func TestRenderMapsFailureKinds(t *testing.T) {
	cases := []struct {
		kind   models.ErrorKind
		status int
	}{
		{models.KindNavigation, http.StatusBadGateway},
		{models.KindSelectorTimeout, http.StatusGatewayTimeout},
		{models.KindBrowserUnavailable, http.StatusServiceUnavailable},
		{models.KindSessionClosed, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			sess := newStubSession(func(req models.RenderRequest) *models.RenderResult { return fail(req, tc.kind) })
			h := Render(newTestEngine(sess), sess, nil)

			rec := doJSON(t, h, http.MethodPost, "/api/v1/render", models.RenderHTTPRequest{URL: "https://example.com/"})

			assert.Equal(t, tc.status, rec.Code)
			res := decode[models.RenderResult](t, rec)
			assert.False(t, res.Success)
			require.NotNil(t, res.Error)
			assert.Equal(t, tc.kind, res.Error.Kind)
			assert.Equal(t, 1, res.Error.Attempts)
			assert.Empty(t, res.HTML)
		})
	}
}

func TestRenderInvalidURLNeverFetches(t *testing.T) {
	sess := newStubSession(ok)
	h := Render(newTestEngine(sess), sess, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/render", models.RenderHTTPRequest{URL: "ftp://example.com/file"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	res := decode[models.RenderResult](t, rec)
	require.NotNil(t, res.Error)
	assert.Equal(t, models.KindInvalidRequest, res.Error.Kind)
	assert.Zero(t, sess.totalCalls())
}

func TestRenderRejectsMalformedBody(t *testing.T) {
	sess := newStubSession(ok)
	h := Render(newTestEngine(sess), sess, nil)

	for name, body := range map[string]string{
		"broken json": `{"url":`,
		"missing url": `{"wait_for_selector":"#x"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/api/v1/render", body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decode[models.ErrorResponse](t, rec)
			require.NotNil(t, resp.Error)
			assert.Equal(t, models.ErrCodeInvalidInput, resp.Error.Code)
		})
	}
	assert.Zero(t, sess.totalCalls())
}

func TestRenderCache(t *testing.T) {
	sess := newStubSession(ok)
	cc := cache.New(10)
	defer cc.Close()
	h := Render(newTestEngine(sess), sess, cc)
	body := models.RenderHTTPRequest{URL: "https://example.com/cached", MaxAge: 60_000}

	first := doJSON(t, h, http.MethodPost, "/api/v1/render", body)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get(CacheHeader))

	second := doJSON(t, h, http.MethodPost, "/api/v1/render", body)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get(CacheHeader))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, sess.totalCalls())

	// Without max_age the cache is bypassed.
	third := doJSON(t, h, http.MethodPost, "/api/v1/render", models.RenderHTTPRequest{URL: body.URL})
	require.Equal(t, http.StatusOK, third.Code)
	assert.Empty(t, third.Header().Get(CacheHeader))
	assert.Equal(t, 2, sess.totalCalls())
}

func TestRenderDoesNotCacheFailures(t *testing.T) {
	sess := newStubSession(func(req models.RenderRequest) *models.RenderResult {
		return fail(req, models.KindSelectorTimeout)
	})
	cc := cache.New(10)
	defer cc.Close()
	h := Render(newTestEngine(sess), sess, cc)
	body := models.RenderHTTPRequest{URL: "https://example.com/slow", MaxAge: 60_000}

	for range 2 {
		rec := doJSON(t, h, http.MethodPost, "/api/v1/render", body)
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
		assert.Equal(t, "MISS", rec.Header().Get(CacheHeader))
	}
	assert.Equal(t, 2, sess.totalCalls())
	assert.Zero(t, cc.Len())
}
