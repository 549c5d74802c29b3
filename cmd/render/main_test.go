package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/renderd/config"
	"github.com/use-agent/renderd/engine"
	"github.com/use-agent/renderd/models"
)

var at = time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)

type stubSession struct {
	mu       sync.Mutex
	seen     []models.RenderRequest
	closed   int
	headless *bool
}

func (s *stubSession) Fetch(_ context.Context, req models.RenderRequest) *models.RenderResult {
	s.mu.Lock()
	s.seen = append(s.seen, req)
	s.mu.Unlock()
	if strings.Contains(req.URL, "broken") {
		return models.NewFailure(req.URL, "", 0, models.NewRenderError(models.KindSelectorTimeout, "stub", nil), at)
	}
	return models.NewSuccess(req.URL, models.PageContent{
		FinalURL: req.URL + "#final", HTML: "<p>x</p>", Title: "x", StatusCode: 200,
	}, at)
}

func (s *stubSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func testConfig() *config.Config {
	return &config.Config{Render: config.RenderConfig{MaxConcurrent: 2, MaxRetries: 1}}
}

func execute(t *testing.T, sess *stubSession, args ...string) ([]map[string]any, error) {
	t.Helper()
	factory := func(o engine.SessionOverrides) engine.Session {
		sess.headless = o.Headless
		return sess
	}
	cmd := newRootCmd(testConfig(), factory)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()

	var lines []map[string]any
	sc := bufio.NewScanner(&out)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	return lines, err
}

func TestRenderSingleURL(t *testing.T) {
	sess := &stubSession{}

	lines, err := execute(t, sess, "--selector", "#app", "--headed", "https://example.com/")

	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "https://example.com/", lines[0]["requested_url"])
	assert.Equal(t, "https://example.com/#final", lines[0]["url"])
	assert.Equal(t, true, lines[0]["success"])
	require.Len(t, sess.seen, 1)
	assert.Equal(t, "#app", sess.seen[0].WaitSelector)
	require.NotNil(t, sess.headless)
	assert.False(t, *sess.headless)
	assert.Equal(t, 1, sess.closed)
}

func TestRenderBatchKeepsArgumentOrder(t *testing.T) {
	sess := &stubSession{}
	urls := []string{"https://example.com/1", "https://example.com/broken", "not a url", "https://example.com/3"}

	lines, err := execute(t, sess, append([]string{"-c", "2"}, urls...)...)

	require.ErrorIs(t, err, errFailedResults)
	require.Len(t, lines, len(urls))
	for i, u := range urls {
		assert.Equal(t, u, lines[i]["requested_url"])
	}
	assert.Equal(t, true, lines[0]["success"])
	assert.Equal(t, string(models.KindSelectorTimeout), lines[1]["error"].(map[string]any)["kind"])
	assert.Equal(t, string(models.KindInvalidRequest), lines[2]["error"].(map[string]any)["kind"])
	assert.Equal(t, true, lines[3]["success"])
	assert.Len(t, sess.seen, 3)
	assert.Equal(t, 1, sess.closed)
}

func TestRenderRequiresURL(t *testing.T) {
	_, err := execute(t, &stubSession{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, errFailedResults)
}
