package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/use-agent/renderd/models"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testClock() time.Time { return testNow }

func success(req models.RenderRequest) *models.RenderResult {
	return models.NewSuccess(req.URL, models.PageContent{
		HTML:       "<html><title>ok</title></html>",
		Title:      "ok",
		StatusCode: 200,
	}, testNow)
}

func failure(req models.RenderRequest, kind models.ErrorKind) *models.RenderResult {
	return models.NewFailure(req.URL, "", 0, models.NewRenderError(kind, "stub failure", nil), testNow)
}

func mustRequest(t *testing.T, rawURL string, opts ...models.RequestOption) models.RenderRequest {
	t.Helper()
	req, err := models.NewRenderRequest(rawURL, opts...)
	require.NoError(t, err)
	return req
}

func batchOf(t *testing.T, n int) []models.RenderRequest {
	t.Helper()
	reqs := make([]models.RenderRequest, n)
	for i := range reqs {
		reqs[i] = mustRequest(t, fmt.Sprintf("https://example.com/page/%d", i))
	}
	return reqs
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		Delay:       time.Millisecond,
		Retryable:   models.ErrorKind.Transient,
		Clock:       testClock,
	}
}

// fakeSession records calls and delegates Fetch to fn. Once closed it
// fails every fetch with SessionClosed, and in-flight fetches can watch
// closedCh.
type fakeSession struct {
	fn func(ctx context.Context, s *fakeSession, req models.RenderRequest) *models.RenderResult

	mu    sync.Mutex
	calls map[string]int

	opened   atomic.Bool
	openErr  error
	closes   atomic.Int32
	closedCh chan struct{}
	once     sync.Once
}

func newFakeSession(fn func(ctx context.Context, s *fakeSession, req models.RenderRequest) *models.RenderResult) *fakeSession {
	return &fakeSession{fn: fn, calls: map[string]int{}, closedCh: make(chan struct{})}
}

func (s *fakeSession) Open(context.Context) error {
	if s.openErr != nil {
		return s.openErr
	}
	s.opened.Store(true)
	return nil
}

func (s *fakeSession) Fetch(ctx context.Context, req models.RenderRequest) *models.RenderResult {
	s.mu.Lock()
	s.calls[req.URL]++
	s.mu.Unlock()

	if s.isClosed() {
		return failure(req, models.KindSessionClosed)
	}
	return s.fn(ctx, s, req)
}

func (s *fakeSession) Close() error {
	s.closes.Add(1)
	s.once.Do(func() { close(s.closedCh) })
	return nil
}

func (s *fakeSession) isClosed() bool {
	select {
	case <-s.closedCh:
		return true
	default:
		return false
	}
}

func (s *fakeSession) callsFor(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[url]
}

// peakRecorder is a gate observer that remembers the highest active count.
type peakRecorder struct{ peak atomic.Int64 }

func (p *peakRecorder) observe(n int64) {
	for {
		cur := p.peak.Load()
		if n <= cur || p.peak.CompareAndSwap(cur, n) {
			return
		}
	}
}
