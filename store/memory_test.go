package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/renderd/config"
	"github.com/use-agent/renderd/models"
)

var created = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func newJob(id string, n int) *models.BatchJob {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/%d", i)
	}
	return models.NewBatchJob(id, urls, created)
}

func okResult(url string) *models.RenderResult {
	return models.NewSuccess(url, models.PageContent{
		HTML:  "<html></html>",
		Title: "T",
		Meta:  map[string]string{"description": "X"},
	}, created)
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	job := newJob("j1", 2)
	require.NoError(t, s.Create(ctx, job))
	require.Error(t, s.Create(ctx, job), "duplicate id")

	require.NoError(t, s.SetResult(ctx, "j1", 1, okResult(job.URLs[1])))
	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Completed)
	assert.Nil(t, got.Results[0])
	assert.Equal(t, job.URLs[1], got.Results[1].RequestedURL)

	// overwriting a slot does not double count
	require.NoError(t, s.SetResult(ctx, "j1", 1, okResult(job.URLs[1])))
	require.NoError(t, s.SetResult(ctx, "j1", 0, okResult(job.URLs[0])))
	require.NoError(t, s.Finish(ctx, "j1", models.JobCompleted))

	got, err = s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Completed)
	assert.Equal(t, models.JobCompleted, got.Status)
}

func TestMemoryStoreSnapshotsAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newJob("j", 1)))

	snap, err := s.Get(ctx, "j")
	require.NoError(t, err)
	require.NoError(t, s.SetResult(ctx, "j", 0, okResult("https://example.com/0")))

	assert.Nil(t, snap.Results[0])
	assert.Zero(t, snap.Completed)
}

func TestMemoryStoreErrors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newJob("j", 1)))

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SetResult(ctx, "missing", 0, okResult("x")), ErrNotFound)
	assert.ErrorIs(t, s.Finish(ctx, "missing", models.JobFailed), ErrNotFound)
	assert.ErrorContains(t, s.SetResult(ctx, "j", 5, okResult("x")), "out of range")
}

func TestMemoryStoreConcurrentResults(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := newJob("j", 50)
	require.NoError(t, s.Create(ctx, job))

	var wg sync.WaitGroup
	for i := range job.URLs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.SetResult(ctx, "j", i, okResult(job.URLs[i])))
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, 50, got.Completed)
}

func TestMemoryStoreSweep(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	old := newJob("old", 1)
	fresh := newJob("fresh", 1)
	fresh.CreatedAt = created.Add(2 * time.Hour)
	require.NoError(t, s.Create(ctx, old))
	require.NoError(t, s.Create(ctx, fresh))

	n, err := s.Sweep(ctx, created.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func TestNewSelectsBackend(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, config.StoreConfig{Backend: "memory", TTL: time.Hour})
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, newJob("j", 1)))
	require.NoError(t, s.Close())

	_, err = New(ctx, config.StoreConfig{Backend: "etcd"})
	assert.ErrorContains(t, err, "unknown backend")

	_, err = New(ctx, config.StoreConfig{Backend: "redis"})
	assert.ErrorContains(t, err, "REDIS_URL")

	_, err = New(ctx, config.StoreConfig{Backend: "postgres"})
	assert.ErrorContains(t, err, "DATABASE_URL")
}
