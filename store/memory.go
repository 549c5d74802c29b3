package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/use-agent/renderd/models"
)

// MemoryStore keeps jobs in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.BatchJob
	now  func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.BatchJob), now: time.Now}
}

func (m *MemoryStore) Create(_ context.Context, job *models.BatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("store: job %s already exists", job.ID)
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemoryStore) SetResult(_ context.Context, id string, index int, res *models.RenderResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if err := checkIndex(job, index); err != nil {
		return err
	}
	if job.Results[index] == nil {
		job.Completed++
	}
	job.Results[index] = res
	job.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) Finish(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.Status = status
	job.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.BatchJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

// Sweep removes jobs created before cutoff.
func (m *MemoryStore) Sweep(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, job := range m.jobs {
		if job.CreatedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }
