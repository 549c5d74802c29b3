// Package store keeps batch render jobs and their per-URL results.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/use-agent/renderd/config"
	"github.com/use-agent/renderd/logging"
	"github.com/use-agent/renderd/models"
)

// ErrNotFound is returned for unknown or expired job IDs.
var ErrNotFound = errors.New("store: job not found")

// Store persists batch jobs. Implementations are safe for concurrent use;
// SetResult is called from many render units at once.
type Store interface {
	// Create stores a new job. Results must have one nil slot per URL.
	Create(ctx context.Context, job *models.BatchJob) error

	// SetResult records the result for the URL at index.
	SetResult(ctx context.Context, id string, index int, res *models.RenderResult) error

	// Finish sets the terminal status of a job.
	Finish(ctx context.Context, id, status string) error

	// Get returns a snapshot of the job that the caller may keep.
	Get(ctx context.Context, id string) (*models.BatchJob, error)

	Close() error
}

// sweeper is implemented by stores that expire jobs themselves.
type sweeper interface {
	Sweep(ctx context.Context, cutoff time.Time) (int64, error)
}

// New opens the backend named by cfg.Backend.
func New(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case "", "memory":
		s = NewMemoryStore()
	case "redis":
		s, err = OpenRedis(ctx, cfg.RedisURL, cfg.TTL)
	case "postgres":
		s, err = OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if sw, ok := s.(sweeper); ok && cfg.TTL > 0 {
		s = startSweeper(s, sw, cfg.TTL)
	}
	return s, nil
}

// sweeping wraps a store with a background expiry loop stopped by Close.
type sweeping struct {
	Store
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func startSweeper(s Store, sw sweeper, ttl time.Duration) Store {
	w := &sweeping{Store: s, stop: make(chan struct{}), done: make(chan struct{})}
	interval := min(ttl/4, time.Hour)
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		defer close(w.done)
		log := logging.NewLogger("store")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := sw.Sweep(ctx, time.Now().Add(-ttl))
				cancel()
				if err != nil {
					log.Warn().Err(err).Msg("job sweep failed")
				} else if n > 0 {
					log.Debug().Int64("removed", n).Msg("expired jobs removed")
				}
			}
		}
	}()
	return w
}

// Close stops the sweep and closes the store. Later calls only close the
// underlying store again.
func (w *sweeping) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
	return w.Store.Close()
}

// cloneJob copies the job and its result slice so callers can read it while
// render units keep writing.
func cloneJob(j *models.BatchJob) *models.BatchJob {
	cp := *j
	cp.URLs = append([]string(nil), j.URLs...)
	cp.Results = append([]*models.RenderResult(nil), j.Results...)
	return &cp
}

func checkIndex(job *models.BatchJob, index int) error {
	if index < 0 || index >= len(job.Results) {
		return fmt.Errorf("store: result index %d out of range for job %s with %d urls", index, job.ID, len(job.Results))
	}
	return nil
}
