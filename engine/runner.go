package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/use-agent/renderd/logging"
	"github.com/use-agent/renderd/models"
)

// Runner renders a batch of requests on one fetcher under an admission gate.
type Runner struct {
	fetch       FetchFunc
	retry       RetryPolicy
	concurrency int
	clock       func() time.Time
	observe     func(active int64)

	// shared, when set, is admitted after the batch gate. It bounds units
	// across every batch and single render that share it.
	shared *Gate
}

// NewRunner returns a runner for fetch. cfg supplies the retry policy, the
// default concurrency and the clock.
func NewRunner(fetch FetchFunc, cfg Config) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		fetch:       fetch,
		retry:       cfg.Retry,
		concurrency: cfg.MaxConcurrent,
		clock:       cfg.Clock,
		observe:     cfg.Observer,
	}
}

// WithGate makes every unit also hold a slot of shared while it runs. The
// batch gate stays in front, so Concurrency still limits this batch alone.
func (r *Runner) WithGate(shared *Gate) *Runner {
	r.shared = shared
	if shared != nil {
		r.observe = nil
	}
	return r
}

// Run renders every request in spec and returns one result per request, in
// input order. Requests are admitted in input order; each admitted unit holds
// its slot until its last attempt finishes, retry delays included.
// spec.Concurrency can lower the configured ceiling but never raise it.
//
// If ctx ends before a request is admitted, that request and all later ones
// resolve immediately with a SessionClosed failure. Run returns only after
// every admitted unit has finished.
func (r *Runner) Run(ctx context.Context, spec models.BatchSpec) []*models.RenderResult {
	results := make([]*models.RenderResult, len(spec.Requests))
	if len(results) == 0 {
		return results
	}

	ceiling := r.concurrency
	if spec.Concurrency > 0 && spec.Concurrency < ceiling {
		ceiling = spec.Concurrency
	}
	gate := NewGate(ceiling, r.observe)

	log := logging.NewLogger("engine")
	log.Debug().Int("requests", len(results)).Int("concurrency", gate.Size()).Msg("batch started")
	start := time.Now()

	var wg sync.WaitGroup
	for i, req := range spec.Requests {
		if err := r.admit(ctx, gate); err != nil {
			for j := i; j < len(results); j++ {
				results[j] = models.NewFailure(spec.Requests[j].URL, "", 0,
					models.NewRenderError(models.KindSessionClosed, "batch cancelled before the request was admitted", err),
					r.clock())
				r.notify(spec, j, results[j])
			}
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.release(gate)
			results[i] = r.runUnit(ctx, req)
			r.notify(spec, i, results[i])
		}()
	}
	wg.Wait()

	log.Debug().
		Int("requests", len(results)).
		Int64("peak", gate.Peak()).
		Dur("duration", time.Since(start)).
		Msg("batch finished")
	return results
}

// admit takes a batch slot, then a shared slot when one is configured.
func (r *Runner) admit(ctx context.Context, gate *Gate) error {
	if err := gate.Acquire(ctx); err != nil {
		return err
	}
	if r.shared == nil {
		return nil
	}
	if err := r.shared.Acquire(ctx); err != nil {
		gate.Release()
		return err
	}
	return nil
}

func (r *Runner) release(gate *Gate) {
	if r.shared != nil {
		r.shared.Release()
	}
	gate.Release()
}

// runUnit renders one request. A panic is contained to its own result.
func (r *Runner) runUnit(ctx context.Context, req models.RenderRequest) (res *models.RenderResult) {
	defer func() {
		if p := recover(); p != nil {
			log := logging.NewLogger("engine")
			log.Error().Str("url", req.URL).Interface("panic", p).Msg("render unit panicked")
			res = models.NewFailure(req.URL, "", 0,
				models.NewRenderError(models.KindNavigation, fmt.Sprintf("render unit panicked: %v", p), nil),
				r.clock())
		}
	}()

	if err := req.Validate(); err != nil {
		return models.NewFailure(req.URL, "", 0, models.AsRenderError(err, "invalid request"), r.clock())
	}
	return r.retry.Do(ctx, req, r.fetch)
}

// notify hands res to spec.OnResult. A panicking callback is logged and
// does not affect the other units.
func (r *Runner) notify(spec models.BatchSpec, i int, res *models.RenderResult) {
	if spec.OnResult == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			log := logging.NewLogger("engine")
			log.Error().Int("index", i).Str("url", res.RequestedURL).Interface("panic", p).Msg("result callback panicked")
		}
	}()
	spec.OnResult(i, res)
}
