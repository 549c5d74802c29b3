package engine

import (
	"context"
	"time"

	"github.com/use-agent/renderd/config"
	"github.com/use-agent/renderd/logging"
	"github.com/use-agent/renderd/models"
)

// Config holds the engine's resolved defaults.
type Config struct {
	// MaxConcurrent bounds the render units active at once across every
	// call on the engine. A batch may ask for less, never more.
	MaxConcurrent int

	Retry RetryPolicy

	// Clock stamps results created by the engine. Defaults to time.Now.
	Clock func() time.Time

	// Observer, if set, sees the active unit count of the engine gate, or of
	// the batch gate for a standalone Runner.
	Observer func(active int64)
}

// ConfigFrom resolves engine defaults from the application config.
func ConfigFrom(cfg *config.Config) Config {
	retry := DefaultRetryPolicy()
	retry.MaxAttempts = cfg.Render.MaxRetries
	retry.Delay = cfg.Render.RetryDelay
	return Config{
		MaxConcurrent: cfg.Render.MaxConcurrent,
		Retry:         retry,
		Clock:         time.Now,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 5
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Retry.Clock == nil {
		c.Retry.Clock = c.Clock
	}
	c.Retry = c.Retry.normalized()
	return c
}

// Engine is the public entry point for rendering. One-shot calls own a
// private session for their duration; session calls reuse one the caller
// opened with OpenSession.
//
// Every call admits its units through one gate of MaxConcurrent slots, so
// concurrent renders and batches never hold more page contexts than that.
type Engine struct {
	cfg     Config
	factory SessionFactory
	gate    *Gate
}

// New returns an engine that creates sessions with factory.
func New(cfg Config, factory SessionFactory) *Engine {
	cfg = cfg.withDefaults()
	observe := cfg.Observer
	gate := NewGate(cfg.MaxConcurrent, func(n int64) {
		activeUnits.Set(float64(n))
		if observe != nil {
			observe(n)
		}
	})
	return &Engine{cfg: cfg, factory: factory, gate: gate}
}

// Active is the number of render units currently admitted.
func (e *Engine) Active() int64 { return e.gate.Active() }

// Config returns the resolved defaults.
func (e *Engine) Config() Config { return e.cfg }

// RenderOnce renders req on a private session that is closed before
// returning. req.Headless overrides the configured headless flag.
func (e *Engine) RenderOnce(ctx context.Context, req models.RenderRequest) *models.RenderResult {
	if err := req.Validate(); err != nil {
		return e.invalid(req, err)
	}
	sess := e.factory(SessionOverrides{Headless: req.Headless})
	defer e.closeSession(sess)
	return e.Render(ctx, sess, req)
}

// RenderBatchOnce renders spec on one private session shared by all its
// requests and closes it before returning.
func (e *Engine) RenderBatchOnce(ctx context.Context, spec models.BatchSpec) []*models.RenderResult {
	sess := e.factory(SessionOverrides{})
	defer e.closeSession(sess)
	return e.RenderBatch(ctx, sess, spec)
}

// OpenSession returns a started session for reuse across calls. The caller
// must Close it.
func (e *Engine) OpenSession(ctx context.Context) (Session, error) {
	sess := e.factory(SessionOverrides{})
	if o, ok := sess.(Opener); ok {
		if err := o.Open(ctx); err != nil {
			e.closeSession(sess)
			return nil, err
		}
	}
	return sess, nil
}

// Render renders req on sess with the configured retry policy. It waits for
// a slot of the engine gate; if ctx ends first the result is SessionClosed.
func (e *Engine) Render(ctx context.Context, sess Session, req models.RenderRequest) *models.RenderResult {
	if err := req.Validate(); err != nil {
		return e.invalid(req, err)
	}
	if err := e.gate.Acquire(ctx); err != nil {
		return models.NewFailure(req.URL, "", 0,
			models.NewRenderError(models.KindSessionClosed, "cancelled before the request was admitted", err),
			e.cfg.Clock())
	}
	defer e.gate.Release()
	return e.cfg.Retry.Do(ctx, req, sess.Fetch)
}

// RenderBatch renders spec on sess. Results are in input order.
func (e *Engine) RenderBatch(ctx context.Context, sess Session, spec models.BatchSpec) []*models.RenderResult {
	return NewRunner(sess.Fetch, e.cfg).WithGate(e.gate).Run(ctx, spec)
}

func (e *Engine) invalid(req models.RenderRequest, err error) *models.RenderResult {
	return models.NewFailure(req.URL, "", 0, models.AsRenderError(err, "invalid request"), e.cfg.Clock())
}

func (e *Engine) closeSession(sess Session) {
	if err := sess.Close(); err != nil {
		l := logging.NewLogger("engine")
		l.Warn().Err(err).Msg("session close failed")
	}
}
