package engine

import (
	"context"

	"github.com/use-agent/renderd/models"
)

// Fetcher renders a single request. Implementations report every failure in
// the returned result and never return nil.
type Fetcher interface {
	Fetch(ctx context.Context, req models.RenderRequest) *models.RenderResult
}

// FetchFunc adapts a function to the Fetcher interface.
type FetchFunc func(ctx context.Context, req models.RenderRequest) *models.RenderResult

// Fetch calls f.
func (f FetchFunc) Fetch(ctx context.Context, req models.RenderRequest) *models.RenderResult {
	return f(ctx, req)
}

// Session is a browser session the engine renders on. Close must be
// idempotent, and Fetch on a closed session must fail with SessionClosed.
type Session interface {
	Fetcher
	Close() error
}

// Opener is implemented by sessions that can start their browser eagerly.
type Opener interface {
	Open(ctx context.Context) error
}

// SessionOverrides are per-session settings taken from a one-shot request.
type SessionOverrides struct {
	// Headless overrides the configured headless flag when non-nil.
	Headless *bool
}

// SessionFactory creates an unopened session. It is injected by the caller
// so the engine does not depend on a concrete browser driver.
type SessionFactory func(o SessionOverrides) Session
