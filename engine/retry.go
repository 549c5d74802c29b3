package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/use-agent/renderd/logging"
	"github.com/use-agent/renderd/models"
)

// RetryPolicy decides how often a request is attempted. Each attempt calls
// the fetch function anew and therefore runs on a fresh page context.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Delay is the fixed pause between attempts.
	Delay time.Duration

	// Retryable reports whether a failure kind earns another attempt.
	Retryable func(models.ErrorKind) bool

	// Clock stamps failures synthesised by the policy. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultRetryPolicy retries transient failures three times in total, two
// seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Delay:       2 * time.Second,
		Retryable:   models.ErrorKind.Transient,
		Clock:       time.Now,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	if p.Retryable == nil {
		p.Retryable = models.ErrorKind.Transient
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	return p
}

// Do runs fetch for req until it succeeds, fails with a non-retryable kind
// or runs out of attempts. Failed results carry the number of attempts made.
// Cancelling ctx while waiting between attempts ends the loop with a
// SessionClosed failure.
func (p RetryPolicy) Do(ctx context.Context, req models.RenderRequest, fetch FetchFunc) *models.RenderResult {
	p = p.normalized()
	log := logging.NewLogger("engine")

	var (
		attempts atomic.Int32
		last     atomic.Pointer[models.RenderResult]
	)

	builder := retrypolicy.NewBuilder[*models.RenderResult]().
		HandleIf(func(res *models.RenderResult, err error) bool {
			return err == nil && res != nil && !res.Success && p.Retryable(res.Kind())
		}).
		WithMaxAttempts(p.MaxAttempts).
		ReturnLastFailure()
	if p.Delay > 0 {
		builder = builder.WithDelay(p.Delay)
	}

	res, err := failsafe.With[*models.RenderResult](builder.Build()).
		WithContext(ctx).
		Get(func() (*models.RenderResult, error) {
			n := attempts.Add(1)
			if prev := last.Load(); prev != nil {
				retriesTotal.WithLabelValues(string(prev.Kind())).Inc()
				log.Warn().
					Str("url", req.URL).
					Int32("attempt", n).
					Str("kind", string(prev.Kind())).
					Str("reason", prev.Error.Message).
					Msg("retrying render")
			}

			start := time.Now()
			r := fetch(ctx, req)
			if r == nil {
				r = models.NewFailure(req.URL, "", 0,
					models.NewRenderError(models.KindNavigation, "fetch returned no result", nil), p.Clock())
			}
			fetchDuration.Observe(time.Since(start).Seconds())
			fetchTotal.WithLabelValues(outcomeLabel(string(r.Kind()))).Inc()

			last.Store(r)
			return r, nil
		})

	n := int(attempts.Load())
	prev := last.Load()
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil):
		finalURL, status := "", 0
		if prev != nil {
			finalURL, status = prev.URL, prev.StatusCode
		}
		res = models.NewFailure(req.URL, finalURL, status,
			models.NewRenderError(models.KindSessionClosed, "render cancelled between attempts", err), p.Clock())
	case res == nil && prev != nil:
		res = prev
	case res == nil:
		res = models.NewFailure(req.URL, "", 0, models.AsRenderError(err, "render failed"), p.Clock())
	}

	if res.Success {
		return res
	}
	res = res.WithAttempts(n)
	if n >= p.MaxAttempts && p.Retryable(res.Kind()) && n > 1 {
		retryExhaustedTotal.WithLabelValues(string(res.Kind())).Inc()
		log.Error().
			Str("url", req.URL).
			Int("attempts", n).
			Str("kind", string(res.Kind())).
			Msg("render failed after all attempts")
	}
	return res
}
