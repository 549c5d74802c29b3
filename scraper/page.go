package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"
	"github.com/ysmood/gson"

	"github.com/use-agent/renderd/logging"
	"github.com/use-agent/renderd/models"
)

// settleTimeout caps the best-effort wait for the DOM to stop changing.
const settleTimeout = 3 * time.Second

// statusJS reads the main document status without CDP network listeners,
// which conflict with the hijack router on recent Chromium builds.
const statusJS = `() => {
	try {
		const entries = performance.getEntriesByType("navigation");
		if (entries.length > 0) return entries[0].responseStatus || 0;
	} catch(e) {}
	return 0;
}`

// Fetcher drives one leased page through setup, navigation, the optional
// selector wait and extraction.
type Fetcher struct {
	opts SessionOptions
	log  zerolog.Logger
}

// NewFetcher returns a Fetcher using opts for defaults.
func NewFetcher(opts SessionOptions) *Fetcher {
	return &Fetcher{opts: opts.withDefaults(), log: logging.NewLogger("scraper")}
}

// Fetch renders req on the leased page. It never panics and never returns
// nil; the caller keeps ownership of the lease and must release it.
//
// Lifecycle:
//
//  1. Page setup      - viewport, user agent, stealth, headers, resource router
//  2. Navigate        - under the navigation timeout, then load + DOM settle
//  3. Selector wait   - optional, under a second timeout of the same length
//  4. Extract         - HTML, title, final URL, status, metadata
//
// Setup must happen before navigation: overrides and injected scripts only
// apply to documents loaded after they are installed.
func (f *Fetcher) Fetch(ctx context.Context, lease *Lease, req models.RenderRequest) (res *models.RenderResult) {
	var (
		finalURL   string
		statusCode int
	)
	fail := func(err *models.RenderError) *models.RenderResult {
		if lease.SessionClosed() && err.Kind != models.KindSessionClosed {
			err = models.NewRenderError(models.KindSessionClosed, "session closed during render", err)
		}
		return models.NewFailure(req.URL, finalURL, statusCode, err, f.opts.Clock())
	}
	defer func() {
		if r := recover(); r != nil {
			f.log.Error().Str("url", req.URL).Interface("panic", r).Msg("recovered panic during render")
			res = fail(models.NewRenderError(models.KindNavigation, fmt.Sprintf("render panicked: %v", r), nil))
		}
	}()

	ctx, cancel := mergeCancel(ctx, lease.Context())
	defer cancel()
	page := lease.Page().Context(ctx)

	// ── 1. Page setup ────────────────────────────────────────────────
	if err := f.setupPage(page, req); err != nil {
		return fail(categorizeError(err, models.KindBrowserUnavailable, "page setup failed"))
	}
	router := setupHijack(page, f.opts.BlockedResourceTypes)
	if router != nil {
		defer func() { _ = router.Stop() }()
	}

	// ── 2. Navigate ──────────────────────────────────────────────────
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = f.opts.Timeout
	}
	navCtx, navCancel := context.WithTimeout(ctx, timeout)
	defer navCancel()
	nav := page.Context(navCtx)

	if err := nav.Navigate(req.URL); err != nil {
		return fail(categorizeError(err, models.KindNavigation, "navigation failed"))
	}
	if err := nav.WaitLoad(); err != nil {
		return fail(categorizeError(err, models.KindNavigation, "page did not finish loading"))
	}
	settleCtx, settleCancel := context.WithTimeout(navCtx, settleTimeout)
	if err := page.Context(settleCtx).WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		f.log.Debug().Str("url", req.URL).Err(err).Msg("DOM did not settle, proceeding with current DOM")
	}
	settleCancel()

	// A page busy with script after load can stall every CDP call, so each
	// read phase runs under its own deadline.
	info, infoCancel := withDeadline(ctx, page, timeout)
	finalURL = evalStringOrEmpty(info, `() => window.location.href`)
	if v, err := info.Eval(statusJS); err == nil {
		statusCode = v.Value.Int()
	}
	infoCancel()

	// ── 3. Selector wait ─────────────────────────────────────────────
	if req.WaitSelector != "" {
		selCtx, selCancel := context.WithTimeout(ctx, timeout)
		_, err := page.Context(selCtx).Element(req.WaitSelector)
		selCancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fail(models.NewRenderError(models.KindSelectorTimeout,
					fmt.Sprintf("selector %q did not appear within %s", req.WaitSelector, timeout), err))
			}
			return fail(categorizeError(err, models.KindNavigation, "selector wait failed"))
		}
	}

	// ── 4. Extract ───────────────────────────────────────────────────
	extract, extractCancel := withDeadline(ctx, page, timeout)
	defer extractCancel()
	html, err := extract.HTML()
	if err != nil {
		return fail(categorizeError(err, models.KindNavigation, "failed to extract page HTML"))
	}
	title := evalStringOrEmpty(extract, `() => document.title`)
	docTitle, meta := ExtractMetadata(html)
	if title == "" {
		title = docTitle
	}
	if finalURL == "" {
		finalURL = req.URL
	}

	return models.NewSuccess(req.URL, models.PageContent{
		FinalURL:   finalURL,
		HTML:       html,
		Title:      title,
		Meta:       meta,
		StatusCode: statusCode,
	}, f.opts.Clock())
}

// setupPage applies viewport, user agent, stealth and headers.
func (f *Fetcher) setupPage(page *rod.Page, req models.RenderRequest) error {
	vp := f.opts.Viewport
	if req.Viewport.Width > 0 {
		vp.Width = req.Viewport.Width
	}
	if req.Viewport.Height > 0 {
		vp.Height = req.Viewport.Height
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return fmt.Errorf("set viewport: %w", err)
	}

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent: f.opts.UserAgent,
	}); err != nil {
		return fmt.Errorf("set user agent: %w", err)
	}

	if f.opts.Stealth {
		if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
			f.log.Warn().Err(err).Msg("stealth injection failed, proceeding without stealth")
		}
	}

	if len(req.Headers) > 0 {
		if err := (proto.NetworkSetExtraHTTPHeaders{
			Headers: toHeadersMap(req.Headers),
		}).Call(page); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
	}
	return nil
}

// withDeadline binds page to a child of ctx that expires after d.
func withDeadline(ctx context.Context, page *rod.Page, d time.Duration) (*rod.Page, context.CancelFunc) {
	c, cancel := context.WithTimeout(ctx, d)
	return page.Context(c), cancel
}

// evalStringOrEmpty evaluates a JS expression and returns the string result,
// swallowing any errors (useful for optional metadata extraction).
func evalStringOrEmpty(page *rod.Page, js string) string {
	res, err := page.Eval(js)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}

// toHeadersMap converts a plain string map to the proto.NetworkHeaders type
// (map[string]gson.JSON) required by NetworkSetExtraHTTPHeaders.
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}

// categorizeError wraps raw errors into typed RenderErrors. Deadlines are
// navigation failures, cancellations mean the session or caller went away.
func categorizeError(err error, fallback models.ErrorKind, msg string) *models.RenderError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewRenderError(models.KindNavigation, msg+": timed out", err)
	case errors.Is(err, context.Canceled):
		return models.NewRenderError(models.KindSessionClosed, "render cancelled", err)
	default:
		return models.NewRenderError(fallback, msg, err)
	}
}
