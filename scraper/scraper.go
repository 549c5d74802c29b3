package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"

	"github.com/use-agent/renderd/config"
	"github.com/use-agent/renderd/logging"
	"github.com/use-agent/renderd/models"
)

// State is the lifecycle position of a Session. It only moves forward.
type State int32

const (
	StateUnopened State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// releaseTimeout bounds the CDP calls made while tearing down a lease.
const releaseTimeout = 5 * time.Second

// SessionOptions configure the browser process and the pages it hands out.
type SessionOptions struct {
	Headless   bool
	BrowserBin string
	NoSandbox  bool
	UserAgent  string
	Viewport   models.Viewport

	// Timeout is the default navigation timeout, also used for the selector wait.
	Timeout time.Duration

	// BlockedResourceTypes are aborted by the page router, e.g. "Image".
	BlockedResourceTypes []string

	Stealth bool

	// Clock stamps results. Defaults to time.Now.
	Clock func() time.Time
}

// OptionsFromConfig builds SessionOptions from the application config.
func OptionsFromConfig(cfg *config.Config) SessionOptions {
	return SessionOptions{
		Headless:   cfg.Browser.Headless,
		BrowserBin: cfg.Browser.BrowserBin,
		NoSandbox:  cfg.Browser.NoSandbox,
		UserAgent:  cfg.Browser.UserAgent,
		Viewport: models.Viewport{
			Width:  cfg.Browser.ViewportWidth,
			Height: cfg.Browser.ViewportHeight,
		},
		Timeout:              cfg.Render.Timeout,
		BlockedResourceTypes: cfg.Browser.BlockedResourceTypes,
		Stealth:              cfg.Browser.Stealth,
	}
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Viewport.Width <= 0 {
		o.Viewport.Width = 1920
	}
	if o.Viewport.Height <= 0 {
		o.Viewport.Height = 1080
	}
	if o.UserAgent == "" {
		o.UserAgent = config.DefaultUserAgent
	}
	return o
}

// Session owns one Chromium process and hands out isolated page contexts.
// It is safe for concurrent use.
type Session struct {
	opts    SessionOptions
	fetcher *Fetcher
	log     zerolog.Logger

	// ctx is cancelled by Close; every lease derives from it.
	ctx    context.Context
	cancel context.CancelFunc

	// openMu serialises launches; mu guards the fields below and is never
	// held while a browser starts.
	openMu   sync.Mutex
	mu       sync.Mutex
	state    State
	browser  *rod.Browser
	launcher *launcher.Launcher
	pid      int

	active atomic.Int64
	total  atomic.Int64
}

// NewSession creates an unopened session. No browser is started until Open
// or the first Fetch.
func NewSession(opts SessionOptions) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		opts:    opts,
		fetcher: NewFetcher(opts),
		log:     logging.NewLogger("scraper"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open launches the browser. It is a no-op on an open session and fails with
// SessionClosed once the session was closed. A failed launch leaves the
// session unopened so a later call can try again.
//
// The launch is bounded by ctx and aborted by Close; it does not hold the
// state lock, so Close never waits for a launch to finish.
func (s *Session) Open(ctx context.Context) error {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	switch state {
	case StateOpen:
		return nil
	case StateClosed:
		return models.NewRenderError(models.KindSessionClosed, "session is closed", nil)
	}
	if err := ctx.Err(); err != nil {
		return models.NewRenderError(models.KindSessionClosed, "open cancelled", err)
	}

	launchCtx, cancel := mergeCancel(ctx, s.ctx)
	defer cancel()

	l := launcher.New().
		Context(launchCtx).
		Headless(s.opts.Headless).
		NoSandbox(s.opts.NoSandbox)
	if s.opts.BrowserBin != "" {
		l = l.Bin(s.opts.BrowserBin)
	}
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		l.Kill()
		return s.launchError(ctx, "failed to launch browser", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return s.launchError(ctx, "failed to connect to browser", err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = browser.Close()
		l.Kill()
		l.Cleanup()
		return models.NewRenderError(models.KindSessionClosed, "session closed during launch", nil)
	}
	s.browser = browser
	s.launcher = l
	s.pid = l.PID()
	s.state = StateOpen
	s.mu.Unlock()

	s.log.Info().Int("pid", l.PID()).Bool("headless", s.opts.Headless).Msg("browser launched")
	return nil
}

// launchError classifies a failed launch. Close and caller cancellation are
// SessionClosed; anything else, a timeout included, is BrowserUnavailable.
func (s *Session) launchError(ctx context.Context, msg string, err error) error {
	switch {
	case s.ctx.Err() != nil:
		return models.NewRenderError(models.KindSessionClosed, "session closed during launch", err)
	case errors.Is(ctx.Err(), context.Canceled):
		return models.NewRenderError(models.KindSessionClosed, "open cancelled", err)
	case ctx.Err() != nil:
		return models.NewRenderError(models.KindBrowserUnavailable, msg+": timed out", err)
	}
	return models.NewRenderError(models.KindBrowserUnavailable, msg, err)
}

// Acquire creates a fresh incognito browser context with one page in it.
// The lease must be released on every path.
func (s *Session) Acquire(ctx context.Context) (*Lease, error) {
	s.mu.Lock()
	state, browser := s.state, s.browser
	if state == StateOpen {
		s.active.Add(1)
		s.total.Add(1)
	}
	s.mu.Unlock()

	switch state {
	case StateClosed:
		return nil, models.NewRenderError(models.KindSessionClosed, "session is closed", nil)
	case StateUnopened:
		return nil, models.NewRenderError(models.KindBrowserUnavailable, "browser is not running", nil)
	}

	leaseCtx, leaseCancel := context.WithCancel(s.ctx)
	opCtx, opCancel := mergeCancel(ctx, leaseCtx)
	defer opCancel()

	fail := func(msg string, err error) (*Lease, error) {
		leaseCancel()
		s.active.Add(-1)
		if s.ctx.Err() != nil || ctx.Err() == context.Canceled {
			return nil, models.NewRenderError(models.KindSessionClosed, "session closed during acquire", err)
		}
		return nil, models.NewRenderError(models.KindBrowserUnavailable, msg, err)
	}

	incognito, err := browser.Context(opCtx).Incognito()
	if err != nil {
		return fail("failed to create browser context", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		_ = incognito.Context(cleanupCtx).Close()
		cancel()
		return fail("failed to open page", err)
	}

	return &Lease{
		session:   s,
		ctx:       leaseCtx,
		cancel:    leaseCancel,
		incognito: incognito.Context(leaseCtx),
		page:      page.Context(leaseCtx),
	}, nil
}

// Fetch renders one request on this session: it opens the browser if needed,
// leases an isolated page, runs the fetcher and releases the page again.
// Every failure is reported in the returned result.
func (s *Session) Fetch(ctx context.Context, req models.RenderRequest) *models.RenderResult {
	if err := req.Validate(); err != nil {
		return models.NewFailure(req.URL, "", 0, models.AsRenderError(err, "invalid request"), s.opts.Clock())
	}
	if err := s.Open(ctx); err != nil {
		return models.NewFailure(req.URL, "", 0, models.AsRenderError(err, "failed to open session"), s.opts.Clock())
	}
	lease, err := s.Acquire(ctx)
	if err != nil {
		return models.NewFailure(req.URL, "", 0, models.AsRenderError(err, "failed to acquire page"), s.opts.Clock())
	}
	defer lease.Release()

	return s.fetcher.Fetch(ctx, lease, req)
}

// Stats returns a snapshot of the session's state.
func (s *Session) Stats() models.SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionStats{
		State:        s.state.String(),
		ActiveLeases: s.active.Load(),
		TotalLeases:  s.total.Load(),
		BrowserPID:   s.pid,
	}
}

// Close ends the session. In-flight leases observe SessionClosed, then the
// browser is closed and its process reaped. Calling Close again is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	wasOpen := s.state == StateOpen
	s.state = StateClosed
	browser, l := s.browser, s.launcher
	s.browser, s.launcher = nil, nil
	s.mu.Unlock()

	s.cancel()
	if !wasOpen {
		return nil
	}

	s.log.Info().Int64("active_leases", s.active.Load()).Msg("closing browser")
	var err error
	if cerr := browser.Close(); cerr != nil {
		err = fmt.Errorf("close browser: %w", cerr)
	}
	l.Kill()
	l.Cleanup()
	s.log.Info().Msg("browser shutdown complete")
	return err
}

// Lease is one isolated page context: a private incognito browser context
// holding a single page. Cookies and storage are never shared between leases.
type Lease struct {
	session   *Session
	ctx       context.Context
	cancel    context.CancelFunc
	incognito *rod.Browser
	page      *rod.Page
	once      sync.Once
}

// Page returns the leased page, bound to the lease context.
func (l *Lease) Page() *rod.Page { return l.page }

// Context is cancelled when the lease is released or the session closes.
func (l *Lease) Context() context.Context { return l.ctx }

// SessionClosed reports whether the owning session has been closed.
func (l *Lease) SessionClosed() bool { return l.session.ctx.Err() != nil }

// Release closes the page and disposes of its browser context. It is
// idempotent and safe after the session was closed.
func (l *Lease) Release() {
	l.once.Do(func() {
		defer l.session.active.Add(-1)
		defer l.cancel()

		if l.SessionClosed() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := l.page.Context(ctx).Close(); err != nil {
			l.session.log.Debug().Err(err).Msg("release: page close failed")
		}
		if err := l.incognito.Context(ctx).Close(); err != nil {
			l.session.log.Debug().Err(err).Msg("release: browser context close failed")
		}
	})
}

// mergeCancel returns a child of parent that is also cancelled when other is.
func mergeCancel(parent, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
