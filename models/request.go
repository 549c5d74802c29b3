package models

import (
	"fmt"
	"maps"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
)

// Viewport is the browser window size used for a render.
type Viewport struct {
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

// RenderRequest describes one page to render. Build it with NewRenderRequest;
// the value is never mutated afterwards.
type RenderRequest struct {
	// URL is the absolute http(s) page address.
	URL string

	// WaitSelector is an optional CSS selector that must appear before extraction.
	WaitSelector string

	// Timeout overrides the engine's navigation timeout. Zero keeps the default.
	Timeout time.Duration

	// Viewport overrides the engine's viewport. Zero dimensions keep the default.
	Viewport Viewport

	// Headless overrides the engine's headless flag for one-shot renders that
	// launch their own browser. Nil keeps the default.
	Headless *bool

	// Headers are extra HTTP headers sent with every request of the page.
	Headers map[string]string
}

// RequestOption customises a RenderRequest at construction time.
type RequestOption func(*RenderRequest)

// WithWaitSelector makes the fetcher wait for selector before extracting.
func WithWaitSelector(selector string) RequestOption {
	return func(r *RenderRequest) { r.WaitSelector = strings.TrimSpace(selector) }
}

// WithTimeout overrides the navigation timeout.
func WithTimeout(d time.Duration) RequestOption {
	return func(r *RenderRequest) { r.Timeout = d }
}

// WithViewport overrides the viewport size.
func WithViewport(width, height int) RequestOption {
	return func(r *RenderRequest) { r.Viewport = Viewport{Width: width, Height: height} }
}

// WithHeadless overrides the headless flag for one-shot renders.
func WithHeadless(headless bool) RequestOption {
	return func(r *RenderRequest) { r.Headless = &headless }
}

// WithHeaders adds extra HTTP headers. The map is copied.
func WithHeaders(headers map[string]string) RequestOption {
	return func(r *RenderRequest) {
		if len(headers) == 0 {
			return
		}
		r.Headers = maps.Clone(headers)
	}
}

// NewRenderRequest validates rawURL and the options and returns an immutable
// request. Validation failures are *RenderError values of KindInvalidRequest.
func NewRenderRequest(rawURL string, opts ...RequestOption) (RenderRequest, error) {
	req := RenderRequest{URL: strings.TrimSpace(rawURL)}
	for _, opt := range opts {
		opt(&req)
	}
	if err := req.Validate(); err != nil {
		return RenderRequest{}, err
	}
	return req, nil
}

// Validate checks the request invariants.
func (r RenderRequest) Validate() error {
	if r.URL == "" {
		return NewRenderError(KindInvalidRequest, "url is required", nil)
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return NewRenderError(KindInvalidRequest, "url does not parse", err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return NewRenderError(KindInvalidRequest,
			fmt.Sprintf("url must be an absolute http(s) URL, got %q", r.URL), nil)
	}
	if u.Host == "" {
		return NewRenderError(KindInvalidRequest, "url has no host", nil)
	}
	if r.Timeout < 0 {
		return NewRenderError(KindInvalidRequest, "timeout must not be negative", nil)
	}
	if r.Viewport.Width < 0 || r.Viewport.Height < 0 {
		return NewRenderError(KindInvalidRequest, "viewport dimensions must not be negative", nil)
	}
	if r.WaitSelector != "" {
		if _, err := cascadia.Compile(r.WaitSelector); err != nil {
			return NewRenderError(KindInvalidRequest,
				fmt.Sprintf("wait selector %q is not valid CSS", r.WaitSelector), err)
		}
	}
	return nil
}
