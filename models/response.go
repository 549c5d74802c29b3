package models

import "time"

// RenderOptions are the per-request knobs accepted by the REST surface.
type RenderOptions struct {
	// WaitForSelector is a CSS selector that must appear before extraction.
	WaitForSelector string `json:"wait_for_selector,omitempty"`

	// TimeoutMs overrides the navigation timeout in milliseconds.
	TimeoutMs int `json:"timeout_ms,omitempty" binding:"omitempty,min=1,max=120000"`

	Viewport *Viewport         `json:"viewport,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// RequestOptions turns the API options into constructor options.
func (o RenderOptions) RequestOptions() []RequestOption {
	var opts []RequestOption
	if o.WaitForSelector != "" {
		opts = append(opts, WithWaitSelector(o.WaitForSelector))
	}
	if o.TimeoutMs > 0 {
		opts = append(opts, WithTimeout(time.Duration(o.TimeoutMs)*time.Millisecond))
	}
	if o.Viewport != nil {
		opts = append(opts, WithViewport(o.Viewport.Width, o.Viewport.Height))
	}
	if len(o.Headers) > 0 {
		opts = append(opts, WithHeaders(o.Headers))
	}
	return opts
}

// RenderHTTPRequest is the payload for POST /api/v1/render.
type RenderHTTPRequest struct {
	URL string `json:"url" binding:"required"`
	RenderOptions

	// MaxAge enables the response cache: a cached result younger than
	// MaxAge milliseconds is returned without rendering. Zero disables it.
	MaxAge int64 `json:"max_age,omitempty" binding:"omitempty,min=0"`
}

// ErrorResponse is the envelope for requests rejected before rendering.
type ErrorResponse struct {
	Success bool         `json:"success"`
	Error   *ErrorDetail `json:"error"`
}

// SessionStats is a snapshot of a render session.
type SessionStats struct {
	State        string `json:"state"`
	ActiveLeases int64  `json:"active_leases"`
	TotalLeases  int64  `json:"total_leases"`
	BrowserPID   int    `json:"browser_pid"`
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status      string       `json:"status"` // "healthy" or "degraded"
	Uptime      string       `json:"uptime"`
	Session     SessionStats `json:"session"`
	Concurrency int          `json:"concurrency"`
	Version     string       `json:"version"`
}
