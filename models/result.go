package models

import (
	"errors"
	"time"
)

// PageContent is what a successful render extracted from the page.
type PageContent struct {
	FinalURL   string
	HTML       string
	Title      string
	Meta       map[string]string
	StatusCode int
}

// RenderResult is the engine's only output type. It is returned for every
// request whatever the outcome, and serialises to the flat persisted record.
//
// Build it with NewSuccess or NewFailure: a success always has content and
// no error, a failure always has an error and empty content.
type RenderResult struct {
	// RequestedURL is the URL of the request that produced this result.
	RequestedURL string `json:"-"`

	// URL is the final URL after redirects, or the requested URL when the
	// failure happened before navigation.
	URL string `json:"url"`

	HTML  string            `json:"html"`
	Title string            `json:"title"`
	Meta  map[string]string `json:"meta"`

	// StatusCode is the HTTP status of the top-level document; 0 when no
	// response was received.
	StatusCode int `json:"status_code"`

	// Timestamp is when the result was finalised.
	Timestamp time.Time `json:"timestamp"`

	Success bool         `json:"success"`
	Error   *RenderError `json:"error"`
}

// NewSuccess builds a successful result finalised at at.
func NewSuccess(requestedURL string, page PageContent, at time.Time) *RenderResult {
	meta := page.Meta
	if meta == nil {
		meta = map[string]string{}
	}
	finalURL := page.FinalURL
	if finalURL == "" {
		finalURL = requestedURL
	}
	return &RenderResult{
		RequestedURL: requestedURL,
		URL:          finalURL,
		HTML:         page.HTML,
		Title:        page.Title,
		Meta:         meta,
		StatusCode:   page.StatusCode,
		Timestamp:    at,
		Success:      true,
	}
}

// NewFailure builds a failed result finalised at at. finalURL may be empty
// when navigation never started; statusCode is 0 when no response arrived.
// A nil err is replaced by a generic navigation failure so the result always
// carries an error.
func NewFailure(requestedURL, finalURL string, statusCode int, err *RenderError, at time.Time) *RenderResult {
	if finalURL == "" {
		finalURL = requestedURL
	}
	if err == nil {
		err = NewRenderError(KindNavigation, "render failed without a reported cause", nil)
	}
	return &RenderResult{
		RequestedURL: requestedURL,
		URL:          finalURL,
		Meta:         map[string]string{},
		StatusCode:   statusCode,
		Timestamp:    at,
		Success:      false,
		Error:        err,
	}
}

// Kind returns the failure kind, or "" for a success.
func (r *RenderResult) Kind() ErrorKind {
	if r == nil || r.Error == nil {
		return ""
	}
	return r.Error.Kind
}

// Retryable reports whether the result is a failure of a transient kind.
func (r *RenderResult) Retryable() bool {
	return r != nil && !r.Success && r.Kind().Transient()
}

// WithAttempts returns a copy whose error records the number of attempts.
// Successes are returned unchanged.
func (r *RenderResult) WithAttempts(n int) *RenderResult {
	if r == nil || r.Error == nil {
		return r
	}
	cp := *r
	errCopy := *r.Error
	errCopy.Attempts = n
	cp.Error = &errCopy
	return &cp
}

// Validate reports whether the success/failure invariant holds.
func (r *RenderResult) Validate() error {
	switch {
	case r == nil:
		return errors.New("nil result")
	case r.Success && r.Error != nil:
		return errors.New("successful result carries an error")
	case !r.Success && r.Error == nil:
		return errors.New("failed result has no error")
	case !r.Success && (r.HTML != "" || r.Title != ""):
		return errors.New("failed result carries content")
	case r.Timestamp.IsZero():
		return errors.New("result has no timestamp")
	}
	return nil
}
