package scraper

import "github.com/use-agent/renderd/engine"

// NewFactory returns an engine session factory that builds unopened sessions
// from opts, applying per-call overrides.
func NewFactory(opts SessionOptions) engine.SessionFactory {
	return func(o engine.SessionOverrides) engine.Session {
		sopts := opts
		if o.Headless != nil {
			sopts.Headless = *o.Headless
		}
		return NewSession(sopts)
	}
}
