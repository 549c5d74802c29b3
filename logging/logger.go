// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/use-agent/renderd/config"
)

// Options holds logger configuration.
type Options struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string

	// Format is "json" or "console".
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer
}

// FromConfig maps the application log settings to Options.
func FromConfig(cfg config.LogConfig) Options {
	return Options{Level: cfg.Level, Format: cfg.Format, Output: os.Stderr}
}

// Setup configures the global zerolog logger and returns it.
func Setup(opts Options) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(opts.Level))

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(opts.Format, "console") || strings.EqualFold(opts.Format, "text") {
		out = zerolog.ConsoleWriter{Out: out}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger returns a child of the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Field conventions:
//   - url: requested page URL
//   - final_url: URL after redirects
//   - kind: render error kind
//   - attempt: 1-based fetch attempt
//   - job_id: batch job identifier
//   - duration: elapsed time of the logged operation
