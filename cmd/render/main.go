// Command render renders pages with a private browser and prints one JSON
// result per URL, in argument order.
//
//	render [--selector S] [--concurrency N] URL...
//
// The exit status is 1 when any page failed.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/use-agent/renderd/config"
	"github.com/use-agent/renderd/engine"
	"github.com/use-agent/renderd/logging"
	"github.com/use-agent/renderd/models"
	"github.com/use-agent/renderd/scraper"
)

// errFailedResults signals that output was written but some pages failed.
var errFailedResults = errors.New("one or more pages failed to render")

func main() {
	cfg := config.Load()
	if err := newRootCmd(cfg, nil).Execute(); err != nil {
		if !errors.Is(err, errFailedResults) {
			fmt.Fprintln(os.Stderr, "render:", err)
		}
		os.Exit(1)
	}
}

// line is one output record. The requested URL is added because the result
// itself only carries the final URL.
type line struct {
	RequestedURL string `json:"requested_url"`
	*models.RenderResult
}

type renderFlags struct {
	selector    string
	concurrency int
	timeout     time.Duration
	headed      bool
	verbose     bool
}

// newRootCmd builds the command. factory is nil outside tests, in which case
// sessions launch a real browser configured from cfg.
func newRootCmd(cfg *config.Config, factory engine.SessionFactory) *cobra.Command {
	var f renderFlags
	cmd := &cobra.Command{
		Use:           "render [flags] URL...",
		Short:         "Render pages in a headless browser and print the results as JSON lines",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if f.verbose {
				level = "debug"
			}
			logging.Setup(logging.Options{Level: level, Format: "console", Output: cmd.ErrOrStderr()})

			if factory == nil {
				factory = scraper.NewFactory(scraper.OptionsFromConfig(cfg))
			}
			ecfg := engine.ConfigFrom(cfg)
			if f.concurrency > 0 {
				ecfg.MaxConcurrent = f.concurrency
			}
			eng := engine.New(ecfg, factory)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd, eng, args, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.selector, "selector", "s", "", "CSS selector to wait for before capturing each page")
	fl.IntVarP(&f.concurrency, "concurrency", "c", 0, "maximum pages rendered at once (default: MAX_CONCURRENT_SCRAPES)")
	fl.DurationVar(&f.timeout, "timeout", 0, "navigation timeout per page (default: TIMEOUT)")
	fl.BoolVar(&f.headed, "headed", false, "show the browser window (single URL only)")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "log progress to stderr")
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, eng *engine.Engine, urls []string, f renderFlags) error {
	var opts []models.RequestOption
	if f.selector != "" {
		opts = append(opts, models.WithWaitSelector(f.selector))
	}
	if f.timeout > 0 {
		opts = append(opts, models.WithTimeout(f.timeout))
	}
	if f.headed {
		opts = append(opts, models.WithHeadless(false))
	}

	// Requests are built without validation so that a bad URL becomes an
	// InvalidRequest line instead of aborting the run.
	reqs := make([]models.RenderRequest, len(urls))
	for i, u := range urls {
		reqs[i] = models.RenderRequest{URL: strings.TrimSpace(u)}
		for _, opt := range opts {
			opt(&reqs[i])
		}
	}

	var results []*models.RenderResult
	if len(reqs) == 1 {
		results = []*models.RenderResult{eng.RenderOnce(ctx, reqs[0])}
	} else {
		results = eng.RenderBatchOnce(ctx, models.BatchSpec{Requests: reqs, Concurrency: f.concurrency})
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	failed := 0
	for i, res := range results {
		if !res.Success {
			failed++
		}
		if err := enc.Encode(line{RequestedURL: reqs[i].URL, RenderResult: res}); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	if failed > 0 {
		return errFailedResults
	}
	return nil
}
