// Command benchmark measures a running renderd server: single-page latency
// per URL, then batch wall time at several concurrency ceilings.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/use-agent/renderd/models"
)

// Test URLs covering 5 site types.
var testURLs = []struct {
	Label string
	URL   string
}{
	{"Static", "https://example.com"},
	{"Blog", "https://go.dev/blog/go1.21"},
	{"Docs", "https://go.dev/doc/effective_go"},
	{"News", "https://www.bbc.com/news"},
	{"Complex", "https://github.com/go-rod/rod"},
}

type benchOptions struct {
	apiURL       string
	apiKey       string
	runs         int
	output       string
	concurrency  []int
	pollInterval time.Duration
}

type runResult struct {
	Run        int    `json:"run"`
	LatencyMs  int64  `json:"latency_ms"`
	StatusCode int    `json:"status_code"`
	HTMLLength int    `json:"html_length"`
	MetaCount  int    `json:"meta_count"`
	HasTitle   bool   `json:"has_title"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

type urlResult struct {
	URL          string      `json:"url"`
	Label        string      `json:"label"`
	Runs         []runResult `json:"runs"`
	AvgLatencyMs float64     `json:"avg_latency_ms,omitempty"`
	P50LatencyMs int64       `json:"p50_latency_ms,omitempty"`
}

type batchResult struct {
	Concurrency int    `json:"concurrency"`
	WallMs      int64  `json:"wall_ms"`
	Status      string `json:"status"`
	Succeeded   int    `json:"succeeded"`
	Total       int    `json:"total"`
	Error       string `json:"error,omitempty"`
}

type benchmarkReport struct {
	Timestamp  string        `json:"timestamp"`
	APIURL     string        `json:"api_url"`
	RunsPerURL int           `json:"runs_per_url"`
	Single     []urlResult   `json:"single"`
	Batches    []batchResult `json:"batches"`
}

func main() {
	var o benchOptions
	cmd := &cobra.Command{
		Use:          "benchmark",
		Short:        "Benchmark a running renderd server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBenchmark(cmd.Context(), cmd.OutOrStdout(), o)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&o.apiURL, "api-url", "http://localhost:8080", "renderd API base URL")
	fl.StringVar(&o.apiKey, "api-key", "", "API key for authenticated requests")
	fl.IntVar(&o.runs, "runs", 3, "number of runs per URL for averaging")
	fl.StringVar(&o.output, "output", "benchmark-results.json", "JSON output file path")
	fl.IntSliceVar(&o.concurrency, "concurrency", []int{1, 3, 5}, "batch concurrency ceilings to measure")
	fl.DurationVar(&o.pollInterval, "poll", 250*time.Millisecond, "batch status poll interval")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBenchmark(ctx context.Context, out io.Writer, o benchOptions) error {
	fmt.Fprintln(out, "=== renderd Benchmark Suite ===")
	fmt.Fprintf(out, "API URL:   %s\n", o.apiURL)
	fmt.Fprintf(out, "Runs/URL:  %d\n", o.runs)
	fmt.Fprintf(out, "Output:    %s\n\n", o.output)

	client := &http.Client{Timeout: 10 * time.Minute}
	if _, err := call(ctx, client, o, http.MethodGet, "/api/v1/health", nil, &models.HealthResponse{}); err != nil {
		return fmt.Errorf("cannot reach API at %s (is renderd running?): %w", o.apiURL, err)
	}

	report := benchmarkReport{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		APIURL:     o.apiURL,
		RunsPerURL: o.runs,
	}

	for _, t := range testURLs {
		fmt.Fprintf(out, "Benchmarking [%s] %s ...\n", t.Label, t.URL)
		ur := urlResult{URL: t.URL, Label: t.Label}
		for i := 1; i <= o.runs; i++ {
			rr := benchmarkURL(ctx, client, o, t.URL, i)
			if rr.Success {
				fmt.Fprintf(out, "  Run %d/%d ... OK  %dms  status %d\n", i, o.runs, rr.LatencyMs, rr.StatusCode)
			} else {
				fmt.Fprintf(out, "  Run %d/%d ... FAILED: %s\n", i, o.runs, rr.Error)
			}
			ur.Runs = append(ur.Runs, rr)
		}
		ur.AvgLatencyMs, ur.P50LatencyMs = latencyStats(ur.Runs)
		report.Single = append(report.Single, ur)
	}

	urls := make([]string, len(testURLs))
	for i, t := range testURLs {
		urls[i] = t.URL
	}
	for _, n := range o.concurrency {
		fmt.Fprintf(out, "\nBatch of %d at concurrency %d ... ", len(urls), n)
		br := benchmarkBatch(ctx, client, o, urls, n)
		if br.Error != "" {
			fmt.Fprintf(out, "FAILED: %s\n", br.Error)
		} else {
			fmt.Fprintf(out, "%s in %dms (%d/%d ok)\n", br.Status, br.WallMs, br.Succeeded, br.Total)
		}
		report.Batches = append(report.Batches, br)
	}

	fmt.Fprintln(out)
	printTable(out, report)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(o.output, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	fmt.Fprintf(out, "\nDetailed results written to %s\n", o.output)
	return nil
}

// call sends a JSON request and decodes the body into out whatever the status.
func call(ctx context.Context, client *http.Client, o benchOptions, method, path string, payload, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, o.apiURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
}

func benchmarkURL(ctx context.Context, client *http.Client, o benchOptions, url string, run int) runResult {
	rr := runResult{Run: run}
	var res models.RenderResult
	start := time.Now()
	_, err := call(ctx, client, o, http.MethodPost, "/api/v1/render", models.RenderHTTPRequest{URL: url}, &res)
	rr.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		rr.Error = err.Error()
		return rr
	}

	rr.Success = res.Success
	rr.StatusCode = res.StatusCode
	rr.HTMLLength = len(res.HTML)
	rr.MetaCount = len(res.Meta)
	rr.HasTitle = res.Title != ""
	if res.Error != nil {
		rr.Error = fmt.Sprintf("%s: %s", res.Error.Kind, res.Error.Message)
	}
	return rr
}

func benchmarkBatch(ctx context.Context, client *http.Client, o benchOptions, urls []string, concurrency int) batchResult {
	br := batchResult{Concurrency: concurrency, Total: len(urls)}
	start := time.Now()

	var accepted models.BatchResponse
	if _, err := call(ctx, client, o, http.MethodPost, "/api/v1/batch/render",
		models.BatchRenderRequest{URLs: urls, Concurrency: concurrency}, &accepted); err != nil || accepted.ID == "" {
		br.Error = fmt.Sprintf("submit failed: %v", err)
		return br
	}

	for {
		var job models.BatchStatusResponse
		if _, err := call(ctx, client, o, http.MethodGet, "/api/v1/batch/"+accepted.ID, nil, &job); err != nil {
			br.Error = fmt.Sprintf("poll failed: %v", err)
			return br
		}
		if job.Status != models.JobProcessing {
			br.WallMs = time.Since(start).Milliseconds()
			br.Status = job.Status
			for _, r := range job.Results {
				if r != nil && r.Success {
					br.Succeeded++
				}
			}
			return br
		}
		select {
		case <-ctx.Done():
			br.Error = ctx.Err().Error()
			return br
		case <-time.After(o.pollInterval):
		}
	}
}

// latencyStats returns the mean and median latency of successful runs.
func latencyStats(runs []runResult) (float64, int64) {
	var ms []int64
	for _, r := range runs {
		if r.Success {
			ms = append(ms, r.LatencyMs)
		}
	}
	if len(ms) == 0 {
		return 0, 0
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i] < ms[j] })
	var sum int64
	for _, v := range ms {
		sum += v
	}
	return float64(sum) / float64(len(ms)), ms[len(ms)/2]
}

func printTable(out io.Writer, report benchmarkReport) {
	fmt.Fprintln(out, strings.Repeat("─", 85))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "URL\tAvg Latency\tP50\tHTML Len\tStatus\n")
	fmt.Fprintf(w, "───\t───────────\t───\t────────\t──────\n")
	for _, r := range report.Single {
		if r.AvgLatencyMs == 0 {
			fmt.Fprintf(w, "%s\tFAILED\t-\t-\t-\n", truncateURL(r.URL, 40))
			continue
		}
		last := r.Runs[len(r.Runs)-1]
		fmt.Fprintf(w, "%s\t%dms\t%dms\t%d\t%d\n",
			truncateURL(r.URL, 40), int64(r.AvgLatencyMs), r.P50LatencyMs, last.HTMLLength, last.StatusCode)
	}
	fmt.Fprintf(w, "\t\t\t\t\n")
	fmt.Fprintf(w, "Batch Concurrency\tWall Time\tOK\tTotal\tStatus\n")
	for _, b := range report.Batches {
		fmt.Fprintf(w, "%d\t%dms\t%d\t%d\t%s\n", b.Concurrency, b.WallMs, b.Succeeded, b.Total, b.Status)
	}
	w.Flush()
	fmt.Fprintln(out, strings.Repeat("─", 85))
}

func truncateURL(u string, max int) string {
	if len(u) <= max {
		return u
	}
	return u[:max-3] + "..."
}
