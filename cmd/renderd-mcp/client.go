package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/use-agent/renderd/models"
)

// apiClient talks to a renderd server.
type apiClient struct {
	baseURL      string
	apiKey       string
	http         *http.Client
	pollInterval time.Duration
}

func newAPIClient(baseURL, apiKey string) *apiClient {
	return &apiClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		http:         &http.Client{Timeout: 180 * time.Second},
		pollInterval: 2 * time.Second,
	}
}

// do sends a JSON request and decodes the response into out. Render
// failures come back with non-2xx codes but a RenderResult body, so the
// body is decoded whatever the status; only undecodable bodies are errors.
func (c *apiClient) do(ctx context.Context, method, path string, payload, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("parse response (status %d): %w", resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}

// apiError extracts the error envelope of a rejected request.
func apiError(status int, raw json.RawMessage) error {
	var env models.ErrorResponse
	if err := json.Unmarshal(raw, &env); err == nil && env.Error != nil {
		return fmt.Errorf("[%s] %s", env.Error.Code, env.Error.Message)
	}
	return fmt.Errorf("API returned status %d", status)
}

func (c *apiClient) render(ctx context.Context, req models.RenderHTTPRequest) (*models.RenderResult, error) {
	var raw json.RawMessage
	status, err := c.do(ctx, http.MethodPost, "/api/v1/render", req, &raw)
	if err != nil {
		return nil, err
	}
	var res models.RenderResult
	// An error envelope also decodes here, but without a failure kind.
	if err := json.Unmarshal(raw, &res); err != nil || (!res.Success && (res.Error == nil || res.Error.Kind == "")) {
		return nil, apiError(status, raw)
	}
	return &res, nil
}

func (c *apiClient) submitBatch(ctx context.Context, req models.BatchRenderRequest) (string, error) {
	var raw json.RawMessage
	status, err := c.do(ctx, http.MethodPost, "/api/v1/batch/render", req, &raw)
	if err != nil {
		return "", err
	}
	var accepted models.BatchResponse
	if err := json.Unmarshal(raw, &accepted); err != nil || accepted.ID == "" {
		return "", apiError(status, raw)
	}
	return accepted.ID, nil
}

// waitBatch polls the job until it leaves the processing state or ctx ends.
func (c *apiClient) waitBatch(ctx context.Context, id string) (*models.BatchStatusResponse, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var raw json.RawMessage
		status, err := c.do(ctx, http.MethodGet, "/api/v1/batch/"+id, nil, &raw)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, apiError(status, raw)
		}
		var job models.BatchStatusResponse
		if err := json.Unmarshal(raw, &job); err != nil {
			return nil, fmt.Errorf("parse batch status: %w", err)
		}
		if job.Status != models.JobProcessing {
			return &job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// formatResult renders one result as tool text. HTML is cut to maxHTML
// bytes; maxHTML < 0 omits it.
func formatResult(res *models.RenderResult, maxHTML int) string {
	var sb strings.Builder
	if !res.Success {
		fmt.Fprintf(&sb, "FAILED %s\n", res.URL)
		if res.Error != nil {
			fmt.Fprintf(&sb, "Error: %s: %s", res.Error.Kind, res.Error.Message)
			if res.Error.Attempts > 0 {
				fmt.Fprintf(&sb, " (after %d attempts)", res.Error.Attempts)
			}
			sb.WriteString("\n")
		}
		return sb.String()
	}

	fmt.Fprintf(&sb, "URL: %s\nStatus: %d\nTitle: %s\n", res.URL, res.StatusCode, res.Title)
	keys := make([]string, 0, len(res.Meta))
	for k := range res.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "Meta %s: %s\n", k, res.Meta[k])
	}
	if maxHTML < 0 {
		return sb.String()
	}
	html := res.HTML
	if maxHTML > 0 && len(html) > maxHTML {
		html = html[:maxHTML] + fmt.Sprintf("\n... [truncated, %d bytes total]", len(res.HTML))
	}
	sb.WriteString("\n")
	sb.WriteString(html)
	sb.WriteString("\n")
	return sb.String()
}

func formatBatch(job *models.BatchStatusResponse, maxHTML int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Batch %s: %s (%d/%d completed)\n\n", job.ID, job.Status, job.Completed, job.Total)
	for i, res := range job.Results {
		url := ""
		if i < len(job.URLs) {
			url = job.URLs[i]
		}
		fmt.Fprintf(&sb, "--- [%d] %s ---\n", i+1, url)
		if res == nil {
			sb.WriteString("no result\n\n")
			continue
		}
		sb.WriteString(formatResult(res, maxHTML))
		sb.WriteString("\n")
	}
	return sb.String()
}
