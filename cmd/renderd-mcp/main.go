package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/use-agent/renderd/api/handler"
	"github.com/use-agent/renderd/models"
)

// defaultMaxHTML bounds the HTML returned per page unless the caller asks
// for more.
const defaultMaxHTML = 20000

func main() {
	apiURL := os.Getenv("RENDERD_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	client := newAPIClient(apiURL, os.Getenv("RENDERD_API_KEY"))

	s := server.NewMCPServer(
		"renderd",
		handler.Version,
		server.WithToolCapabilities(false),
	)

	renderTool := mcp.NewTool("render_url",
		mcp.WithDescription("Render a web page in a headless browser and return its final HTML, title, status code and meta tags. Use for JavaScript-heavy pages."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("Absolute http(s) URL of the page to render"),
		),
		mcp.WithString("wait_for_selector",
			mcp.Description("CSS selector that must appear before the page is captured"),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description("Navigation timeout in milliseconds (default: server setting)"),
		),
		mcp.WithNumber("max_html",
			mcp.Description("Maximum HTML bytes to return (default: 20000, 0 for all, -1 for none)"),
		),
	)
	s.AddTool(renderTool, handleRenderURL(client))

	batchTool := mcp.NewTool("batch_render",
		mcp.WithDescription("Render many pages concurrently on one browser and return a result for each URL, in input order."),
		mcp.WithArray("urls",
			mcp.Required(),
			mcp.Description("List of absolute http(s) URLs to render"),
		),
		mcp.WithNumber("concurrency",
			mcp.Description("Maximum pages rendered at once (default: server setting)"),
		),
		mcp.WithString("wait_for_selector",
			mcp.Description("CSS selector awaited on every page"),
		),
		mcp.WithNumber("max_html",
			mcp.Description("Maximum HTML bytes to return per page (default: 20000, 0 for all, -1 for none)"),
		),
	)
	s.AddTool(batchTool, handleBatchRender(client))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func handleRenderURL(client *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}

		res, err := client.render(ctx, models.RenderHTTPRequest{
			URL: url,
			RenderOptions: models.RenderOptions{
				WaitForSelector: request.GetString("wait_for_selector", ""),
				TimeoutMs:       request.GetInt("timeout_ms", 0),
			},
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("render request failed: %v", err)), nil
		}

		text := formatResult(res, request.GetInt("max_html", defaultMaxHTML))
		if !res.Success {
			return mcp.NewToolResultError(text), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}

func handleBatchRender(client *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		urls, err := request.RequireStringSlice("urls")
		if err != nil || len(urls) == 0 {
			return mcp.NewToolResultError("urls is required and must be a non-empty array of strings"), nil
		}

		id, err := client.submitBatch(ctx, models.BatchRenderRequest{
			URLs:        urls,
			Concurrency: request.GetInt("concurrency", 0),
			Options: models.RenderOptions{
				WaitForSelector: request.GetString("wait_for_selector", ""),
			},
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("batch request failed: %v", err)), nil
		}

		job, err := client.waitBatch(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("polling batch job %s failed: %v", id, err)), nil
		}
		return mcp.NewToolResultText(formatBatch(job, request.GetInt("max_html", defaultMaxHTML))), nil
	}
}
