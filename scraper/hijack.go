package scraper

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// resourceTypes maps BLOCKED_RESOURCES names (case-insensitive) to Rod
// protocol resource types.
var resourceTypes = map[string]proto.NetworkResourceType{
	"image":      proto.NetworkResourceTypeImage,
	"stylesheet": proto.NetworkResourceTypeStylesheet,
	"font":       proto.NetworkResourceTypeFont,
	"media":      proto.NetworkResourceTypeMedia,
	"script":     proto.NetworkResourceTypeScript,
	"xhr":        proto.NetworkResourceTypeXHR,
	"fetch":      proto.NetworkResourceTypeFetch,
	"websocket":  proto.NetworkResourceTypeWebSocket,
	"manifest":   proto.NetworkResourceTypeManifest,
	"ping":       proto.NetworkResourceTypePing,
}

// blockedSet resolves configured names; unknown names are ignored.
func blockedSet(names []string) map[proto.NetworkResourceType]struct{} {
	blocked := make(map[proto.NetworkResourceType]struct{}, len(names))
	for _, name := range names {
		if rt, ok := resourceTypes[strings.ToLower(strings.TrimSpace(name))]; ok {
			blocked[rt] = struct{}{}
		}
	}
	return blocked
}

// setupHijack installs a request interceptor on the page that aborts the
// configured resource types and lets everything else through.
//
// Returns the running HijackRouter so the caller can defer router.Stop().
// Returns nil if there is nothing to block.
func setupHijack(page *rod.Page, blockedTypes []string) *rod.HijackRouter {
	blocked := blockedSet(blockedTypes)
	if len(blocked) == 0 {
		return nil
	}

	router := page.HijackRequests()

	// Pattern "*" + empty resourceType = intercept ALL requests, then
	// decide per-request whether to block or continue.
	_ = router.Add("*", "", func(ctx *rod.Hijack) {
		if _, shouldBlock := blocked[ctx.Request.Type()]; shouldBlock {
			ctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		ctx.ContinueRequest(&proto.FetchContinueRequest{})
	})

	// router.Run() blocks, so it must live in its own goroutine.
	// It will exit when router.Stop() is called.
	go router.Run()

	return router
}
