package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
)

// Web search tool backed by DuckDuckGo's no-JS HTML frontend. The endpoint
// is fixed unless a base URL is passed to NewTool/NewToolWithConfig.

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerSecond controls how many requests per second are allowed
	RequestsPerSecond float64
	// BurstSize is the maximum number of requests that can be made in a burst
	BurstSize int
	// MaxRetries is the maximum number of retry attempts
	MaxRetries int
	// BaseDelay is the base delay for exponential backoff
	BaseDelay time.Duration
	// MaxDelay is the maximum delay for exponential backoff
	MaxDelay time.Duration
	// JitterPercent adds randomness to delays (0.0 to 1.0)
	JitterPercent float64
}

// DefaultRateLimitConfig returns sensible defaults to avoid getting banned
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 0.5,              // 1 request every 2 seconds
		BurstSize:         2,                // Allow small bursts
		MaxRetries:        3,                // Retry failed requests up to 3 times
		BaseDelay:         1 * time.Second,  // Start with 1 second delay
		MaxDelay:          30 * time.Second, // Maximum 30 second delay
		JitterPercent:     0.3,              // Add up to 30% jitter
	}
}

// tokenBucket implements a simple token bucket rate limiter
type tokenBucket struct {
	capacity   int
	tokens     int
	refillAt   time.Time
	refillRate time.Duration
	mu         sync.Mutex
}

// newTokenBucket creates a new token bucket rate limiter
func newTokenBucket(capacity int, refillRate time.Duration) *tokenBucket {
	return &tokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillAt:   time.Now(),
		refillRate: refillRate,
	}
}

// takeToken attempts to take a token from the bucket
// Returns true if successful, false if rate limited
func (tb *tokenBucket) takeToken() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	if now.After(tb.refillAt) {
		// Refill tokens based on elapsed time
		elapsed := now.Sub(tb.refillAt)
		tokensToAdd := int(elapsed / tb.refillRate)
		if tokensToAdd > 0 {
			tb.tokens = min(tb.capacity, tb.tokens+tokensToAdd)
			tb.refillAt = tb.refillAt.Add(time.Duration(tokensToAdd) * tb.refillRate)
		}
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// waitForToken blocks until a token is available
func (tb *tokenBucket) waitForToken(ctx context.Context) error {
	for {
		if tb.takeToken() {
			return nil
		}

		// Calculate how long to wait for next refill
		tb.mu.Lock()
		waitTime := time.Until(tb.refillAt)
		tb.mu.Unlock()

		if waitTime <= 0 {
			waitTime = tb.refillRate
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
			continue
		}
	}
}

// duckduckgoHTMLURL is the no-JS HTML frontend (html.duckduckgo.com), scraped
// instead of the API endpoint: it needs no key and renders the same organic
// results a browser would see (spec §4.7 web_search: "DuckDuckGo HTML
// results, no API key").
const duckduckgoHTMLURL = "https://html.duckduckgo.com/html/"

type tool struct {
	http         *http.Client
	baseURL      string
	rateLimiter  *tokenBucket
	rateLimitCfg RateLimitConfig
	uaList       []string
}

func defaultUAList() []string {
	return []string{
		// Chrome (macOS)
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36",
		// Firefox (macOS)
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:102.0) Gecko/20100101 Firefox/102.0",
		// Safari (macOS)
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.1 Safari/605.1.15",
		// Edge (Windows)
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36 Edg/115.0.0.0",
	}
}

// NewTool constructs the web_search tool scraping DuckDuckGo's HTML
// frontend. baseURL overrides duckduckgoHTMLURL when non-empty, mainly for
// tests pointed at an httptest.Server.
func NewTool(baseURL string) *tool {
	return NewToolWithConfig(baseURL, DefaultRateLimitConfig())
}

// NewToolWithConfig constructs the web_search tool with custom rate limiting config.
func NewToolWithConfig(baseURL string, cfg RateLimitConfig) *tool {
	refillRate := time.Duration(float64(time.Second) / cfg.RequestsPerSecond)
	if baseURL == "" {
		baseURL = duckduckgoHTMLURL
	}
	return &tool{
		http:         &http.Client{Timeout: 12 * time.Second},
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		rateLimiter:  newTokenBucket(cfg.BurstSize, refillRate),
		rateLimitCfg: cfg,
		uaList:       defaultUAList(),
	}
}

func (t *tool) Name() string { return "web_search" }

func (t *tool) JSONSchema() map[string]any {
	return map[string]any{
		"name":        t.Name(),
		"description": "Search the web (DuckDuckGo) and return top result links with snippets. Use for fact lookup and recent info.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":       map[string]any{"type": "string", "description": "Search query"},
				"max_results": map[string]any{"type": "integer", "minimum": 1, "maximum": 10, "default": 5},
			},
			"required": []string{"query"},
		},
	}
}

func (t *tool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args.MaxResults <= 0 || args.MaxResults > 10 {
		args.MaxResults = 5
	}

	q := strings.TrimSpace(args.Query)

	// Apply rate limiting before making the request
	if err := t.rateLimiter.waitForToken(ctx); err != nil {
		return map[string]any{"ok": false, "error": "rate limited: " + err.Error()}, nil
	}

	results, err := t.searchWithRetry(ctx, q, args.MaxResults)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}
	return map[string]any{"ok": true, "results": results}, nil
}

// SearchResult mirrors the {title,url,snippet} shape used by evidence_pack
// and the trace sink's web_search event payload.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// searchWithRetry wraps the DuckDuckGo scrape with exponential backoff and jitter.
func (t *tool) searchWithRetry(ctx context.Context, query string, max int) ([]SearchResult, error) {
	var lastErr error
	cfg := t.rateLimitCfg

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		results, err := t.searchDuckDuckGo(ctx, query, max)
		if err == nil && len(results) > 0 {
			return results, nil
		}
		lastErr = err

		delay := cfg.BaseDelay * (1 << attempt)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		jitter := time.Duration(float64(delay) * cfg.JitterPercent * (0.5 + randFloat64()))
		delay += jitter

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("search failed after %d retries: %v", cfg.MaxRetries, lastErr)
}

// randFloat64 returns a random float64 between 0 and 1
func randFloat64() float64 {
	return float64(time.Now().UnixNano()%1000) / 1000.0
}

// searchDuckDuckGo scrapes the no-JS HTML results page: each hit is a
// div.result containing an a.result__a (title/href) and a.result__snippet.
func (t *tool) searchDuckDuckGo(ctx context.Context, query string, max int) ([]SearchResult, error) {
	v := url.Values{}
	v.Set("q", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, strings.NewReader(v.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	ua := t.uaList[int(time.Now().UnixNano())%len(t.uaList)]
	req.Header.Set("User-Agent", ua)

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("duckduckgo http %d", resp.StatusCode)
	}

	root, err := html.Parse(resp.Body)
	if err != nil {
		return nil, err
	}

	results := extractDuckDuckGoResults(root, max)
	if len(results) == 0 {
		return nil, fmt.Errorf("no results parsed")
	}
	return results, nil
}

// extractDuckDuckGoResults walks the result markup collecting title/url/snippet
// triples in document order, deduplicating by URL.
func extractDuckDuckGoResults(doc *html.Node, max int) []SearchResult {
	var out []SearchResult
	seen := map[string]struct{}{}

	var cur SearchResult
	flush := func() {
		if cur.URL == "" {
			return
		}
		if _, dup := seen[cur.URL]; !dup {
			seen[cur.URL] = struct{}{}
			out = append(out, cur)
		}
		cur = SearchResult{}
	}

	var f func(*html.Node)
	f = func(n *html.Node) {
		if len(out) >= max {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "result") {
			flush() // start of a new result block ends any in-progress one
		}
		if n.Type == html.ElementNode && n.Data == "a" && hasClass(n, "result__a") {
			cur.URL = ddgResolveHref(attrVal(n, "href"))
			cur.Title = strings.TrimSpace(textContent(n))
		}
		if n.Type == html.ElementNode && n.Data == "a" && hasClass(n, "result__snippet") {
			cur.Snippet = strings.TrimSpace(textContent(n))
		}
		for c := n.FirstChild; c != nil && len(out) < max; c = c.NextSibling {
			f(c)
		}
	}
	f(doc)
	flush()
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// ddgResolveHref unwraps DuckDuckGo's internal "/l/?uddg=<encoded>" redirect
// links into the real target URL; non-redirect hrefs pass through unchanged.
func ddgResolveHref(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if strings.Contains(u.Path, "/l/") {
		if target := u.Query().Get("uddg"); target != "" {
			if decoded, err := url.QueryUnescape(target); err == nil {
				return decoded
			}
		}
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}

func hasClass(n *html.Node, class string) bool {
	for _, attr := range n.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(attr.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func attrVal(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}
