package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	bravesearch "github.com/cnosuke/go-brave-search"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

const (
	maxFetchBytes = 100 * 1024
	maxResultLen  = 8000
)

var (
	scriptRe  = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	htmlTagRe = regexp.MustCompile(`<[^>]*>`)
)

// SearchResult is one web search hit.
type SearchResult struct {
	Title       string
	URL         string
	Description string
}

// Searcher runs web searches.
type Searcher interface {
	Search(ctx context.Context, query string, count int) ([]SearchResult, error)
}

// BraveSearcher searches with the Brave Search API.
type BraveSearcher struct {
	client *bravesearch.Client
}

// NewBraveSearcher returns a Searcher using apiKey.
func NewBraveSearcher(apiKey string) (*BraveSearcher, error) {
	client, err := bravesearch.NewClient(apiKey)
	if err != nil {
		return nil, err
	}
	return &BraveSearcher{client: client}, nil
}

func (b *BraveSearcher) Search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	resp, err := b.client.WebSearch(ctx, query, &bravesearch.WebSearchParams{Count: count})
	if err != nil {
		return nil, fmt.Errorf("brave search: %w", err)
	}
	var out []SearchResult
	for _, r := range resp.GetWebResults() {
		out = append(out, SearchResult{Title: r.Title, URL: r.URL, Description: r.Description})
	}
	return out, nil
}

type fetcher struct {
	client *http.Client
}

func newFetcher() *fetcher {
	return &fetcher{client: &http.Client{Timeout: 30 * time.Second}}
}

// fetch returns the visible text of url with markup removed.
func (f *fetcher) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "webagent-web-search/0.1")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %s", resp.Status)
	}

	// Read a few bytes past the limit so the cut can land on a rune boundary.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+utf8.UTFMax))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	text := cutRunes(string(body), maxFetchBytes)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		text = scriptRe.ReplaceAllString(text, " ")
		text = htmlTagRe.ReplaceAllString(text, " ")
		text = strings.Join(strings.Fields(text), " ")
	}
	return clip(text), nil
}

func clip(s string) string {
	if len(s) > maxResultLen {
		return cutRunes(s, maxResultLen) + "\n... (truncated)"
	}
	return s
}

// cutRunes shortens s to at most n bytes without splitting a UTF-8 sequence.
func cutRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// newServer registers web_search and web_fetch on a new MCP server.
func newServer(searcher Searcher, f *fetcher, logger *zap.SugaredLogger) *server.MCPServer {
	s := server.NewMCPServer("webagent-web-search", "0.1.0", server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("web_search",
		mcp.WithDescription("Search the web. Returns titles, URLs and snippets of the top results."),
		mcp.WithString("query", mcp.Required(), mcp.Description("The search query")),
		mcp.WithNumber("count", mcp.Description("Number of results (default 5, max 20)")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if searcher == nil {
			return mcp.NewToolResultError("web search is not configured (BRAVE_API_KEY)"), nil
		}
		count := min(max(req.GetInt("count", 5), 1), 20)

		logger.Debugw("searching", "query", query, "count", count)
		results, err := searcher.Search(ctx, query, count)
		if err != nil {
			logger.Warnw("search failed", "query", query, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		if len(results) == 0 {
			return mcp.NewToolResultText("No results found."), nil
		}

		var b strings.Builder
		for i, r := range results {
			fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n\n", i+1, r.Title, r.URL, r.Description)
		}
		return mcp.NewToolResultText(clip(b.String())), nil
	})

	s.AddTool(mcp.NewTool("web_fetch",
		mcp.WithDescription("Fetch a URL and return its text content with HTML markup removed."),
		mcp.WithString("url", mcp.Required(), mcp.Description("The URL to fetch")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := req.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return mcp.NewToolResultError("url must be http or https"), nil
		}

		logger.Debugw("fetching", "url", url)
		text, err := f.fetch(ctx, url)
		if err != nil {
			logger.Warnw("fetch failed", "url", url, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(text), nil
	})

	return s
}
