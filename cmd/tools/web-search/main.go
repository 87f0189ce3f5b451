// Command web-search is an MCP tool server offering web_search (Brave Search)
// and web_fetch. It speaks stdio by default and streamable HTTP with --http.
package main

import (
	"flag"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/webagent/internal/logging"
)

func main() {
	httpAddr := flag.String("http", "", "Serve streamable HTTP on this address (e.g. :8931) instead of stdio")
	flag.Parse()

	// stdout carries the protocol; logs go to stderr or LOG_FILE.
	logger := logging.New("web-search", logging.Options{Format: "console", File: os.Getenv("LOG_FILE")})
	defer logger.Sync()

	var searcher Searcher
	if key := os.Getenv("BRAVE_API_KEY"); key != "" {
		s, err := NewBraveSearcher(key)
		if err != nil {
			logger.Fatalw("creating brave client", "error", err)
		}
		searcher = s
	} else {
		logger.Warn("BRAVE_API_KEY not set; web_search will report an error")
	}

	s := newServer(searcher, newFetcher(), logger)

	if *httpAddr != "" {
		logger.Infow("serving streamable HTTP", "addr", *httpAddr, "path", "/mcp")
		if err := server.NewStreamableHTTPServer(s).Start(*httpAddr); err != nil {
			logger.Fatalw("server error", "error", err)
		}
		return
	}
	if err := server.ServeStdio(s); err != nil {
		logger.Fatalw("server error", "error", err)
	}
}
