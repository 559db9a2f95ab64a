// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	tavilyEndpoint     = "https://api.tavily.com/search"
	duckDuckGoEndpoint = "https://html.duckduckgo.com/html/"
	browserUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

// WebResult is one hit from a web search backend.
type WebResult struct {
	Title   string
	URL     string
	Content string
}

// WebSearcher queries an external web search service.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]WebResult, error)
}

// WebSearchOption configures the HTTP-based searchers.
type WebSearchOption func(*webSearchConfig)

type webSearchConfig struct {
	endpoint   string
	httpClient *http.Client
}

// WithEndpoint overrides the backend URL.
func WithEndpoint(endpoint string) WebSearchOption {
	return func(c *webSearchConfig) { c.endpoint = endpoint }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebSearchOption {
	return func(c *webSearchConfig) { c.httpClient = client }
}

func newWebSearchConfig(defaultEndpoint string, opts []WebSearchOption) webSearchConfig {
	c := webSearchConfig{
		endpoint:   defaultEndpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// =============================================================================
// Tavily
// =============================================================================

type tavilyRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

type tavilyResponse struct {
	Answer  string `json:"answer"`
	Query   string `json:"query"`
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// TavilySearcher uses the Tavily search API.
type TavilySearcher struct {
	apiKey string
	cfg    webSearchConfig
}

// NewTavilySearcher requires an API key.
func NewTavilySearcher(apiKey string, opts ...WebSearchOption) *TavilySearcher {
	return &TavilySearcher{apiKey: apiKey, cfg: newWebSearchConfig(tavilyEndpoint, opts)}
}

// Search implements WebSearcher.
func (t *TavilySearcher) Search(ctx context.Context, query string, maxResults int) ([]WebResult, error) {
	if t.apiKey == "" {
		return nil, newError("tavily", "API key not configured", nil)
	}
	body, err := json.Marshal(tavilyRequest{
		APIKey:      t.apiKey,
		Query:       query,
		SearchDepth: "basic",
		MaxResults:  maxResults,
	})
	if err != nil {
		return nil, newError("tavily", "marshal request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, newError("tavily", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.cfg.httpClient.Do(req)
	if err != nil {
		return nil, newError("tavily", "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, newError("tavily", "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Backend: "tavily", StatusCode: resp.StatusCode, Message: string(raw)}
	}

	var tr tavilyResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, newError("tavily", "decode response", err)
	}
	results := make([]WebResult, 0, len(tr.Results))
	for _, r := range tr.Results {
		results = append(results, WebResult{Title: r.Title, URL: r.URL, Content: r.Content})
	}
	return results, nil
}

// =============================================================================
// DuckDuckGo (HTML endpoint, no key)
// =============================================================================

// DuckDuckGoSearcher scrapes DuckDuckGo's HTML results page.
type DuckDuckGoSearcher struct {
	cfg webSearchConfig
}

// NewDuckDuckGoSearcher needs no credentials.
func NewDuckDuckGoSearcher(opts ...WebSearchOption) *DuckDuckGoSearcher {
	return &DuckDuckGoSearcher{cfg: newWebSearchConfig(duckDuckGoEndpoint, opts)}
}

// Search implements WebSearcher.
func (d *DuckDuckGoSearcher) Search(ctx context.Context, query string, maxResults int) ([]WebResult, error) {
	searchURL := d.cfg.endpoint + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, newError("duckduckgo", "build request", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := d.cfg.httpClient.Do(req)
	if err != nil {
		return nil, newError("duckduckgo", "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Backend: "duckduckgo", StatusCode: resp.StatusCode, Message: resp.Status}
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, newError("duckduckgo", "parse HTML", err)
	}
	return parseDuckDuckGoResults(doc, maxResults), nil
}

func parseDuckDuckGoResults(doc *html.Node, maxResults int) []WebResult {
	var results []WebResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= maxResults {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" {
			class := attr(n, "class")
			if strings.Contains(class, "result") && strings.Contains(class, "results_links") {
				if r := extractDuckDuckGoResult(n); r.Title != "" {
					results = append(results, r)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results
}

func extractDuckDuckGoResult(n *html.Node) WebResult {
	var r WebResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			class := attr(n, "class")
			switch {
			case strings.Contains(class, "result__a"):
				r.URL = attr(n, "href")
				r.Title = textContent(n)
			case strings.Contains(class, "result__snippet"):
				r.Content = textContent(n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)

	const redirectPrefix = "//duckduckgo.com/l/?uddg="
	if strings.HasPrefix(r.URL, redirectPrefix) {
		if decoded, err := url.QueryUnescape(strings.TrimPrefix(r.URL, redirectPrefix)); err == nil {
			if idx := strings.Index(decoded, "&"); idx > 0 {
				decoded = decoded[:idx]
			}
			r.URL = decoded
		}
	}
	return r
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// =============================================================================
// Chain
// =============================================================================

// ChainSearcher tries each searcher in order and returns the first
// non-empty answer.
type ChainSearcher []WebSearcher

// Search implements WebSearcher.
func (c ChainSearcher) Search(ctx context.Context, query string, maxResults int) ([]WebResult, error) {
	var lastErr error
	for _, s := range c {
		results, err := s.Search(ctx, query, maxResults)
		if err != nil {
			slog.Warn("Web search backend failed, trying next", "error", err)
			lastErr = err
			continue
		}
		if len(results) > 0 {
			return results, nil
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("all web search backends failed: %w", lastErr)
	}
	return nil, nil
}
