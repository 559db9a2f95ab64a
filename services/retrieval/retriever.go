// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval is the knowledge retriever: stored-document search
// over weaviate, web search over Tavily or DuckDuckGo, and the archive
// path that writes conversation summaries back into the document store.
//
// Search methods never fail from the caller's point of view. Backend
// errors are logged as *Error values and the caller receives an empty
// result.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("babynest.retrieval")

const (
	// DefaultTopK is how many stored passages SearchDocuments returns.
	DefaultTopK = 4

	// DefaultMaxWebResults is how many snippets SearchWeb returns.
	DefaultMaxWebResults = 7

	passageSeparator = "\n\n"
)

// Config sets result sizes. Zero values use the defaults.
type Config struct {
	TopK          int
	MaxWebResults int
}

// Retriever is the read side of the knowledge layer.
//
// # Description
//
// SearchDocuments embeds the query when an Embedder is configured and runs
// a vector search; otherwise it runs keyword search. SearchWeb queries the
// configured WebSearcher. Any of index, embedder and web may be nil; the
// corresponding search then returns an empty result.
//
// # Thread Safety
//
// Safe for concurrent use.
type Retriever struct {
	index    DocumentIndex
	embedder Embedder
	web      WebSearcher
	cfg      Config
}

// NewRetriever builds a Retriever.
func NewRetriever(index DocumentIndex, embedder Embedder, web WebSearcher, cfg Config) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.MaxWebResults <= 0 {
		cfg.MaxWebResults = DefaultMaxWebResults
	}
	return &Retriever{index: index, embedder: embedder, web: web, cfg: cfg}
}

// SearchDocuments returns the top-K passages joined by blank lines, or ""
// when nothing was found or the backend failed.
func (r *Retriever) SearchDocuments(ctx context.Context, query string) string {
	ctx, span := tracer.Start(ctx, "Retriever.SearchDocuments")
	defer span.End()

	passages, err := r.searchDocuments(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "document search failed")
		slog.Warn("Document search failed, continuing without knowledge", "error", err)
		return ""
	}
	span.SetAttributes(attribute.Int("retrieval.passages", len(passages)))
	return strings.Join(passages, passageSeparator)
}

func (r *Retriever) searchDocuments(ctx context.Context, query string) ([]string, error) {
	if r.index == nil {
		return nil, nil
	}
	var vector []float32
	if r.embedder != nil {
		v, err := r.embedder.Embed(ctx, query)
		if err != nil {
			return nil, err
		}
		vector = v
	}
	passages, err := r.index.Search(ctx, query, vector, r.cfg.TopK)
	if err != nil {
		return nil, err
	}
	if len(passages) > r.cfg.TopK {
		passages = passages[:r.cfg.TopK]
	}
	return passages, nil
}

// SearchWeb returns up to MaxWebResults "title: content" snippets. It
// returns an empty slice when no searcher is configured or the search
// failed.
func (r *Retriever) SearchWeb(ctx context.Context, query string) []string {
	ctx, span := tracer.Start(ctx, "Retriever.SearchWeb")
	defer span.End()

	if r.web == nil {
		return []string{}
	}
	results, err := r.web.Search(ctx, query, r.cfg.MaxWebResults)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "web search failed")
		slog.Warn("Web search failed", "error", err)
		return []string{}
	}

	snippets := make([]string, 0, len(results))
	for _, res := range results {
		if len(snippets) == r.cfg.MaxWebResults {
			break
		}
		snippets = append(snippets, formatWebResult(res))
	}
	span.SetAttributes(attribute.Int("retrieval.web_results", len(snippets)))
	return snippets
}

func formatWebResult(r WebResult) string {
	title := strings.TrimSpace(r.Title)
	content := strings.TrimSpace(r.Content)
	switch {
	case title == "":
		return content
	case content == "":
		return title
	default:
		return fmt.Sprintf("%s: %s", title, content)
	}
}
