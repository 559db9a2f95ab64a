// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// Tool names agents may list in their configuration.
const (
	ToolSearchDocuments = "search_documents"
	ToolSearchWeb       = "search_web"
)

// Tool is something an agent can call by name with a single query string.
// Run never fails; failures are reported in the returned text.
type Tool interface {
	Name() string
	Description() string
	Run(ctx context.Context, query string) string
}

// DocumentSearcher is the stored-knowledge half of the retriever.
type DocumentSearcher interface {
	SearchDocuments(ctx context.Context, query string) string
}

// WebSearcher is the web half of the retriever.
type WebSearcher interface {
	SearchWeb(ctx context.Context, query string) []string
}

// NoInformation is the observation returned when a tool finds nothing.
func NoInformation(query string) string {
	return fmt.Sprintf("No information found for %q.", query)
}

type documentSearchTool struct {
	searcher DocumentSearcher
}

// NewDocumentSearchTool exposes stored-document search as search_documents.
func NewDocumentSearchTool(s DocumentSearcher) Tool {
	return &documentSearchTool{searcher: s}
}

func (t *documentSearchTool) Name() string { return ToolSearchDocuments }

func (t *documentSearchTool) Description() string {
	return "Searches the internal maternal and baby health knowledge base. Input is a short search query."
}

func (t *documentSearchTool) Run(ctx context.Context, query string) string {
	result := strings.TrimSpace(t.searcher.SearchDocuments(ctx, query))
	if result == "" {
		return NoInformation(query)
	}
	return result
}

type webSearchTool struct {
	searcher WebSearcher
}

// NewWebSearchTool exposes web search as search_web.
func NewWebSearchTool(s WebSearcher) Tool {
	return &webSearchTool{searcher: s}
}

func (t *webSearchTool) Name() string { return ToolSearchWeb }

func (t *webSearchTool) Description() string {
	return "Searches the internet for up-to-date information and parent experiences. Input is a short search query."
}

func (t *webSearchTool) Run(ctx context.Context, query string) string {
	results := t.searcher.SearchWeb(ctx, query)
	if len(results) == 0 {
		return NoInformation(query)
	}
	return strings.Join(results, "\n")
}

// runTool invokes a named tool, turning unknown names and panics into
// observations so the agent loop can continue.
func runTool(ctx context.Context, tools map[string]Tool, name, query string) (observation string) {
	tool, ok := tools[name]
	if !ok {
		names := make([]string, 0, len(tools))
		for n := range tools {
			names = append(names, n)
		}
		slices.Sort(names)
		return fmt.Sprintf("Unknown tool %q. Available tools: %s.", name, strings.Join(names, ", "))
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Tool panicked", "tool", name, "panic", r)
			observation = NoInformation(query)
		}
	}()
	return tool.Run(ctx, query)
}
