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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// DocumentClass is the weaviate class holding knowledge passages.
const DocumentClass = "Document"

// Chunk is one passage to be written to the document index.
type Chunk struct {
	ID         string
	Content    string
	Source     string
	Parent     string
	VersionTag string
	IngestedAt int64
	Vector     []float32
}

// DocumentIndex is the search/write surface of the knowledge store.
type DocumentIndex interface {
	// Search returns passage texts, best first. A non-empty vector selects
	// vector search; otherwise keyword (BM25) search on query.
	Search(ctx context.Context, query string, vector []float32, limit int) ([]string, error)

	// Import writes chunks and returns how many were stored.
	Import(ctx context.Context, chunks []Chunk) (int, error)
}

// WeaviateIndex implements DocumentIndex over the Document class.
type WeaviateIndex struct {
	client *weaviate.Client
}

// NewWeaviateClient parses rawURL and builds a client. It does not contact
// the server.
func NewWeaviateClient(rawURL string) (*weaviate.Client, error) {
	rawURL = strings.Trim(rawURL, "\"' ")
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %q", rawURL)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}
	return client, nil
}

// NewWeaviateIndex wraps a client.
func NewWeaviateIndex(client *weaviate.Client) *WeaviateIndex {
	return &WeaviateIndex{client: client}
}

type documentQueryResponse struct {
	Get struct {
		Document []struct {
			Content string `json:"content"`
			Source  string `json:"source"`
		} `json:"Document"`
	} `json:"Get"`
}

// Search implements DocumentIndex.
func (w *WeaviateIndex) Search(ctx context.Context, query string, vector []float32, limit int) ([]string, error) {
	get := w.client.GraphQL().Get().
		WithClassName(DocumentClass).
		WithFields(graphql.Field{Name: "content"}, graphql.Field{Name: "source"}).
		WithLimit(limit)
	if len(vector) > 0 {
		get = get.WithNearVector(w.client.GraphQL().NearVectorArgBuilder().WithVector(vector))
	} else {
		get = get.WithBM25(w.client.GraphQL().Bm25ArgBuilder().WithQuery(query))
	}

	resp, err := get.Do(ctx)
	if err != nil {
		return nil, newError("weaviate", "graphql get", err)
	}
	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return nil, newError("weaviate", resp.Errors[0].Message, nil)
	}
	parsed, err := parseGraphQLResponse[documentQueryResponse](resp)
	if err != nil {
		return nil, newError("weaviate", "parse response", err)
	}

	passages := make([]string, 0, len(parsed.Get.Document))
	for _, d := range parsed.Get.Document {
		if strings.TrimSpace(d.Content) != "" {
			passages = append(passages, d.Content)
		}
	}
	return passages, nil
}

// Import implements DocumentIndex.
func (w *WeaviateIndex) Import(ctx context.Context, chunks []Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	objects := make([]*models.Object, len(chunks))
	for i, c := range chunks {
		objects[i] = &models.Object{
			Class:  DocumentClass,
			ID:     strfmt.UUID(c.ID),
			Vector: c.Vector,
			Properties: map[string]interface{}{
				"content":       c.Content,
				"source":        c.Source,
				"parent_source": c.Parent,
				"version_tag":   c.VersionTag,
				"ingested_at":   c.IngestedAt,
			},
		}
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return 0, newError("weaviate", "batch import", err)
	}

	stored := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			stored++
			continue
		}
		if item.Result != nil && item.Result.Errors != nil {
			for _, e := range item.Result.Errors.Error {
				slog.Warn("Error in Weaviate batch item", "error", e.Message)
			}
		}
	}
	if stored < len(chunks) {
		return stored, newError("weaviate", fmt.Sprintf("stored %d of %d chunks", stored, len(chunks)), nil)
	}
	return stored, nil
}

// EnsureSchema creates the Document class if it is missing.
func (w *WeaviateIndex) EnsureSchema(ctx context.Context) error {
	if _, err := w.client.Schema().ClassGetter().WithClassName(DocumentClass).Do(ctx); err == nil {
		return nil
	}
	if err := w.client.Schema().ClassCreator().WithClass(documentClassSchema()).Do(ctx); err != nil {
		return newError("weaviate", "create Document class", err)
	}
	slog.Info("Created Weaviate class", "class", DocumentClass)
	return nil
}

func documentClassSchema() *models.Class {
	return &models.Class{
		Class:       DocumentClass,
		Description: "Knowledge passages and archived conversation summaries",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "content", DataType: []string{"text"}, Description: "Passage text"},
			{Name: "source", DataType: []string{"text"}, Description: "Chunk identifier"},
			{Name: "parent_source", DataType: []string{"text"}, Description: "Originating document or session"},
			{Name: "version_tag", DataType: []string{"text"}, Description: "Kind of passage"},
			{Name: "ingested_at", DataType: []string{"int"}, Description: "Unix millis of ingestion"},
		},
	}
}

// parseGraphQLResponse re-decodes the untyped GraphQL payload into T.
func parseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}
	return &out, nil
}

var _ DocumentIndex = (*WeaviateIndex)(nil)
