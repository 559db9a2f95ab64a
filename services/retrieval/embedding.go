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
	"net/http"
	"strings"
	"time"
)

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type embeddingRequest struct {
	Text string `json:"text"`
}

type embeddingResponse struct {
	ID     string    `json:"id"`
	Text   string    `json:"text"`
	Vector []float32 `json:"vector"`
	Dim    int       `json:"dim"`
}

type batchEmbeddingRequest struct {
	Texts []string `json:"texts"`
}

type batchEmbeddingResponse struct {
	ID      string      `json:"id"`
	Vectors [][]float32 `json:"vectors"`
	Model   string      `json:"model"`
	Dim     int         `json:"dim"`
}

// HTTPEmbedder calls an embedding service exposing POST /embed and
// POST /batch_embed.
type HTTPEmbedder struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPEmbedder accepts either the service root or its /embed URL.
func NewHTTPEmbedder(serviceURL string) *HTTPEmbedder {
	base := strings.TrimSuffix(strings.TrimSuffix(serviceURL, "/"), "/embed")
	return &HTTPEmbedder{
		baseURL:    base,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Embed returns the vector for one text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embeddingResponse
	if err := e.post(ctx, "/embed", embeddingRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Vector) == 0 {
		return nil, newError("embedding", "empty vector", nil)
	}
	return resp.Vector, nil
}

// EmbedBatch returns one vector per text, in order.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var resp batchEmbeddingResponse
	if err := e.post(ctx, "/batch_embed", batchEmbeddingRequest{Texts: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Vectors) != len(texts) {
		return nil, newError("embedding",
			fmt.Sprintf("mismatched vector count: %d texts, %d vectors", len(texts), len(resp.Vectors)), nil)
	}
	return resp.Vectors, nil
}

func (e *HTTPEmbedder) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return newError("embedding", "marshal request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return newError("embedding", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return newError("embedding", "call "+path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return newError("embedding", "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &Error{Backend: "embedding", StatusCode: resp.StatusCode, Message: string(respBody)}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return newError("embedding", "decode response", err)
	}
	return nil
}
