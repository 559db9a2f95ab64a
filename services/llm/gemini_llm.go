// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-1.5-flash"

// GeminiClient calls the Gemini API through the genai SDK.
type GeminiClient struct {
	client       *genai.Client
	model        string
	systemPrompt string
}

// NewGeminiClient reads GOOGLE_API_KEY and GEMINI_MODEL for empty fields.
// cfg.BaseURL overrides the API endpoint.
func NewGeminiClient(ctx context.Context, cfg ClientConfig) (*GeminiClient, error) {
	apiKey, err := resolveAPIKey(cfg.APIKey, "GOOGLE_API_KEY", "google_api_key")
	if err != nil {
		slog.Error("Gemini API key not configured")
		return nil, err
	}
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	gc, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	model := envOr(cfg.Model, "GEMINI_MODEL", defaultGeminiModel)
	slog.Info("Initializing Gemini client", "model", model)
	return &GeminiClient{client: gc, model: model, systemPrompt: cfg.SystemPrompt}, nil
}

// Generate implements the LLMClient interface
func (g *GeminiClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	config := &genai.GenerateContentConfig{
		Temperature:   params.Temperature,
		TopP:          params.TopP,
		StopSequences: params.Stop,
	}
	if params.TopK != nil {
		k := float32(*params.TopK)
		config.TopK = &k
	}
	if params.MaxTokens != nil {
		config.MaxOutputTokens = int32(*params.MaxTokens)
	}
	if g.systemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: g.systemPrompt}},
		}
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), config)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
