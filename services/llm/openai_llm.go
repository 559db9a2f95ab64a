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
	"strings"

	"github.com/sashabaranov/go-openai"
)

const (
	groqBaseURL      = "https://api.groq.com/openai/v1"
	defaultGroqModel = "llama-3.3-70b-versatile"

	defaultOpenAIModel  = "gpt-4o-mini"
	defaultSystemPrompt = "You are a helpful assistant."
)

// OpenAIClient talks to any OpenAI-compatible chat completions API.
// Groq is served by the same client with a different base URL.
type OpenAIClient struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

// NewOpenAIClient reads OPENAI_API_KEY, OPENAI_MODEL and OPENAI_BASE_URL
// for any field cfg leaves empty.
func NewOpenAIClient(cfg ClientConfig) (*OpenAIClient, error) {
	apiKey, err := resolveAPIKey(cfg.APIKey, "OPENAI_API_KEY", "openai_api_key")
	if err != nil {
		slog.Error("OpenAI API key not configured")
		return nil, err
	}
	model := envOr(cfg.Model, "OPENAI_MODEL", defaultOpenAIModel)
	baseURL := envOr(cfg.BaseURL, "OPENAI_BASE_URL", "")
	return newOpenAICompatible(apiKey, baseURL, model, cfg.SystemPrompt), nil
}

// NewGroqClient is an OpenAIClient pointed at Groq's OpenAI-compatible API.
// It reads GROQ_API_KEY and GROQ_MODEL.
func NewGroqClient(cfg ClientConfig) (*OpenAIClient, error) {
	apiKey, err := resolveAPIKey(cfg.APIKey, "GROQ_API_KEY", "groq_api_key")
	if err != nil {
		slog.Error("Groq API key not configured")
		return nil, err
	}
	model := envOr(cfg.Model, "GROQ_MODEL", defaultGroqModel)
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = groqBaseURL
	}
	return newOpenAICompatible(apiKey, baseURL, model, cfg.SystemPrompt), nil
}

func newOpenAICompatible(apiKey, baseURL, model, systemPrompt string) *OpenAIClient {
	conf := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		conf.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	slog.Info("Initializing OpenAI-compatible client", "model", model, "base_url", conf.BaseURL)
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(conf),
		model:        model,
		systemPrompt: systemPrompt,
	}
}

// Generate implements the LLMClient interface
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	slog.Debug("Generating text via OpenAI-compatible API", "model", o.model)
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	slog.Debug("Received chat completion", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}
