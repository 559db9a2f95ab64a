// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm is the model gateway: one interface over the hosted
// completion backends (Groq, OpenAI, Gemini, Ollama) and a Gateway that
// tries a primary backend and at most one fallback.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Backend names accepted by NewClient.
const (
	BackendGroq   = "groq"
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
	BackendOllama = "ollama"
)

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// Float32 returns a pointer to v, for GenerationParams literals.
func Float32(v float32) *float32 { return &v }

// Int returns a pointer to v, for GenerationParams literals.
func Int(v int) *int { return &v }

// ClientConfig selects and configures one backend.
//
// Empty fields fall back to the backend's environment variables and then
// to the backend default (see each constructor).
type ClientConfig struct {
	Backend string
	APIKey  string
	Model   string
	BaseURL string

	// SystemPrompt is sent as the system message by chat-style backends.
	SystemPrompt string

	// Timeout bounds the HTTP client of backends that own one.
	Timeout time.Duration
}

// NewClient builds the backend named by cfg.Backend.
//
// # Inputs
//
//   - ctx: Used only by backends whose SDK needs it during construction.
//   - cfg: Backend selection and credentials.
//
// # Outputs
//
//   - LLMClient: Ready client.
//   - error: Unknown backend or missing credentials.
func NewClient(ctx context.Context, cfg ClientConfig) (LLMClient, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendGroq:
		return NewGroqClient(cfg)
	case BackendOpenAI:
		return NewOpenAIClient(cfg)
	case BackendGemini:
		return NewGeminiClient(ctx, cfg)
	case BackendOllama:
		return NewOllamaClient(cfg)
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", cfg.Backend)
	}
}

// resolveAPIKey returns explicit, then the env var, then a mounted secret.
func resolveAPIKey(explicit, envVar, secretName string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if v := os.Getenv(envVar); v != "" {
		return v, nil
	}
	secretPath := "/run/secrets/" + secretName
	if b, err := os.ReadFile(secretPath); err == nil {
		slog.Info("Read API key from mounted secret", "path", secretPath)
		return strings.TrimSpace(string(b)), nil
	}
	return "", fmt.Errorf("%s environment variable not set", envVar)
}

func envOr(explicit, envVar, def string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return def
}
