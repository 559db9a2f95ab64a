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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("babynest.llm.ollama")

const (
	defaultOllamaModel   = "llama3.1"
	defaultOllamaTimeout = 5 * time.Minute

	// maxOllamaResponseBytes caps how much of a reply is read.
	maxOllamaResponseBytes = 4 << 20
)

// OllamaClient calls /api/generate on a self-hosted Ollama server, one
// non-streamed completion per call.
type OllamaClient struct {
	httpClient   *http.Client
	baseURL      string
	model        string
	systemPrompt string
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// ollamaGenerateResponse keeps only what Generate reads. Error is set
// instead of Response when the server rejects the request.
type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// NewOllamaClient reads OLLAMA_BASE_URL and OLLAMA_MODEL for empty fields.
func NewOllamaClient(cfg ClientConfig) (*OllamaClient, error) {
	baseURL := envOr(cfg.BaseURL, "OLLAMA_BASE_URL", "")
	if baseURL == "" {
		return nil, errors.New("OLLAMA_BASE_URL environment variable not set")
	}
	model := envOr(cfg.Model, "OLLAMA_MODEL", defaultOllamaModel)
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultOllamaTimeout
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "model", model)
	return &OllamaClient{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		model:        model,
		systemPrompt: cfg.SystemPrompt,
	}, nil
}

// ollamaOptions maps the set generation parameters onto Ollama's option
// names. Unset parameters are left to the model defaults.
func ollamaOptions(params GenerationParams) map[string]any {
	opts := map[string]any{}
	if params.Temperature != nil {
		opts["temperature"] = *params.Temperature
	}
	if params.TopK != nil {
		opts["top_k"] = *params.TopK
	}
	if params.TopP != nil {
		opts["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		opts["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		opts["stop"] = params.Stop
	}
	return opts
}

// Generate implements LLMClient.
func (o *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	fail := func(err error) (string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		System:  o.systemPrompt,
		Options: ollamaOptions(params),
	})
	if err != nil {
		return fail(fmt.Errorf("encode ollama request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("build ollama request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("ollama request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxOllamaResponseBytes))
	if err != nil {
		return fail(fmt.Errorf("read ollama response: %w", err))
	}

	var out ollamaGenerateResponse
	decodeErr := json.Unmarshal(raw, &out)
	if resp.StatusCode != http.StatusOK {
		detail := strings.TrimSpace(string(raw))
		if decodeErr == nil && out.Error != "" {
			detail = out.Error
		}
		return fail(fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, detail))
	}
	if decodeErr != nil {
		return fail(fmt.Errorf("decode ollama response: %w", decodeErr))
	}
	if out.Error != "" {
		return fail(fmt.Errorf("ollama error: %s", out.Error))
	}
	if !out.Done {
		return fail(errors.New("ollama returned an unfinished response"))
	}
	return out.Response, nil
}
