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
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var gatewayTracer = otel.Tracer("babynest.llm.gateway")

// Backend is a named LLMClient.
type Backend struct {
	Name   string
	Client LLMClient
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithCallTimeout bounds every single backend attempt.
func WithCallTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.timeout = d }
}

// WithFallbackObserver registers a callback invoked each time the
// primary fails and the fallback is tried.
func WithFallbackObserver(fn func(primary, fallback string)) GatewayOption {
	return func(g *Gateway) { g.onFallback = fn }
}

// Gateway completes prompts against a primary backend with at most one
// alternate.
//
// # Description
//
// Complete issues exactly one request to the primary backend.
// CompleteWithFallback tries the primary and, only if it fails, the
// fallback. There is never a third attempt. Every single failure is
// reported as a *ModelError; the combined failure matches
// ErrBackendsExhausted.
//
// # Thread Safety
//
// Safe for concurrent use when the wrapped clients are.
type Gateway struct {
	primary    Backend
	fallback   *Backend
	timeout    time.Duration
	onFallback func(primary, fallback string)
}

// NewGateway builds a gateway. fallback may be nil.
func NewGateway(primary Backend, fallback *Backend, opts ...GatewayOption) *Gateway {
	g := &Gateway{primary: primary, fallback: fallback}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// PrimaryName returns the name of the primary backend.
func (g *Gateway) PrimaryName() string { return g.primary.Name }

// Complete issues one request to the primary backend.
func (g *Gateway) Complete(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := gatewayTracer.Start(ctx, "Gateway.Complete")
	defer span.End()

	out, err := g.attempt(ctx, g.primary, prompt, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "primary backend failed")
		return "", err
	}
	return out, nil
}

// CompleteWithFallback tries the primary backend, then the fallback once.
func (g *Gateway) CompleteWithFallback(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := gatewayTracer.Start(ctx, "Gateway.CompleteWithFallback")
	defer span.End()
	span.SetAttributes(attribute.String("llm.primary", g.primary.Name))

	out, err := g.attempt(ctx, g.primary, prompt, params)
	if err == nil {
		return out, nil
	}
	primaryErr := asModelError(g.primary.Name, err)

	if g.fallback == nil {
		span.RecordError(primaryErr)
		span.SetStatus(codes.Error, "primary failed, no fallback")
		return "", &ExhaustedError{Primary: primaryErr}
	}
	if ctx.Err() != nil {
		// The request is gone; a fallback call would only be cancelled too.
		return "", &ExhaustedError{Primary: primaryErr, Fallback: &ModelError{Backend: g.fallback.Name, Err: ctx.Err()}}
	}

	slog.Warn("Primary model backend failed, trying fallback",
		"primary", g.primary.Name,
		"fallback", g.fallback.Name,
		"error", primaryErr)
	if g.onFallback != nil {
		g.onFallback(g.primary.Name, g.fallback.Name)
	}
	span.SetAttributes(attribute.String("llm.fallback", g.fallback.Name))

	out, err = g.attempt(ctx, *g.fallback, prompt, params)
	if err != nil {
		exhausted := &ExhaustedError{Primary: primaryErr, Fallback: asModelError(g.fallback.Name, err)}
		slog.Error("Fallback model backend failed", "fallback", g.fallback.Name, "error", err)
		span.RecordError(exhausted)
		span.SetStatus(codes.Error, "all backends failed")
		return "", exhausted
	}
	return out, nil
}

// Generate makes the gateway usable wherever an LLMClient is expected.
// It has CompleteWithFallback semantics.
func (g *Gateway) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	return g.CompleteWithFallback(ctx, prompt, params)
}

func (g *Gateway) attempt(ctx context.Context, b Backend, prompt string, params GenerationParams) (string, error) {
	if b.Client == nil {
		return "", &ModelError{Backend: b.Name, Err: errors.New("backend not configured")}
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	out, err := b.Client.Generate(ctx, prompt, params)
	if err != nil {
		return "", asModelError(b.Name, err)
	}
	if out == "" {
		return "", &ModelError{Backend: b.Name, Err: ErrEmptyCompletion}
	}
	return out, nil
}

func asModelError(backend string, err error) *ModelError {
	var me *ModelError
	if errors.As(err, &me) {
		return me
	}
	return &ModelError{Backend: backend, Err: err}
}

var _ LLMClient = (*Gateway)(nil)
