// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing decides which answering strategy handles a query.
//
// The decision comes from a single constrained model call. When the model
// cannot be reached, a keyword policy compiled from embedded YAML decides
// instead, so Classify always returns a route.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/AleutianAI/babynest/services/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"
)

var tracer = otel.Tracer("babynest.routing")

// Route is the answering strategy for one query.
type Route string

const (
	// RouteSimple is the retrieval-augmented chat path.
	RouteSimple Route = "simple"
	// RoutePipeline is the multi-agent research pipeline.
	RoutePipeline Route = "pipeline"
)

// Valid reports whether r is a known route.
func (r Route) Valid() bool {
	return r == RouteSimple || r == RoutePipeline
}

func (r *Route) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	incoming := Route(strings.ToLower(strings.TrimSpace(s)))
	if !incoming.Valid() {
		return fmt.Errorf("invalid value for Route: %q", s)
	}
	*r = incoming
	return nil
}

// Completer is the single-attempt model call the router needs.
// *llm.Gateway satisfies it through Complete.
type Completer interface {
	Complete(ctx context.Context, prompt string, params llm.GenerationParams) (string, error)
}

// Source says what produced a decision.
type Source string

const (
	SourceModel   Source = "model"
	SourceKeyword Source = "keyword"
)

// Decision is a route plus how it was reached.
type Decision struct {
	Route  Route
	Source Source
	// Rule is the keyword rule that matched, if any.
	Rule string
}

const routerPrompt = `You are a routing assistant for a pregnancy and baby-care helper.
Decide which strategy should answer the user's message.

Answer "pipeline" when the user explicitly asks for research, a detailed
report, a comparison of sources, a personalised plan, or a summary of
official guidelines.
Answer "simple" for greetings, small talk, and ordinary questions that a
short, friendly answer can cover, including questions about common
pregnancy or postpartum topics.

Respond with exactly one word: pipeline or simple.

Examples:
User: "Hi there!"
Response: simple
User: "What is postpartum depression?"
Response: simple
User: "Please research and summarize WHO guidelines on infant nutrition."
Response: pipeline
User: "Can you compare what different sources say about sleep training and make me a plan?"
Response: pipeline

User: %q
Response:`

// Router classifies queries.
//
// # Thread Safety
//
// Safe for concurrent use.
type Router struct {
	model   Completer
	backend string
	policy  *KeywordPolicy
}

// NewRouter builds a Router. policy may be nil, in which case the
// embedded DefaultKeywordPolicy is compiled. backend is only used in logs
// and ClassificationError.
func NewRouter(model Completer, backend string, policy *KeywordPolicy) (*Router, error) {
	if policy == nil {
		p, err := NewKeywordPolicy(DefaultKeywordPolicy)
		if err != nil {
			return nil, fmt.Errorf("failed to load embedded route policy: %w", err)
		}
		policy = p
	}
	return &Router{model: model, backend: backend, policy: policy}, nil
}

// Classify returns the route for query. It never fails.
func (r *Router) Classify(ctx context.Context, query string) Route {
	return r.Decide(ctx, query).Route
}

// Decide is Classify with provenance.
//
// # Description
//
// Calls the model once with temperature 0 and a small token budget. The
// reply is trimmed of whitespace and punctuation and lowercased; "pipeline"
// selects RoutePipeline and anything else RouteSimple. If the call fails
// the error is logged as a ClassificationError and the keyword policy
// decides.
func (r *Router) Decide(ctx context.Context, query string) Decision {
	ctx, span := tracer.Start(ctx, "Router.Decide")
	defer span.End()

	decision := r.decide(ctx, query)
	span.SetAttributes(
		attribute.String("route", string(decision.Route)),
		attribute.String("route.source", string(decision.Source)),
	)
	return decision
}

func (r *Router) decide(ctx context.Context, query string) Decision {
	if r.model == nil {
		return r.fallback(query, &ClassificationError{Backend: r.backend, Err: fmt.Errorf("no routing model configured")})
	}
	reply, err := r.model.Complete(ctx, fmt.Sprintf(routerPrompt, query), llm.GenerationParams{
		Temperature: llm.Float32(0),
		MaxTokens:   llm.Int(5),
	})
	if err != nil {
		return r.fallback(query, &ClassificationError{Backend: r.backend, Err: err})
	}
	return Decision{Route: ParseRoute(reply), Source: SourceModel}
}

func (r *Router) fallback(query string, cerr *ClassificationError) Decision {
	route, rule := r.policy.Match(query)
	slog.Warn("Router model failed, using keyword policy",
		"error", cerr,
		"route", route,
		"rule", rule)
	return Decision{Route: route, Source: SourceKeyword, Rule: rule}
}

// ParseRoute normalises a model reply into a Route. Anything that is not
// exactly "pipeline" after normalisation is RouteSimple.
func ParseRoute(reply string) Route {
	token := strings.ToLower(strings.TrimFunc(reply, func(c rune) bool {
		return unicode.IsSpace(c) || unicode.IsPunct(c)
	}))
	if Route(token) == RoutePipeline {
		return RoutePipeline
	}
	return RouteSimple
}
