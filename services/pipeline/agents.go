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
	"strings"

	"github.com/AleutianAI/babynest/services/llm"
	"go.opentelemetry.io/otel/attribute"
)

// TaskInput is what a task hands its agent.
type TaskInput struct {
	// Query is the user's question, empty unless the task includes it.
	Query string

	// Context is the dependencies' outputs in declared order, each as
	// "### <task>\n<output>", separated by blank lines.
	Context string
}

// Agent performs tasks. Implementations must be stateless between calls.
type Agent interface {
	Name() string
	Perform(ctx context.Context, task TaskConfig, in TaskInput) (string, error)
}

// LLMAgent performs a task with one model call, or with a bounded
// Thought/Action loop when it has tools.
type LLMAgent struct {
	cfg    AgentConfig
	model  llm.LLMClient
	tools  map[string]Tool
	listed []Tool
	params llm.GenerationParams
}

// NewLLMAgent builds an agent. tools must contain every tool named in
// cfg.Tools; others are ignored.
func NewLLMAgent(cfg AgentConfig, model llm.LLMClient, tools map[string]Tool) (*LLMAgent, error) {
	if model == nil {
		return nil, fmt.Errorf("agent %q: model is required", cfg.Name)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	a := &LLMAgent{
		cfg:    cfg,
		model:  model,
		tools:  make(map[string]Tool, len(cfg.Tools)),
		params: llm.GenerationParams{Temperature: llm.Float32(0.5)},
	}
	for _, name := range cfg.Tools {
		tool, ok := tools[name]
		if !ok {
			return nil, fmt.Errorf("agent %q: unknown tool %q", cfg.Name, name)
		}
		a.tools[name] = tool
		a.listed = append(a.listed, tool)
	}
	return a, nil
}

func (a *LLMAgent) Name() string { return a.cfg.Name }

// Perform runs the task.
//
// # Description
//
// Without tools: one model call. With tools: up to MaxIterations tool
// rounds, then one final call that demands an answer, so at most
// MaxIterations+1 model calls. A reply with neither an action nor a final
// answer is taken as the answer.
func (a *LLMAgent) Perform(ctx context.Context, task TaskConfig, in TaskInput) (string, error) {
	ctx, span := tracer.Start(ctx, "LLMAgent.Perform")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent", a.cfg.Name),
		attribute.String("task", task.Name),
	)

	prompt := buildTaskPrompt(a.cfg, task, in)
	if len(a.listed) == 0 {
		out, err := a.model.Generate(ctx, prompt, a.params)
		if err != nil {
			return "", err
		}
		return finalText(out), nil
	}
	return a.react(ctx, prompt+"\n"+reactInstructions(a.listed))
}

func (a *LLMAgent) react(ctx context.Context, prompt string) (string, error) {
	var transcript strings.Builder
	transcript.WriteString(prompt)

	for i := 0; i < a.cfg.MaxIterations; i++ {
		reply, err := a.model.Generate(ctx, transcript.String(), a.params)
		if err != nil {
			return "", err
		}
		step := ParseReAct(reply)
		if step.HasFinalAnswer() {
			return step.FinalAnswer, nil
		}
		if !step.HasAction() {
			return strings.TrimSpace(reply), nil
		}

		query := step.Query()
		observation := runTool(ctx, a.tools, step.Action, query)
		slog.Debug("Agent used tool",
			"agent", a.cfg.Name,
			"tool", step.Action,
			"round", i+1)
		transcript.WriteString("\n")
		transcript.WriteString(transcriptLine(step, observation))
	}

	transcript.WriteString(forceFinalAnswer)
	reply, err := a.model.Generate(ctx, transcript.String(), a.params)
	if err != nil {
		return "", err
	}
	return finalText(reply), nil
}

// finalText is the Final Answer section of reply, or all of it.
func finalText(reply string) string {
	if step := ParseReAct(reply); step.HasFinalAnswer() {
		return step.FinalAnswer
	}
	return strings.TrimSpace(reply)
}

func buildTaskPrompt(agent AgentConfig, task TaskConfig, in TaskInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the %s.\n", strings.TrimSpace(agent.Role))
	if g := strings.TrimSpace(agent.Goal); g != "" {
		fmt.Fprintf(&sb, "Your goal: %s\n", g)
	}
	if b := strings.TrimSpace(agent.Backstory); b != "" {
		fmt.Fprintf(&sb, "Background: %s\n", b)
	}
	fmt.Fprintf(&sb, "\nTask: %s\n", strings.TrimSpace(task.Description))
	if e := strings.TrimSpace(task.ExpectedOutput); e != "" {
		fmt.Fprintf(&sb, "Expected output: %s\n", e)
	}
	if in.Query != "" {
		fmt.Fprintf(&sb, "\nUser question: %s\n", in.Query)
	}
	if in.Context != "" {
		fmt.Fprintf(&sb, "\nContext from previous steps:\n%s\n", in.Context)
	}
	return sb.String()
}

var _ Agent = (*LLMAgent)(nil)
