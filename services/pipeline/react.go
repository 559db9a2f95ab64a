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
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ReActStep is one parsed model turn in the Thought/Action protocol.
type ReActStep struct {
	Thought     string
	Action      string
	ActionInput string
	FinalAnswer string
}

var (
	thoughtPattern     = regexp.MustCompile(`(?is)Thought\s*:\s*(.+?)(?:\n\s*(?:Action|Final Answer)|$)`)
	actionPattern      = regexp.MustCompile(`(?im)^\s*Action\s*:\s*([A-Za-z0-9_\-]+)`)
	actionInputPattern = regexp.MustCompile(`(?im)^\s*Action\s+Input\s*:\s*(.+)$`)
	finalAnswerPattern = regexp.MustCompile(`(?is)Final\s+Answer\s*:\s*(.+)$`)
	observationMarker  = regexp.MustCompile(`(?im)^\s*Observation\s*:`)
)

// ParseReAct extracts the protocol fields from a model reply. Text the
// model wrote after an invented "Observation:" line is ignored.
func ParseReAct(text string) ReActStep {
	if loc := observationMarker.FindStringIndex(text); loc != nil {
		text = text[:loc[0]]
	}

	var step ReActStep
	if m := thoughtPattern.FindStringSubmatch(text); len(m) > 1 {
		step.Thought = strings.TrimSpace(m[1])
	}
	if m := finalAnswerPattern.FindStringSubmatch(text); len(m) > 1 {
		step.FinalAnswer = strings.TrimSpace(m[1])
		return step
	}
	if m := actionPattern.FindStringSubmatch(text); len(m) > 1 {
		step.Action = strings.TrimSpace(m[1])
	}
	if m := actionInputPattern.FindStringSubmatch(text); len(m) > 1 {
		step.ActionInput = strings.TrimSpace(m[1])
	}
	return step
}

// HasAction reports whether the step asks for a tool call.
func (s ReActStep) HasAction() bool { return s.Action != "" }

// HasFinalAnswer reports whether the step ends the loop.
func (s ReActStep) HasFinalAnswer() bool { return s.FinalAnswer != "" }

// Query returns the tool query from Action Input. It accepts a bare
// string, a quoted string, or a JSON object with a "query" field.
func (s ReActStep) Query() string {
	in := strings.TrimSpace(s.ActionInput)
	if strings.HasPrefix(in, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(in), &obj); err == nil {
			if q, ok := obj["query"].(string); ok {
				return strings.TrimSpace(q)
			}
			for _, v := range obj {
				if q, ok := v.(string); ok {
					return strings.TrimSpace(q)
				}
			}
		}
	}
	return strings.Trim(in, "\"'` ")
}

// transcriptLine is what the loop appends for a step: the model's own
// text up to the action, followed by the observation.
func transcriptLine(step ReActStep, observation string) string {
	var sb strings.Builder
	if step.Thought != "" {
		fmt.Fprintf(&sb, "Thought: %s\n", step.Thought)
	}
	fmt.Fprintf(&sb, "Action: %s\nAction Input: %s\nObservation: %s\n", step.Action, step.ActionInput, observation)
	return sb.String()
}

func reactInstructions(tools []Tool) string {
	var sb strings.Builder
	sb.WriteString("You can use the following tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name(), t.Description())
	}
	sb.WriteString(`
To use a tool, reply with EXACTLY this format and then stop:

Thought: what you still need to find out
Action: the tool name
Action Input: the search query

You will receive the result as an Observation. When you have enough
information, reply with:

Thought: I now have what I need
Final Answer: your complete answer to the task
`)
	return sb.String()
}

const forceFinalAnswer = `
You have used all your tool calls. Do not call any more tools.
Using the observations above, reply now with:

Final Answer: your complete answer to the task
`
