// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultKeywordPolicy is the route policy compiled into the binary.
//
//go:embed policies/route_keywords.yaml
var DefaultKeywordPolicy []byte

// KeywordPolicyFile is the YAML shape of a keyword route policy.
type KeywordPolicyFile struct {
	Rules []KeywordRule `yaml:"rules"`
}

// KeywordRule maps a set of keywords to a route.
type KeywordRule struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Priority    int      `yaml:"priority"`
	Route       Route    `yaml:"route"`
	Keywords    []string `yaml:"keywords"`

	compiled []*regexp.Regexp
}

// KeywordPolicy is a compiled, priority-sorted keyword policy. It is
// immutable after construction and safe for concurrent use.
type KeywordPolicy struct {
	rules []KeywordRule
}

// NewKeywordPolicy parses and compiles a policy document.
//
// # Description
//
// Unmarshals the YAML, rejects rules without a name, route or keywords,
// compiles each keyword into a case-insensitive word-start regex and sorts
// rules from highest to lowest priority. Rules with equal priority keep
// their file order.
//
// # Outputs
//
//   - *KeywordPolicy: Ready to evaluate.
//   - error: Malformed YAML or an invalid rule.
func NewKeywordPolicy(data []byte) (*KeywordPolicy, error) {
	var file KeywordPolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal route policy: %w", err)
	}
	if err := file.compile(); err != nil {
		return nil, err
	}
	sort.SliceStable(file.Rules, func(i, j int) bool {
		return file.Rules[i].Priority > file.Rules[j].Priority
	})
	return &KeywordPolicy{rules: file.Rules}, nil
}

func (f *KeywordPolicyFile) compile() error {
	for i := range f.Rules {
		rule := &f.Rules[i]
		if rule.Name == "" {
			return fmt.Errorf("route policy rule %d has no name", i)
		}
		if !rule.Route.Valid() {
			return fmt.Errorf("route policy rule %q has invalid route %q", rule.Name, rule.Route)
		}
		if len(rule.Keywords) == 0 {
			return fmt.Errorf("route policy rule %q has no keywords", rule.Name)
		}
		for _, kw := range rule.Keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				return fmt.Errorf("route policy rule %q has an empty keyword", rule.Name)
			}
			re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(kw))
			if err != nil {
				return fmt.Errorf("failed to compile keyword %q: %w", kw, err)
			}
			rule.compiled = append(rule.compiled, re)
		}
	}
	return nil
}

// Match returns the route of the first matching rule and the rule name.
// With no match it returns RouteSimple and "".
func (p *KeywordPolicy) Match(query string) (Route, string) {
	for _, rule := range p.rules {
		for _, re := range rule.compiled {
			if re.MatchString(query) {
				return rule.Route, rule.Name
			}
		}
	}
	return RouteSimple, ""
}

// Rules returns the rule names in evaluation order.
func (p *KeywordPolicy) Rules() []string {
	names := make([]string, len(p.rules))
	for i, r := range p.rules {
		names[i] = r.Name
	}
	return names
}
