// Copyright (C) 2025 Gold Terra Resource Corp.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package screening classifies inbound prompt text against embedded rules
// so that credentials and personal identifiers never reach a model API.
package screening

import (
	"fmt"
	"strings"

	"github.com/goldterra/terrachat/services/screening/rules"
	"gopkg.in/yaml.v3"
)

// Engine is the entry point for prompt classification. It holds the
// compiled rule set and provides methods to scan prompt text against it.
type Engine struct {
	Categories []Category
}

// NewEngine initializes a new screening engine from the rules embedded in
// the binary via the rules package.
//
// It performs the following operations:
// 1. Unmarshals the embedded YAML data.
// 2. Compiles all regex patterns.
// 3. Sorts categories by priority.
//
// Returns an error if the embedded YAML is malformed or contains invalid regex.
func NewEngine() (*Engine, error) {
	var ruleFile RuleFile
	if err := yaml.Unmarshal(rules.PromptScreeningRules, &ruleFile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded rules file: %w", err)
	}

	// Compile the regex patterns for performance and sort by priority
	if err := ruleFile.CompileRegexes(); err != nil {
		return nil, fmt.Errorf("failed to compile a regex %w", err)
	}

	ruleFile.SortByPriority()

	return &Engine{Categories: ruleFile.Categories}, nil
}

// Classify performs a quick boolean check on a byte slice and returns the
// name of the first category that matches, or "clear" when nothing matches.
//
// Optimized for high-throughput categorization rather than detailed auditing.
func (e *Engine) Classify(data []byte) string {
	for _, category := range e.Categories {
		for _, re := range category.CompiledPatterns {
			if re.Match(data) {
				return category.Name
			}
		}
	}
	return "clear"
}

// ScanPrompt performs a comprehensive audit of prompt text.
//
// It splits the text into lines and checks every line against every pattern
// in the engine, capturing line numbers and the specific text that triggered
// each match. Used on the chat path where a rejection must say why.
func (e *Engine) ScanPrompt(text string) []Finding {
	var findings []Finding
	lines := strings.Split(text, "\n")
	for lineNum, line := range lines {
		for _, category := range e.Categories {
			for _, pattern := range category.Patterns {
				match := pattern.compiledPattern.FindString(line)
				if match != "" {
					findings = append(findings, Finding{
						LineNumber:         lineNum + 1,
						MatchedContent:     strings.TrimSpace(match),
						CategoryName:       category.Name,
						PatternId:          pattern.Id,
						PatternDescription: pattern.Description,
						Confidence:         pattern.Confidence,
					})
				}
			}
		}
	}
	return findings
}
