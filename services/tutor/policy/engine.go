// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy classifies student messages for credentials and personal
// data before they are stored or sent to the model.
//
// The patterns are embedded in the binary, so the rules travel with the
// executable and cannot be changed on the host without a rebuild.
package policy

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var embeddedPatterns []byte

// Modes.
const (
	// ModeBlock rejects messages with findings at or above MinConfidence.
	ModeBlock = "block"
	// ModeAudit only reports findings.
	ModeAudit = "audit"
	// ModeOff disables scanning.
	ModeOff = "off"
)

// Config selects what happens to a message with findings.
type Config struct {
	Mode          string     `yaml:"mode"`
	MinConfidence Confidence `yaml:"min_confidence"`
}

// DefaultConfig blocks high-confidence findings.
func DefaultConfig() Config {
	return Config{Mode: ModeBlock, MinConfidence: ConfidenceHigh}
}

// Verdict is the result of checking one message.
type Verdict struct {
	// Findings lists every match, including those below MinConfidence.
	Findings []Finding
	// Blocked is true when the message must be rejected.
	Blocked bool
}

// Engine scans text against the embedded classifications.
//
// Thread-safe: the compiled patterns are immutable after New.
type Engine struct {
	cfg             Config
	classifications []classification
}

// New compiles the embedded patterns. It returns nil and no error when cfg
// disables scanning.
func New(cfg Config) (*Engine, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeBlock
	}
	if cfg.MinConfidence == "" {
		cfg.MinConfidence = ConfidenceHigh
	}
	switch cfg.Mode {
	case ModeOff:
		return nil, nil
	case ModeBlock, ModeAudit:
	default:
		return nil, fmt.Errorf("unknown policy mode %q", cfg.Mode)
	}
	return newEngine(cfg, embeddedPatterns)
}

func newEngine(cfg Config, data []byte) (*Engine, error) {
	var file classificationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy patterns: %w", err)
	}
	if err := file.compile(); err != nil {
		return nil, err
	}
	file.sortByPriority()
	return &Engine{cfg: cfg, classifications: file.Classifications}, nil
}

// Mode returns the configured mode.
func (e *Engine) Mode() string {
	return e.cfg.Mode
}

// Classify returns the name of the highest-priority classification with any
// match, or "public".
func (e *Engine) Classify(text string) string {
	for _, c := range e.classifications {
		for _, p := range c.Patterns {
			if p.re.MatchString(text) {
				return c.Name
			}
		}
	}
	return "public"
}

// Scan returns every match in text, line by line, in priority order within
// a line.
func (e *Engine) Scan(text string) []Finding {
	var findings []Finding
	for i, line := range strings.Split(text, "\n") {
		for _, c := range e.classifications {
			for _, p := range c.Patterns {
				if !p.re.MatchString(line) {
					continue
				}
				findings = append(findings, Finding{
					Line:           i + 1,
					Classification: c.Name,
					PatternID:      p.ID,
					Description:    p.Description,
					Confidence:     p.Confidence,
				})
			}
		}
	}
	return findings
}

// Check scans text and applies the configured mode.
func (e *Engine) Check(text string) Verdict {
	v := Verdict{Findings: e.Scan(text)}
	if e.cfg.Mode != ModeBlock {
		return v
	}
	for _, f := range v.Findings {
		if f.Confidence.AtLeast(e.cfg.MinConfidence) {
			v.Blocked = true
			break
		}
	}
	return v
}

// PatternIDs lists the distinct pattern ids of findings, for logs.
func PatternIDs(findings []Finding) []string {
	seen := make(map[string]bool, len(findings))
	var ids []string
	for _, f := range findings {
		if !seen[f.PatternID] {
			seen[f.PatternID] = true
			ids = append(ids, f.PatternID)
		}
	}
	return ids
}
