// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router maps root-relative file paths to build envelopes.
//
// The routing table is human-authored configuration loaded at daemon
// startup. It is the sole authority: the router never looks at file
// contents, prior build state, or artifact presence. Entries are
// evaluated top to bottom and the first matching pattern wins.
package router

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Step names executed by the pipeline.
const (
	StepIngest       = "INGEST"
	StepParse        = "PARSE"
	StepSymbols      = "SYMBOLS"
	StepRefs         = "REFS"
	StepLocalization = "LOCALIZATION"

	StepLookupEvents    = "LOOKUP_EVENTS"
	StepLookupDecisions = "LOOKUP_DECISIONS"
	StepLookupTitles    = "LOOKUP_TITLES"
	StepLookupTraits    = "LOOKUP_TRAITS"
)

// Envelope names. EnvelopeSkip is a terminal classification: the file is
// not indexed at all.
const (
	EnvelopeIngestOnly      = "INGEST_ONLY"
	EnvelopeLocalization    = "LOCALIZATION"
	EnvelopeScriptNoRefs    = "SCRIPT_NO_REFS"
	EnvelopeScriptFull      = "SCRIPT_FULL"
	EnvelopeLookupEvents    = "LOOKUP_EVENTS"
	EnvelopeLookupDecisions = "LOOKUP_DECISIONS"
	EnvelopeLookupTitles    = "LOOKUP_TITLES"
	EnvelopeLookupTraits    = "LOOKUP_TRAITS"
	EnvelopeSkip            = "SKIP"
)

// ErrUnmatched is returned when no table entry matches a path. Discovery
// treats it as the terminal classification router_unmatched.
var ErrUnmatched = errors.New("no routing rule matches path")

var knownSteps = map[string]bool{
	StepIngest:          true,
	StepParse:           true,
	StepSymbols:         true,
	StepRefs:            true,
	StepLocalization:    true,
	StepLookupEvents:    true,
	StepLookupDecisions: true,
	StepLookupTitles:    true,
	StepLookupTraits:    true,
}

// canonicalEnvelopes is the built-in envelope → step-list table. A
// routing table file may add envelopes but the canonical set is always
// available.
var canonicalEnvelopes = map[string][]string{
	EnvelopeIngestOnly:      {StepIngest},
	EnvelopeLocalization:    {StepIngest, StepLocalization},
	EnvelopeScriptNoRefs:    {StepIngest, StepParse, StepSymbols},
	EnvelopeScriptFull:      {StepIngest, StepParse, StepSymbols, StepRefs},
	EnvelopeLookupEvents:    {StepIngest, StepParse, StepSymbols, StepRefs, StepLookupEvents},
	EnvelopeLookupDecisions: {StepIngest, StepParse, StepSymbols, StepRefs, StepLookupDecisions},
	EnvelopeLookupTitles:    {StepIngest, StepParse, StepSymbols, StepRefs, StepLookupTitles},
	EnvelopeLookupTraits:    {StepIngest, StepParse, StepSymbols, StepRefs, StepLookupTraits},
}

// Rule is one (pattern, envelope) table entry.
type Rule struct {
	Pattern  string `yaml:"pattern"`
	Envelope string `yaml:"envelope"`
}

// Table is the parsed routing table file.
type Table struct {
	// Envelopes declares or overrides envelope step lists.
	Envelopes map[string][]string `yaml:"envelopes"`

	// Rules are evaluated in order; first match wins.
	Rules []Rule `yaml:"rules"`
}

// Decision is the router's answer for one path.
type Decision struct {
	Envelope string
	Steps    []string
	Skip     bool
}

// Router matches normalized paths against a validated table.
type Router struct {
	rules     []compiledRule
	envelopes map[string][]string
}

type compiledRule struct {
	segments []string
	envelope string
}

// Load reads, parses, and validates a routing table file. A missing or
// malformed file, an unknown envelope, or an envelope with an unknown
// step name all fail hard: daemon startup depends on this succeeding.
func Load(tablePath string) (*Router, error) {
	data, err := os.ReadFile(tablePath)
	if err != nil {
		return nil, fmt.Errorf("read routing table: %w", err)
	}

	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse routing table %s: %w", tablePath, err)
	}
	return New(table)
}

// New validates table and builds a Router.
func New(table Table) (*Router, error) {
	envelopes := make(map[string][]string, len(canonicalEnvelopes)+len(table.Envelopes))
	for name, steps := range canonicalEnvelopes {
		envelopes[name] = steps
	}
	for name, steps := range table.Envelopes {
		if len(steps) == 0 {
			return nil, fmt.Errorf("envelope %q declares no steps", name)
		}
		for _, s := range steps {
			if !knownSteps[s] {
				return nil, fmt.Errorf("envelope %q references unknown step %q", name, s)
			}
		}
		envelopes[name] = steps
	}

	if len(table.Rules) == 0 {
		return nil, errors.New("routing table has no rules")
	}

	r := &Router{envelopes: envelopes}
	for i, rule := range table.Rules {
		if rule.Pattern == "" {
			return nil, fmt.Errorf("rule %d has an empty pattern", i)
		}
		if rule.Envelope != EnvelopeSkip {
			if _, ok := envelopes[rule.Envelope]; !ok {
				return nil, fmt.Errorf("rule %d (%q) references unknown envelope %q", i, rule.Pattern, rule.Envelope)
			}
		}
		pat := Normalize(rule.Pattern)
		if _, err := path.Match(strings.ReplaceAll(pat, "**", "*"), "probe"); err != nil {
			return nil, fmt.Errorf("rule %d has malformed pattern %q: %w", i, rule.Pattern, err)
		}
		r.rules = append(r.rules, compiledRule{
			segments: strings.Split(pat, "/"),
			envelope: rule.Envelope,
		})
	}
	return r, nil
}

// Steps returns the ordered step list of an envelope.
func (r *Router) Steps(envelope string) ([]string, bool) {
	steps, ok := r.envelopes[envelope]
	return steps, ok
}

// Route classifies a root-relative path. Matching is case-insensitive
// and slash-normalized; the first rule that matches decides. Unmatched
// paths return ErrUnmatched.
func (r *Router) Route(relPath string) (Decision, error) {
	segments := strings.Split(Normalize(relPath), "/")
	for _, rule := range r.rules {
		if matchSegments(rule.segments, segments) {
			if rule.envelope == EnvelopeSkip {
				return Decision{Envelope: EnvelopeSkip, Skip: true}, nil
			}
			return Decision{Envelope: rule.envelope, Steps: r.envelopes[rule.envelope]}, nil
		}
	}
	return Decision{}, fmt.Errorf("%w: %s", ErrUnmatched, relPath)
}

// Normalize lowercases a path and converts backslashes to forward
// slashes, trimming any leading "./" or "/".
func Normalize(p string) string {
	p = strings.ToLower(strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	return p
}

// matchSegments matches a segment-split glob pattern against a
// segment-split path. "**" spans zero or more whole segments; "*", "?",
// and character classes match within a single segment.
func matchSegments(pattern, segs []string) bool {
	if len(pattern) == 0 {
		return len(segs) == 0
	}
	if pattern[0] == "**" {
		// Zero segments, or consume one and retry.
		if matchSegments(pattern[1:], segs) {
			return true
		}
		if len(segs) == 0 {
			return false
		}
		return matchSegments(pattern, segs[1:])
	}
	if len(segs) == 0 {
		return false
	}
	ok, err := path.Match(pattern[0], segs[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], segs[1:])
}
