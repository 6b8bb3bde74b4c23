// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package localization parses CK3 localization files into keyed entries.
//
// The on-disk format looks like YAML but is not: keys carry unquoted
// ":<version>" suffixes and values are bare quoted strings with inline
// comments, so the file is parsed line by line against the wire format
// instead of through a YAML library.
package localization

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Entry is one localization key/value parsed from a file.
type Entry struct {
	Language  string
	Key       string
	Version   int
	RawValue  string
	PlainText string
	Line      int
}

// Diagnostic records one malformed line. Malformed lines are skipped;
// they never fail the step.
type Diagnostic struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

var (
	headerRe = regexp.MustCompile(`^l_([a-z_]+):\s*$`)
	entryRe  = regexp.MustCompile(`^\s+([A-Za-z0-9_.\-]+)(?::(\d+))?\s+"(.*)"\s*(?:#.*)?$`)

	bracketRe  = regexp.MustCompile(`\[[^\]]*\]`)
	variableRe = regexp.MustCompile(`\$[^$]*\$`)
)

// FilenameLanguage extracts the language from a "<name>_l_<language>.yml"
// filename, or "" when the name does not follow the convention.
func FilenameLanguage(filename string) string {
	base := strings.TrimSuffix(filename, ".yml")
	if i := strings.LastIndex(base, "_l_"); i >= 0 {
		return base[i+len("_l_"):]
	}
	return ""
}

// Parse extracts entries from one localization file. The first non-blank
// non-comment line must be the "l_<language>:" header; every following
// entry line matches `<key>(:<version>)? "<raw_value>"` with an optional
// trailing comment. Version defaults to 0.
func Parse(filename, src string) ([]Entry, []Diagnostic, error) {
	var entries []Entry
	var diags []Diagnostic
	language := ""

	for i, line := range strings.Split(src, "\n") {
		lineNo := i + 1
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if language == "" {
			m := headerRe.FindStringSubmatch(trimmed)
			if m == nil {
				return nil, diags, fmt.Errorf("%s:%d: expected l_<language>: header, got %q", filename, lineNo, trimmed)
			}
			language = m[1]
			continue
		}

		m := entryRe.FindStringSubmatch(line)
		if m == nil {
			diags = append(diags, Diagnostic{Line: lineNo, Message: fmt.Sprintf("malformed entry: %q", trimmed)})
			continue
		}

		version := 0
		if m[2] != "" {
			v, err := strconv.Atoi(m[2])
			if err != nil {
				diags = append(diags, Diagnostic{Line: lineNo, Message: fmt.Sprintf("bad version suffix on %q", m[1])})
				continue
			}
			version = v
		}

		raw := unescape(m[3])
		entries = append(entries, Entry{
			Language:  language,
			Key:       m[1],
			Version:   version,
			RawValue:  raw,
			PlainText: PlainText(raw),
			Line:      lineNo,
		})
	}

	if language == "" {
		return nil, diags, fmt.Errorf("%s: no l_<language>: header", filename)
	}
	return entries, diags, nil
}

// PlainText strips markup from a raw localization value: bracketed
// tokens [GetName], $VARIABLE$ substitutions, and #bold ...#! format
// codes.
func PlainText(raw string) string {
	s := bracketRe.ReplaceAllString(raw, "")
	s = variableRe.ReplaceAllString(s, "")
	// Formatting opens with "#code " and closes with "#!"; both forms are
	// stripped, keeping the styled text itself.
	s = strings.ReplaceAll(s, "#!", "")
	s = formatCodeRe.ReplaceAllString(s, "")
	return s
}

// formatCodeRe strips the opening "#code" marker together with one
// following space, if present.
var formatCodeRe = regexp.MustCompile(`#[A-Za-z_;]+ ?`)

func unescape(s string) string {
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\n`, "\n")
	return s
}
