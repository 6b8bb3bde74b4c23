// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package extract walks parsed script ASTs and emits symbol definitions
// and textual references.
//
// Extraction is driven by data, not logic: SymbolRules map containing
// paths to symbol types, and RefRules map context keys to reference
// types. Both ship with CK3 defaults (DefaultSymbolRules, DefaultRefRules)
// and are passed in by the caller; the daemon always uses the defaults and
// does not read extraction rules from any configuration file.
package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kraklabs/qbuilder/pkg/script"
)

// SymbolRule classifies top-level keys under a path prefix.
type SymbolRule struct {
	// PathPrefix is the normalized root-relative directory prefix,
	// forward-slashed with a trailing slash ("common/traits/").
	PathPrefix string
	// SymbolType is the emitted symbol_type.
	SymbolType string
	// EventIDs restricts matches to `<namespace>.<number>` keys and
	// records the namespace as the symbol scope.
	EventIDs bool
	// AllowScalar also emits symbols for plain assignments (script
	// values are often `name = 0.5` rather than blocks).
	AllowScalar bool
}

// DefaultSymbolRules is the CK3 containment map.
var DefaultSymbolRules = []SymbolRule{
	{PathPrefix: "common/traits/", SymbolType: "trait"},
	{PathPrefix: "common/scripted_effects/", SymbolType: "scripted_effect"},
	{PathPrefix: "common/scripted_triggers/", SymbolType: "scripted_trigger"},
	{PathPrefix: "common/script_values/", SymbolType: "scripted_value", AllowScalar: true},
	{PathPrefix: "common/scripted_values/", SymbolType: "scripted_value", AllowScalar: true},
	{PathPrefix: "common/decisions/", SymbolType: "decision"},
	{PathPrefix: "common/on_action/", SymbolType: "on_action"},
	{PathPrefix: "common/landed_titles/", SymbolType: "landed_title"},
	{PathPrefix: "events/", SymbolType: "event", EventIDs: true},
	{PathPrefix: "common/event_chains/", SymbolType: "event", EventIDs: true},
}

// DefaultRefRules maps a context key (the left-hand side an identifier
// appears under) to the emitted ref_type.
var DefaultRefRules = map[string]string{
	"add_trait":           "trait_ref",
	"remove_trait":        "trait_ref",
	"has_trait":           "trait_ref",
	"trait":               "trait_ref",
	"opposites":           "trait_ref",
	"trigger_event":       "event_ref",
	"event":               "event_ref",
	"decision":            "decision_ref",
	"has_decision":        "decision_ref",
	"title":               "title_ref",
	"has_title":           "title_ref",
	"scripted_effect":     "scripted_effect_ref",
	"run_scripted_effect": "scripted_effect_ref",
	"on_action":           "on_action_ref",
	"trigger_on_action":   "on_action_ref",
}

var eventIDRe = regexp.MustCompile(`^[A-Za-z0-9_]+\.[0-9]+$`)

// SymbolDef is one extracted definition, pre-persistence.
type SymbolDef struct {
	ASTNodePath string
	Line        int
	Column      int
	SymbolType  string
	Name        string
	Scope       string
	Metadata    string
	// node is the defining node, used for the ref walk.
	node script.Node
}

// RefUse is one extracted reference, pre-persistence.
type RefUse struct {
	ASTNodePath string
	Line        int
	Column      int
	RefType     string
	Name        string
	Context     string
}

// RuleFor returns the first symbol rule whose prefix contains relPath,
// or nil when the path defines no symbols.
func RuleFor(rules []SymbolRule, relPath string) *SymbolRule {
	p := strings.ToLower(strings.ReplaceAll(relPath, "\\", "/"))
	for i := range rules {
		if strings.HasPrefix(p, rules[i].PathPrefix) {
			return &rules[i]
		}
	}
	return nil
}

// Symbols extracts symbol definitions from the top level of root using
// the rule selected for relPath. Files outside every rule emit nothing.
func Symbols(rules []SymbolRule, relPath string, root *script.Root) []SymbolDef {
	rule := RuleFor(rules, relPath)
	if rule == nil || root == nil {
		return nil
	}

	var defs []SymbolDef
	for i, child := range root.Children {
		nodePath := fmt.Sprintf("children/%d", i)
		switch n := child.(type) {
		case *script.Block:
			if n.Name == "" {
				continue
			}
			def, ok := makeDef(rule, n.Name, n.Line, n.Column, nodePath, n)
			if ok {
				defs = append(defs, def)
			}
		case *script.Assignment:
			if !rule.AllowScalar {
				continue
			}
			def, ok := makeDef(rule, n.Key, n.Line, n.Column, nodePath, n)
			if ok {
				defs = append(defs, def)
			}
		}
	}
	return defs
}

func makeDef(rule *SymbolRule, name string, line, col int, nodePath string, node script.Node) (SymbolDef, bool) {
	def := SymbolDef{
		ASTNodePath: nodePath,
		Line:        line,
		Column:      col,
		SymbolType:  rule.SymbolType,
		Name:        name,
		node:        node,
	}
	if rule.EventIDs {
		if !eventIDRe.MatchString(name) {
			// "namespace = x" lines and stray keys are not events.
			return SymbolDef{}, false
		}
		def.Scope = name[:strings.Index(name, ".")]
		meta, _ := json.Marshal(map[string]string{"namespace": def.Scope})
		def.Metadata = string(meta)
	}
	return def, true
}

// Refs walks the value subtree of every symbol and emits a reference for
// each identifier that sits under a known context key. Lists fan out to
// one ref per identifier item.
func Refs(refRules map[string]string, symbols []SymbolDef) []RefUse {
	if len(refRules) == 0 {
		refRules = DefaultRefRules
	}
	var refs []RefUse
	for _, sym := range symbols {
		walkRefs(refRules, sym.node, sym.ASTNodePath, sym.Name, &refs)
	}
	return refs
}

func walkRefs(rules map[string]string, node script.Node, nodePath, context string, out *[]RefUse) {
	switch n := node.(type) {
	case *script.Block:
		ctx := context
		if n.Name != "" {
			ctx = n.Name
		}
		for i, c := range n.Children {
			walkRefs(rules, c, fmt.Sprintf("%s/children/%d", nodePath, i), ctx, out)
		}

	case *script.Assignment:
		refType, known := rules[strings.ToLower(n.Key)]
		switch v := n.Value.(type) {
		case *script.Value:
			if known && v.ValueType == script.ValueIdent {
				*out = append(*out, RefUse{
					ASTNodePath: nodePath + "/value",
					Line:        v.Line,
					Column:      v.Column,
					RefType:     refType,
					Name:        v.Value,
					Context:     context,
				})
			}
		case *script.List:
			for i, item := range v.Items {
				iv, ok := item.(*script.Value)
				if ok && known && iv.ValueType == script.ValueIdent {
					*out = append(*out, RefUse{
						ASTNodePath: fmt.Sprintf("%s/value/items/%d", nodePath, i),
						Line:        iv.Line,
						Column:      iv.Column,
						RefType:     refType,
						Name:        iv.Value,
						Context:     n.Key,
					})
				}
			}
		case *script.Block:
			for i, c := range v.Children {
				walkRefs(rules, c, fmt.Sprintf("%s/value/children/%d", nodePath, i), n.Key, out)
			}
		}
	}
}

// LookupKindForStep maps a LOOKUP_* step name to its lookup-table kind
// and the symbol type it collects.
func LookupKindForStep(step string) (kind, symbolType string, ok bool) {
	switch step {
	case "LOOKUP_EVENTS":
		return "events", "event", true
	case "LOOKUP_DECISIONS":
		return "decisions", "decision", true
	case "LOOKUP_TITLES":
		return "titles", "landed_title", true
	case "LOOKUP_TRAITS":
		return "traits", "trait", true
	}
	return "", "", false
}
