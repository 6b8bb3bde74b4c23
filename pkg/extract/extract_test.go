// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/qbuilder/pkg/script"
)

const traitSrc = `brave = {
	icon = "gfx/icon.dds"
	opposites = { craven cowardly }
	monthly_prestige = 0.5
}

craven = {
	opposites = { brave }
}
`

func TestSymbols_Traits(t *testing.T) {
	root, diags := script.ParseTextRecovering("00_traits.txt", traitSrc)
	require.Empty(t, diags)

	defs := Symbols(DefaultSymbolRules, "common/traits/00_traits.txt", root)
	require.Len(t, defs, 2)

	require.Equal(t, "trait", defs[0].SymbolType)
	require.Equal(t, "brave", defs[0].Name)
	require.Equal(t, "children/0", defs[0].ASTNodePath)
	require.Equal(t, 1, defs[0].Line)

	require.Equal(t, "craven", defs[1].Name)
	require.Equal(t, "children/1", defs[1].ASTNodePath)
}

func TestSymbols_OutsideRuledPathsEmitNothing(t *testing.T) {
	root, _ := script.ParseTextRecovering("f.txt", traitSrc)
	require.Empty(t, Symbols(DefaultSymbolRules, "map_data/something.txt", root))
}

func TestSymbols_Events(t *testing.T) {
	src := "namespace = my_mod\nmy_mod.0001 = { type = character_event }\nnot_an_event = { }\n"
	root, diags := script.ParseTextRecovering("events.txt", src)
	require.Empty(t, diags)

	defs := Symbols(DefaultSymbolRules, "events/my_mod_events.txt", root)
	require.Len(t, defs, 1)
	require.Equal(t, "event", defs[0].SymbolType)
	require.Equal(t, "my_mod.0001", defs[0].Name)
	require.Equal(t, "my_mod", defs[0].Scope)
	require.Contains(t, defs[0].Metadata, `"namespace":"my_mod"`)
}

func TestSymbols_ScriptValuesAllowScalars(t *testing.T) {
	src := "base_gold = 10\ncomplex_value = { value = 5 multiply = 2 }\n"
	root, _ := script.ParseTextRecovering("v.txt", src)

	defs := Symbols(DefaultSymbolRules, "common/script_values/00_values.txt", root)
	require.Len(t, defs, 2)
	require.Equal(t, "scripted_value", defs[0].SymbolType)
	require.Equal(t, "base_gold", defs[0].Name)
}

func TestRefs_FromContextKeys(t *testing.T) {
	root, _ := script.ParseTextRecovering("00_traits.txt", traitSrc)
	defs := Symbols(DefaultSymbolRules, "common/traits/00_traits.txt", root)

	refs := Refs(DefaultRefRules, defs)
	require.Len(t, refs, 3)

	require.Equal(t, "trait_ref", refs[0].RefType)
	require.Equal(t, "craven", refs[0].Name)
	require.Equal(t, "opposites", refs[0].Context)
	require.Equal(t, "children/0/children/1/value/items/0", refs[0].ASTNodePath)
	require.Equal(t, "cowardly", refs[1].Name)
	require.Equal(t, "brave", refs[2].Name)
}

func TestRefs_NestedBlocksCarryContext(t *testing.T) {
	src := `my_decision = {
	effect = {
		add_trait = brave
		trigger_event = my_mod.0001
	}
	cost = { gold = 50 }
}
`
	root, diags := script.ParseTextRecovering("d.txt", src)
	require.Empty(t, diags)

	defs := Symbols(DefaultSymbolRules, "common/decisions/00_decisions.txt", root)
	require.Len(t, defs, 1)

	refs := Refs(DefaultRefRules, defs)
	require.Len(t, refs, 2)
	require.Equal(t, "trait_ref", refs[0].RefType)
	require.Equal(t, "brave", refs[0].Name)
	require.Equal(t, "effect", refs[0].Context)
	require.Equal(t, "event_ref", refs[1].RefType)
	require.Equal(t, "my_mod.0001", refs[1].Name)
}

func TestRefs_NumbersAndStringsAreNotRefs(t *testing.T) {
	src := "x = {\n\tadd_trait = 5\n\thas_trait = \"brave\"\n}\n"
	root, _ := script.ParseTextRecovering("t.txt", src)
	defs := Symbols(DefaultSymbolRules, "common/traits/00_x.txt", root)
	require.Empty(t, Refs(DefaultRefRules, defs))
}

// Re-running extraction on the same AST yields the same row set
// (idempotence is keyed on ast_node_path + type + name).
func TestExtraction_Deterministic(t *testing.T) {
	root, _ := script.ParseTextRecovering("00_traits.txt", traitSrc)

	first := Symbols(DefaultSymbolRules, "common/traits/00_traits.txt", root)
	second := Symbols(DefaultSymbolRules, "common/traits/00_traits.txt", root)
	require.Equal(t, first, second)

	require.Equal(t, Refs(DefaultRefRules, first), Refs(DefaultRefRules, second))
}

func TestIsDynamicName(t *testing.T) {
	require.True(t, IsDynamicName("scope:father"))
	require.True(t, IsDynamicName("$TRAIT$"))
	require.True(t, IsDynamicName("[GetTrait]"))
	require.False(t, IsDynamicName("brave"))
}

func TestLookupKindForStep(t *testing.T) {
	kind, symType, ok := LookupKindForStep("LOOKUP_TRAITS")
	require.True(t, ok)
	require.Equal(t, "traits", kind)
	require.Equal(t, "trait", symType)

	_, _, ok = LookupKindForStep("LOOKUP_NOTHING")
	require.False(t, ok)
}
