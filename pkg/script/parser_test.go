// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package script

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const traitFixture = `# bravery
brave = {
	icon = "gfx/interface/icons/traits/brave.dds"
	monthly_prestige = 0.5
	opposites = { craven }
	ai_boldness = 25
}

craven = {
	monthly_prestige = -0.25
	opposites = { brave }
}
`

func TestParse_Traits(t *testing.T) {
	root, diags := ParseTextRecovering("00_traits.txt", traitFixture)
	require.Empty(t, diags)
	require.Len(t, root.Children, 2)

	brave, ok := root.Children[0].(*Block)
	require.True(t, ok, "first child is %T", root.Children[0])
	require.Equal(t, "brave", brave.Name)
	require.Equal(t, "=", brave.Operator)
	require.Equal(t, 2, brave.Line)
	require.Len(t, brave.Children, 4)

	icon, ok := brave.Children[0].(*Assignment)
	require.True(t, ok)
	require.Equal(t, "icon", icon.Key)
	val := icon.Value.(*Value)
	require.Equal(t, ValueString, val.ValueType)
	require.Equal(t, "gfx/interface/icons/traits/brave.dds", val.Value)

	opp, ok := brave.Children[2].(*Assignment)
	require.True(t, ok)
	list, ok := opp.Value.(*List)
	require.True(t, ok, "opposites is %T", opp.Value)
	require.Len(t, list.Items, 1)
	require.Equal(t, "craven", list.Items[0].(*Value).Value)
}

func TestParse_BlockVsListDisambiguation(t *testing.T) {
	cases := []struct {
		name    string
		src     string
		isBlock bool
	}{
		{"assignments inside", "a = { b = 1 }", true},
		{"scalars inside", "a = { b c d }", false},
		{"numbers inside", "a = { 1 2 3 }", false},
		{"empty braces", "a = { }", true},
		{"nested anonymous", "a = { { b = 1 } }", true},
		{"comparison inside", "a = { gold >= 50 }", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root, diags := ParseTextRecovering("t.txt", tc.src)
			require.Empty(t, diags)
			require.Len(t, root.Children, 1)
			switch root.Children[0].(type) {
			case *Block:
				require.True(t, tc.isBlock, "parsed as block")
			case *Assignment:
				require.False(t, tc.isBlock, "parsed as list assignment")
			default:
				t.Fatalf("unexpected node %T", root.Children[0])
			}
		})
	}
}

func TestParse_Operators(t *testing.T) {
	root, diags := ParseTextRecovering("t.txt", "limit = { gold > 100 prestige <= 50 age != 16 }")
	require.Empty(t, diags)

	limit := root.Children[0].(*Block)
	require.Len(t, limit.Children, 3)
	require.Equal(t, ">", limit.Children[0].(*Assignment).Operator)
	require.Equal(t, "<=", limit.Children[1].(*Assignment).Operator)
	require.Equal(t, "!=", limit.Children[2].(*Assignment).Operator)
}

func TestParse_EventIDs(t *testing.T) {
	src := "namespace = my_mod\nmy_mod.0001 = {\n\ttype = character_event\n}\n"
	root, diags := ParseTextRecovering("events.txt", src)
	require.Empty(t, diags)
	require.Len(t, root.Children, 2)

	ev := root.Children[1].(*Block)
	require.Equal(t, "my_mod.0001", ev.Name)
}

// A missing value produces one diagnostic at the offending token, and the
// surrounding structure still parses (seed scenario S4).
func TestParse_MissingValueRecovers(t *testing.T) {
	src := "foo = { bar = }\nok = { a = 1 }\n"
	root, diags := ParseTextRecovering("t.txt", src)
	require.Len(t, diags, 1)
	require.Contains(t, diags[0].Message, "expected value")

	require.Len(t, root.Children, 2)
	okBlock := root.Children[1].(*Block)
	require.Equal(t, "ok", okBlock.Name)
	require.Len(t, okBlock.Children, 1)
}

func TestParse_UnbalancedBracesAtEOF(t *testing.T) {
	root, diags := ParseTextRecovering("t.txt", "a = { b = { c = 1 }")
	require.NotEmpty(t, diags)
	require.Contains(t, diags[len(diags)-1].Message, "brace")

	// The partial tree still carries what was parsed.
	require.Len(t, root.Children, 1)
	outer := root.Children[0].(*Block)
	require.Equal(t, "a", outer.Name)
}

func TestParse_StrayClosingBrace(t *testing.T) {
	root, diags := ParseTextRecovering("t.txt", "a = 1\n}\nb = 2\n")
	require.Len(t, diags, 1)
	require.Len(t, root.Children, 2)
}

// Parser totality: deliberately broken inputs never panic and always
// return a tree.
func TestParse_TotalityOnMalformedInputs(t *testing.T) {
	inputs := []string{
		"",
		"}",
		"{",
		"= = =",
		"a =",
		"a = {",
		"\"dangling",
		"a = { b = } } }",
		"# only a comment\n",
		strings.Repeat("x = { ", 50),
	}
	for _, src := range inputs {
		root, _ := ParseTextRecovering("t.txt", src)
		require.NotNil(t, root, "input %q", src)
	}
}

func TestParseText_StrictFailsOnDiagnostics(t *testing.T) {
	_, err := ParseText("t.txt", "foo = { bar = }")
	require.Error(t, err)

	root, err := ParseText("t.txt", "foo = { bar = 1 }")
	require.NoError(t, err)
	require.Len(t, root.Children, 1)
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "00_traits.txt")
	require.NoError(t, os.WriteFile(path, []byte(traitFixture), 0o644))

	root, diags, err := ParseFile(path)
	require.NoError(t, err)
	require.Empty(t, diags)
	require.Equal(t, "00_traits.txt", root.Filename)
	require.Len(t, root.Children, 2)

	_, _, err = ParseFile(filepath.Join(dir, "missing.txt"))
	require.Error(t, err)
}
