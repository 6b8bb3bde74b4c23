// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func fixtureTable() Table {
	return Table{
		Rules: []Rule{
			{Pattern: "localization/**/*.yml", Envelope: EnvelopeLocalization},
			{Pattern: "events/**/*.txt", Envelope: EnvelopeLookupEvents},
			{Pattern: "common/decisions/**/*.txt", Envelope: EnvelopeLookupDecisions},
			{Pattern: "common/landed_titles/**/*.txt", Envelope: EnvelopeLookupTitles},
			{Pattern: "common/traits/**/*.txt", Envelope: EnvelopeLookupTraits},
			{Pattern: "common/**/*.txt", Envelope: EnvelopeScriptFull},
			{Pattern: "gui/**/*.gui", Envelope: EnvelopeScriptNoRefs},
			{Pattern: "gfx/**", Envelope: EnvelopeSkip},
			{Pattern: "**/*.dds", Envelope: EnvelopeSkip},
			{Pattern: "descriptor.mod", Envelope: EnvelopeIngestOnly},
		},
	}
}

func TestRoute_FirstMatchWins(t *testing.T) {
	r, err := New(fixtureTable())
	require.NoError(t, err)

	d, err := r.Route("common/traits/00_traits.txt")
	require.NoError(t, err)
	require.Equal(t, EnvelopeLookupTraits, d.Envelope)
	require.Equal(t, []string{StepIngest, StepParse, StepSymbols, StepRefs, StepLookupTraits}, d.Steps)

	d, err = r.Route("common/scripted_effects/00_fx.txt")
	require.NoError(t, err)
	require.Equal(t, EnvelopeScriptFull, d.Envelope)
}

func TestRoute_Skip(t *testing.T) {
	r, err := New(fixtureTable())
	require.NoError(t, err)

	d, err := r.Route("gfx/portraits/body.png")
	require.NoError(t, err)
	require.True(t, d.Skip)
	require.Empty(t, d.Steps)
}

func TestRoute_Unmatched(t *testing.T) {
	r, err := New(fixtureTable())
	require.NoError(t, err)

	_, err = r.Route("music/theme.ogg")
	require.ErrorIs(t, err, ErrUnmatched)
}

// Routing is deterministic and stable under case changes and slash
// direction (testable property 1).
func TestRoute_Normalization(t *testing.T) {
	r, err := New(fixtureTable())
	require.NoError(t, err)

	variants := []string{
		"localization/english/my_l_english.yml",
		"Localization/English/MY_l_english.yml",
		"localization\\english\\my_l_english.yml",
		"./localization/english/my_l_english.yml",
	}
	for _, v := range variants {
		d, err := r.Route(v)
		require.NoError(t, err, "path %q", v)
		require.Equal(t, EnvelopeLocalization, d.Envelope, "path %q", v)
	}

	// Repeated invocation returns the same decision.
	for i := 0; i < 3; i++ {
		d, err := r.Route("events/birth/birth_events.txt")
		require.NoError(t, err)
		require.Equal(t, EnvelopeLookupEvents, d.Envelope)
	}
}

func TestRoute_DoubleStarSpansZeroSegments(t *testing.T) {
	r, err := New(Table{Rules: []Rule{{Pattern: "common/**/*.txt", Envelope: EnvelopeScriptFull}}})
	require.NoError(t, err)

	for _, p := range []string{
		"common/00_defines.txt",
		"common/traits/00_traits.txt",
		"common/culture/traditions/deep/file.txt",
	} {
		d, err := r.Route(p)
		require.NoError(t, err, p)
		require.Equal(t, EnvelopeScriptFull, d.Envelope, p)
	}

	_, err = r.Route("commoner/file.txt")
	require.ErrorIs(t, err, ErrUnmatched)
}

func TestRoute_CharacterClasses(t *testing.T) {
	r, err := New(Table{Rules: []Rule{{Pattern: "map_data/[a-m]*.txt", Envelope: EnvelopeIngestOnly}}})
	require.NoError(t, err)

	_, err = r.Route("map_data/heightmap.txt")
	require.NoError(t, err)

	_, err = r.Route("map_data/terrain.txt")
	require.ErrorIs(t, err, ErrUnmatched)
}

// Envelope coverage (testable property 2): every declared envelope must
// resolve to known step names, and unknown envelopes fail validation.
func TestNew_Validation(t *testing.T) {
	_, err := New(Table{Rules: []Rule{{Pattern: "a/*.txt", Envelope: "NO_SUCH"}}})
	require.Error(t, err)

	_, err = New(Table{
		Envelopes: map[string][]string{"CUSTOM": {"INGEST", "EXPLODE"}},
		Rules:     []Rule{{Pattern: "a/*.txt", Envelope: "CUSTOM"}},
	})
	require.Error(t, err)

	_, err = New(Table{
		Envelopes: map[string][]string{"CUSTOM": {}},
		Rules:     []Rule{{Pattern: "a/*.txt", Envelope: "CUSTOM"}},
	})
	require.Error(t, err)

	_, err = New(Table{})
	require.Error(t, err)

	r, err := New(Table{
		Envelopes: map[string][]string{"CUSTOM": {StepIngest, StepParse}},
		Rules:     []Rule{{Pattern: "a/*.txt", Envelope: "CUSTOM"}},
	})
	require.NoError(t, err)
	steps, ok := r.Steps("CUSTOM")
	require.True(t, ok)
	require.Equal(t, []string{StepIngest, StepParse}, steps)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	table := `
envelopes:
  GUI_ONLY: [INGEST, PARSE]
rules:
  - pattern: "localization/**/*.yml"
    envelope: LOCALIZATION
  - pattern: "gui/**/*.gui"
    envelope: GUI_ONLY
  - pattern: "**/*.dds"
    envelope: SKIP
`
	path := filepath.Join(dir, "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(table), 0o644))

	r, err := Load(path)
	require.NoError(t, err)

	d, err := r.Route("gui/window_character.gui")
	require.NoError(t, err)
	require.Equal(t, "GUI_ONLY", d.Envelope)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("rules: {not a list}"), 0o644))
	_, err = Load(bad)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrUnmatched))
}
