// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package localization

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Seed scenario S2: two versions of one key with markup stripping.
func TestParse_VersionedEntries(t *testing.T) {
	src := "l_english:\n" +
		" my_key:0 \"Hello $ACTOR$ [GetName]\"\n" +
		" my_key:1 \"Hello #bold $ACTOR$#!\"\n"

	entries, diags, err := Parse("my_l_english.yml", src)
	require.NoError(t, err)
	require.Empty(t, diags)
	require.Len(t, entries, 2)

	require.Equal(t, "english", entries[0].Language)
	require.Equal(t, "my_key", entries[0].Key)
	require.Equal(t, 0, entries[0].Version)
	require.Equal(t, "Hello $ACTOR$ [GetName]", entries[0].RawValue)

	require.Equal(t, 1, entries[1].Version)
	require.Equal(t, "Hello #bold $ACTOR$#!", entries[1].RawValue)
	require.Equal(t, "Hello ", entries[1].PlainText)
}

func TestParse_VersionDefaultsToZero(t *testing.T) {
	src := "l_french:\n intro \"Bonjour\"\n"
	entries, diags, err := Parse("my_l_french.yml", src)
	require.NoError(t, err)
	require.Empty(t, diags)
	require.Len(t, entries, 1)
	require.Equal(t, 0, entries[0].Version)
	require.Equal(t, "french", entries[0].Language)
	require.Equal(t, "Bonjour", entries[0].PlainText)
}

func TestParse_InlineComments(t *testing.T) {
	src := "l_english:\n" +
		" key_a:0 \"Value A\" # translator note\n" +
		" # a full comment line\n" +
		" key_b:2 \"Value B\"\n"

	entries, diags, err := Parse("f_l_english.yml", src)
	require.NoError(t, err)
	require.Empty(t, diags)
	require.Len(t, entries, 2)
	require.Equal(t, "Value A", entries[0].RawValue)
	require.Equal(t, 2, entries[1].Version)
}

func TestParse_MalformedLinesAreSkippedNotFatal(t *testing.T) {
	src := "l_english:\n" +
		" good:0 \"ok\"\n" +
		" broken_no_quotes 12345\n" +
		" also_good:1 \"fine\"\n"

	entries, diags, err := Parse("f_l_english.yml", src)
	require.NoError(t, err)
	require.Len(t, diags, 1)
	require.Equal(t, 3, diags[0].Line)
	require.Len(t, entries, 2)
}

func TestParse_MissingHeaderFails(t *testing.T) {
	_, _, err := Parse("f_l_english.yml", " key:0 \"v\"\n")
	require.Error(t, err)

	_, _, err = Parse("f_l_english.yml", "# only comments\n")
	require.Error(t, err)
}

func TestPlainText_Stripping(t *testing.T) {
	cases := []struct{ raw, want string }{
		{"plain", "plain"},
		{"[GetTitle] rules", " rules"},
		{"$VALUE$ gold", " gold"},
		{"#italic styled#! end", "styled end"},
		{"Hello $ACTOR$ [GetName]", "Hello  "},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, PlainText(tc.raw), "raw %q", tc.raw)
	}
}

func TestFilenameLanguage(t *testing.T) {
	require.Equal(t, "english", FilenameLanguage("my_l_english.yml"))
	require.Equal(t, "simp_chinese", FilenameLanguage("events_l_simp_chinese.yml"))
	require.Equal(t, "", FilenameLanguage("notes.yml"))
}

func TestParse_EscapedQuotes(t *testing.T) {
	src := "l_english:\n quoteful:0 \"say \\\"hi\\\"\"\n"
	entries, diags, err := Parse("f_l_english.yml", src)
	require.NoError(t, err)
	require.Empty(t, diags)
	require.Equal(t, `say "hi"`, entries[0].RawValue)
}
