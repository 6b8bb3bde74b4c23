// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package daemon

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStepLog_AppendsJSONLines(t *testing.T) {
	dir := t.TempDir()
	l, err := NewStepLog(dir)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	fixed := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	l.nowFunc = func() time.Time { return fixed }

	require.NoError(t, l.Write(StepRecord{
		RunID: "run-1", FileID: 7, Step: "PARSE", DurationMS: 12,
		Extra: map[string]any{"path": "common/traits/00_traits.txt"},
	}))
	require.NoError(t, l.Write(StepRecord{RunID: "run-1", Step: "RUN", DurationMS: 900}))

	path := filepath.Join(dir, "qbuilder_2026-03-14.jsonl")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	var lines []map[string]any
	for scanner.Scan() {
		var obj map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &obj))
		lines = append(lines, obj)
	}
	require.Len(t, lines, 2)

	require.Equal(t, "run-1", lines[0]["run_id"])
	require.Equal(t, "PARSE", lines[0]["step"])
	require.EqualValues(t, 7, lines[0]["file_id"])
	require.EqualValues(t, 12, lines[0]["duration_ms"])
	require.Equal(t, "common/traits/00_traits.txt", lines[0]["path"])
	require.NotEmpty(t, lines[0]["ts"])

	_, hasFile := lines[1]["file_id"]
	require.False(t, hasFile)
}

func TestStepLog_RollsDaily(t *testing.T) {
	dir := t.TempDir()
	l, err := NewStepLog(dir)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	day := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	l.nowFunc = func() time.Time { return day }
	require.NoError(t, l.Write(StepRecord{RunID: "r", DurationMS: 1}))

	day = day.Add(2 * time.Minute)
	require.NoError(t, l.Write(StepRecord{RunID: "r", DurationMS: 1}))

	for _, name := range []string{"qbuilder_2026-03-14.jsonl", "qbuilder_2026-03-15.jsonl"} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}
}
