// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testVersion(t *testing.T, s *Store, name string, order int) int64 {
	t.Helper()
	origin := OriginLocal
	if order == 0 {
		origin = OriginVanilla
	}
	id, err := s.UpsertContentVersion(context.Background(), ContentVersion{
		DisplayName: name, Origin: origin, LoadOrder: order, Enabled: true,
	})
	require.NoError(t, err)
	return id
}

func TestIngest_NewAndDedup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	cv := testVersion(t, s, "vanilla@1.12", 0)

	data := []byte("brave = { monthly_prestige = 0.5 }")
	res, err := s.IngestBytes(ctx, cv, "common/traits/00_traits.txt", data, 100)
	require.NoError(t, err)
	require.False(t, res.Deduplicated)
	require.NotZero(t, res.FileID)
	require.Equal(t, HashBytes(data), res.ContentHash)

	// Same key, same bytes: deduplicated, same file row.
	res2, err := s.IngestBytes(ctx, cv, "common/traits/00_traits.txt", data, 200)
	require.NoError(t, err)
	require.True(t, res2.Deduplicated)
	require.Equal(t, res.FileID, res2.FileID)

	// Same key, new bytes: superseded in place.
	res3, err := s.IngestBytes(ctx, cv, "common/traits/00_traits.txt", []byte("brave = {}"), 300)
	require.NoError(t, err)
	require.False(t, res3.Deduplicated)
	require.Equal(t, res.FileID, res3.FileID)

	f, err := s.FileByID(ctx, res.FileID)
	require.NoError(t, err)
	require.Equal(t, res3.ContentHash, f.ContentHash)

	// BytesOf follows the file's current hash to the new blob.
	got, err := s.BytesOf(ctx, res.FileID)
	require.NoError(t, err)
	require.Equal(t, []byte("brave = {}"), got)
}

func TestAlreadyParsed_CrossFileDedup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	vanilla := testVersion(t, s, "vanilla@1.12", 0)
	modB := testVersion(t, s, "mod:B@1", 1)

	data := []byte("brave = { monthly_prestige = 0.5 }")
	vres, err := s.IngestBytes(ctx, vanilla, "common/traits/00_traits.txt", data, 1)
	require.NoError(t, err)

	ok, err := s.AlreadyParsed(ctx, vres.ContentHash)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.PutAST(ctx, vres.FileID, vres.ContentHash, 4, []byte(`{"kind":"root"}`))
	require.NoError(t, err)

	// A different file with identical bytes under another content version
	// finds the existing parse by hash (seed scenario S3).
	bres, err := s.IngestBytes(ctx, modB, "common/traits/00_traits.txt", data, 2)
	require.NoError(t, err)
	require.Equal(t, vres.ContentHash, bres.ContentHash)

	ok, err = s.AlreadyParsed(ctx, bres.ContentHash)
	require.NoError(t, err)
	require.True(t, ok)

	astID, blob, err := s.ASTByHash(ctx, bres.ContentHash)
	require.NoError(t, err)
	require.NotZero(t, astID)
	require.Equal(t, []byte(`{"kind":"root"}`), blob)
}

func TestPutAST_OnePerFile(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	cv := testVersion(t, s, "vanilla@1.12", 0)

	res, err := s.IngestBytes(ctx, cv, "a.txt", []byte("a = 1"), 1)
	require.NoError(t, err)

	id1, err := s.PutAST(ctx, res.FileID, res.ContentHash, 3, []byte("v1"))
	require.NoError(t, err)
	id2, err := s.PutAST(ctx, res.FileID, "newhash", 5, []byte("v2"))
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	n, err := s.CountRows(ctx, "asts")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, blob, err := s.ASTByFile(ctx, res.FileID)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), blob)
}

// Step idempotence (testable property 7): re-upserting the same rows by
// natural key leaves the row count unchanged.
func TestUpserts_Idempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	cv := testVersion(t, s, "vanilla@1.12", 0)
	res, err := s.IngestBytes(ctx, cv, "common/traits/00_traits.txt", []byte("brave = {}"), 1)
	require.NoError(t, err)

	syms := []Symbol{{
		FileID: res.FileID, ContentVersionID: cv, ASTNodePath: "children/0",
		Line: 1, Column: 1, SymbolType: "trait", Name: "brave",
	}}
	refs := []Ref{{
		FileID: res.FileID, ContentVersionID: cv, ASTNodePath: "children/0/children/1/value",
		Line: 2, Column: 14, RefType: "trait_ref", Name: "craven", Context: "opposites",
	}}
	locs := []LocEntry{{
		FileID: res.FileID, ContentVersionID: cv, Language: "english",
		Key: "trait_brave", Version: 0, RawValue: "Brave", PlainText: "Brave",
	}}
	lookups := []Lookup{{Kind: "traits", Name: "brave", FileID: res.FileID, ContentVersionID: cv}}

	for i := 0; i < 2; i++ {
		require.NoError(t, s.UpsertSymbols(ctx, syms))
		require.NoError(t, s.UpsertRefs(ctx, refs))
		require.NoError(t, s.UpsertLocEntries(ctx, locs))
		require.NoError(t, s.UpsertLookups(ctx, lookups))
	}

	for table, want := range map[string]int64{
		"symbols": 1, "refs": 1, "localization_entries": 1, "lookups": 1,
	} {
		n, err := s.CountRows(ctx, table)
		require.NoError(t, err)
		require.Equal(t, want, n, table)
	}

	got, err := s.SymbolsByFile(ctx, res.FileID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "brave", got[0].Name)
	require.Equal(t, cv, got[0].ContentVersionID)
}

func TestPlaysets_SaveAndActivate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	vanilla := testVersion(t, s, "vanilla@1.12", 0)
	modA := testVersion(t, s, "mod:A@1", 1)

	_, err := s.SavePlayset(ctx, "default", []PlaysetRoot{
		{Position: 0, ContentVersionID: vanilla, RootPath: "/games/ck3", Enabled: true},
		{Position: 1, ContentVersionID: modA, RootPath: "/mods/a", Enabled: true},
	})
	require.NoError(t, err)

	_, err = s.SavePlayset(ctx, "experimental", []PlaysetRoot{
		{Position: 0, ContentVersionID: vanilla, RootPath: "/games/ck3", Enabled: true},
	})
	require.NoError(t, err)

	p, err := s.ActivePlayset(ctx)
	require.NoError(t, err)
	require.Equal(t, "experimental", p.Name)
	require.Len(t, p.Roots, 1)
}

func TestRuns_Lifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run, err := s.StartRun(ctx, "daemon", "{}")
	require.NoError(t, err)
	run.Counters["files_done"] = 4

	require.NoError(t, s.FinishRun(ctx, run, RunCompleted))

	run2, err := s.StartRun(ctx, "enqueue_scan", "")
	require.NoError(t, err)
	_ = run2

	n, err := s.AbortOpenRuns(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestBuildLock_Exclusive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	lockPath := filepath.Join(filepath.Dir(s.Path()), "build.lock")

	lock, err := AcquireBuildLock(ctx, s, lockPath)
	require.NoError(t, err)

	pid, err := s.LockHolder(ctx)
	require.NoError(t, err)
	require.NotZero(t, pid)

	require.NoError(t, lock.Release(ctx))

	pid, err = s.LockHolder(ctx)
	require.NoError(t, err)
	require.Zero(t, pid)
}

func TestTruncate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	cv := testVersion(t, s, "vanilla@1.12", 0)
	_, err := s.IngestBytes(ctx, cv, "a.txt", []byte("a = 1"), 1)
	require.NoError(t, err)

	require.NoError(t, s.Truncate(ctx))

	for _, table := range []string{"files", "blobs", "content_versions"} {
		n, err := s.CountRows(ctx, table)
		require.NoError(t, err)
		require.Zero(t, n, table)
	}
}
