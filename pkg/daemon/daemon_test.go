// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/qbuilder/pkg/index"
	"github.com/kraklabs/qbuilder/pkg/queue"
	"github.com/kraklabs/qbuilder/pkg/router"
	"github.com/kraklabs/qbuilder/pkg/wire"
	"github.com/kraklabs/qbuilder/pkg/worker"
)

// pipeProc runs the real worker serve loop over in-process pipes, so
// daemon tests exercise the genuine protocol without subprocesses.
type pipeProc struct {
	enc  *wire.Encoder
	dec  *wire.Decoder
	stop func()
}

func newPipeProc() (worker.Proc, error) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	go func() {
		_ = worker.Serve(reqR, respW)
		_ = respW.Close()
	}()
	return &pipeProc{
		enc: wire.NewEncoder(reqW),
		dec: wire.NewDecoder(respR),
		stop: func() {
			_ = reqW.Close()
			_ = respR.Close()
		},
	}, nil
}

func (p *pipeProc) Send(req wire.Request) error { return p.enc.Encode(req) }
func (p *pipeProc) Recv() (wire.Response, error) {
	var resp wire.Response
	err := p.dec.Decode(&resp)
	return resp, err
}
func (p *pipeProc) Kill()    { p.stop() }
func (p *pipeProc) Pid() int { return 0 }

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func fixtureRouter(t *testing.T) *router.Router {
	t.Helper()
	r, err := router.New(router.Table{Rules: []router.Rule{
		{Pattern: "localization/**/*.yml", Envelope: router.EnvelopeLocalization},
		{Pattern: "events/**/*.txt", Envelope: router.EnvelopeLookupEvents},
		{Pattern: "common/traits/**/*.txt", Envelope: router.EnvelopeLookupTraits},
		{Pattern: "common/**/*.txt", Envelope: router.EnvelopeScriptFull},
		{Pattern: "**/*.dds", Envelope: router.EnvelopeSkip},
	}})
	require.NoError(t, err)
	return r
}

type fixture struct {
	cfg   *Config
	store *index.Store
	pool  *worker.Pool
	d     *Daemon
}

func newFixture(t *testing.T, roots []RootConfig) *fixture {
	t.Helper()
	storage := t.TempDir()

	cfg := &Config{
		StorageRoot: storage,
		ControlPort: freePort(t),
		Workers:     2,
		Playset:     PlaysetConfig{Name: "test", Roots: roots},
	}
	cfg.ApplyDefaults(storage)
	require.NoError(t, cfg.Validate())

	store, err := index.Open(cfg.IndexPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pool := worker.NewPool(worker.Config{
		Size:             cfg.Workers,
		RequestTimeout:   cfg.RequestTimeout.Std(),
		ColdStartTimeout: cfg.ColdStartTimeout.Std(),
		RecycleAfter:     cfg.RecycleAfter,
	}, newPipeProc)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Stop)

	steplog, err := NewStepLog(cfg.LogsDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = steplog.Close() })

	d := New(cfg, store, fixtureRouter(t), pool, steplog, nil)
	return &fixture{cfg: cfg, store: store, pool: pool, d: d}
}

const fixtureTraits = `brave = {
	icon = "gfx/interface/icons/traits/brave.dds"
	monthly_prestige = 0.5
	opposites = { craven }
}
`

// Seed scenario S1: fresh build over a tiny playset.
func TestDaemon_FreshBuildTinyPlayset(t *testing.T) {
	vanilla := t.TempDir()
	writeTree(t, vanilla, map[string]string{
		"common/traits/00_traits.txt": fixtureTraits,
		"events/birth_events.txt":     "namespace = birth\nbirth.0001 = { type = character_event }\n",
		"localization/english/my_l_english.yml": "l_english:\n" +
			" my_key:0 \"Hello $ACTOR$ [GetName]\"\n" +
			" my_key:1 \"Hello #bold $ACTOR$#!\"\n",
	})
	modA := t.TempDir()
	writeTree(t, modA, map[string]string{
		"common/scripted_effects/00_fx.txt": "my_fx = { add_trait = brave }\n",
	})

	f := newFixture(t, []RootConfig{
		{Path: vanilla, Name: "vanilla@v0", Origin: "vanilla"},
		{Path: modA, Name: "mod:A@1", Origin: "local"},
	})

	ctx := context.Background()
	require.NoError(t, f.d.Run(ctx, true))

	for table, want := range map[string]int64{
		"files":                4,
		"asts":                 3, // the .yml carries no AST
		"localization_entries": 2,
	} {
		n, err := f.store.CountRows(ctx, table)
		require.NoError(t, err)
		require.Equal(t, want, n, table)
	}

	// Exactly one trait symbol named brave, under the traits file.
	var name, symType, path string
	err := f.store.DB().QueryRow(
		`SELECT s.name, s.symbol_type, f2.relative_path
		 FROM symbols s JOIN files f2 ON f2.file_id = s.file_id
		 WHERE s.symbol_type = 'trait'`).Scan(&name, &symType, &path)
	require.NoError(t, err)
	require.Equal(t, "brave", name)
	require.Equal(t, "common/traits/00_traits.txt", path)

	// The lookup step projected the trait and the event.
	var lookups int64
	require.NoError(t, f.store.DB().QueryRow(`SELECT COUNT(*) FROM lookups`).Scan(&lookups))
	require.EqualValues(t, 2, lookups)

	// The mod's add_trait reference resolved against vanilla's trait.
	var status string
	require.NoError(t, f.store.DB().QueryRow(
		`SELECT resolution_status FROM refs WHERE name = 'brave' AND ref_type = 'trait_ref'`).Scan(&status))
	require.Equal(t, index.RefResolved, status)

	// Zero error items.
	q := queue.New(f.store)
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Zero(t, counts[queue.StatusError])
	require.Zero(t, counts[queue.StatusPending])
	require.Zero(t, counts[queue.StatusProcessing])
	require.EqualValues(t, 4, counts[queue.StatusDone])
}

// Seed scenario S3 + testable property 6: identical content under a new
// content version re-uses the existing parse; re-running an unchanged
// playset creates no new derived rows.
func TestDaemon_Deduplication(t *testing.T) {
	vanilla := t.TempDir()
	writeTree(t, vanilla, map[string]string{
		"common/traits/00_traits.txt": fixtureTraits,
	})

	f := newFixture(t, []RootConfig{{Path: vanilla, Name: "vanilla@v0", Origin: "vanilla"}})
	ctx := context.Background()
	require.NoError(t, f.d.Run(ctx, true))

	baseline := map[string]int64{}
	for _, table := range []string{"asts", "symbols", "refs", "localization_entries"} {
		n, err := f.store.CountRows(ctx, table)
		require.NoError(t, err)
		baseline[table] = n
	}
	require.EqualValues(t, 1, baseline["asts"])

	// mod:B ships a byte-identical traits file.
	modB := t.TempDir()
	writeTree(t, modB, map[string]string{
		"common/traits/00_traits.txt": fixtureTraits,
	})

	cfg2 := *f.cfg
	cfg2.ControlPort = freePort(t)
	cfg2.Playset.Roots = append(cfg2.Playset.Roots, RootConfig{Path: modB, Name: "mod:B@1", Origin: "local"})
	d2 := New(&cfg2, f.store, fixtureRouter(t), f.pool, f.d.steplog, nil)
	require.NoError(t, d2.Run(ctx, true))

	// B's file row exists, but no new ASTs or symbol rows were produced.
	files, err := f.store.CountRows(ctx, "files")
	require.NoError(t, err)
	require.EqualValues(t, 2, files)
	for table, want := range baseline {
		n, err := f.store.CountRows(ctx, table)
		require.NoError(t, err)
		require.Equal(t, want, n, table)
	}

	// Re-running the same build again is fully converged.
	require.NoError(t, d2.Run(ctx, true))
	for table, want := range baseline {
		n, err := f.store.CountRows(ctx, table)
		require.NoError(t, err)
		require.Equal(t, want, n, table)
	}
}

// Seed scenario S4: a malformed file still yields its well-formed
// sibling symbols, and the item completes.
func TestDaemon_ParseErrorRecovery(t *testing.T) {
	vanilla := t.TempDir()
	writeTree(t, vanilla, map[string]string{
		"common/traits/00_traits.txt": "foo = { bar = }\nbrave = { monthly_prestige = 0.5 }\n",
	})

	f := newFixture(t, []RootConfig{{Path: vanilla, Name: "vanilla@v0", Origin: "vanilla"}})
	ctx := context.Background()
	require.NoError(t, f.d.Run(ctx, true))

	var names []string
	rows, err := f.store.DB().Query(`SELECT name FROM symbols ORDER BY name`)
	require.NoError(t, err)
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		names = append(names, n)
	}
	require.NoError(t, rows.Close())
	require.Contains(t, names, "brave")

	q := queue.New(f.store)
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Zero(t, counts[queue.StatusError])
	require.EqualValues(t, 1, counts[queue.StatusDone])
}

func TestDaemon_UnreadableRootFails(t *testing.T) {
	f := newFixture(t, []RootConfig{{Path: "/nonexistent/road", Name: "vanilla@v0", Origin: "vanilla"}})
	err := f.d.Run(context.Background(), true)
	require.Error(t, err)
}

func TestDaemon_DisabledRootIsFiltered(t *testing.T) {
	vanilla := t.TempDir()
	writeTree(t, vanilla, map[string]string{"common/traits/00_traits.txt": fixtureTraits})
	disabledDir := t.TempDir()
	writeTree(t, disabledDir, map[string]string{"common/traits/zz.txt": "zz = {}"})

	off := false
	f := newFixture(t, []RootConfig{
		{Path: vanilla, Name: "vanilla@v0", Origin: "vanilla"},
		{Path: disabledDir, Name: "mod:off@1", Origin: "local", Enabled: &off},
	})
	require.NoError(t, f.d.Run(context.Background(), true))

	files, err := f.store.CountRows(context.Background(), "files")
	require.NoError(t, err)
	require.EqualValues(t, 1, files)
}

// Control endpoint: ping, status, graceful shutdown (seed scenario S6's
// signal path).
func TestDaemon_ControlEndpoint(t *testing.T) {
	vanilla := t.TempDir()
	writeTree(t, vanilla, map[string]string{"common/traits/00_traits.txt": fixtureTraits})

	f := newFixture(t, []RootConfig{{Path: vanilla, Name: "vanilla@v0", Origin: "vanilla"}})

	done := make(chan error, 1)
	go func() { done <- f.d.Run(context.Background(), false) }()

	addr := f.cfg.ControlAddr()
	waitForControl(t, addr)

	res, err := Call(addr, "ping", nil, time.Second)
	require.NoError(t, err)
	require.Contains(t, string(res), "pong")

	// Wait for the initial build to drain.
	require.Eventually(t, func() bool {
		res, err := Call(addr, "status", nil, time.Second)
		if err != nil {
			return false
		}
		return string(res) != "" &&
			jsonNumber(res, "queue", "done") == 1 &&
			jsonNumber(res, "queue", "pending") == 0
	}, 10*time.Second, 50*time.Millisecond)

	_, err = Call(addr, "shutdown", map[string]bool{"graceful": true}, 2*time.Second)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not exit after graceful shutdown")
	}

	// Next startup finds zero processing items.
	q := queue.New(f.store)
	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	require.Zero(t, counts[queue.StatusProcessing])
}

func waitForControl(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 5*time.Second, 50*time.Millisecond)
}

func jsonNumber(raw []byte, path ...string) float64 {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return -1
	}
	for _, key := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return -1
		}
		v = m[key]
	}
	n, ok := v.(float64)
	if !ok {
		return -1
	}
	return n
}
