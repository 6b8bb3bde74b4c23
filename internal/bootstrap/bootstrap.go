// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bootstrap wires daemon startup: storage root, index, build
// lock, routing table, and step log.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kraklabs/qbuilder/internal/errors"
	"github.com/kraklabs/qbuilder/pkg/daemon"
	"github.com/kraklabs/qbuilder/pkg/index"
	"github.com/kraklabs/qbuilder/pkg/router"
)

// Env is everything a running daemon needs from the environment.
type Env struct {
	Cfg     *daemon.Config
	Store   *index.Store
	Lock    *index.BuildLock
	Router  *router.Router
	StepLog *daemon.StepLog
}

// Open prepares the storage root and acquires the build lock. Fresh
// truncates index state first. Failures come back as UserErrors carrying
// the CLI exit codes.
func Open(ctx context.Context, cfg *daemon.Config, fresh bool, log *slog.Logger) (*Env, error) {
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(cfg.StorageRoot, 0o750); err != nil {
		return nil, errors.NewFatalError(
			"Cannot create storage root",
			fmt.Sprintf("mkdir %s failed: %v", cfg.StorageRoot, err),
			"Check permissions on the parent directory",
			err,
		)
	}
	writeSampleRoutingTable(cfg, log)

	rtr, err := router.Load(cfg.RoutingTable)
	if err != nil {
		return nil, errors.NewFatalError(
			"Cannot load routing table",
			err.Error(),
			fmt.Sprintf("Author %s; a scaffold is at %s.sample", cfg.RoutingTable, cfg.RoutingTable),
			err,
		)
	}

	store, err := index.Open(cfg.IndexPath())
	if err != nil {
		return nil, errors.NewFatalError(
			"Cannot open the build index",
			err.Error(),
			"Check the storage root is writable and the database is not corrupted",
			err,
		)
	}

	lock, err := index.AcquireBuildLock(ctx, store, cfg.LockPath())
	if err != nil {
		_ = store.Close()
		return nil, errors.NewLockedError(
			"Another daemon is already building this index",
			err.Error(),
			"Stop it with: qbuilder stop",
			err,
		)
	}

	if fresh {
		log.Info("bootstrap.fresh.truncate", "index", cfg.IndexPath())
		if err := store.Truncate(ctx); err != nil {
			_ = lock.Release(ctx)
			_ = store.Close()
			return nil, errors.NewFatalError(
				"Cannot truncate the index for --fresh",
				err.Error(),
				"Delete the storage root manually and retry",
				err,
			)
		}
	}

	steplog, err := daemon.NewStepLog(cfg.LogsDir())
	if err != nil {
		_ = lock.Release(ctx)
		_ = store.Close()
		return nil, errors.NewFatalError(
			"Cannot open the step log directory",
			err.Error(),
			"Check permissions under the storage root",
			err,
		)
	}

	log.Info("bootstrap.open",
		"storage_root", cfg.StorageRoot,
		"index", cfg.IndexPath(),
		"routing_table", cfg.RoutingTable,
	)

	return &Env{Cfg: cfg, Store: store, Lock: lock, Router: rtr, StepLog: steplog}, nil
}

// Close releases the lock and every handle.
func (e *Env) Close(ctx context.Context) {
	if e.StepLog != nil {
		_ = e.StepLog.Close()
	}
	if e.Lock != nil {
		_ = e.Lock.Release(ctx)
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// sampleRoutingTable is written next to a missing routing table so a new
// install has something to start from. The real table stays
// human-authored; startup still fails until it exists.
const sampleRoutingTable = `# qbuilder routing table
# Evaluated top to bottom; first matching pattern wins.
# Matching is case-insensitive over forward-slashed, root-relative paths.
rules:
  - pattern: "localization/**/*.yml"
    envelope: LOCALIZATION
  - pattern: "events/**/*.txt"
    envelope: LOOKUP_EVENTS
  - pattern: "common/decisions/**/*.txt"
    envelope: LOOKUP_DECISIONS
  - pattern: "common/landed_titles/**/*.txt"
    envelope: LOOKUP_TITLES
  - pattern: "common/traits/**/*.txt"
    envelope: LOOKUP_TRAITS
  - pattern: "common/**/*.txt"
    envelope: SCRIPT_FULL
  - pattern: "history/**/*.txt"
    envelope: SCRIPT_NO_REFS
  - pattern: "descriptor.mod"
    envelope: INGEST_ONLY
  - pattern: "**/*.dds"
    envelope: SKIP
  - pattern: "gfx/**"
    envelope: SKIP
  - pattern: "music/**"
    envelope: SKIP
  - pattern: "sound/**"
    envelope: SKIP
`

func writeSampleRoutingTable(cfg *daemon.Config, log *slog.Logger) {
	if _, err := os.Stat(cfg.RoutingTable); err == nil {
		return
	}
	samplePath := cfg.RoutingTable + ".sample"
	if _, err := os.Stat(samplePath); err == nil {
		return
	}

	// Atomic write so a crash never leaves a half-written scaffold.
	tmp := samplePath + ".tmp"
	if err := os.WriteFile(tmp, []byte(sampleRoutingTable), 0o644); err != nil {
		log.Warn("bootstrap.sample.write_failed", "err", err)
		return
	}
	if err := os.Rename(tmp, samplePath); err != nil {
		_ = os.Remove(tmp)
		log.Warn("bootstrap.sample.write_failed", "err", err)
		return
	}
	log.Info("bootstrap.sample.written", "path", samplePath, "dir", filepath.Dir(samplePath))
}
