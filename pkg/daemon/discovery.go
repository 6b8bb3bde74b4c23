// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/kraklabs/qbuilder/pkg/queue"
	"github.com/kraklabs/qbuilder/pkg/router"
)

// DiscoveryStats summarizes one discovery pass.
type DiscoveryStats struct {
	Discovered int // regular files seen under enabled roots
	Skipped    int // routed to SKIP
	Unmatched  int // router_unmatched, never enqueued
	Enqueued   int // queue rows inserted
	Converged  int // unchanged content already built; nothing to do
	ReadErrors int // unreadable files
}

// discover walks every enabled playset root in load order, routes each
// regular file, ingests it, and enqueues build items. Content whose hash
// is unchanged and whose prior queue item completed is already converged
// and is not re-enqueued; a playset switch therefore deduplicates
// naturally instead of rebuilding.
func (d *Daemon) discover(ctx context.Context) (*DiscoveryStats, error) {
	stats := &DiscoveryStats{}

	for _, r := range d.roots {
		if !r.enabled {
			d.log.Info("discovery.root.disabled", "path", r.path)
			continue
		}
		if err := d.discoverRoot(ctx, r, stats); err != nil {
			return nil, err
		}
	}

	d.log.Info("discovery.complete",
		"discovered", stats.Discovered,
		"skipped", stats.Skipped,
		"unmatched", stats.Unmatched,
		"enqueued", stats.Enqueued,
		"converged", stats.Converged,
		"read_errors", stats.ReadErrors,
	)
	return stats, nil
}

func (d *Daemon) discoverRoot(ctx context.Context, r root, stats *DiscoveryStats) error {
	var batch []queue.Item

	err := filepath.WalkDir(r.path, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() || !entry.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(r.path, path)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", path, err)
		}
		rel = filepath.ToSlash(rel)
		stats.Discovered++
		buildMetrics.filesDiscovered.Inc()

		decision, err := d.router.Route(rel)
		if err != nil {
			if errors.Is(err, router.ErrUnmatched) {
				stats.Unmatched++
				buildMetrics.filesUnmatched.Inc()
				d.log.Warn("discovery.unmatched", "path", rel, "root", r.path)
				return nil
			}
			return err
		}
		if decision.Skip {
			stats.Skipped++
			buildMetrics.filesSkipped.Inc()
			return nil
		}

		res, err := d.store.Ingest(ctx, r.contentVersionID, rel, path)
		if err != nil {
			stats.ReadErrors++
			d.log.Warn("discovery.ingest.error", "path", rel, "err", err)
			return nil
		}

		if res.Deduplicated {
			done, err := d.itemAlreadyBuilt(ctx, res.FileID, r.contentVersionID, res.ContentHash)
			if err != nil {
				return err
			}
			if done {
				stats.Converged++
				return nil
			}
		}

		batch = append(batch, queue.Item{
			FileID:           res.FileID,
			ContentVersionID: r.contentVersionID,
			RelativePath:     rel,
			ContentHash:      res.ContentHash,
			Envelope:         decision.Envelope,
			Steps:            decision.Steps,
		})
		if len(batch) >= d.cfg.BatchSize {
			if err := d.flushBatch(ctx, &batch, stats); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", r.path, err)
	}
	return d.flushBatch(ctx, &batch, stats)
}

func (d *Daemon) flushBatch(ctx context.Context, batch *[]queue.Item, stats *DiscoveryStats) error {
	if len(*batch) == 0 {
		return nil
	}
	n, err := d.queue.EnqueueMany(ctx, *batch)
	if err != nil {
		return err
	}
	stats.Enqueued += n
	buildMetrics.itemsEnqueued.Add(float64(n))
	*batch = (*batch)[:0]
	return nil
}

// itemAlreadyBuilt reports whether a done queue row exists for this
// exact (file, version, hash) — the convergence check that makes
// re-scans of unchanged playsets produce zero work.
func (d *Daemon) itemAlreadyBuilt(ctx context.Context, fileID, cvID int64, hash string) (bool, error) {
	var one int
	err := d.store.DB().QueryRowContext(ctx,
		`SELECT 1 FROM qbuilder_queue
		 WHERE file_id = ? AND content_version_id = ? AND content_hash = ? AND status = 'done'
		 LIMIT 1`, fileID, cvID, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("converged check: %w", err)
	}
	return true, nil
}
