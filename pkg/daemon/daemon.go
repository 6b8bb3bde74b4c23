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

// Package daemon drives the build pipeline: discovery over the playset
// roots, the persistent queue, the worker pool, and the loopback control
// endpoint.
//
// The daemon is the single writer: only it mutates the index and queue.
// Workers parse; the daemon commits. Shutdown is one shared cancellation
// observed by the dispatch loop, the worker reply paths, and the control
// endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/kraklabs/qbuilder/pkg/extract"
	"github.com/kraklabs/qbuilder/pkg/index"
	"github.com/kraklabs/qbuilder/pkg/queue"
	"github.com/kraklabs/qbuilder/pkg/router"
	"github.com/kraklabs/qbuilder/pkg/worker"
)

// ErrBindControl marks a control endpoint bind failure so the CLI can
// map it to its dedicated exit code.
var ErrBindControl = errors.New("cannot bind control endpoint")

// root is one resolved playset root.
type root struct {
	contentVersionID int64
	path             string
	loadOrder        int
	enabled          bool
}

// Daemon owns one index and converges it to the playset's on-disk state.
type Daemon struct {
	cfg     *Config
	store   *index.Store
	queue   *queue.Queue
	router  *router.Router
	pool    *worker.Pool
	steplog *StepLog
	log     *slog.Logger

	roots   []root
	rootDir map[int64]string

	// run is the current build run; written by buildCycle, read by the
	// control endpoint's status handler.
	run atomic.Pointer[index.BuildRun]

	// stopLeasing is set by graceful shutdown: in-flight items finish,
	// no new leases are taken.
	stopLeasing atomic.Bool
	inflight    atomic.Int64
	cancelRun   context.CancelFunc

	scanRequests chan struct{}
	shutdownCh   chan bool // payload: graceful
}

// New wires a Daemon. The store must already hold the build lock.
func New(cfg *Config, store *index.Store, rtr *router.Router, pool *worker.Pool, steplog *StepLog, log *slog.Logger) *Daemon {
	if log == nil {
		log = slog.Default()
	}
	buildMetrics.init()
	return &Daemon{
		cfg:          cfg,
		store:        store,
		queue:        queue.New(store),
		router:       rtr,
		pool:         pool,
		steplog:      steplog,
		log:          log,
		rootDir:      map[int64]string{},
		scanRequests: make(chan struct{}, 1),
		shutdownCh:   make(chan bool, 1),
	}
}

// syncPlayset registers the configured roots as content versions and
// saves the playset, refreshing load order and enabled flags.
func (d *Daemon) syncPlayset(ctx context.Context) error {
	d.roots = d.roots[:0]
	var saved []index.PlaysetRoot

	for i, rc := range d.cfg.Playset.Roots {
		cvID, err := d.store.UpsertContentVersion(ctx, index.ContentVersion{
			DisplayName: rc.Name,
			Origin:      rc.Origin,
			LoadOrder:   i,
			Enabled:     rc.RootEnabled(),
		})
		if err != nil {
			return err
		}
		d.roots = append(d.roots, root{
			contentVersionID: cvID,
			path:             rc.Path,
			loadOrder:        i,
			enabled:          rc.RootEnabled(),
		})
		d.rootDir[cvID] = rc.Path
		saved = append(saved, index.PlaysetRoot{
			Position:         i,
			ContentVersionID: cvID,
			RootPath:         rc.Path,
			Enabled:          rc.RootEnabled(),
		})
	}

	name := d.cfg.Playset.Name
	if name == "" {
		name = "default"
	}
	_, err := d.store.SavePlayset(ctx, name, saved)
	return err
}

// Run executes the daemon lifecycle. With once=true it drains the queue
// and returns; otherwise it stays resident, serving the control endpoint
// and re-running discovery on enqueue_scan until shutdown.
func (d *Daemon) Run(ctx context.Context, once bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.cancelRun = cancel

	ln, err := net.Listen("tcp", d.cfg.ControlAddr())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBindControl, err)
	}
	defer func() { _ = ln.Close() }()
	go d.serveControl(ctx, ln)

	if n, err := d.store.AbortOpenRuns(ctx); err != nil {
		return err
	} else if n > 0 {
		d.log.Warn("build.runs.stale_aborted", "count", n)
	}

	trigger := "daemon"
	if once {
		trigger = "run"
	}

	for {
		if err := d.buildCycle(ctx, trigger); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if once {
			return nil
		}

		// Drained: sleep until a control event.
		d.log.Info("daemon.idle", "addr", d.cfg.ControlAddr())
		select {
		case <-d.scanRequests:
			trigger = "enqueue_scan"
			d.reloadPlayset()
		case graceful := <-d.shutdownCh:
			d.finishShutdown(graceful)
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// buildCycle runs one discovery → dispatch → drain pass under a
// BuildRun row.
func (d *Daemon) buildCycle(ctx context.Context, trigger string) error {
	started := time.Now()
	run, err := d.store.StartRun(ctx, trigger, d.cfg.Snapshot())
	if err != nil {
		return err
	}
	d.run.Store(run)
	d.log.Info("build.run.start", "run_id", run.ID, "trigger", trigger)

	if err := d.syncPlayset(ctx); err != nil {
		_ = d.store.FinishRun(ctx, run, index.RunAborted)
		return fmt.Errorf("sync playset: %w", err)
	}

	stats, err := d.discover(ctx)
	if err != nil {
		_ = d.store.FinishRun(ctx, run, index.RunAborted)
		return fmt.Errorf("discovery: %w", err)
	}
	run.Counters["discovered"] = int64(stats.Discovered)
	run.Counters["skipped"] = int64(stats.Skipped)
	run.Counters["unmatched"] = int64(stats.Unmatched)
	run.Counters["enqueued"] = int64(stats.Enqueued)
	run.Counters["converged"] = int64(stats.Converged)

	if err := d.drainQueue(ctx); err != nil {
		_ = d.store.FinishRun(ctx, run, index.RunAborted)
		return err
	}

	// Optional post-pass: resolve refs against the now-complete symbol
	// table under the playset's load order.
	if rs, err := extract.ResolveRefs(ctx, d.store); err != nil {
		d.log.Warn("build.resolve_refs.error", "err", err)
	} else {
		run.Counters["refs_resolved"] = int64(rs.Resolved)
		run.Counters["refs_unresolved"] = int64(rs.Unresolved)
		run.Counters["refs_dynamic"] = int64(rs.Dynamic)
	}

	counts, err := d.queue.Counts(ctx)
	if err == nil {
		run.Counters["queue_done"] = counts[queue.StatusDone]
		run.Counters["queue_error"] = counts[queue.StatusError]
	}

	status := index.RunCompleted
	if ctx.Err() != nil {
		status = index.RunAborted
	}
	if err := d.store.FinishRun(ctx, run, status); err != nil {
		return err
	}
	buildMetrics.runDuration.Observe(time.Since(started).Seconds())
	_ = d.steplog.Write(StepRecord{
		RunID:      run.ID,
		Step:       "RUN",
		DurationMS: time.Since(started).Milliseconds(),
		Extra:      map[string]any{"status": status, "trigger": trigger},
	})
	d.log.Info("build.run.complete", "run_id", run.ID, "status", status,
		"duration_ms", time.Since(started).Milliseconds())
	return ctx.Err()
}

// finishShutdown drains the pool once the dispatch loop has stopped.
// Graceful waits for in-flight items to finish or time out; abort has
// already cancelled the run context, leaving leased items to expire and
// be reclaimed on next start.
func (d *Daemon) finishShutdown(graceful bool) {
	if graceful {
		deadline := time.Now().Add(d.cfg.RequestTimeout.Std() + d.cfg.LeaseDuration.Std())
		for d.inflight.Load() > 0 && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}
	}
	if d.cancelRun != nil {
		d.cancelRun()
	}
	d.pool.Stop()
}

// runID returns the current build run's identifier, or "".
func (d *Daemon) runID() string {
	if r := d.run.Load(); r != nil {
		return r.ID
	}
	return ""
}

// reloadPlayset re-reads the playset section of the config file so an
// enqueue_scan picks up mod list changes without a restart. The rest of
// the config (ports, pool sizing) stays as started.
func (d *Daemon) reloadPlayset() {
	if d.cfg.Path == "" {
		return
	}
	fresh, err := LoadConfig(d.cfg.Path)
	if err != nil {
		d.log.Warn("daemon.playset.reload_failed", "err", err)
		return
	}
	d.cfg.Playset = fresh.Playset
	d.log.Info("daemon.playset.reloaded", "roots", len(fresh.Playset.Roots))
}

// RequestScan schedules a discovery pass; used by the control endpoint.
func (d *Daemon) RequestScan() {
	select {
	case d.scanRequests <- struct{}{}:
	default:
	}
}

// RequestShutdown asks the daemon to exit. The cancellation is shared:
// the dispatch loop sees stopLeasing before its next lease, an abort
// additionally cancels the run context so in-flight work stops now.
func (d *Daemon) RequestShutdown(graceful bool) {
	d.log.Info("daemon.shutdown.requested", "graceful", graceful)
	d.stopLeasing.Store(true)
	if !graceful && d.cancelRun != nil {
		d.cancelRun()
	}
	select {
	case d.shutdownCh <- graceful:
	default:
	}
}
