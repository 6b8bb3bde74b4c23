// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kraklabs/qbuilder/pkg/extract"
	"github.com/kraklabs/qbuilder/pkg/index"
	"github.com/kraklabs/qbuilder/pkg/localization"
	"github.com/kraklabs/qbuilder/pkg/queue"
	"github.com/kraklabs/qbuilder/pkg/router"
	"github.com/kraklabs/qbuilder/pkg/script"
	"github.com/kraklabs/qbuilder/pkg/wire"
	"github.com/kraklabs/qbuilder/pkg/worker"
)

// drainQueue leases pending items in batches and runs each through its
// remaining envelope steps until the queue is empty or shutdown stops
// leasing. Dispatch order follows queue order; completion order is
// whatever the workers make of it.
func (d *Daemon) drainQueue(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.pool.Size() + 1)

	holder := fmt.Sprintf("daemon-%s", d.runID()[:8])

	for {
		if gctx.Err() != nil || d.stopLeasing.Load() {
			break
		}
		items, err := d.queue.Lease(gctx, d.cfg.BatchSize, d.cfg.LeaseDuration.Std(), holder)
		if err != nil {
			if gctx.Err() != nil {
				break
			}
			return fmt.Errorf("lease: %w", err)
		}
		buildMetrics.leaseCycles.Inc()

		if len(items) == 0 {
			if d.inflight.Load() == 0 {
				break // drained
			}
			time.Sleep(20 * time.Millisecond)
			continue
		}

		for _, it := range items {
			item := it
			d.inflight.Add(1)
			g.Go(func() error {
				defer d.inflight.Add(-1)
				return d.processItem(gctx, item)
			})
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// stepError carries the taxonomy classification of a failed step.
type stepError struct {
	kind      string
	transient bool
	err       error
}

func (e *stepError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *stepError) Unwrap() error { return e.err }

func terminalStep(kind string, err error) *stepError {
	return &stepError{kind: kind, transient: false, err: err}
}

func transientStep(kind string, err error) *stepError {
	return &stepError{kind: kind, transient: true, err: err}
}

// processItem executes the item's remaining steps in order, committing
// after each one. Per-file failures never abort the run: they are
// classified and recorded on the item. Only daemon-level failures (the
// index refusing writes) propagate.
func (d *Daemon) processItem(ctx context.Context, it queue.Item) error {
	for {
		step := it.CurrentStepName()
		if step == "" || it.Status != queue.StatusProcessing {
			return nil
		}

		started := time.Now()
		serr := d.executeStep(ctx, &it, step)
		recordStepDuration(step, time.Since(started).Seconds())

		logExtra := map[string]any{"path": it.RelativePath, "envelope": it.Envelope}
		if serr != nil {
			logExtra["error_kind"] = serr.kind
			logExtra["error"] = serr.err.Error()
		}
		_ = d.steplog.Write(StepRecord{
			RunID:      d.runID(),
			FileID:     it.FileID,
			Step:       step,
			DurationMS: time.Since(started).Milliseconds(),
			Extra:      logExtra,
		})

		if serr != nil {
			if ctx.Err() != nil {
				// Shutdown raced the step; leave the item leased, the
				// lease will expire and the next start reclaims it.
				return nil
			}
			if serr.kind == queue.KindDBWrite {
				// The index refusing writes is daemon-fatal after the
				// queue records what happened.
				_, _ = d.queue.Fail(ctx, it.QueueID, serr.err.Error(), serr.kind, true, d.cfg.MaxAttempts)
				return serr
			}
			failed, err := d.queue.Fail(ctx, it.QueueID, serr.err.Error(), serr.kind, serr.transient, d.cfg.MaxAttempts)
			if err != nil {
				return err
			}
			if failed.Status == queue.StatusError {
				buildMetrics.itemsFailed.Inc()
			}
			return nil
		}

		advanced, err := d.queue.Advance(ctx, it.QueueID, d.cfg.LeaseDuration.Std())
		if err != nil {
			return err
		}
		it = *advanced
		if it.Status == queue.StatusDone {
			buildMetrics.itemsDone.Inc()
			return nil
		}
	}
}

// executeStep runs one envelope step for the item.
func (d *Daemon) executeStep(ctx context.Context, it *queue.Item, step string) *stepError {
	switch step {
	case router.StepIngest:
		return d.stepIngest(ctx, it)
	case router.StepParse:
		return d.stepParse(ctx, it)
	case router.StepSymbols:
		return d.stepSymbols(ctx, it)
	case router.StepRefs:
		return d.stepRefs(ctx, it)
	case router.StepLocalization:
		return d.stepLocalization(ctx, it)
	case router.StepLookupEvents, router.StepLookupDecisions, router.StepLookupTitles, router.StepLookupTraits:
		return d.stepLookup(ctx, it, step)
	default:
		return terminalStep(queue.KindExtract, fmt.Errorf("unknown step %q", step))
	}
}

// stepIngest re-digests the file so a re-executed item converges on the
// bytes actually on disk. Discovery already ingested once; this run is
// the idempotent commit of record for the step.
func (d *Daemon) stepIngest(ctx context.Context, it *queue.Item) *stepError {
	rootPath, ok := d.rootDir[it.ContentVersionID]
	if !ok {
		return terminalStep(queue.KindExtract, fmt.Errorf("no root for content version %d", it.ContentVersionID))
	}
	res, err := d.store.Ingest(ctx, it.ContentVersionID, it.RelativePath, filepath.Join(rootPath, filepath.FromSlash(it.RelativePath)))
	if err != nil {
		return transientStep(queue.KindIORead, err)
	}
	// The file may have changed between discovery and execution; the
	// item keeps building against what is on disk now.
	it.ContentHash = res.ContentHash
	return nil
}

// stepParse ships the file's bytes to a worker and commits the AST.
// Content whose hash is already parsed anywhere in the store is not
// re-parsed: the item short-circuits onto the existing artifacts. A file
// whose own AST belongs to superseded content is always re-parsed.
func (d *Daemon) stepParse(ctx context.Context, it *queue.Item) *stepError {
	var ownHash string
	err := d.store.DB().QueryRowContext(ctx,
		`SELECT content_hash FROM asts WHERE file_id = ?`, it.FileID).Scan(&ownHash)
	if err == nil && ownHash == it.ContentHash {
		return nil // this file's own parse is already committed
	} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return transientStep(queue.KindDBWrite, err)
	}

	parsed, err := d.store.AlreadyParsed(ctx, it.ContentHash)
	if err != nil {
		return transientStep(queue.KindDBWrite, err)
	}
	if parsed && ownHash == "" {
		buildMetrics.dedupHits.Inc()
		return nil // shared-by-hash with another file's AST
	}

	data, err := d.store.BytesOf(ctx, it.FileID)
	if err != nil {
		return transientStep(queue.KindIORead, err)
	}

	res, serr := d.parseOnPool(ctx, string(data))
	if serr != nil {
		return serr
	}

	for _, diag := range res.Diagnostics {
		// Recoverable lex/parse diagnostics are recorded, not fatal; the
		// partial tree still persists so later steps can walk it.
		_ = d.steplog.Write(StepRecord{
			RunID:  d.runID(),
			FileID: it.FileID,
			Step:   router.StepParse,
			Extra: map[string]any{
				"diagnostic": diag.Message,
				"line":       diag.Line,
				"column":     diag.Column,
				"error_kind": queue.KindParseError,
			},
		})
	}

	if _, err := d.store.PutAST(ctx, it.FileID, it.ContentHash, res.NodeCount, res.AST); err != nil {
		return transientStep(queue.KindDBWrite, err)
	}
	return nil
}

// parseOnPool dispatches one parse to the worker pool, retrying across
// worker crashes up to the configured budget.
func (d *Daemon) parseOnPool(ctx context.Context, text string) (*worker.Result, *stepError) {
	var lastCrash error
	for attempt := 0; attempt <= d.cfg.WorkerRetries; attempt++ {
		res, err := d.pool.Do(ctx, wire.Request{Op: wire.OpParseText, Text: text, Recovering: true})
		if err == nil {
			return res, nil
		}

		var crash *worker.CrashError
		if errors.As(err, &crash) {
			buildMetrics.workerCrashes.Inc()
			lastCrash = err
			if !d.pool.Healthy() {
				return nil, terminalStep(queue.KindWorkerCrash, fmt.Errorf("worker pool exhausted: %w", err))
			}
			continue
		}

		var reqErr *worker.RequestError
		if errors.As(err, &reqErr) {
			if reqErr.Kind == wire.ErrKindIO {
				return nil, transientStep(queue.KindIORead, err)
			}
			return nil, terminalStep(queue.KindProtocol, err)
		}
		if ctx.Err() != nil {
			return nil, transientStep(queue.KindWorkerCrash, ctx.Err())
		}
		return nil, terminalStep(queue.KindProtocol, err)
	}
	return nil, terminalStep(queue.KindWorkerCrash, lastCrash)
}

// loadOwnAST fetches the file's own AST; ok=false means the item was
// deduplicated onto another file's parse and derived steps are no-ops.
func (d *Daemon) loadOwnAST(ctx context.Context, it *queue.Item) (*script.Root, bool, *stepError) {
	_, blob, err := d.store.ASTByFile(ctx, it.FileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, transientStep(queue.KindDBWrite, err)
	}
	root, derr := script.DeserializeAST(blob)
	if derr != nil {
		return nil, false, terminalStep(queue.KindExtract, derr)
	}
	return root, true, nil
}

func (d *Daemon) stepSymbols(ctx context.Context, it *queue.Item) *stepError {
	root, ok, serr := d.loadOwnAST(ctx, it)
	if serr != nil || !ok {
		return serr
	}

	defs := extract.Symbols(extract.DefaultSymbolRules, it.RelativePath, root)
	rows := make([]index.Symbol, 0, len(defs))
	for _, def := range defs {
		rows = append(rows, index.Symbol{
			FileID:           it.FileID,
			ContentVersionID: it.ContentVersionID,
			ASTNodePath:      def.ASTNodePath,
			Line:             def.Line,
			Column:           def.Column,
			SymbolType:       def.SymbolType,
			Name:             def.Name,
			Scope:            def.Scope,
			MetadataJSON:     def.Metadata,
		})
	}
	if err := d.store.UpsertSymbols(ctx, rows); err != nil {
		return transientStep(queue.KindDBWrite, err)
	}
	return nil
}

func (d *Daemon) stepRefs(ctx context.Context, it *queue.Item) *stepError {
	root, ok, serr := d.loadOwnAST(ctx, it)
	if serr != nil || !ok {
		return serr
	}

	defs := extract.Symbols(extract.DefaultSymbolRules, it.RelativePath, root)
	uses := extract.Refs(extract.DefaultRefRules, defs)
	rows := make([]index.Ref, 0, len(uses))
	for _, use := range uses {
		rows = append(rows, index.Ref{
			FileID:           it.FileID,
			ContentVersionID: it.ContentVersionID,
			ASTNodePath:      use.ASTNodePath,
			Line:             use.Line,
			Column:           use.Column,
			RefType:          use.RefType,
			Name:             use.Name,
			Context:          use.Context,
			ResolutionStatus: index.RefUnknown,
		})
	}
	if err := d.store.UpsertRefs(ctx, rows); err != nil {
		return transientStep(queue.KindDBWrite, err)
	}
	return nil
}

func (d *Daemon) stepLocalization(ctx context.Context, it *queue.Item) *stepError {
	data, err := d.store.BytesOf(ctx, it.FileID)
	if err != nil {
		return transientStep(queue.KindIORead, err)
	}

	filename := filepath.Base(it.RelativePath)
	entries, diags, perr := localization.Parse(filename, string(data))
	if perr != nil {
		return terminalStep(queue.KindExtract, perr)
	}
	for _, diag := range diags {
		_ = d.steplog.Write(StepRecord{
			RunID:  d.runID(),
			FileID: it.FileID,
			Step:   router.StepLocalization,
			Extra:  map[string]any{"diagnostic": diag.Message, "line": diag.Line},
		})
	}

	rows := make([]index.LocEntry, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, index.LocEntry{
			FileID:           it.FileID,
			ContentVersionID: it.ContentVersionID,
			Language:         e.Language,
			Key:              e.Key,
			Version:          e.Version,
			RawValue:         e.RawValue,
			PlainText:        e.PlainText,
		})
	}
	if err := d.store.UpsertLocEntries(ctx, rows); err != nil {
		return transientStep(queue.KindDBWrite, err)
	}
	return nil
}

// stepLookup projects this file's symbols of the step's kind into the
// lookup table keyed (kind, name).
func (d *Daemon) stepLookup(ctx context.Context, it *queue.Item, step string) *stepError {
	kind, symbolType, ok := extract.LookupKindForStep(step)
	if !ok {
		return terminalStep(queue.KindExtract, fmt.Errorf("unknown lookup step %q", step))
	}

	syms, err := d.store.SymbolsByFile(ctx, it.FileID)
	if err != nil {
		return transientStep(queue.KindDBWrite, err)
	}

	var rows []index.Lookup
	for _, sym := range syms {
		if sym.SymbolType != symbolType {
			continue
		}
		rows = append(rows, index.Lookup{
			Kind:             kind,
			Name:             sym.Name,
			FileID:           it.FileID,
			ContentVersionID: it.ContentVersionID,
			PayloadJSON:      fmt.Sprintf(`{"ast_node_path":%q}`, sym.ASTNodePath),
		})
	}
	if err := d.store.UpsertLookups(ctx, rows); err != nil {
		return transientStep(queue.KindDBWrite, err)
	}
	return nil
}
