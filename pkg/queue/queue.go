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

// Package queue implements the persistent build work queue: durable FIFO
// rows in the index database with lease-based dispatch and idempotent
// step advancement.
//
// All transitions run on the store's single write connection, so queue
// state is serialized with every other index write. Leases make crash
// recovery passive: a processing row whose lease expired is
// indistinguishable from pending at the next Lease call.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kraklabs/qbuilder/pkg/index"
)

// Item states.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusError      = "error"
)

// Error kinds recorded on failed items (the daemon's taxonomy; see the
// error-handling design). The transient/terminal decision is taken by
// the caller per kind and attempt count.
const (
	KindIORead      = "io_read"
	KindParseError  = "parse_error"
	KindExtract     = "extract_error"
	KindWorkerCrash = "worker_crash"
	KindDBWrite     = "db_write"
	KindProtocol    = "protocol"
)

// DefaultMaxAttempts bounds transient retries per item.
const DefaultMaxAttempts = 3

// Item is one unit of build work: a file bound to an envelope.
type Item struct {
	QueueID          int64
	FileID           int64
	ContentVersionID int64
	RelativePath     string
	ContentHash      string
	Envelope         string
	Steps            []string
	CurrentStep      int
	Status           string
	Priority         int
	Attempts         int
	ErrorMessage     string
	ErrorKind        string
	LeaseHolder      string
	LeaseExpiresAt   int64
}

// CurrentStepName returns the step the item is waiting on, or "" when
// all steps are complete.
func (it *Item) CurrentStepName() string {
	if it.CurrentStep < 0 || it.CurrentStep >= len(it.Steps) {
		return ""
	}
	return it.Steps[it.CurrentStep]
}

// Queue wraps the queue table on the index store.
type Queue struct {
	store *Store
}

// Store is the narrow dependency the queue needs from pkg/index.
type Store = index.Store

// New returns a Queue over the store's write connection.
func New(store *Store) *Queue {
	return &Queue{store: store}
}

// EnqueueMany inserts items atomically, skipping any (file_id,
// content_version_id, content_hash) that already sits in the queue in a
// non-terminal state. Returns the number actually inserted.
func (q *Queue) EnqueueMany(ctx context.Context, items []Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	now := time.Now().Unix()

	tx, err := q.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO qbuilder_queue
		   (file_id, content_version_id, relative_path, content_hash, envelope, steps,
		    priority, created_at, updated_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (
		   SELECT 1 FROM qbuilder_queue
		   WHERE file_id = ? AND content_version_id = ? AND content_hash = ?
		     AND status IN ('pending','processing')
		 )`)
	if err != nil {
		return 0, fmt.Errorf("enqueue prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	inserted := 0
	for _, it := range items {
		steps, err := json.Marshal(it.Steps)
		if err != nil {
			return 0, fmt.Errorf("enqueue steps: %w", err)
		}
		res, err := stmt.ExecContext(ctx,
			it.FileID, it.ContentVersionID, it.RelativePath, it.ContentHash,
			it.Envelope, string(steps), it.Priority, now, now,
			it.FileID, it.ContentVersionID, it.ContentHash)
		if err != nil {
			return 0, fmt.Errorf("enqueue %s: %w", it.RelativePath, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("enqueue commit: %w", err)
	}
	return inserted, nil
}

// Lease atomically claims up to batchSize items for holder: pending
// rows, plus processing rows whose lease has already expired. Claimed
// rows move to processing with a fresh lease. Order is FIFO within
// priority.
func (q *Queue) Lease(ctx context.Context, batchSize int, leaseFor time.Duration, holder string) ([]Item, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	now := time.Now().Unix()
	expires := time.Now().Add(leaseFor).Unix()

	tx, err := q.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT queue_id FROM qbuilder_queue
		 WHERE status = 'pending'
		    OR (status = 'processing' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?)
		 ORDER BY priority DESC, queue_id ASC
		 LIMIT ?`, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("lease select: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("lease scan: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lease rows: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE qbuilder_queue
			 SET status = 'processing', lease_holder = ?, lease_expires_at = ?, updated_at = ?
			 WHERE queue_id = ?`, holder, expires, now, id); err != nil {
			return nil, fmt.Errorf("lease claim %d: %w", id, err)
		}
	}

	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		it, err := scanItem(tx.QueryRowContext(ctx, selectItem+` WHERE queue_id = ?`, id))
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("lease commit: %w", err)
	}
	return items, nil
}

// Advance moves an item past its current step, refreshing the lease.
// When the last step completes the item transitions to done and the
// lease is cleared. Advancing an already-done item is a no-op, keeping
// the operation idempotent.
func (q *Queue) Advance(ctx context.Context, queueID int64, leaseFor time.Duration) (*Item, error) {
	now := time.Now().Unix()
	expires := time.Now().Add(leaseFor).Unix()

	tx, err := q.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("advance: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	it, err := scanItem(tx.QueryRowContext(ctx, selectItem+` WHERE queue_id = ?`, queueID))
	if err != nil {
		return nil, err
	}
	if it.Status == StatusDone || it.Status == StatusError {
		return it, tx.Commit()
	}

	it.CurrentStep++
	if it.CurrentStep >= len(it.Steps) {
		it.Status = StatusDone
		_, err = tx.ExecContext(ctx,
			`UPDATE qbuilder_queue
			 SET current_step = ?, status = 'done', lease_holder = NULL, lease_expires_at = NULL,
			     error_message = NULL, error_kind = NULL, updated_at = ?
			 WHERE queue_id = ?`, it.CurrentStep, now, queueID)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE qbuilder_queue
			 SET current_step = ?, lease_expires_at = ?, updated_at = ?
			 WHERE queue_id = ?`, it.CurrentStep, expires, now, queueID)
		it.LeaseExpiresAt = expires
	}
	if err != nil {
		return nil, fmt.Errorf("advance %d: %w", queueID, err)
	}
	return it, tx.Commit()
}

// Fail records a step failure under the given taxonomy kind. A
// transient failure with attempts remaining goes back to pending;
// anything else parks in error with the message and kind persisted.
func (q *Queue) Fail(ctx context.Context, queueID int64, message, kind string, transient bool, maxAttempts int) (*Item, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := time.Now().Unix()

	tx, err := q.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fail: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	it, err := scanItem(tx.QueryRowContext(ctx, selectItem+` WHERE queue_id = ?`, queueID))
	if err != nil {
		return nil, err
	}

	it.Attempts++
	retry := transient && it.Attempts < maxAttempts
	if retry {
		it.Status = StatusPending
		_, err = tx.ExecContext(ctx,
			`UPDATE qbuilder_queue
			 SET status = 'pending', attempts = ?, error_message = ?, error_kind = ?,
			     lease_holder = NULL, lease_expires_at = NULL, updated_at = ?
			 WHERE queue_id = ?`, it.Attempts, message, kind, now, queueID)
	} else {
		it.Status = StatusError
		_, err = tx.ExecContext(ctx,
			`UPDATE qbuilder_queue
			 SET status = 'error', attempts = ?, error_message = ?, error_kind = ?,
			     lease_holder = NULL, lease_expires_at = NULL, updated_at = ?
			 WHERE queue_id = ?`, it.Attempts, message, kind, now, queueID)
	}
	if err != nil {
		return nil, fmt.Errorf("fail %d: %w", queueID, err)
	}
	it.ErrorMessage = message
	it.ErrorKind = kind
	return it, tx.Commit()
}

// ResetFilter selects rows for administrative Reset.
type ResetFilter struct {
	// Statuses limits the reset to these states; empty means all.
	Statuses []string
	// Envelope limits to one envelope; empty means any.
	Envelope string
	// ContentVersionID limits to one content version; zero means any.
	ContentVersionID int64
	// Delete removes the rows instead of returning them to pending.
	Delete bool
}

// Reset bulk-moves matching rows back to pending (clearing leases,
// errors, attempts, and step progress) or deletes them.
func (q *Queue) Reset(ctx context.Context, f ResetFilter) (int64, error) {
	var conds []string
	var args []any
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, st)
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ",")+")")
	}
	if f.Envelope != "" {
		conds = append(conds, "envelope = ?")
		args = append(args, f.Envelope)
	}
	if f.ContentVersionID != 0 {
		conds = append(conds, "content_version_id = ?")
		args = append(args, f.ContentVersionID)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var res sql.Result
	var err error
	if f.Delete {
		res, err = q.store.DB().ExecContext(ctx, `DELETE FROM qbuilder_queue`+where, args...)
	} else {
		set := `UPDATE qbuilder_queue
		        SET status = 'pending', current_step = 0, attempts = 0,
		            error_message = NULL, error_kind = NULL,
		            lease_holder = NULL, lease_expires_at = NULL, updated_at = ?`
		args = append([]any{time.Now().Unix()}, args...)
		res, err = q.store.DB().ExecContext(ctx, set+where, args...)
	}
	if err != nil {
		return 0, fmt.Errorf("reset queue: %w", err)
	}
	return res.RowsAffected()
}

// Counts returns the queue breakdown by status.
func (q *Queue) Counts(ctx context.Context) (map[string]int64, error) {
	rows, err := q.store.DB().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM qbuilder_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[string]int64{
		StatusPending: 0, StatusProcessing: 0, StatusDone: 0, StatusError: 0,
	}
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("queue counts scan: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// RecentErrors returns the most recently failed items, newest first.
func (q *Queue) RecentErrors(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := q.store.DB().QueryContext(ctx,
		selectItem+` WHERE status = 'error' ORDER BY updated_at DESC, queue_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent errors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []Item
	for rows.Next() {
		it, err := scanItemRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

const selectItem = `SELECT queue_id, file_id, content_version_id, relative_path, content_hash,
	envelope, steps, current_step, status, priority, attempts,
	COALESCE(error_message,''), COALESCE(error_kind,''),
	COALESCE(lease_holder,''), COALESCE(lease_expires_at,0)
	FROM qbuilder_queue`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	it := &Item{}
	var steps string
	err := row.Scan(&it.QueueID, &it.FileID, &it.ContentVersionID, &it.RelativePath,
		&it.ContentHash, &it.Envelope, &steps, &it.CurrentStep, &it.Status,
		&it.Priority, &it.Attempts, &it.ErrorMessage, &it.ErrorKind,
		&it.LeaseHolder, &it.LeaseExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue item not found")
	}
	if err != nil {
		return nil, fmt.Errorf("queue item scan: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &it.Steps); err != nil {
		return nil, fmt.Errorf("queue item steps: %w", err)
	}
	return it, nil
}

func scanItemRows(rows *sql.Rows) (*Item, error) {
	return scanItem(rows)
}
