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

package index

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store is the persistent index: files, content versions, ASTs, symbols,
// refs, localization entries, playsets, the work queue, and build runs,
// all in one SQLite database under the storage root.
//
// The daemon is the single writer. The store serializes writes on one
// connection; read-only consumers open their own handles with OpenReadOnly.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
	// closed guards against use after Close; reads under mu.
	closed bool
}

// Open opens (creating if necessary) the index database at dbPath and
// ensures the schema exists.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	// Single-writer discipline: one connection, no idle churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: dbPath}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenReadOnly opens the index for concurrent readers (status tools,
// downstream consumers). Writes through this handle fail.
func OpenReadOnly(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index read-only: %w", err)
	}
	return &Store{db: db, path: dbPath}, nil
}

// DB exposes the underlying handle for collaborating packages (the queue
// shares the store's connection so every transition goes through the
// single writer).
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Truncate deletes every row of the content, derived, queue, run and
// playset tables, keeping the schema and the build lock row. Used by
// `daemon --fresh` and by the control endpoint's index reset.
func (s *Store) Truncate(ctx context.Context) error {
	tables := []string{
		"refs", "symbols", "lookups", "localization_entries", "asts",
		"qbuilder_queue", "files", "blobs", "build_runs",
		"playset_roots", "playsets", "content_versions",
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("truncate %s: %w", t, err)
		}
	}
	return tx.Commit()
}
