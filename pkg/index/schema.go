// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package index

import "fmt"

// Schema DDL. Every statement is idempotent (IF NOT EXISTS) so opening an
// existing index is safe; there is no migration machinery — the index is
// rebuilt from scratch or converged by content hash.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS content_versions (
		content_version_id INTEGER PRIMARY KEY AUTOINCREMENT,
		display_name       TEXT NOT NULL UNIQUE,
		origin             TEXT NOT NULL CHECK (origin IN ('vanilla','workshop','local','wip')),
		load_order         INTEGER NOT NULL,
		enabled            INTEGER NOT NULL DEFAULT 1
	)`,

	`CREATE TABLE IF NOT EXISTS files (
		file_id            INTEGER PRIMARY KEY AUTOINCREMENT,
		content_version_id INTEGER NOT NULL REFERENCES content_versions(content_version_id),
		relative_path      TEXT NOT NULL,
		content_hash       TEXT NOT NULL,
		size               INTEGER NOT NULL,
		mtime              INTEGER NOT NULL,
		UNIQUE (content_version_id, relative_path)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_files_hash ON files(content_hash)`,

	// Content-addressed raw bytes. Append-only.
	`CREATE TABLE IF NOT EXISTS blobs (
		content_hash TEXT PRIMARY KEY,
		bytes        BLOB NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS asts (
		ast_id          INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id         INTEGER NOT NULL UNIQUE REFERENCES files(file_id),
		content_hash    TEXT NOT NULL,
		node_count      INTEGER NOT NULL,
		serialized_blob BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_asts_hash ON asts(content_hash)`,

	`CREATE TABLE IF NOT EXISTS symbols (
		symbol_id          INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id            INTEGER NOT NULL REFERENCES files(file_id),
		content_version_id INTEGER NOT NULL REFERENCES content_versions(content_version_id),
		ast_node_path      TEXT NOT NULL,
		line_number        INTEGER NOT NULL,
		column_number      INTEGER NOT NULL,
		symbol_type        TEXT NOT NULL,
		name               TEXT NOT NULL,
		scope              TEXT,
		metadata_json      TEXT,
		UNIQUE (file_id, ast_node_path, symbol_type, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(symbol_type, name)`,

	`CREATE TABLE IF NOT EXISTS refs (
		ref_id             INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id            INTEGER NOT NULL REFERENCES files(file_id),
		content_version_id INTEGER NOT NULL REFERENCES content_versions(content_version_id),
		ast_node_path      TEXT NOT NULL,
		line_number        INTEGER NOT NULL,
		column_number      INTEGER NOT NULL,
		ref_type           TEXT NOT NULL,
		name               TEXT NOT NULL,
		context            TEXT,
		resolution_status  TEXT NOT NULL DEFAULT 'unknown'
			CHECK (resolution_status IN ('resolved','unresolved','dynamic','unknown')),
		resolved_symbol_id INTEGER REFERENCES symbols(symbol_id),
		candidates_json    TEXT,
		UNIQUE (file_id, ast_node_path, ref_type, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_refs_name ON refs(ref_type, name)`,

	`CREATE TABLE IF NOT EXISTS localization_entries (
		loc_id             INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id            INTEGER NOT NULL REFERENCES files(file_id),
		content_version_id INTEGER NOT NULL REFERENCES content_versions(content_version_id),
		language           TEXT NOT NULL,
		loc_key            TEXT NOT NULL,
		version            INTEGER NOT NULL DEFAULT 0,
		raw_value          TEXT NOT NULL,
		plain_text         TEXT NOT NULL,
		UNIQUE (file_id, loc_key, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_loc_key ON localization_entries(loc_key)`,

	`CREATE TABLE IF NOT EXISTS lookups (
		lookup_id          INTEGER PRIMARY KEY AUTOINCREMENT,
		kind               TEXT NOT NULL,
		name               TEXT NOT NULL,
		file_id            INTEGER NOT NULL REFERENCES files(file_id),
		content_version_id INTEGER NOT NULL REFERENCES content_versions(content_version_id),
		payload_json       TEXT,
		UNIQUE (kind, name, file_id)
	)`,

	`CREATE TABLE IF NOT EXISTS playsets (
		playset_id INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL UNIQUE,
		active     INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS playset_roots (
		playset_id         INTEGER NOT NULL REFERENCES playsets(playset_id),
		position           INTEGER NOT NULL,
		content_version_id INTEGER NOT NULL REFERENCES content_versions(content_version_id),
		root_path          TEXT NOT NULL,
		enabled            INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (playset_id, position)
	)`,

	`CREATE TABLE IF NOT EXISTS qbuilder_queue (
		queue_id           INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id            INTEGER NOT NULL REFERENCES files(file_id),
		content_version_id INTEGER NOT NULL REFERENCES content_versions(content_version_id),
		relative_path      TEXT NOT NULL,
		content_hash       TEXT NOT NULL,
		envelope           TEXT NOT NULL,
		steps              TEXT NOT NULL,
		current_step       INTEGER NOT NULL DEFAULT 0,
		status             TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending','processing','done','error')),
		priority           INTEGER NOT NULL DEFAULT 0,
		attempts           INTEGER NOT NULL DEFAULT 0,
		error_message      TEXT,
		error_kind         TEXT,
		lease_holder       TEXT,
		lease_expires_at   INTEGER,
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_status ON qbuilder_queue(status, priority, queue_id)`,

	`CREATE TABLE IF NOT EXISTS build_runs (
		run_id          TEXT PRIMARY KEY,
		started_at      INTEGER NOT NULL,
		completed_at    INTEGER,
		status          TEXT NOT NULL CHECK (status IN ('running','completed','aborted')),
		trigger_reason  TEXT NOT NULL,
		config_snapshot TEXT,
		counters_json   TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS build_lock (
		id          INTEGER PRIMARY KEY CHECK (id = 1),
		pid         INTEGER NOT NULL,
		acquired_at INTEGER NOT NULL
	)`,
}

func (s *Store) ensureSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
