// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package index

import (
	"context"
	"fmt"
)

// Symbol is a named definition extracted from an AST.
type Symbol struct {
	ID               int64
	FileID           int64
	ContentVersionID int64
	ASTNodePath      string
	Line             int
	Column           int
	SymbolType       string
	Name             string
	Scope            string
	MetadataJSON     string
}

// Ref is a textual reference from a location to a named symbol.
type Ref struct {
	ID               int64
	FileID           int64
	ContentVersionID int64
	ASTNodePath      string
	Line             int
	Column           int
	RefType          string
	Name             string
	Context          string
	ResolutionStatus string
	ResolvedSymbolID int64
	CandidatesJSON   string
}

// LocEntry is one localization key/value for a language.
type LocEntry struct {
	ID               int64
	FileID           int64
	ContentVersionID int64
	Language         string
	Key              string
	Version          int
	RawValue         string
	PlainText        string
}

// Lookup is one (kind, name) row emitted by a LOOKUP_* step.
type Lookup struct {
	Kind             string
	Name             string
	FileID           int64
	ContentVersionID int64
	PayloadJSON      string
}

// Ref resolution states.
const (
	RefResolved   = "resolved"
	RefUnresolved = "unresolved"
	RefDynamic    = "dynamic"
	RefUnknown    = "unknown"
)

// UpsertSymbols writes symbol rows in one transaction. Rows are keyed by
// (file_id, ast_node_path, symbol_type, name), so re-running the SYMBOLS
// step on the same AST is a no-op row-wise.
func (s *Store) UpsertSymbols(ctx context.Context, syms []Symbol) error {
	if len(syms) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert symbols: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO symbols
		   (file_id, content_version_id, ast_node_path, line_number, column_number,
		    symbol_type, name, scope, metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (file_id, ast_node_path, symbol_type, name) DO UPDATE SET
		   content_version_id = excluded.content_version_id,
		   line_number = excluded.line_number,
		   column_number = excluded.column_number,
		   scope = excluded.scope,
		   metadata_json = excluded.metadata_json`)
	if err != nil {
		return fmt.Errorf("upsert symbols prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, sym := range syms {
		if _, err := stmt.ExecContext(ctx,
			sym.FileID, sym.ContentVersionID, sym.ASTNodePath, sym.Line, sym.Column,
			sym.SymbolType, sym.Name, nullable(sym.Scope), nullable(sym.MetadataJSON)); err != nil {
			return fmt.Errorf("upsert symbol %s/%s: %w", sym.SymbolType, sym.Name, err)
		}
	}
	return tx.Commit()
}

// UpsertRefs writes ref rows keyed by (file_id, ast_node_path, ref_type, name).
func (s *Store) UpsertRefs(ctx context.Context, refs []Ref) error {
	if len(refs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert refs: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO refs
		   (file_id, content_version_id, ast_node_path, line_number, column_number,
		    ref_type, name, context, resolution_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (file_id, ast_node_path, ref_type, name) DO UPDATE SET
		   content_version_id = excluded.content_version_id,
		   line_number = excluded.line_number,
		   column_number = excluded.column_number,
		   context = excluded.context`)
	if err != nil {
		return fmt.Errorf("upsert refs prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range refs {
		status := r.ResolutionStatus
		if status == "" {
			status = RefUnknown
		}
		if _, err := stmt.ExecContext(ctx,
			r.FileID, r.ContentVersionID, r.ASTNodePath, r.Line, r.Column,
			r.RefType, r.Name, nullable(r.Context), status); err != nil {
			return fmt.Errorf("upsert ref %s/%s: %w", r.RefType, r.Name, err)
		}
	}
	return tx.Commit()
}

// UpsertLocEntries writes localization rows keyed by (file_id, loc_key, version).
func (s *Store) UpsertLocEntries(ctx context.Context, entries []LocEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert loc entries: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO localization_entries
		   (file_id, content_version_id, language, loc_key, version, raw_value, plain_text)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (file_id, loc_key, version) DO UPDATE SET
		   content_version_id = excluded.content_version_id,
		   language = excluded.language,
		   raw_value = excluded.raw_value,
		   plain_text = excluded.plain_text`)
	if err != nil {
		return fmt.Errorf("upsert loc prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.FileID, e.ContentVersionID, e.Language, e.Key, e.Version, e.RawValue, e.PlainText); err != nil {
			return fmt.Errorf("upsert loc %s:%d: %w", e.Key, e.Version, err)
		}
	}
	return tx.Commit()
}

// UpsertLookups writes lookup rows keyed by (kind, name, file_id).
func (s *Store) UpsertLookups(ctx context.Context, lookups []Lookup) error {
	if len(lookups) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert lookups: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, l := range lookups {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO lookups (kind, name, file_id, content_version_id, payload_json)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (kind, name, file_id) DO UPDATE SET
			   content_version_id = excluded.content_version_id,
			   payload_json = excluded.payload_json`,
			l.Kind, l.Name, l.FileID, l.ContentVersionID, nullable(l.PayloadJSON)); err != nil {
			return fmt.Errorf("upsert lookup %s/%s: %w", l.Kind, l.Name, err)
		}
	}
	return tx.Commit()
}

// SymbolsByFile returns the symbol rows of a file ordered by node path.
func (s *Store) SymbolsByFile(ctx context.Context, fileID int64) ([]Symbol, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol_id, file_id, content_version_id, ast_node_path, line_number,
		        column_number, symbol_type, name, COALESCE(scope,''), COALESCE(metadata_json,'')
		 FROM symbols WHERE file_id = ? ORDER BY ast_node_path`, fileID)
	if err != nil {
		return nil, fmt.Errorf("symbols by file: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Symbol
	for rows.Next() {
		var sym Symbol
		if err := rows.Scan(&sym.ID, &sym.FileID, &sym.ContentVersionID, &sym.ASTNodePath,
			&sym.Line, &sym.Column, &sym.SymbolType, &sym.Name, &sym.Scope, &sym.MetadataJSON); err != nil {
			return nil, fmt.Errorf("symbol scan: %w", err)
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// ResolveRef records the outcome of the optional resolution post-pass.
func (s *Store) ResolveRef(ctx context.Context, refID int64, status string, resolvedSymbolID int64, candidatesJSON string) error {
	var symArg any
	if resolvedSymbolID > 0 {
		symArg = resolvedSymbolID
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE refs SET resolution_status = ?, resolved_symbol_id = ?, candidates_json = ?
		 WHERE ref_id = ?`,
		status, symArg, nullable(candidatesJSON), refID)
	if err != nil {
		return fmt.Errorf("resolve ref %d: %w", refID, err)
	}
	return nil
}

// CountRows returns the row count of a whitelisted index table; status
// reporting uses it.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	switch table {
	case "files", "content_versions", "asts", "symbols", "refs",
		"localization_entries", "lookups", "playsets", "qbuilder_queue", "build_runs", "blobs":
	default:
		return 0, fmt.Errorf("count rows: unknown table %q", table)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
