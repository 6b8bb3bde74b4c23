// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package index

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"
)

// File is one physical file observed under a content version. Identity
// is (content_version_id, relative_path); a newer content_hash at the
// same key supersedes the row in place.
type File struct {
	ID               int64
	ContentVersionID int64
	RelativePath     string
	ContentHash      string
	Size             int64
	MTime            int64
}

// IngestResult reports what Ingest did.
type IngestResult struct {
	FileID       int64
	ContentHash  string
	Deduplicated bool
}

// HashBytes returns the hex digest used for content addressing.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Ingest digests the file at absPath and registers it under
// (contentVersionID, relPath). The raw bytes land in the append-only
// blobs table and the files row is upserted by its natural key. The
// write is committed before Ingest returns, so a successful INGEST step
// is durable. Deduplicated is true when the key already carried the same
// hash.
func (s *Store) Ingest(ctx context.Context, contentVersionID int64, relPath, absPath string) (IngestResult, error) {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return IngestResult{}, fmt.Errorf("ingest read %s: %w", absPath, err)
	}
	info, err := os.Stat(absPath)
	var mtime int64
	if err == nil {
		mtime = info.ModTime().Unix()
	}
	return s.IngestBytes(ctx, contentVersionID, relPath, data, mtime)
}

// IngestBytes is Ingest for already-loaded content.
func (s *Store) IngestBytes(ctx context.Context, contentVersionID int64, relPath string, data []byte, mtime int64) (IngestResult, error) {
	hash := HashBytes(data)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return IngestResult{}, fmt.Errorf("ingest: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO blobs (content_hash, bytes) VALUES (?, ?)`, hash, data); err != nil {
		return IngestResult{}, fmt.Errorf("ingest blob: %w", err)
	}

	var prevID int64
	var prevHash string
	err = tx.QueryRowContext(ctx,
		`SELECT file_id, content_hash FROM files WHERE content_version_id = ? AND relative_path = ?`,
		contentVersionID, relPath).Scan(&prevID, &prevHash)

	res := IngestResult{ContentHash: hash}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		out, err := tx.ExecContext(ctx,
			`INSERT INTO files (content_version_id, relative_path, content_hash, size, mtime)
			 VALUES (?, ?, ?, ?, ?)`,
			contentVersionID, relPath, hash, len(data), mtime)
		if err != nil {
			return IngestResult{}, fmt.Errorf("ingest file row: %w", err)
		}
		res.FileID, err = out.LastInsertId()
		if err != nil {
			return IngestResult{}, fmt.Errorf("ingest file id: %w", err)
		}
	case err != nil:
		return IngestResult{}, fmt.Errorf("ingest lookup: %w", err)
	default:
		res.FileID = prevID
		res.Deduplicated = prevHash == hash
		if !res.Deduplicated {
			// Superseding content: update the row in place; derived rows
			// are rewritten by the downstream steps.
			if _, err := tx.ExecContext(ctx,
				`UPDATE files SET content_hash = ?, size = ?, mtime = ? WHERE file_id = ?`,
				hash, len(data), mtime, prevID); err != nil {
				return IngestResult{}, fmt.Errorf("ingest supersede: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return IngestResult{}, fmt.Errorf("ingest commit: %w", err)
	}
	return res, nil
}

// BytesOf retrieves the raw content of a file through its current hash.
func (s *Store) BytesOf(ctx context.Context, fileID int64) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT b.bytes FROM files f JOIN blobs b ON b.content_hash = f.content_hash
		 WHERE f.file_id = ?`, fileID).Scan(&data)
	if err != nil {
		return nil, fmt.Errorf("bytes of file %d: %w", fileID, err)
	}
	return data, nil
}

// FileByID loads a file row.
func (s *Store) FileByID(ctx context.Context, fileID int64) (*File, error) {
	f := &File{}
	err := s.db.QueryRowContext(ctx,
		`SELECT file_id, content_version_id, relative_path, content_hash, size, mtime
		 FROM files WHERE file_id = ?`, fileID).
		Scan(&f.ID, &f.ContentVersionID, &f.RelativePath, &f.ContentHash, &f.Size, &f.MTime)
	if err != nil {
		return nil, fmt.Errorf("file %d: %w", fileID, err)
	}
	return f, nil
}

// AlreadyParsed reports whether an AST exists for this content hash
// anywhere in the store, regardless of file. This is the cross-file,
// cross-mod deduplication check: a known hash never needs re-parsing.
func (s *Store) AlreadyParsed(ctx context.Context, contentHash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM asts WHERE content_hash = ? LIMIT 1`, contentHash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("already parsed: %w", err)
	}
	return true, nil
}

// PutAST stores the serialized tree for a file. One AST per file_id:
// re-running PARSE for a superseding hash replaces the row.
func (s *Store) PutAST(ctx context.Context, fileID int64, contentHash string, nodeCount int, blob []byte) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO asts (file_id, content_hash, node_count, serialized_blob)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (file_id) DO UPDATE SET
		   content_hash = excluded.content_hash,
		   node_count = excluded.node_count,
		   serialized_blob = excluded.serialized_blob`,
		fileID, contentHash, nodeCount, blob)
	if err != nil {
		return 0, fmt.Errorf("put ast: %w", err)
	}
	var astID int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT ast_id FROM asts WHERE file_id = ?`, fileID).Scan(&astID); err != nil {
		return 0, fmt.Errorf("put ast id: %w", err)
	}
	return astID, nil
}

// ASTByFile returns the serialized AST for a file, or sql.ErrNoRows.
func (s *Store) ASTByFile(ctx context.Context, fileID int64) (astID int64, blob []byte, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT ast_id, serialized_blob FROM asts WHERE file_id = ?`, fileID).Scan(&astID, &blob)
	return astID, blob, err
}

// ASTByHash returns any AST stored for a content hash; used when a file
// dedups against another file's parse.
func (s *Store) ASTByHash(ctx context.Context, contentHash string) (astID int64, blob []byte, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT ast_id, serialized_blob FROM asts WHERE content_hash = ? LIMIT 1`, contentHash).Scan(&astID, &blob)
	return astID, blob, err
}

func nowUnix() int64 { return time.Now().Unix() }
