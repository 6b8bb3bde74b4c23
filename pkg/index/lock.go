// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// BuildLock is the process-wide mutex preventing a second daemon from
// writing the same index. The OS-level flock is authoritative; the
// build_lock table row mirrors the holder for status tooling.
type BuildLock struct {
	fl    *flock.Flock
	store *Store
}

// AcquireBuildLock takes the lock non-blocking. It returns an error when
// another daemon already holds it.
func AcquireBuildLock(ctx context.Context, store *Store, lockPath string) (*BuildLock, error) {
	fl := flock.New(lockPath)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("build lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("build lock: index %s is locked by another daemon", store.Path())
	}

	if _, err := store.db.ExecContext(ctx,
		`INSERT INTO build_lock (id, pid, acquired_at) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET pid = excluded.pid, acquired_at = excluded.acquired_at`,
		os.Getpid(), nowUnix()); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("build lock row: %w", err)
	}
	return &BuildLock{fl: fl, store: store}, nil
}

// Release drops the lock and clears the mirror row.
func (l *BuildLock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	_, _ = l.store.db.ExecContext(ctx, `DELETE FROM build_lock WHERE id = 1`)
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release build lock: %w", err)
	}
	return nil
}

// LockHolder reports the recorded holder PID, or 0 when unlocked.
func (s *Store) LockHolder(ctx context.Context) (int, error) {
	var pid int
	err := s.db.QueryRowContext(ctx, `SELECT pid FROM build_lock WHERE id = 1`).Scan(&pid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lock holder: %w", err)
	}
	return pid, nil
}
