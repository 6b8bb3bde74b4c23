// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StepLog appends per-step diagnostics to logs/qbuilder_<date>.jsonl,
// one JSON object per line. The file rolls daily by name; writes are
// serialized and flushed line by line so a crash loses at most the
// line in flight.
type StepLog struct {
	dir string

	mu      sync.Mutex
	day     string
	file    *os.File
	nowFunc func() time.Time
}

// StepRecord is one step log line.
type StepRecord struct {
	TS         string         `json:"ts"`
	RunID      string         `json:"run_id"`
	FileID     int64          `json:"file_id,omitempty"`
	Step       string         `json:"step,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Extra      map[string]any `json:"-"`
}

// NewStepLog creates the log directory if needed.
func NewStepLog(dir string) (*StepLog, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	return &StepLog{dir: dir, nowFunc: time.Now}, nil
}

// Write appends one record, stamping ts and merging Extra fields into
// the object. Logging failures are returned but callers treat them as
// non-fatal: observability never fails the build.
func (l *StepLog) Write(rec StepRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc().UTC()
	if err := l.rotate(now); err != nil {
		return err
	}

	rec.TS = now.Format(time.RFC3339Nano)
	obj := map[string]any{
		"ts":          rec.TS,
		"run_id":      rec.RunID,
		"duration_ms": rec.DurationMS,
	}
	if rec.FileID != 0 {
		obj["file_id"] = rec.FileID
	}
	if rec.Step != "" {
		obj["step"] = rec.Step
	}
	for k, v := range rec.Extra {
		obj[k] = v
	}

	line, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("step log marshal: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("step log write: %w", err)
	}
	return nil
}

func (l *StepLog) rotate(now time.Time) error {
	day := now.Format("2006-01-02")
	if l.file != nil && day == l.day {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
	}
	path := filepath.Join(l.dir, fmt.Sprintf("qbuilder_%s.jsonl", day))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open step log: %w", err)
	}
	l.file = f
	l.day = day
	return nil
}

// Close closes the current log file.
func (l *StepLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
