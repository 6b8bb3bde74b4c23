// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Build run states.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunAborted   = "aborted"
)

// BuildRun is one daemon build cycle from discovery to drain.
type BuildRun struct {
	ID             string
	StartedAt      int64
	CompletedAt    int64
	Status         string
	Trigger        string
	ConfigSnapshot string
	Counters       map[string]int64
}

// NewRunID derives a deterministic run identifier from the trigger and
// second-truncated start time, for log correlation across restarts.
func NewRunID(trigger string, startedAt time.Time) string {
	base := fmt.Sprintf("run-%s-%d", trigger, startedAt.Truncate(time.Second).Unix())
	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:16])
}

// StartRun opens a build run row in state running.
func (s *Store) StartRun(ctx context.Context, trigger, configSnapshot string) (*BuildRun, error) {
	run := &BuildRun{
		ID:             NewRunID(trigger, time.Now()),
		StartedAt:      nowUnix(),
		Status:         RunRunning,
		Trigger:        trigger,
		ConfigSnapshot: configSnapshot,
		Counters:       map[string]int64{},
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO build_runs (run_id, started_at, status, trigger_reason, config_snapshot)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET
		   started_at = excluded.started_at,
		   status = excluded.status,
		   completed_at = NULL`,
		run.ID, run.StartedAt, run.Status, run.Trigger, nullable(run.ConfigSnapshot))
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return run, nil
}

// FinishRun closes a run with its final status and aggregate counters.
func (s *Store) FinishRun(ctx context.Context, run *BuildRun, status string) error {
	counters, err := json.Marshal(run.Counters)
	if err != nil {
		return fmt.Errorf("finish run counters: %w", err)
	}
	run.Status = status
	run.CompletedAt = nowUnix()
	_, err = s.db.ExecContext(ctx,
		`UPDATE build_runs SET status = ?, completed_at = ?, counters_json = ? WHERE run_id = ?`,
		status, run.CompletedAt, string(counters), run.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// AbortOpenRuns marks any still-running rows aborted. Called at startup:
// a run left open means the previous daemon died mid-build.
func (s *Store) AbortOpenRuns(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE build_runs SET status = ?, completed_at = ? WHERE status = ?`,
		RunAborted, nowUnix(), RunRunning)
	if err != nil {
		return 0, fmt.Errorf("abort open runs: %w", err)
	}
	return res.RowsAffected()
}
