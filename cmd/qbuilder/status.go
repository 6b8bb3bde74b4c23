// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/qbuilder/internal/output"
	"github.com/kraklabs/qbuilder/internal/ui"
	"github.com/kraklabs/qbuilder/pkg/daemon"
	"github.com/kraklabs/qbuilder/pkg/index"
	"github.com/kraklabs/qbuilder/pkg/queue"
)

// StatusReport is the status command's JSON shape.
type StatusReport struct {
	DaemonRunning bool                 `json:"daemon_running"`
	RunID         string               `json:"run_id,omitempty"`
	Queue         map[string]int64     `json:"queue"`
	PoolSize      int                  `json:"pool_size,omitempty"`
	PoolIdle      int                  `json:"pool_idle,omitempty"`
	Index         map[string]int64     `json:"index,omitempty"`
	RecentErrors  []daemon.StatusError `json:"recent_errors,omitempty"`
	Timestamp     time.Time            `json:"timestamp"`
}

// runStatus reports queue breakdown and index statistics. A running
// daemon answers over the control endpoint; otherwise the index is
// opened read-only.
func runStatus(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "Output as JSON")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: qbuilder status [options]

Shows the queue breakdown, worker pool health, and index row counts.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		failStatus(err, *jsonOut)
	}

	report := &StatusReport{Timestamp: time.Now()}

	// Prefer the live daemon: it knows pool state and the current run.
	if raw, err := daemon.Call(cfg.ControlAddr(), "status", nil, 2*time.Second); err == nil {
		var live daemon.StatusResult
		if err := json.Unmarshal(raw, &live); err == nil {
			report.DaemonRunning = true
			report.RunID = live.RunID
			report.Queue = live.Queue
			report.PoolSize = live.PoolSize
			report.PoolIdle = live.PoolIdle
			report.RecentErrors = live.RecentFails
		}
	}

	if !report.DaemonRunning {
		store, err := index.OpenReadOnly(cfg.IndexPath())
		if err != nil {
			failStatus(err, *jsonOut)
		}
		defer func() { _ = store.Close() }()

		ctx := context.Background()
		counts, err := queue.New(store).Counts(ctx)
		if err != nil {
			failStatus(err, *jsonOut)
		}
		report.Queue = counts
		report.Index = indexCounts(ctx, store)
	}

	if *jsonOut {
		if err := output.JSON(report); err != nil {
			os.Exit(1)
		}
		return
	}
	printStatus(report)
}

func indexCounts(ctx context.Context, store *index.Store) map[string]int64 {
	out := map[string]int64{}
	for _, table := range []string{"files", "asts", "symbols", "refs", "localization_entries", "content_versions"} {
		n, err := store.CountRows(ctx, table)
		if err != nil {
			continue
		}
		out[table] = n
	}
	return out
}

func printStatus(report *StatusReport) {
	ui.Header("qbuilder status")
	if report.DaemonRunning {
		ui.Success("daemon is running")
		if report.RunID != "" {
			fmt.Printf("  run:   %s\n", ui.DimText(report.RunID))
		}
		fmt.Printf("  pool:  %d workers, %d idle\n", report.PoolSize, report.PoolIdle)
	} else {
		ui.Info("daemon is not running (reading index directly)")
	}

	fmt.Println()
	ui.SubHeader("Queue:")
	for _, st := range []string{queue.StatusPending, queue.StatusProcessing, queue.StatusDone, queue.StatusError} {
		fmt.Printf("  %-12s %s\n", st+":", ui.CountText(report.Queue[st]))
	}

	if len(report.Index) > 0 {
		fmt.Println()
		ui.SubHeader("Index:")
		for _, table := range []string{"content_versions", "files", "asts", "symbols", "refs", "localization_entries"} {
			if n, ok := report.Index[table]; ok {
				fmt.Printf("  %-22s %s\n", table+":", ui.CountText(n))
			}
		}
	}

	if len(report.RecentErrors) > 0 {
		fmt.Println()
		ui.SubHeader("Recent errors:")
		for _, e := range report.RecentErrors {
			ui.Errorf("%s [%s] %s", e.Path, e.Kind, e.Message)
		}
	}
}

func failStatus(err error, jsonOut bool) {
	if jsonOut {
		_ = output.JSONError(err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(1)
}

func printJSON(v any) error { return output.JSON(v) }
