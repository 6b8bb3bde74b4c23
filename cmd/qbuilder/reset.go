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

	qerrors "github.com/kraklabs/qbuilder/internal/errors"
	"github.com/kraklabs/qbuilder/internal/ui"
	"github.com/kraklabs/qbuilder/pkg/daemon"
	"github.com/kraklabs/qbuilder/pkg/index"
	"github.com/kraklabs/qbuilder/pkg/queue"
)

// runReset bulk-moves queue items back to pending (or deletes them).
// Against a running daemon it goes through the control endpoint so the
// single writer stays single; otherwise it opens the index directly.
func runReset(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	confirm := fs.Bool("yes", false, "Confirm the reset (required)")
	statusFilter := fs.StringSlice("status", nil, "Limit to these statuses (error, done, pending, processing)")
	envelope := fs.String("envelope", "", "Limit to one envelope")
	del := fs.Bool("delete", false, "Delete matching rows instead of re-pending them")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: qbuilder reset [options]

Description:
  Bulk-reset queue items: clear leases, errors, and step progress so the
  items build again, or delete them outright with --delete.

  Terminal states never revert on their own; this command is the
  explicit override.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  qbuilder reset --yes --status error       Retry everything that failed
  qbuilder reset --yes --delete             Empty the queue
`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if !*confirm {
		fmt.Fprintln(os.Stderr, "Error: you must pass --yes to confirm the reset")
		os.Exit(1)
	}

	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		qerrors.FatalError(qerrors.NewFatalError(
			"Cannot load daemon configuration", err.Error(), "", err), globals.JSON)
	}

	// A running daemon owns all writes; route through it when present.
	params := map[string]any{"statuses": *statusFilter, "envelope": *envelope, "delete": *del}
	if raw, err := daemon.Call(cfg.ControlAddr(), "reset", params, 5*time.Second); err == nil {
		var result struct {
			Reset int64 `json:"reset"`
		}
		_ = json.Unmarshal(raw, &result)
		ui.Successf("reset %d queue items (via daemon)", result.Reset)
		return
	}

	store, err := index.Open(cfg.IndexPath())
	if err != nil {
		qerrors.FatalError(qerrors.NewFatalError(
			"Cannot open the build index",
			err.Error(),
			"If a daemon is running, stop it first or let it serve the reset",
			err,
		), globals.JSON)
	}
	defer func() { _ = store.Close() }()

	n, err := queue.New(store).Reset(context.Background(), queue.ResetFilter{
		Statuses: *statusFilter,
		Envelope: *envelope,
		Delete:   *del,
	})
	if err != nil {
		qerrors.FatalError(qerrors.NewFatalError("Reset failed", err.Error(), "", err), globals.JSON)
	}
	ui.Successf("reset %d queue items", n)
}
