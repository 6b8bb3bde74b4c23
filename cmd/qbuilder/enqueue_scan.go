// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	qerrors "github.com/kraklabs/qbuilder/internal/errors"
	"github.com/kraklabs/qbuilder/internal/ui"
	"github.com/kraklabs/qbuilder/pkg/daemon"
)

// runEnqueueScan asks a running daemon to re-run discovery. A playset
// switch is an enqueue, not a restart: unchanged content deduplicates by
// hash, so only new or changed files produce work.
func runEnqueueScan(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("enqueue-scan", flag.ExitOnError)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: qbuilder enqueue-scan

Description:
  Ask the running daemon to walk the playset roots again and enqueue
  anything new or changed. Use after editing mods or switching the
  playset in qbuilder.yaml (the daemon re-reads roots per scan).
`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		qerrors.FatalError(qerrors.NewFatalError(
			"Cannot load daemon configuration", err.Error(), "", err), globals.JSON)
	}

	_, err = daemon.Call(cfg.ControlAddr(), "enqueue_scan", nil, 5*time.Second)
	if err != nil {
		qerrors.FatalError(qerrors.NewFatalError(
			"Cannot reach the daemon",
			err.Error(),
			"Start it with: qbuilder daemon",
			err,
		), globals.JSON)
	}

	ui.Success("discovery scheduled")
}
