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

// runStop asks the daemon to shut down over the control endpoint.
func runStop(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	abort := fs.Bool("abort", false, "Abort immediately instead of draining in-flight items")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: qbuilder stop [options]

Description:
  Stop a running daemon. By default in-flight items finish (or time out)
  before the daemon exits; --abort terminates the worker pool at once
  and leaves leased items to be reclaimed on the next start.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		qerrors.FatalError(qerrors.NewFatalError(
			"Cannot load daemon configuration", err.Error(), "", err), globals.JSON)
	}

	_, err = daemon.Call(cfg.ControlAddr(), "shutdown",
		map[string]bool{"graceful": !*abort}, 5*time.Second)
	if err != nil {
		qerrors.FatalError(qerrors.NewFatalError(
			"Cannot reach the daemon",
			err.Error(),
			fmt.Sprintf("Is a daemon running on %s? Check: qbuilder status", cfg.ControlAddr()),
			err,
		), globals.JSON)
	}

	if *abort {
		ui.Success("daemon aborting")
	} else {
		ui.Success("daemon draining and stopping")
	}
}
