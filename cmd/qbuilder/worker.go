// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/kraklabs/qbuilder/pkg/worker"
)

// runWorkerCmd is the hidden worker entry point: the daemon spawns
// `qbuilder worker` once per pool slot and exchanges line-framed JSON
// over the pipes until they close. Nothing here may touch the index;
// parsing is the job, committing is the daemon's.
func runWorkerCmd() {
	if err := worker.Serve(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}
