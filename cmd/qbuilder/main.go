// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main implements the qbuilder CLI: the CK3 playset build
// daemon and its control commands.
//
// Usage:
//
//	qbuilder daemon [--fresh]      Start the build daemon
//	qbuilder run                   Build once in the foreground and exit
//	qbuilder status [--json]       Queue and run statistics
//	qbuilder enqueue-scan          Re-run discovery (e.g. playset switch)
//	qbuilder reset --yes           Reset queue state
//	qbuilder stop [--abort]        Stop a running daemon
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kraklabs/qbuilder/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"     // Version string
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// GlobalFlags are shared across subcommands.
type GlobalFlags struct {
	JSON    bool
	NoColor bool
}

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version and exit")
		configPath  = flag.String("config", "", "Path to qbuilder.yaml (default: ~/.ck3raven/qbuilder.yaml)")
		noColor     = flag.Bool("no-color", false, "Disable colored output")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `qbuilder - CK3 playset build daemon

Usage:
  qbuilder <command> [options]

Commands:
  daemon        Start the build daemon (stays resident)
  run           Run one build in the foreground and exit
  status        Show queue and build-run statistics
  enqueue-scan  Ask a running daemon to re-run discovery
  reset         Reset queue state (destructive!)
  stop          Stop a running daemon

Global Options:
  --config      Path to qbuilder.yaml
  --no-color    Disable colored output
  --version     Show version and exit

Examples:
  qbuilder daemon --fresh            Rebuild the index from scratch
  qbuilder run                       One-shot build with progress
  qbuilder status --json             Machine-readable status
  qbuilder stop                      Graceful shutdown (drains in-flight)
  qbuilder stop --abort              Immediate shutdown

Exit Codes:
  0  success
  1  fatal error
  2  unable to bind control endpoint
  3  index locked by another daemon

Data Storage:
  The index, logs, and routing table live under ~/.ck3raven/

`)
	}

	flag.Parse()
	ui.InitColors(*noColor)

	if *showVersion {
		fmt.Printf("qbuilder version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	globals := GlobalFlags{NoColor: *noColor}
	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "daemon":
		runDaemonCmd(cmdArgs, *configPath, globals, false)
	case "run":
		runDaemonCmd(cmdArgs, *configPath, globals, true)
	case "status":
		runStatus(cmdArgs, *configPath, globals)
	case "enqueue-scan":
		runEnqueueScan(cmdArgs, *configPath, globals)
	case "reset":
		runReset(cmdArgs, *configPath, globals)
	case "stop":
		runStop(cmdArgs, *configPath, globals)
	case "worker":
		// Hidden: the daemon spawns itself with this subcommand. The
		// run path touches only the lexer, parser, serde, and wire
		// framing.
		runWorkerCmd()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
