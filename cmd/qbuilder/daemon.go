// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/qbuilder/internal/bootstrap"
	qerrors "github.com/kraklabs/qbuilder/internal/errors"
	"github.com/kraklabs/qbuilder/internal/ui"
	"github.com/kraklabs/qbuilder/pkg/daemon"
	"github.com/kraklabs/qbuilder/pkg/queue"
	"github.com/kraklabs/qbuilder/pkg/worker"
)

// runDaemonCmd starts the build daemon. With once=true (the `run`
// command) it drains the queue in the foreground, shows progress, and
// exits; otherwise it stays resident serving the control endpoint.
func runDaemonCmd(args []string, configPath string, globals GlobalFlags, once bool) {
	name := "daemon"
	if once {
		name = "run"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fresh := fs.Bool("fresh", false, "Truncate the index before building")
	workers := fs.Int("workers", 0, "Worker pool size (default: CPU count)")
	jsonOut := fs.Bool("json", false, "JSON summary output")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: qbuilder %s [options]

Description:
  Load the routing table, open the index, spawn the worker pool, and
  converge the index to the configured playset. The daemon is the only
  writer; tools read the index directly or talk to the control endpoint.

Options:
`, name)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		qerrors.FatalError(qerrors.NewFatalError(
			"Cannot load daemon configuration",
			err.Error(),
			"Author qbuilder.yaml under the storage root (see --config)",
			err,
		), *jsonOut)
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, err := bootstrap.Open(ctx, cfg, *fresh, log)
	if err != nil {
		qerrors.FatalError(err, *jsonOut)
	}
	defer env.Close(context.Background())

	factory, err := worker.SelfFactory()
	if err != nil {
		qerrors.FatalError(qerrors.NewFatalError(
			"Cannot resolve the worker binary",
			err.Error(),
			"Reinstall qbuilder or run from a stable path",
			err,
		), *jsonOut)
	}
	pool := worker.NewPool(worker.Config{
		Size:             cfg.Workers,
		RequestTimeout:   cfg.RequestTimeout.Std(),
		ColdStartTimeout: cfg.ColdStartTimeout.Std(),
		RecycleAfter:     cfg.RecycleAfter,
		Logger:           log,
	}, factory)
	if err := pool.Start(ctx); err != nil {
		qerrors.FatalError(qerrors.NewFatalError(
			"Worker pool failed to start",
			err.Error(),
			"A worker missing its cold-start budget usually means a broken install",
			err,
		), *jsonOut)
	}
	defer pool.Stop()

	d := daemon.New(cfg, env.Store, env.Router, pool, env.StepLog, log)

	// Signal path: first signal drains gracefully, a second aborts.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		ui.Warning("shutting down gracefully (send again to abort)")
		d.RequestShutdown(true)
		<-sigCh
		d.RequestShutdown(false)
	}()

	var progressDone chan struct{}
	if once && !*jsonOut {
		progressDone = make(chan struct{})
		go showProgress(ctx, env, progressDone)
	}

	runErr := d.Run(ctx, once)
	if progressDone != nil {
		close(progressDone)
	}
	if runErr != nil {
		if errors.Is(runErr, daemon.ErrBindControl) {
			qerrors.FatalError(qerrors.NewBindError(
				"Cannot bind the control endpoint",
				runErr.Error(),
				fmt.Sprintf("Another daemon may be listening on %s; stop it or change control_port", cfg.ControlAddr()),
				runErr,
			), *jsonOut)
		}
		qerrors.FatalError(qerrors.NewFatalError("Build failed", runErr.Error(), "", runErr), *jsonOut)
	}

	if once {
		printRunSummary(env, *jsonOut)
	}
}

// showProgress polls the queue and renders a progress bar for the
// foreground `run` command.
func showProgress(ctx context.Context, env *bootstrap.Env, done chan struct{}) {
	q := queue.New(env.Store)
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription("building"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			_ = bar.Finish()
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := q.Counts(ctx)
			if err != nil {
				continue
			}
			total := counts[queue.StatusPending] + counts[queue.StatusProcessing] +
				counts[queue.StatusDone] + counts[queue.StatusError]
			if total > 0 {
				bar.ChangeMax64(total)
				_ = bar.Set64(counts[queue.StatusDone] + counts[queue.StatusError])
			}
		}
	}
}

func printRunSummary(env *bootstrap.Env, jsonOut bool) {
	ctx := context.Background()
	q := queue.New(env.Store)
	counts, err := q.Counts(ctx)
	if err != nil {
		return
	}

	if jsonOut {
		_ = printJSON(map[string]any{"queue": counts})
		return
	}

	ui.Header("Build complete")
	fmt.Printf("  done:    %s\n", ui.CountText(counts[queue.StatusDone]))
	fmt.Printf("  errors:  %s\n", ui.CountText(counts[queue.StatusError]))
	if counts[queue.StatusError] > 0 {
		fails, err := q.RecentErrors(ctx, 5)
		if err == nil {
			fmt.Println()
			ui.SubHeader("Recent errors:")
			for _, f := range fails {
				ui.Errorf("%s [%s] %s", f.RelativePath, f.ErrorKind, f.ErrorMessage)
			}
		}
	}
}
