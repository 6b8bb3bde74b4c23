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

// Package worker runs envelope parse steps in long-lived subprocesses.
//
// The daemon spawns N workers at startup and exchanges line-framed JSON
// with each over its stdin/stdout. Workers load only the lexer, parser,
// and AST serde; every index write stays on the daemon side. A worker
// that crashes, stalls past its deadline, or talks garbage is killed and
// respawned, and the in-flight item is the caller's to retry.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kraklabs/qbuilder/pkg/wire"
)

// Config tunes the pool.
type Config struct {
	// Size is the number of workers; defaults to the CPU count.
	Size int

	// RequestTimeout is the soft per-request wall-clock budget. If this
	// fires routinely the worker has been fattened with imports it must
	// not have — fix the imports, not the deadline.
	RequestTimeout time.Duration

	// ColdStartTimeout bounds spawn-to-first-ping.
	ColdStartTimeout time.Duration

	// RecycleAfter recycles a worker after this many successful requests
	// to bound resident memory. Zero selects the default of 500;
	// negative disables recycling.
	RecycleAfter int

	// Logger is optional.
	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Size <= 0 {
		out.Size = runtime.NumCPU()
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 10 * time.Second
	}
	if out.ColdStartTimeout <= 0 {
		out.ColdStartTimeout = time.Second
	}
	if out.RecycleAfter == 0 {
		out.RecycleAfter = 500
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Proc is one live worker process. Implementations must make Recv
// return an error once the process dies or the pipe closes.
type Proc interface {
	Send(req wire.Request) error
	Recv() (wire.Response, error)
	Kill()
	Pid() int
}

// Factory spawns a new worker process.
type Factory func() (Proc, error)

// CrashError reports a worker that died, stalled, or broke protocol
// while holding a request.
type CrashError struct {
	Pid    int
	Reason string
	Err    error
}

func (e *CrashError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker %d %s: %v", e.Pid, e.Reason, e.Err)
	}
	return fmt.Sprintf("worker %d %s", e.Pid, e.Reason)
}

func (e *CrashError) Unwrap() error { return e.Err }

// Result is a successful parse outcome.
type Result struct {
	AST         []byte
	NodeCount   int
	Diagnostics []wire.DiagJSON
}

// managed wraps a Proc with its reply pump and bookkeeping.
type managed struct {
	proc      Proc
	replies   chan wire.Response
	readErr   chan error
	successes int
}

func newManaged(p Proc) *managed {
	m := &managed{proc: p, replies: make(chan wire.Response, 1), readErr: make(chan error, 1)}
	go func() {
		for {
			resp, err := p.Recv()
			if err != nil {
				m.readErr <- err
				return
			}
			m.replies <- resp
		}
	}()
	return m
}

// Pool is the daemon-side worker pool with a ready queue of idle
// workers.
type Pool struct {
	cfg     Config
	factory Factory

	ready  chan *managed
	nextID atomic.Uint64

	mu     sync.Mutex
	size   int
	closed bool

	// Crashes counts workers killed for crash/timeout/protocol reasons.
	Crashes atomic.Int64
	// Recycles counts planned memory-hygiene restarts.
	Recycles atomic.Int64
}

// NewPool creates a pool; Start must be called before Do.
func NewPool(cfg Config, factory Factory) *Pool {
	c := cfg.withDefaults()
	return &Pool{
		cfg:     c,
		factory: factory,
		ready:   make(chan *managed, c.Size),
	}
}

// Start spawns the workers and verifies each answers its first ping
// within the cold-start budget. Any worker missing the budget fails
// startup: a slow cold start means the worker binary imports too much.
func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.cfg.Size; i++ {
		m, err := p.spawn(ctx)
		if err != nil {
			p.Stop()
			return fmt.Errorf("worker pool startup: %w", err)
		}
		p.mu.Lock()
		p.size++
		p.mu.Unlock()
		p.ready <- m
	}
	p.cfg.Logger.Info("worker.pool.start", "size", p.cfg.Size)
	return nil
}

func (p *Pool) spawn(ctx context.Context) (*managed, error) {
	proc, err := p.factory()
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	m := newManaged(proc)

	// First action after spawn: the cold-start ping.
	id := p.nextID.Add(1)
	if err := proc.Send(wire.Request{ID: id, Op: wire.OpPing}); err != nil {
		proc.Kill()
		return nil, fmt.Errorf("cold-start ping send: %w", err)
	}
	select {
	case resp := <-m.replies:
		if !resp.OK || resp.ID != id {
			proc.Kill()
			return nil, fmt.Errorf("cold-start ping: bad response from pid %d", proc.Pid())
		}
	case err := <-m.readErr:
		proc.Kill()
		return nil, fmt.Errorf("cold-start ping: %w", err)
	case <-time.After(p.cfg.ColdStartTimeout):
		proc.Kill()
		return nil, fmt.Errorf("cold-start ping: worker pid %d missed the %s budget", proc.Pid(), p.cfg.ColdStartTimeout)
	case <-ctx.Done():
		proc.Kill()
		return nil, ctx.Err()
	}

	p.cfg.Logger.Debug("worker.spawn", "pid", proc.Pid())
	return m, nil
}

// Do executes one request on an idle worker. On worker failure it
// returns a *CrashError after killing and replacing the worker; the
// caller owns retrying the item.
func (p *Pool) Do(ctx context.Context, req wire.Request) (*Result, error) {
	var m *managed
	select {
	case m = <-p.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	req.ID = p.nextID.Add(1)
	if err := m.proc.Send(req); err != nil {
		return nil, p.replace(ctx, m, "send failed", err)
	}

	timer := time.NewTimer(p.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-m.replies:
		if resp.ID != req.ID {
			return nil, p.replace(ctx, m, "response id mismatch", nil)
		}
		if !resp.OK {
			// A structured error is a healthy worker reporting a bad
			// input; the worker goes back to the ready queue.
			p.recycleOrRequeue(ctx, m)
			kind := wire.ErrKindInternal
			msg := "worker error"
			if resp.Error != nil {
				kind = resp.Error.Kind
				msg = resp.Error.Message
			}
			return nil, &RequestError{Kind: kind, Message: msg}
		}
		m.successes++
		p.recycleOrRequeue(ctx, m)
		return &Result{AST: resp.AST, NodeCount: resp.NodeCount, Diagnostics: resp.Diagnostics}, nil

	case err := <-m.readErr:
		return nil, p.replace(ctx, m, "exited", err)

	case <-timer.C:
		return nil, p.replace(ctx, m, fmt.Sprintf("exceeded %s deadline", p.cfg.RequestTimeout), nil)

	case <-ctx.Done():
		p.replaceAsync(m, "cancelled")
		return nil, ctx.Err()
	}
}

// RequestError is a structured failure reported by a healthy worker.
type RequestError struct {
	Kind    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("worker request failed (%s): %s", e.Kind, e.Message)
}

// recycleOrRequeue returns a healthy worker to the ready queue, cycling
// it through a fresh process first when its success budget is spent.
func (p *Pool) recycleOrRequeue(ctx context.Context, m *managed) {
	if p.cfg.RecycleAfter > 0 && m.successes >= p.cfg.RecycleAfter {
		p.Recycles.Add(1)
		p.cfg.Logger.Debug("worker.recycle", "pid", m.proc.Pid(), "successes", m.successes)
		m.proc.Kill()
		if fresh, err := p.spawn(ctx); err == nil {
			p.ready <- fresh
			return
		}
		p.shrink()
		return
	}
	p.ready <- m
}

// replace kills a misbehaving worker, spawns a successor, and returns
// the crash error for the caller.
func (p *Pool) replace(ctx context.Context, m *managed, reason string, cause error) error {
	p.Crashes.Add(1)
	pid := m.proc.Pid()
	m.proc.Kill()
	p.cfg.Logger.Warn("worker.crash", "pid", pid, "reason", reason, "err", cause)

	if fresh, err := p.spawn(ctx); err == nil {
		p.ready <- fresh
	} else {
		p.shrink()
		p.cfg.Logger.Error("worker.respawn.failed", "err", err, "pool_size", p.Size())
	}
	return &CrashError{Pid: pid, Reason: reason, Err: cause}
}

func (p *Pool) replaceAsync(m *managed, reason string) {
	go func() {
		_ = p.replace(context.Background(), m, reason, nil)
	}()
}

func (p *Pool) shrink() {
	p.mu.Lock()
	p.size--
	p.mu.Unlock()
}

// Size returns the current number of live workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Idle returns the number of workers waiting for work.
func (p *Pool) Idle() int { return len(p.ready) }

// Healthy reports whether the pool can still make progress.
func (p *Pool) Healthy() bool { return p.Size() > 0 }

// Stop kills every worker. Outstanding Do calls fail with crash errors.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	n := p.size
	p.size = 0
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		select {
		case m := <-p.ready:
			m.proc.Kill()
		case <-time.After(100 * time.Millisecond):
		}
	}
	p.cfg.Logger.Info("worker.pool.stop")
}
