// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"time"

	"github.com/kraklabs/qbuilder/pkg/queue"
)

// Control protocol version.
const controlVersion = 1

// ControlRequest is one newline-terminated JSON request on the loopback
// control endpoint.
type ControlRequest struct {
	V      int             `json:"v"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ControlResponse answers one request.
type ControlResponse struct {
	V      int           `json:"v"`
	ID     string        `json:"id"`
	OK     bool          `json:"ok"`
	Result any           `json:"result,omitempty"`
	Error  *ControlError `json:"error,omitempty"`
}

// ControlError is a structured control failure.
type ControlError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusResult is the `status` method payload.
type StatusResult struct {
	RunID       string           `json:"run_id,omitempty"`
	Queue       map[string]int64 `json:"queue"`
	PoolSize    int              `json:"pool_size"`
	PoolIdle    int              `json:"pool_idle"`
	Inflight    int64            `json:"inflight"`
	RecentFails []StatusError    `json:"recent_errors,omitempty"`
}

// StatusError is one recent failure sample.
type StatusError struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// shutdownParams parameterizes the shutdown method.
type shutdownParams struct {
	Graceful bool `json:"graceful"`
}

// resetParams parameterizes the reset method. Index additionally
// truncates the index tables, like `daemon --fresh` but live.
type resetParams struct {
	Statuses []string `json:"statuses,omitempty"`
	Envelope string   `json:"envelope,omitempty"`
	Delete   bool     `json:"delete,omitempty"`
	Index    bool     `json:"index,omitempty"`
}

// serveControl accepts loopback connections until the daemon context
// ends. Each connection may issue any number of requests, one JSON
// object per line.
func (d *Daemon) serveControl(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			d.log.Warn("control.accept.error", "err", err)
			continue
		}
		go d.handleControlConn(ctx, conn)
	}
}

func (d *Daemon) handleControlConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req ControlRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(ControlResponse{
				V: controlVersion, OK: false,
				Error: &ControlError{Code: "bad_request", Message: err.Error()},
			})
			continue
		}
		resp := d.handleControl(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return
		}
		if req.Method == "shutdown" {
			return
		}
	}
}

func (d *Daemon) handleControl(ctx context.Context, req ControlRequest) ControlResponse {
	resp := ControlResponse{V: controlVersion, ID: req.ID}

	switch req.Method {
	case "ping":
		resp.OK = true
		resp.Result = map[string]any{"pong": true}

	case "status":
		status, err := d.Status(ctx)
		if err != nil {
			resp.Error = &ControlError{Code: "status_failed", Message: err.Error()}
			break
		}
		resp.OK = true
		resp.Result = status

	case "enqueue_scan":
		d.RequestScan()
		resp.OK = true
		resp.Result = map[string]any{"scheduled": true}

	case "reset":
		var p resetParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				resp.Error = &ControlError{Code: "bad_params", Message: err.Error()}
				break
			}
		}
		if p.Index {
			if err := d.store.Truncate(ctx); err != nil {
				resp.Error = &ControlError{Code: "reset_failed", Message: err.Error()}
				break
			}
			resp.OK = true
			resp.Result = map[string]any{"reset": "index"}
			break
		}
		n, err := d.queue.Reset(ctx, queue.ResetFilter{
			Statuses: p.Statuses,
			Envelope: p.Envelope,
			Delete:   p.Delete,
		})
		if err != nil {
			resp.Error = &ControlError{Code: "reset_failed", Message: err.Error()}
			break
		}
		resp.OK = true
		resp.Result = map[string]any{"reset": n}

	case "shutdown":
		var p shutdownParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				resp.Error = &ControlError{Code: "bad_params", Message: err.Error()}
				break
			}
		}
		d.RequestShutdown(p.Graceful)
		resp.OK = true
		resp.Result = map[string]any{"stopping": true, "graceful": p.Graceful}

	default:
		resp.Error = &ControlError{Code: "unknown_method", Message: req.Method}
	}
	return resp
}

// Status assembles the queue breakdown, pool health, and a sample of
// recent failures.
func (d *Daemon) Status(ctx context.Context) (*StatusResult, error) {
	counts, err := d.queue.Counts(ctx)
	if err != nil {
		return nil, err
	}

	status := &StatusResult{
		Queue:    counts,
		PoolSize: d.pool.Size(),
		PoolIdle: d.pool.Idle(),
		Inflight: d.inflight.Load(),
	}
	status.RunID = d.runID()

	fails, err := d.queue.RecentErrors(ctx, 5)
	if err != nil {
		return nil, err
	}
	for _, f := range fails {
		status.RecentFails = append(status.RecentFails, StatusError{
			Path:    f.RelativePath,
			Kind:    f.ErrorKind,
			Message: f.ErrorMessage,
		})
	}
	return status, nil
}

// Call dials a daemon's control endpoint, issues one request, and
// decodes the response. It is the client half used by the CLI.
func Call(addr, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	req := ControlRequest{V: controlVersion, ID: "cli", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = data
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, err
	}

	var raw struct {
		V      int             `json:"v"`
		ID     string          `json:"id"`
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result"`
		Error  *ControlError   `json:"error"`
	}
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("control connection closed before response")
		}
		return nil, err
	}
	if !raw.OK {
		if raw.Error != nil {
			return nil, errors.New(raw.Error.Code + ": " + raw.Error.Message)
		}
		return nil, errors.New("control request failed")
	}
	return raw.Result, nil
}
