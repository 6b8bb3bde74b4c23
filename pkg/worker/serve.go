// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package worker

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kraklabs/qbuilder/pkg/script"
	"github.com/kraklabs/qbuilder/pkg/wire"
)

// Serve runs the worker side of the protocol: read one request per line
// from r, execute it, write one response per line to w, until the pipe
// closes. This function (and the packages it touches — script and wire
// only) is everything a worker subprocess loads; keep it that way, the
// cold-start budget depends on it.
func Serve(r io.Reader, w io.Writer) error {
	dec := wire.NewDecoder(r)
	enc := wire.NewEncoder(w)

	for {
		var req wire.Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("worker read: %w", err)
		}
		if err := enc.Encode(handle(req)); err != nil {
			return fmt.Errorf("worker write: %w", err)
		}
	}
}

func handle(req wire.Request) wire.Response {
	switch req.Op {
	case wire.OpPing:
		return wire.Response{ID: req.ID, OK: true}

	case wire.OpParseFile:
		data, err := os.ReadFile(req.Path)
		if err != nil {
			return errResponse(req.ID, wire.ErrKindIO, err)
		}
		return parseResponse(req.ID, req.Path, string(data), req.Recovering)

	case wire.OpParseText:
		return parseResponse(req.ID, "text", req.Text, req.Recovering)

	case wire.OpSerializeAST:
		root, err := script.ParseText("text", req.Text)
		if err != nil {
			return errResponse(req.ID, wire.ErrKindInternal, err)
		}
		blob, err := script.SerializeAST(root)
		if err != nil {
			return errResponse(req.ID, wire.ErrKindInternal, err)
		}
		return wire.Response{ID: req.ID, OK: true, AST: blob, NodeCount: script.CountASTNodes(root)}

	default:
		return errResponse(req.ID, wire.ErrKindBadOp, fmt.Errorf("unknown op %q", req.Op))
	}
}

func parseResponse(id uint64, filename, text string, recovering bool) wire.Response {
	var root *script.Root
	var diags []script.Diagnostic
	if recovering {
		root, diags = script.ParseTextRecovering(filename, text)
	} else {
		var err error
		root, err = script.ParseText(filename, text)
		if err != nil {
			return errResponse(id, wire.ErrKindInternal, err)
		}
	}

	blob, err := script.SerializeAST(root)
	if err != nil {
		return errResponse(id, wire.ErrKindInternal, err)
	}

	resp := wire.Response{ID: id, OK: true, AST: blob, NodeCount: script.CountASTNodes(root)}
	for _, d := range diags {
		resp.Diagnostics = append(resp.Diagnostics, wire.DiagJSON{Line: d.Line, Column: d.Column, Message: d.Message})
	}
	return resp
}

func errResponse(id uint64, kind string, err error) wire.Response {
	return wire.Response{ID: id, OK: false, Error: &wire.ErrorDetail{Kind: kind, Message: err.Error()}}
}
