// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package wire defines the line-framed JSON protocol spoken between the
// daemon and its parse workers over stdin/stdout. One JSON object per
// line, newline terminated, with a strict maximum line length.
//
// Like pkg/script, this package must not import anything beyond the
// standard library: it is linked into the worker's slim entry point.
package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// MaxLineBytes is the hard cap on a single framed message. Requests and
// responses above this are protocol errors.
const MaxLineBytes = 8 << 20 // 8 MiB

// Operations a worker understands.
const (
	OpPing         = "ping"
	OpParseFile    = "parse_file"
	OpParseText    = "parse_text"
	OpSerializeAST = "serialize_ast"
)

// Request is a daemon-to-worker message.
type Request struct {
	ID         uint64 `json:"id"`
	Op         string `json:"op"`
	Path       string `json:"path,omitempty"`
	Text       string `json:"text,omitempty"`
	Recovering bool   `json:"recovering,omitempty"`
}

// Response is a worker-to-daemon message. AST carries the serialized
// tree as base64 (encoding/json handles []byte that way natively).
type Response struct {
	ID          uint64       `json:"id"`
	OK          bool         `json:"ok"`
	AST         []byte       `json:"ast,omitempty"`
	NodeCount   int          `json:"node_count,omitempty"`
	Diagnostics []DiagJSON   `json:"diagnostics,omitempty"`
	Error       *ErrorDetail `json:"error,omitempty"`
}

// DiagJSON mirrors script.Diagnostic on the wire.
type DiagJSON struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

// ErrorDetail classifies a worker-side failure.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error kinds reported by workers.
const (
	ErrKindIO       = "io_read"
	ErrKindBadOp    = "protocol"
	ErrKindInternal = "internal"
)

// Encoder writes newline-framed JSON messages.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode frames v as one JSON line. Messages exceeding MaxLineBytes are
// rejected before any bytes are written.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire encode: %w", err)
	}
	if len(data)+1 > MaxLineBytes {
		return fmt.Errorf("wire encode: message of %d bytes exceeds frame limit", len(data))
	}
	data = append(data, '\n')
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("wire write: %w", err)
	}
	return nil
}

// Decoder reads newline-framed JSON messages.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64<<10)}
}

// Decode reads one frame into v. io.EOF is returned unchanged so callers
// can detect a closed pipe; oversized and malformed frames are errors.
func (d *Decoder) Decode(v any) error {
	line, err := d.readLine()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("wire decode: %w", err)
	}
	return nil
}

func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > MaxLineBytes {
			return nil, fmt.Errorf("wire decode: frame exceeds %d bytes", MaxLineBytes)
		}
		switch err {
		case nil:
			return bytes.TrimRight(buf, "\r\n"), nil
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			// A frame without its newline terminator is a truncated write,
			// not a complete message.
			if len(buf) == 0 {
				return nil, io.EOF
			}
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}
