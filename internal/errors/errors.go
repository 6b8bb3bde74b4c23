// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package errors provides structured error handling for the qbuilder CLI.
//
// UserError carries what went wrong, why, and how to fix it, plus the
// process exit code. The daemon's exit codes are part of its contract
// with launchers:
//   - ExitSuccess (0): successful execution
//   - ExitFatal (1): fatal error (bad config, index corruption, ...)
//   - ExitBind (2): unable to bind the control endpoint
//   - ExitLocked (3): index locked by another daemon
package errors

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
)

// Exit codes for the qbuilder CLI.
const (
	// ExitSuccess indicates successful execution.
	ExitSuccess = 0

	// ExitFatal indicates a fatal error: unreadable configuration,
	// missing routing table, index corruption, worker pool collapse.
	ExitFatal = 1

	// ExitBind indicates the control endpoint could not be bound.
	ExitBind = 2

	// ExitLocked indicates the index is locked by another daemon.
	ExitLocked = 3
)

// UserError is an error with structured context for end users: what
// went wrong (Message), why (Cause), and how to fix it (Fix). It wraps
// an underlying error for errors.Is/As and carries the exit code the
// process should leave with.
type UserError struct {
	Message  string
	Cause    string
	Fix      string
	ExitCode int
	Err      error
}

// Error implements the error interface.
func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is and errors.As.
func (e *UserError) Unwrap() error { return e.Err }

// NewFatalError creates a fatal error with exit code ExitFatal.
//
// Use this for configuration problems, routing table failures, index
// corruption, and anything else the daemon cannot continue past.
func NewFatalError(msg, cause, fix string, err error) *UserError {
	return &UserError{Message: msg, Cause: cause, Fix: fix, ExitCode: ExitFatal, Err: err}
}

// NewBindError creates a control-endpoint bind failure with exit code
// ExitBind.
func NewBindError(msg, cause, fix string, err error) *UserError {
	return &UserError{Message: msg, Cause: cause, Fix: fix, ExitCode: ExitBind, Err: err}
}

// NewLockedError creates an index-locked error with exit code ExitLocked.
func NewLockedError(msg, cause, fix string, err error) *UserError {
	return &UserError{Message: msg, Cause: cause, Fix: fix, ExitCode: ExitLocked, Err: err}
}

// Color definitions for error formatting.
var (
	colorError = color.New(color.FgRed, color.Bold)
	colorCause = color.New(color.FgYellow)
	colorFix   = color.New(color.FgGreen)
)

// Format renders the error for terminal display:
//
//	Error: Cannot open the build index
//	Cause: The database is locked by another daemon
//	Fix:   Stop the other daemon or check: qbuilder status
//
// Color output respects NO_COLOR and the noColor parameter; empty Cause
// or Fix lines are omitted.
func (e *UserError) Format(noColor bool) string {
	originalNoColor := color.NoColor
	defer func() { color.NoColor = originalNoColor }()

	if noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}

	var out strings.Builder
	out.WriteString(colorError.Sprint("Error: "))
	out.WriteString(e.Message)
	out.WriteString("\n")

	if e.Cause != "" {
		out.WriteString(colorCause.Sprint("Cause: "))
		out.WriteString(e.Cause)
		out.WriteString("\n")
	}
	if e.Fix != "" {
		out.WriteString(colorFix.Sprint("Fix:   "))
		out.WriteString(e.Fix)
		out.WriteString("\n")
	}
	return out.String()
}

// ErrorJSON is the machine-readable error shape for --json mode.
type ErrorJSON struct {
	Error    string `json:"error"`
	Cause    string `json:"cause,omitempty"`
	Fix      string `json:"fix,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// ToJSON converts the UserError to its JSON shape.
func (e *UserError) ToJSON() ErrorJSON {
	return ErrorJSON{Error: e.Message, Cause: e.Cause, Fix: e.Fix, ExitCode: e.ExitCode}
}

// FatalError prints the error and exits with its code. Non-UserError
// values exit with ExitFatal. This function never returns.
func FatalError(err error, jsonOutput bool) {
	if err == nil {
		return
	}

	if ue, ok := err.(*UserError); ok {
		if jsonOutput {
			enc := json.NewEncoder(os.Stderr)
			enc.SetIndent("", "  ")
			_ = enc.Encode(ue.ToJSON())
		} else {
			fmt.Fprint(os.Stderr, ue.Format(false))
		}
		os.Exit(ue.ExitCode)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(ExitFatal)
}
