// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package worker

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/kraklabs/qbuilder/pkg/wire"
)

// execProc runs a worker as an OS subprocess, framing requests over its
// stdin and responses over its stdout. Stderr passes through to the
// daemon's stderr for crash forensics. This pipe is the only channel —
// no shared memory, no other IPC.
type execProc struct {
	cmd *exec.Cmd
	enc *wire.Encoder
	dec *wire.Decoder
}

// ExecFactory spawns `binary args...` per worker. The conventional
// invocation is the daemon's own binary with the hidden "worker"
// subcommand, which links only the lexer, parser, serde, and wire
// protocol on its run path.
func ExecFactory(binary string, args ...string) Factory {
	return func() (Proc, error) {
		cmd := exec.Command(binary, args...)
		cmd.Stderr = os.Stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("worker stdin: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("worker stdout: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("worker start: %w", err)
		}

		p := &execProc{
			cmd: cmd,
			enc: wire.NewEncoder(stdin),
			dec: wire.NewDecoder(stdout),
		}
		// Reap the process when it exits so crashed workers do not
		// accumulate as zombies.
		go func() { _ = cmd.Wait() }()
		return p, nil
	}
}

// SelfFactory spawns the current executable as its own worker.
func SelfFactory(args ...string) (Factory, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	if len(args) == 0 {
		args = []string{"worker"}
	}
	return ExecFactory(self, args...), nil
}

func (p *execProc) Send(req wire.Request) error {
	return p.enc.Encode(req)
}

func (p *execProc) Recv() (wire.Response, error) {
	var resp wire.Response
	err := p.dec.Decode(&resp)
	return resp, err
}

func (p *execProc) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *execProc) Pid() int {
	if p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}
