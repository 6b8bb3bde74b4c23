// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package script

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"
)

var (
	versionOnce sync.Once
	versionVal  string
)

// ParserVersion returns an identifier for the parser build, for recording
// alongside persisted ASTs. The value is computed on first call and
// memoized for the process lifetime; nothing runs at package load.
//
// Resolution order: `git rev-parse --short HEAD` with a hard 5s timeout,
// then "unknown".
func ParserVersion() string {
	versionOnce.Do(func() {
		versionVal = probeVersion()
	})
	return versionVal
}

func probeVersion() string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "git", "rev-parse", "--short", "HEAD").Output()
	if err != nil {
		return "unknown"
	}
	v := strings.TrimSpace(string(out))
	if v == "" {
		return "unknown"
	}
	return v
}
