// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package process // import "github.com/pysampler/pysampler/process"

import (
	"fmt"

	"github.com/pysampler/pysampler/libpf"
)

type tracer struct{}

func (t *tracer) close() {}

// Open is only supported on Linux.
func Open(pid libpf.PID) (Process, error) {
	return nil, fmt.Errorf("PID %v: %w", pid, libpf.ErrPlatformUnsupported)
}

func (sp *systemProcess) Suspend() error {
	return libpf.ErrPlatformUnsupported
}

func (sp *systemProcess) Resume() error {
	return nil
}

func (sp *systemProcess) Threads() ([]ThreadInfo, error) {
	return nil, libpf.ErrPlatformUnsupported
}
