// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package process // import "github.com/pysampler/pysampler/process"

import (
	"fmt"

	gpsprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/pysampler/pysampler/libpf"
	"github.com/pysampler/pysampler/remotememory"
)

// Open attaches to a running process. Memory access is verified right away,
// thread suspension happens on demand.
func Open(pid libpf.PID) (Process, error) {
	exists, err := gpsprocess.PidExists(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("failed to check PID %v: %w", pid, err)
	}
	if !exists {
		return nil, fmt.Errorf("PID %v: %w", pid, libpf.ErrProcessNotFound)
	}

	sp := &systemProcess{
		pid:          pid,
		remoteMemory: remotememory.NewProcessVirtualMemory(pid),
	}
	mappings, err := sp.Mappings()
	if err != nil {
		return nil, err
	}
	if err := probeMemory(sp.remoteMemory, mappings); err != nil {
		return nil, err
	}
	sp.tracer = newTracer()
	return sp, nil
}
