//go:build !linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "github.com/pysampler/pysampler/remotememory"

import (
	"fmt"
	"runtime"

	"github.com/pysampler/pysampler/libpf"
)

// ReadAt is the stub implementation, allowing to compile the remotememory
// package on non linux systems, always failing at runtime with an error if used.
func (vm ProcessVirtualMemory) ReadAt(p []byte, off int64) (int, error) {
	return 0, &ReadError{Addr: libpf.Address(off), Len: len(p),
		Err: fmt.Errorf("%s: %w", runtime.GOOS, libpf.ErrPlatformUnsupported)}
}
