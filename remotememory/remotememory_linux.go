//go:build linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "github.com/pysampler/pysampler/remotememory"

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/pysampler/pysampler/libpf"
)

func (vm ProcessVirtualMemory) ReadAt(p []byte, off int64) (int, error) {
	numBytesWanted := len(p)
	if numBytesWanted == 0 {
		return 0, nil
	}
	localIov := []unix.Iovec{{Base: &p[0], Len: uint64(numBytesWanted)}}
	remoteIov := []unix.RemoteIovec{{Base: uintptr(off), Len: numBytesWanted}}
	numBytesRead, err := unix.ProcessVMReadv(int(vm.pid), localIov, remoteIov, 0)
	switch {
	case errors.Is(err, unix.ESRCH):
		err = fmt.Errorf("PID %v: %w", vm.pid, libpf.ErrExited)
	case errors.Is(err, unix.EPERM):
		err = fmt.Errorf("PID %v: %w", vm.pid, libpf.ErrPermissionDenied)
	case err != nil:
		err = fmt.Errorf("failed to read PID %v at 0x%x: %w", vm.pid, off, err)
	case numBytesRead != numBytesWanted:
		err = fmt.Errorf("failed to read PID %v at 0x%x: got only %d of %d",
			vm.pid, off, numBytesRead, numBytesWanted)
	}
	if err != nil {
		err = &ReadError{Addr: libpf.Address(off), Len: numBytesWanted, Err: err}
	}
	return max(numBytesRead, 0), err
}
