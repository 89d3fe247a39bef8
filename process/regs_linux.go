// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package process // import "github.com/pysampler/pysampler/process"

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Note types of PTRACE_GETREGSET, see include/uapi/linux/elf.h
const (
	ntPRStatus = 1
	ntARMTLS   = 0x401
)

// getRegset reads the register set nt of tid into buf and returns the number
// of bytes the kernel filled in.
func getRegset(tid, nt int, buf []byte) (int, error) {
	var iov unix.Iovec
	iov.Base = &buf[0]
	iov.SetLen(len(buf))
	if err := ptrace(unix.PTRACE_GETREGSET, tid, uintptr(nt),
		uintptr(unsafe.Pointer(&iov))); err != nil {
		return 0, fmt.Errorf("PTRACE_GETREGSET %#x: %w", nt, err)
	}
	return int(iov.Len), nil
}
