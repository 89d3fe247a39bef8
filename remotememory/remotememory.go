// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// remotememory provides access to memory space of a process. The ReaderAt
// interface is used for the basic access, and various convenience functions are
// provided to help reading specific data types.
package remotememory // import "github.com/pysampler/pysampler/remotememory"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pysampler/pysampler/libpf"
)

// ReadError reports a failed or short read of target memory.
type ReadError struct {
	Addr libpf.Address
	Len  int
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read %d bytes at 0x%x: %v", e.Len, uint64(e.Addr), e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// errShortRead is the cause recorded when only part of a range was mapped.
var errShortRead = errors.New("short read")

// RemoteMemory implements a set of convenience functions to access the remote memory
type RemoteMemory struct {
	io.ReaderAt
}

// Valid determines if this RemoteMemory instance contains a valid reference to target process
func (rm RemoteMemory) Valid() bool {
	return rm.ReaderAt != nil
}

// Read fills slice p[] with data from remote memory at address addr. Any
// failure, including a short read, is returned as a *ReadError.
func (rm RemoteMemory) Read(addr libpf.Address, p []byte) error {
	n, err := rm.ReadAt(p, int64(addr))
	if err == nil && n == len(p) {
		return nil
	}
	var rerr *ReadError
	if errors.As(err, &rerr) {
		return err
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = errShortRead
	}
	return &ReadError{Addr: addr, Len: len(p), Err: err}
}

// ReadBuf reads size bytes at addr into a new slice.
func (rm RemoteMemory) ReadBuf(addr libpf.Address, size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := rm.Read(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Ptr reads a native pointer from remote memory
func (rm RemoteMemory) Ptr(addr libpf.Address) libpf.Address {
	var buf [8]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return libpf.Address(binary.LittleEndian.Uint64(buf[:]))
}

// PtrChecked reads a native pointer and reports read failures.
func (rm RemoteMemory) PtrChecked(addr libpf.Address) (libpf.Address, error) {
	var buf [8]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return libpf.Address(binary.LittleEndian.Uint64(buf[:])), nil
}

// Uint8 reads an 8-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint8(addr libpf.Address) uint8 {
	var buf [1]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return buf[0]
}

// Uint32 reads a 32-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint32(addr libpf.Address) uint32 {
	var buf [4]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// Uint32Checked reads a 32-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint32Checked(addr libpf.Address) (uint32, error) {
	var buf [4]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Uint64 reads a 64-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint64(addr libpf.Address) uint64 {
	var buf [8]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// Uint64Checked reads a 64-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint64Checked(addr libpf.Address) (uint64, error) {
	var buf [8]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// String reads a zero terminated string from remote memory
func (rm RemoteMemory) String(addr libpf.Address) string {
	buf := make([]byte, 1024)
	// A read crossing into an unmapped page may still hold the whole string.
	n, _ := rm.ReadAt(buf, int64(addr))
	if n == 0 {
		return ""
	}
	buf = buf[:n]
	zeroIdx := bytes.IndexByte(buf, 0)
	if zeroIdx >= 0 {
		return string(buf[:zeroIdx])
	}
	if n != cap(buf) {
		return ""
	}

	bigBuf := make([]byte, 4096)
	copy(bigBuf, buf)
	n, _ = rm.ReadAt(bigBuf[len(buf):], int64(addr)+int64(len(buf)))
	bigBuf = bigBuf[:len(buf)+n]
	zeroIdx = bytes.IndexByte(bigBuf, 0)
	if zeroIdx >= 0 {
		return string(bigBuf[:zeroIdx])
	}

	// Not a zero terminated string
	return ""
}

// StringPtr reads a zero terminate string by first dereferencing a string pointer
// from target memory
func (rm RemoteMemory) StringPtr(addr libpf.Address) string {
	addr = rm.Ptr(addr)
	if addr == 0 {
		return ""
	}
	return rm.String(addr)
}

// ProcessVirtualMemory implements RemoteMemory by using process_vm_readv syscalls
// to read the remote memory.
type ProcessVirtualMemory struct {
	pid libpf.PID
}

// NewProcessVirtualMemory returns ProcessVirtualMemory implementation of RemoteMemory.
func NewProcessVirtualMemory(pid libpf.PID) RemoteMemory {
	return RemoteMemory{ReaderAt: ProcessVirtualMemory{pid}}
}
