// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// This file defines the interface to access a Process state.

package process // import "github.com/pysampler/pysampler/process"

import (
	"debug/elf"
	"io"
	"strings"

	"github.com/pysampler/pysampler/libpf"
	"github.com/pysampler/pysampler/libpf/pfelf"
	"github.com/pysampler/pysampler/remotememory"
)

// VdsoPathName is the path to use for VDSO mappings
const VdsoPathName = "linux-vdso.1.so"

// Mapping contains information about a memory mapping
type Mapping struct {
	// Vaddr is the virtual memory start for this mapping
	Vaddr uint64
	// Length is the length of the mapping
	Length uint64
	// Flags contains the mapping flags and permissions
	Flags elf.ProgFlag
	// FileOffset contains for file backed mappings the offset from the file start
	FileOffset uint64
	// Device holds the device ID where the file is located
	Device uint64
	// Inode holds the mapped file's inode number
	Inode uint64
	// Path contains the file name for file backed mappings
	Path string
}

func (m *Mapping) IsWritable() bool {
	return m.Flags&elf.PF_W == elf.PF_W
}

func (m *Mapping) IsAnonymous() bool {
	return m.Path == "" || m.IsMemFD()
}

func (m *Mapping) IsMemFD() bool {
	return strings.HasPrefix(m.Path, "/memfd:")
}

func (m *Mapping) IsVDSO() bool {
	return m.Path == VdsoPathName
}

// End returns the first address past the mapping.
func (m *Mapping) End() uint64 {
	return m.Vaddr + m.Length
}

// Module is a file mapped into the process, the union of all its mappings.
type Module struct {
	// Path is the file name as seen by the target
	Path string
	// Base is the lowest mapped address of the file
	Base libpf.Address
	// Size is the distance from Base to the end of the highest mapping
	Size uint64
	// Device and Inode identify the file on disk
	Device uint64
	Inode  uint64
	// Mappings lists the individual mappings ordered by address
	Mappings []Mapping
}

// Contains reports whether addr falls inside one of the module's mappings.
func (m *Module) Contains(addr libpf.Address) bool {
	for i := range m.Mappings {
		mp := &m.Mappings[i]
		if uint64(addr) >= mp.Vaddr && uint64(addr) < mp.End() {
			return true
		}
	}
	return false
}

// ThreadState is the scheduler state of one task of the process.
type ThreadState struct {
	// TID is the kernel thread ID (LWP)
	TID uint32
	// State is the state letter from /proc/<pid>/task/<tid>/stat
	State byte
}

// Running reports whether the task was running or runnable.
func (ts ThreadState) Running() bool {
	return ts.State == 'R'
}

// Registers holds the subset of the CPU state needed for unwinding.
type Registers struct {
	PC uint64
	SP uint64
	FP uint64
	// LR is the link register on arm64, zero elsewhere
	LR uint64
	// TLS is the thread pointer base (fs_base or tpidr_el0)
	TLS uint64
}

// ThreadInfo contains the information about a thread CPU state needed for unwinding
type ThreadInfo struct {
	// LWP is the Light Weight Process ID (thread ID)
	LWP  uint32
	Regs Registers
}

// Process is the interface to inspect a running process.
// Implementations do not allow concurrent access from different goroutines.
type Process interface {
	// PID returns the process identifier
	PID() libpf.PID

	// Memory returns a remote memory reader accessing the target process
	Memory() remotememory.RemoteMemory

	// Executable returns the path of the main executable as seen by the target
	Executable() (string, error)

	// Mappings reads and parses process memory mappings
	Mappings() ([]Mapping, error)

	// Modules groups the file backed mappings per file, ordered by base address
	Modules() ([]Module, error)

	// ThreadStates reads the scheduler state of every task
	ThreadStates() ([]ThreadState, error)

	// Suspend stops all threads of the process. Calling it again is a no-op,
	// calling it after Close returns ErrClosed.
	Suspend() error

	// Resume undoes Suspend. Calling it on a running process is a no-op.
	Resume() error

	// Threads returns the CPU state of every thread. The process must be suspended.
	Threads() ([]ThreadInfo, error)

	// OpenELF opens the on-disk file of a mapped module
	OpenELF(path string) (*pfelf.File, error)

	// Exited reports whether the process is gone or a zombie
	Exited() bool

	io.Closer
}
