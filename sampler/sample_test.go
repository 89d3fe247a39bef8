// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"debug/elf"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pysampler/pysampler/interpreter/python"
	"github.com/pysampler/pysampler/libpf"
	"github.com/pysampler/pysampler/process"
	"github.com/pysampler/pysampler/symbolicator"
)

// fakeProcess only answers PID and Close.
type fakeProcess struct {
	process.Process
	pid    libpf.PID
	closed int
}

func (p *fakeProcess) PID() libpf.PID { return p.pid }

func (p *fakeProcess) Close() error {
	p.closed++
	return nil
}

type unwindResult struct {
	pcs []libpf.Address
	err error
}

// fakeUnwinder returns canned results by program counter.
type fakeUnwinder map[uint64]unwindResult

func (u fakeUnwinder) Unwind(regs process.Registers) ([]libpf.Address, error) {
	r := u[regs.PC]
	return r.pcs, r.err
}

func (u fakeUnwinder) FallbackFrames() uint64 { return 7 }

func (u fakeUnwinder) NewSample() {}

// fakeSymbolizer names addresses from a map, everything is in libpython.
type fakeSymbolizer map[libpf.Address]string

func (s fakeSymbolizer) Symbolize(addr libpf.Address) (symbolicator.Symbol, bool) {
	name, ok := s[addr]
	return symbolicator.Symbol{Name: name, Module: "/usr/lib/libpython3.so"}, ok
}

func newTestSession(unwinder nativeUnwinder, syms nativeSymbolizer) *Session {
	s := &Session{
		proc:   &fakeProcess{pid: 42},
		interp: &python.Interpreter{Machine: elf.EM_X86_64},
	}
	if unwinder != nil {
		s.unwinder, s.symbolizer = unwinder, syms
	}
	return s
}

func lib(name string, pc libpf.Address, isEntry bool) libpf.Frame {
	if name == "" {
		name = fmt.Sprintf("0x%x", uint64(pc))
	}
	return libpf.Frame{
		Name:     name,
		Filename: "/usr/lib/libpython3.so",
		Module:   "/usr/lib/libpython3.so",
		IsNative: true,
		IsEntry:  isEntry,
		Address:  pc,
	}
}

func TestAssembleInterpreted(t *testing.T) {
	s := newTestSession(nil, nil)
	in := &sampleInput{
		threads: []python.Thread{
			{Addr: 0x3000, ThreadID: 30, NativeThreadID: 103},
			{Addr: 0x1000, ThreadID: 10, NativeThreadID: 101},
			{Addr: 0x2000, ThreadID: 20},
			{Addr: 0x4000, ThreadID: 40},
		},
		frames: [][]python.Frame{
			{py("worker", true)},
			{py("longsleep", false), py("<module>", true)},
			{py("compute", true)},
			nil,
		},
		holder: 0x3000,
		states: map[uint32]process.ThreadState{
			101: {TID: 101, State: 'S'},
			103: {TID: 103, State: 'R'},
		},
	}

	traces, err := s.assemble(in)
	require.NoError(t, err)
	require.Len(t, traces, 4)

	assert.Equal(t, libpf.StackTrace{
		PID:        42,
		ThreadID:   10,
		OSThreadID: 101,
		Frames:     []libpf.Frame{pyFrame("longsleep"), pyFrame("<module>")},
	}, traces[0])

	// Unmapped threads fall back to the innermost frame.
	assert.Equal(t, uint64(20), traces[1].ThreadID)
	assert.Zero(t, traces[1].OSThreadID)
	assert.True(t, traces[1].Active)
	assert.False(t, traces[1].OwnsGIL)

	assert.Equal(t, uint64(30), traces[2].ThreadID)
	assert.True(t, traces[2].Active)
	assert.True(t, traces[2].OwnsGIL)

	assert.Equal(t, uint64(40), traces[3].ThreadID)
	assert.False(t, traces[3].Active)
	assert.Empty(t, traces[3].Frames)
}

func TestAssembleNative(t *testing.T) {
	syms := fakeSymbolizer{
		0x100: "__select",
		0x1ff: "_PyEval_EvalFrameDefault",
		0x3ff: "main",
	}
	tests := map[string]struct {
		unwinder fakeUnwinder
		// tasks are the PCs of the tasks 1 and 2
		tasks    []uint64
		expected [][]libpf.Frame
		failures uint64
		err      error
	}{
		"merged": {
			unwinder: fakeUnwinder{
				0x100: {pcs: []libpf.Address{0x100, 0x200, 0x300, 0x400}},
				0x900: {pcs: []libpf.Address{0x900}},
			},
			tasks: []uint64{0x100, 0x900},
			expected: [][]libpf.Frame{
				{lib("__select", 0x100, false), pyFrame("inner"), pyFrame("outer"),
					lib("_PyEval_EvalFrameDefault", 0x200, true), lib("", 0x300, false),
					lib("main", 0x400, false)},
				{lib("", 0x900, false), pyFrame("other")},
			},
		},
		"one of two failed": {
			unwinder: fakeUnwinder{
				0x100: {pcs: []libpf.Address{0x100}},
				0x900: {err: libpf.ErrUnwind},
			},
			tasks: []uint64{0x100, 0x900},
			expected: [][]libpf.Frame{
				{lib("__select", 0x100, false), pyFrame("inner"), pyFrame("outer")},
				{pyFrame("other")},
			},
			failures: 1,
		},
		"all failed": {
			unwinder: fakeUnwinder{
				0x100: {err: libpf.ErrUnwind},
				0x900: {err: libpf.ErrUnwind},
			},
			tasks:    []uint64{0x100, 0x900},
			failures: 2,
			err:      libpf.ErrUnwind,
		},
		"process gone": {
			unwinder: fakeUnwinder{
				0x100: {err: libpf.ErrExited},
			},
			tasks: []uint64{0x100, 0x900},
			err:   libpf.ErrExited,
		},
		"missing task": {
			unwinder: fakeUnwinder{
				0x100: {pcs: []libpf.Address{0x100}},
			},
			tasks: []uint64{0x100},
			expected: [][]libpf.Frame{
				{lib("__select", 0x100, false), pyFrame("inner"), pyFrame("outer")},
				{pyFrame("other")},
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestSession(tc.unwinder, syms)
			in := &sampleInput{
				threads: []python.Thread{
					{Addr: 0x1000, ThreadID: 1, NativeThreadID: 1},
					{Addr: 0x2000, ThreadID: 2, NativeThreadID: 2},
				},
				frames: [][]python.Frame{
					{py("inner", false), py("outer", true)},
					{py("other", true)},
				},
			}
			for i, pc := range tc.tasks {
				in.tasks = append(in.tasks, process.ThreadInfo{
					LWP:  uint32(i + 1),
					Regs: process.Registers{PC: pc},
				})
			}

			traces, err := s.assemble(in)
			assert.Equal(t, tc.failures, s.Stats().UnwindFailures)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Len(t, traces, len(tc.expected))
			for i, trace := range traces {
				assert.Equal(t, tc.expected[i], trace.Frames)
			}
			assert.Equal(t, uint64(7), s.Stats().FallbackFrames)
		})
	}
}

func TestSessionClose(t *testing.T) {
	s := newTestSession(nil, nil)
	proc := s.proc.(*fakeProcess)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, proc.closed)

	_, err := s.GetStackTraces()
	assert.True(t, errors.Is(err, errSessionClosed))
	assert.Equal(t, libpf.PID(42), s.PID())
}
