// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package python

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pysampler/pysampler/interpreter/python/layout"
	"github.com/pysampler/pysampler/libpf"
	"github.com/pysampler/pysampler/libpf/pfelf"
	"github.com/pysampler/pysampler/process"
	"github.com/pysampler/pysampler/remotememory"
)

var errNoFile = errors.New("no such file")

// fakeProcess serves a memory snapshot and a fixed set of mappings.
type fakeProcess struct {
	rm       remotememory.RemoteMemory
	exe      string
	mappings []process.Mapping
}

var _ process.Process = &fakeProcess{}

func (p *fakeProcess) PID() libpf.PID { return 4242 }
func (p *fakeProcess) Memory() remotememory.RemoteMemory { return p.rm }
func (p *fakeProcess) Executable() (string, error) { return p.exe, nil }
func (p *fakeProcess) Mappings() ([]process.Mapping, error) { return p.mappings, nil }
func (p *fakeProcess) ThreadStates() ([]process.ThreadState, error) {
	return nil, nil
}
func (p *fakeProcess) Suspend() error { return nil }
func (p *fakeProcess) Resume() error { return nil }
func (p *fakeProcess) Threads() ([]process.ThreadInfo, error) { return nil, nil }
func (p *fakeProcess) OpenELF(string) (*pfelf.File, error) { return nil, errNoFile }
func (p *fakeProcess) Exited() bool { return false }
func (p *fakeProcess) Close() error { return nil }

func (p *fakeProcess) Modules() ([]process.Module, error) {
	var modules []process.Module
	for _, m := range p.mappings {
		if m.IsAnonymous() {
			continue
		}
		if n := len(modules); n > 0 && modules[n-1].Path == m.Path {
			modules[n-1].Mappings = append(modules[n-1].Mappings, m)
			modules[n-1].Size = m.End() - uint64(modules[n-1].Base)
			continue
		}
		modules = append(modules, process.Module{
			Path:     m.Path,
			Base:     libpf.Address(m.Vaddr),
			Size:     m.Length,
			Mappings: []process.Mapping{m},
		})
	}
	return modules, nil
}

// symbolMap is a SymbolResolver backed by a map.
type symbolMap map[string]libpf.Address

func (s symbolMap) AddressOf(name string) (libpf.Address, bool) {
	addr, ok := s[name]
	return addr, ok
}

func mappingsFor(paths ...string) []process.Mapping {
	out := make([]process.Mapping, len(paths))
	for i, p := range paths {
		out[i] = process.Mapping{
			Vaddr:  uint64(0x400000 + i*0x100000),
			Length: 0x1000,
			Flags:  elf.PF_R | elf.PF_X,
			Path:   p,
		}
	}
	return out
}

func TestFindModule(t *testing.T) {
	tests := map[string]struct {
		exe      string
		paths    []string
		expected string
		wantErr  bool
	}{
		"libpython": {
			exe:      "/usr/bin/python3.11",
			paths:    []string{"/usr/bin/python3.11", "/usr/lib/libpython3.11.so.1.0", "/usr/lib/libc.so.6"},
			expected: "/usr/lib/libpython3.11.so.1.0",
		},
		"static executable": {
			exe:      "/usr/local/bin/python3.9",
			paths:    []string{"/usr/local/bin/python3.9", "/usr/lib/libc.so.6"},
			expected: "/usr/local/bin/python3.9",
		},
		"renamed executable": {
			exe:      "/opt/app/server",
			paths:    []string{"/usr/lib/libc.so.6", "/opt/app/server"},
			expected: "/opt/app/server",
		},
		"no python": {
			exe:     "/bin/sleep",
			paths:   []string{"/usr/lib/libc.so.6"},
			wantErr: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			proc := &fakeProcess{exe: tc.exe, mappings: mappingsFor(tc.paths...)}
			mod, err := NewLocator(proc, symbolMap{}).FindModule()
			if tc.wantErr {
				require.ErrorIs(t, err, libpf.ErrUnsupportedVersion)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, mod.Path)
		})
	}
}

func TestDetectVersion(t *testing.T) {
	snap := &remotememory.Snapshot{}
	var hex [4]byte
	binary.LittleEndian.PutUint32(hex[:], 0x030b04f0)
	snap.Write(0x1000, hex[:])
	binary.LittleEndian.PutUint32(hex[:], 0x030c00c1)
	snap.Write(0x2000, hex[:])
	rm := remotememory.RemoteMemory{ReaderAt: snap}

	tests := map[string]struct {
		path     string
		syms     symbolMap
		expected string
		abiFlags string
		wantErr  bool
	}{
		"Py_Version": {
			path:     "/usr/lib/libpython3.11.so.1.0",
			syms:     symbolMap{"Py_Version": 0x1000},
			expected: "3.11.4",
		},
		"release candidate": {
			path:     "/usr/bin/python3",
			syms:     symbolMap{"Py_Version": 0x2000},
			expected: "3.12.0rc1",
		},
		"unreadable Py_Version": {
			path:     "/usr/bin/python3.10",
			syms:     symbolMap{"Py_Version": 0xdead0000},
			expected: "3.10.0",
		},
		"file name": {
			path:     "/usr/bin/python3.9",
			syms:     symbolMap{},
			expected: "3.9.0",
		},
		"abi flags": {
			path:     "/usr/lib/libpython3.7m.so.1.0",
			syms:     symbolMap{},
			expected: "3.7.0",
			abiFlags: "m",
		},
		"debug build": {
			path:     "/usr/bin/python3.10",
			syms:     symbolMap{"_Py_RefTotal": 0x3000},
			expected: "3.10.0",
			abiFlags: "d",
		},
		"unknown": {
			path:    "/opt/app/server",
			syms:    symbolMap{},
			wantErr: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			proc := &fakeProcess{rm: rm, mappings: mappingsFor(tc.path)}
			v, abiFlags, err := NewLocator(proc, tc.syms).DetectVersion(&process.Module{Path: tc.path})
			if tc.wantErr {
				require.ErrorIs(t, err, libpf.ErrUnsupportedVersion)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, v.String())
			assert.Equal(t, tc.abiFlags, abiFlags)
		})
	}
}

// locatorFixture is an interpreter with one running thread in a fake process
// whose python module has a writable data mapping at dataAddr.
type locatorFixture struct {
	*fakeTarget
	interp   libpf.Address
	tstate   libpf.Address
	dataAddr libpf.Address
	mod      *process.Module
	proc     *fakeProcess
}

const fixtureModule = "/usr/lib/libpython3.x.so.1.0"

func newLocatorFixture(t *testing.T, minor int) *locatorFixture {
	f := newFakeTarget(t, minor)
	code := f.code(fakeCode{name: "main", filename: "main.py", firstLine: 1,
		lineTable: f.lineTableFor(0)})
	interp, tstates := f.interpreter(f.frame(fakeFrame{code: code}))

	dataAddr := libpf.Address(0x7f0000000000)
	f.snap.Write(dataAddr, make([]byte, 0x2000))
	mappings := []process.Mapping{
		{Vaddr: 0x7effff000000, Length: 0x1000, Flags: elf.PF_R | elf.PF_X, Path: fixtureModule},
		{Vaddr: uint64(dataAddr), Length: 0x1000, Flags: elf.PF_R | elf.PF_W, Path: fixtureModule},
		// .bss continues in an anonymous mapping
		{Vaddr: uint64(dataAddr) + 0x1000, Length: 0x1000, Flags: elf.PF_R | elf.PF_W},
	}
	proc := &fakeProcess{rm: f.rm(), mappings: mappings}
	modules, err := proc.Modules()
	require.NoError(t, err)
	return &locatorFixture{
		fakeTarget: f,
		interp:     interp,
		tstate:     tstates[0],
		dataAddr:   dataAddr,
		mod:        &modules[0],
		proc:       proc,
	}
}

func (lf *locatorFixture) locate(t *testing.T, ctx context.Context, syms symbolMap) (
	*Interpreter, error) {
	t.Helper()
	v := layout.Version{Major: lf.l.Major, Minor: lf.l.Minor, Patch: 4}
	return NewLocator(lf.proc, syms).Locate(ctx, lf.walker(), lf.mod, v, "")
}

func TestLocateRuntime(t *testing.T) {
	lf := newLocatorFixture(t, 12)
	rt := lf.dataAddr + 0x100
	lf.snap.WritePtr(rt+libpf.Address(lf.l.Runtime.InterpretersHead), lf.interp)

	gil := lf.alloc(32)
	lf.snap.WritePtr(lf.interp+libpf.Address(lf.l.Interp.CevalGIL), gil)
	lf.snap.WritePtr(gil+libpf.Address(lf.l.GIL.LastHolder), lf.tstate)

	ip, err := lf.locate(t, context.Background(), symbolMap{"_PyRuntime": rt})
	require.NoError(t, err)
	assert.Equal(t, lf.interp, ip.Root)
	assert.Equal(t, "3.12.4", ip.Version.String())
	assert.Equal(t, fixtureModule, ip.Module.Path)

	w := lf.walker()
	assert.Zero(t, ip.GILHolder(w))
	lf.putU32(gil+libpf.Address(lf.l.GIL.Locked), 1)
	assert.Equal(t, lf.tstate, ip.GILHolder(w))
}

func TestLocateAccessors(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("accessor stubs are encoded for x86-64")
	}
	lf := newLocatorFixture(t, 10)
	headVar := lf.dataAddr + 0x200
	currentVar := lf.dataAddr + 0x208
	lf.snap.WritePtr(headVar, lf.interp)
	lf.snap.WritePtr(currentVar, lf.tstate)

	// mov rax, [rip+disp]; ret
	stub := func(fn, target libpf.Address) {
		code := []byte{0x48, 0x8b, 0x05, 0, 0, 0, 0, 0xc3}
		binary.LittleEndian.PutUint32(code[3:], uint32(int32(target-(fn+7))))
		code = append(code, make([]byte, maxStubSize-len(code))...)
		lf.snap.Write(fn, code)
	}
	headFn := lf.dataAddr - 0x800
	currentFn := lf.dataAddr - 0x400
	stub(headFn, headVar)
	stub(currentFn, currentVar)

	// _PyRuntime does not point to a valid interpreter
	rt := lf.dataAddr + 0x400
	lf.snap.WritePtr(rt+libpf.Address(lf.l.Runtime.InterpretersHead), lf.none())

	ip, err := lf.locate(t, context.Background(), symbolMap{
		"_PyRuntime":                  rt,
		"PyInterpreterState_Head":     headFn,
		"_PyThreadState_UncheckedGet": currentFn,
	})
	require.NoError(t, err)
	assert.Equal(t, lf.interp, ip.Root)
	assert.Equal(t, lf.tstate, ip.GILHolder(lf.walker()))

	lf.snap.WritePtr(currentVar, 0)
	assert.Zero(t, ip.GILHolder(lf.walker()))
}

func TestLocateScan(t *testing.T) {
	for name, offs := range map[string]libpf.Address{
		"data":  0x808,
		"bss":   0x1010,
		"start": 0,
	} {
		t.Run(name, func(t *testing.T) {
			lf := newLocatorFixture(t, 11)
			// Pointers to objects that are not interpreter states come first
			lf.snap.Write(lf.dataAddr+0x1000, make([]byte, 0x1000))
			for i := libpf.Address(0); i < offs; i += 0x100 {
				lf.snap.WritePtr(lf.dataAddr+i, lf.str("noise"))
			}
			lf.snap.WritePtr(lf.dataAddr+offs, lf.interp)

			ip, err := lf.locate(t, context.Background(), symbolMap{})
			require.NoError(t, err)
			assert.Equal(t, lf.interp, ip.Root)
		})
	}
}

func TestLocateFailures(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		lf := newLocatorFixture(t, 9)
		_, err := lf.locate(t, context.Background(), symbolMap{})
		require.ErrorIs(t, err, libpf.ErrRootNotFound)
	})
	t.Run("canceled", func(t *testing.T) {
		lf := newLocatorFixture(t, 9)
		lf.snap.WritePtr(lf.dataAddr+0x10, lf.interp)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := lf.locate(t, ctx, symbolMap{})
		require.ErrorIs(t, err, libpf.ErrRootNotFound)
	})
	t.Run("thread of another interpreter", func(t *testing.T) {
		lf := newLocatorFixture(t, 9)
		lf.snap.WritePtr(lf.tstate+libpf.Address(lf.l.Thread.Interp), lf.none())
		lf.snap.WritePtr(lf.dataAddr+0x10, lf.interp)
		_, err := lf.locate(t, context.Background(), symbolMap{})
		require.ErrorIs(t, err, libpf.ErrRootNotFound)
	})
}
