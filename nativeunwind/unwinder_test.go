// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package nativeunwind

import (
	"debug/elf"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pysampler/pysampler/libpf"
	"github.com/pysampler/pysampler/libpf/pfelf"
	"github.com/pysampler/pysampler/process"
	"github.com/pysampler/pysampler/remotememory"
)

const (
	cfiBase   = 0x400000
	noCFIBase = 0x500000
	stackBase = 0x7ff000
)

type fakeTarget struct {
	snap *remotememory.Snapshot
}

func (f *fakeTarget) Memory() remotememory.RemoteMemory {
	return remotememory.RemoteMemory{ReaderAt: f.snap}
}

func (f *fakeTarget) OpenELF(string) (*pfelf.File, error) {
	return nil, errors.New("no backing file")
}

type moduleList []process.Module

func (ml moduleList) Module(addr libpf.Address) (*process.Module, bool) {
	for i := range ml {
		if ml[i].Contains(addr) {
			return &ml[i], true
		}
	}
	return nil, false
}

// moduleFinder switches to next on the first Refresh after next is set.
type moduleFinder struct {
	modules   moduleList
	next      moduleList
	refreshes int
}

func (f *moduleFinder) Module(addr libpf.Address) (*process.Module, bool) {
	return f.modules.Module(addr)
}

func (f *moduleFinder) Refresh() (bool, error) {
	f.refreshes++
	if f.next == nil {
		return false, nil
	}
	f.modules, f.next = f.next, nil
	return true, nil
}

func testModule(path string, base uint64) process.Module {
	return process.Module{
		Path: path,
		Base: libpf.Address(base),
		Size: 0x4000,
		Mappings: []process.Mapping{{
			Vaddr:  base,
			Length: 0x4000,
			Flags:  elf.PF_R | elf.PF_X,
			Path:   path,
		}},
	}
}

// newTestUnwinder returns an unwinder over a zeroed stack at stackBase. The
// module at cfiBase uses tbl, the one at noCFIBase has no unwind information.
func newTestUnwinder(tbl *Table, maxDepth int) (*Unwinder, *remotememory.Snapshot) {
	snap := &remotememory.Snapshot{}
	snap.Write(stackBase, make([]byte, 0x200))
	modules := moduleList{
		testModule("/usr/lib/libpython3.11.so", cfiBase),
		testModule("/opt/ext/nocfi.so", noCFIBase),
	}
	u := NewUnwinder(&fakeTarget{snap: snap}, &moduleFinder{modules: modules}, maxDepth)
	u.loaded[cfiBase] = &moduleInfo{path: modules[0].Path, key: fileKey(&modules[0]),
		table: tbl, bias: cfiBase}
	return u, snap
}

func TestUnwindCFI(t *testing.T) {
	tests := map[string]struct {
		maxDepth int
		regs     process.Registers
		setup    func(*remotememory.Snapshot)
		expected []libpf.Address
		err      error
	}{
		"full stack": {
			maxDepth: 64,
			regs:     process.Registers{PC: 0x401050, SP: stackBase, FP: stackBase + 0x10},
			expected: []libpf.Address{0x401050, 0x4010a0, 0x403005},
		},
		"depth limit": {
			maxDepth: 2,
			regs:     process.Registers{PC: 0x401050, SP: stackBase, FP: stackBase + 0x10},
			expected: []libpf.Address{0x401050, 0x4010a0},
		},
		"expression rule": {
			maxDepth: 64,
			regs:     process.Registers{PC: 0x402004, SP: stackBase},
			expected: []libpf.Address{0x402004},
			err:      libpf.ErrUnwind,
		},
		"unreadable innermost": {
			maxDepth: 64,
			regs:     process.Registers{PC: 0x401050, SP: 0x9000000, FP: 0x9000010},
			expected: []libpf.Address{0x401050},
			err:      libpf.ErrUnwind,
		},
		"unreadable caller frame": {
			maxDepth: 64,
			regs:     process.Registers{PC: 0x401050, SP: stackBase, FP: stackBase + 0x10},
			setup: func(snap *remotememory.Snapshot) {
				snap.WritePtr(stackBase+0x10, 0x9000000)
			},
			expected: []libpf.Address{0x401050, 0x4010a0},
		},
		"pc outside modules": {
			maxDepth: 64,
			regs:     process.Registers{PC: 0x900000, SP: stackBase},
			expected: []libpf.Address{0x900000},
		},
		"zero pc": {
			maxDepth: 64,
			regs:     process.Registers{SP: stackBase},
			expected: []libpf.Address{},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			u, snap := newTestUnwinder(x86Table(t), tc.maxDepth)
			// frame 0 at 0x1050: saved rbp and return address above rbp
			snap.WritePtr(stackBase+0x10, stackBase+0x40)
			snap.WritePtr(stackBase+0x18, 0x4010a0)
			// frame 1 at 0x10a0: returns into the outermost function
			snap.WritePtr(stackBase+0x40, 0)
			snap.WritePtr(stackBase+0x48, 0x403005)
			if tc.setup != nil {
				tc.setup(snap)
			}

			pcs, err := u.Unwind(tc.regs)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.expected, pcs)
			assert.Zero(t, u.FallbackFrames())
		})
	}
}

func TestUnwindLeafARM64(t *testing.T) {
	b := &cfiBuilder{vaddr: 0x9000}
	cie := b.cie(4, -8, 30, 0x0c, 0x1f, 0x00)
	b.fde(cie, 0x1000, 0x40,
		0x41, 0x0e, 0x10, 0x9d, 0x02, 0x9e, 0x01, 0x41, 0x0d, 0x1d)
	tbl, err := newTable(elf.EM_AARCH64)
	require.NoError(t, err)
	require.NoError(t, tbl.addSection(newReader(b.buf, b.vaddr, false)))
	tbl.sort()

	u, snap := newTestUnwinder(tbl, 64)
	snap.WritePtr(stackBase+0x10, stackBase+0x40)
	snap.WritePtr(stackBase+0x18, 0)

	// The leaf has not stored its frame record, the caller is in the link
	// register and set up its frame at stackBase+0x10.
	pcs, err := u.Unwind(process.Registers{
		PC: 0x401000,
		SP: stackBase,
		FP: stackBase + 0x10,
		LR: 0x401020,
	})
	require.NoError(t, err)
	assert.Equal(t, []libpf.Address{0x401000, 0x401020}, pcs)
}

func TestUnwindFramePointer(t *testing.T) {
	u, snap := newTestUnwinder(x86Table(t), 64)
	snap.WritePtr(stackBase+0x100, stackBase+0x120)
	snap.WritePtr(stackBase+0x108, 0x500020)
	snap.WritePtr(stackBase+0x120, 0)
	snap.WritePtr(stackBase+0x128, 0x500030)

	pcs, err := u.Unwind(process.Registers{
		PC: 0x500010,
		SP: stackBase + 0xf0,
		FP: stackBase + 0x100,
	})
	require.NoError(t, err)
	assert.Equal(t, []libpf.Address{0x500010, 0x500020, 0x500030}, pcs)
	assert.Equal(t, uint64(2), u.FallbackFrames())

	mi, ok := u.loaded[noCFIBase]
	require.True(t, ok)
	assert.Nil(t, mi.table)
	assert.True(t, mi.warned)
}

func TestUnwindFramePointerInvalid(t *testing.T) {
	u, _ := newTestUnwinder(x86Table(t), 64)
	pcs, err := u.Unwind(process.Registers{
		PC: 0x500010,
		SP: stackBase + 0x100,
		FP: stackBase + 0x10,
	})
	require.ErrorIs(t, err, libpf.ErrUnwind)
	assert.Equal(t, []libpf.Address{0x500010}, pcs)
}

func TestUnwindLateModule(t *testing.T) {
	const lateBase = 0x600000
	u, snap := newTestUnwinder(x86Table(t), 64)
	finder := u.modules.(*moduleFinder)

	// nocfi.so calls into late.so which calls back into nocfi.so
	snap.WritePtr(stackBase+0x100, stackBase+0x120)
	snap.WritePtr(stackBase+0x108, lateBase+0x20)
	snap.WritePtr(stackBase+0x120, stackBase+0x140)
	snap.WritePtr(stackBase+0x128, 0x500030)
	regs := process.Registers{PC: 0x500010, SP: stackBase + 0xf0, FP: stackBase + 0x100}
	truncated := []libpf.Address{0x500010, lateBase + 0x20}

	u.NewSample()
	pcs, err := u.Unwind(regs)
	require.NoError(t, err)
	assert.Equal(t, truncated, pcs)
	assert.Equal(t, 1, finder.refreshes)

	// The module shows up, but the list was already read in this sample.
	finder.next = moduleList{
		testModule("/opt/ext/nocfi.so", noCFIBase),
		testModule("/opt/ext/late.so", lateBase),
	}
	pcs, err = u.Unwind(regs)
	require.NoError(t, err)
	assert.Equal(t, truncated, pcs)
	assert.Equal(t, 1, finder.refreshes)

	u.NewSample()
	pcs, err = u.Unwind(regs)
	require.NoError(t, err)
	assert.Equal(t, []libpf.Address{0x500010, lateBase + 0x20, 0x500030}, pcs)
	assert.Equal(t, 2, finder.refreshes)

	// libpython is no longer mapped, its unwind data is dropped.
	_, ok := u.loaded[cfiBase]
	assert.False(t, ok)
	mi, ok := u.loaded[lateBase]
	require.True(t, ok)
	assert.Equal(t, "/opt/ext/late.so", mi.path)

	// Known modules do not trigger another refresh.
	u.NewSample()
	_, err = u.Unwind(regs)
	require.NoError(t, err)
	assert.Equal(t, 2, finder.refreshes)
}

func TestUnwindReplacedModule(t *testing.T) {
	u, _ := newTestUnwinder(x86Table(t), 64)
	// A different file was mapped at the same address before.
	u.loaded[noCFIBase] = &moduleInfo{
		path:  "/opt/ext/old.so",
		key:   libpf.FileKey{Inode: 7, Path: "/opt/ext/old.so"},
		table: x86Table(t),
	}

	mi, ok := u.module(noCFIBase + 0x10)
	require.True(t, ok)
	assert.Equal(t, "/opt/ext/nocfi.so", mi.path)
	assert.Nil(t, mi.table)
	assert.Same(t, mi, u.loaded[noCFIBase])
}
