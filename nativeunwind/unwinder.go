// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package nativeunwind walks the native call stack of a stopped thread using
// the DWARF call frame information of the mapped ELF files, with frame
// pointer chasing as fallback.
package nativeunwind // import "github.com/pysampler/pysampler/nativeunwind"

import (
	"bytes"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/pysampler/pysampler/libpf"
	"github.com/pysampler/pysampler/libpf/pfelf"
	"github.com/pysampler/pysampler/nopanicslicereader"
	"github.com/pysampler/pysampler/process"
	"github.com/pysampler/pysampler/remotememory"
)

// maxVDSOSize bounds the vdso image read from target memory
const maxVDSOSize = 64 * 1024

// Target is the part of a process the unwinder needs.
type Target interface {
	Memory() remotememory.RemoteMemory
	OpenELF(path string) (*pfelf.File, error)
}

// ModuleFinder maps an address to the file mapping holding it.
type ModuleFinder interface {
	Module(addr libpf.Address) (*process.Module, bool)
	// Refresh reads the module list of the target again and reports whether
	// it changed.
	Refresh() (bool, error)
}

// moduleInfo is the unwinding data of one mapped module.
type moduleInfo struct {
	path string
	key  libpf.FileKey
	// table is nil when the module has no call frame information
	table *Table
	bias  libpf.Address
	// warned is set once the frame pointer fallback was reported
	warned bool
}

// Unwinder unwinds native stacks of one process. It is not safe for
// concurrent use.
type Unwinder struct {
	target   Target
	rm       remotememory.RemoteMemory
	modules  ModuleFinder
	maxDepth int

	loaded map[libpf.Address]*moduleInfo
	// refreshed is set once the module list was read again in this sample
	refreshed bool

	// fallbackFrames counts frames recovered by frame pointer chasing
	fallbackFrames uint64
}

// NewUnwinder returns an unwinder for target that produces at most maxDepth
// frames per thread.
func NewUnwinder(target Target, modules ModuleFinder, maxDepth int) *Unwinder {
	return &Unwinder{
		target:   target,
		rm:       target.Memory(),
		modules:  modules,
		maxDepth: maxDepth,
		loaded:   make(map[libpf.Address]*moduleInfo),
	}
}

// FallbackFrames returns the number of frames recovered by frame pointer
// chasing so far.
func (u *Unwinder) FallbackFrames() uint64 {
	return u.fallbackFrames
}

// NewSample allows the module list to be read again once, when a PC outside
// of all known modules is seen.
func (u *Unwinder) NewSample() {
	u.refreshed = false
}

// Unwind returns the return addresses of the thread with registers regs,
// innermost first. The walk stops at a zero PC, when the stack pointer does
// not grow, or at a PC outside of any module. An error wrapping
// libpf.ErrUnwind is returned only when not even the caller of the innermost
// frame could be recovered; later failures truncate the result.
func (u *Unwinder) Unwind(regs process.Registers) ([]libpf.Address, error) {
	pcs := make([]libpf.Address, 0, 32)
	cur := regs
	exact := true
	for len(pcs) < u.maxDepth && cur.PC != 0 {
		pc := libpf.Address(cur.PC)
		pcs = append(pcs, pc)

		mi, ok := u.module(pc)
		if !ok {
			break
		}
		next, signal, err := u.step(mi, cur, exact)
		if err != nil {
			if libpf.IsFatal(err) {
				return nil, err
			}
			if len(pcs) == 1 {
				return pcs, fmt.Errorf("%w at 0x%x: %v", libpf.ErrUnwind, uint64(pc), err)
			}
			log.Debugf("Native stack truncated at 0x%x: %v", uint64(pc), err)
			break
		}
		// Only the innermost frame may run without a stack frame of its own.
		if next.SP < cur.SP || (next.SP == cur.SP && !exact) {
			break
		}
		cur = next
		exact = signal
	}
	return pcs, nil
}

func fileKey(m *process.Module) libpf.FileKey {
	return libpf.FileKey{Device: m.Device, Inode: m.Inode, Path: m.Path}
}

// findModule looks up pc and reads the module list again if pc is in a
// module mapped after the last refresh.
func (u *Unwinder) findModule(pc libpf.Address) (*process.Module, bool) {
	m, ok := u.modules.Module(pc)
	if ok || u.refreshed {
		return m, ok
	}
	u.refreshed = true
	changed, err := u.modules.Refresh()
	if err != nil {
		log.Debugf("Failed to refresh modules: %v", err)
		return nil, false
	}
	if !changed {
		return nil, false
	}
	// Forget the modules that were unmapped or replaced.
	for base, mi := range u.loaded {
		if cur, ok := u.modules.Module(base); !ok || cur.Base != base || fileKey(cur) != mi.key {
			delete(u.loaded, base)
		}
	}
	return u.modules.Module(pc)
}

// module returns the unwinding data of the module holding pc.
func (u *Unwinder) module(pc libpf.Address) (*moduleInfo, bool) {
	m, ok := u.findModule(pc)
	if !ok {
		return nil, false
	}
	key := fileKey(m)
	if mi, ok := u.loaded[m.Base]; ok && mi.key == key {
		return mi, true
	}

	mi := &moduleInfo{path: m.Path, key: key}
	u.loaded[m.Base] = mi

	ef, err := u.openModule(m)
	if err != nil {
		log.Debugf("No unwind information for %s: %v", m.Path, err)
		return mi, true
	}
	defer ef.Close()

	if len(m.Mappings) > 0 {
		if bias, ok := ef.LoadBias(m.Mappings[0].Vaddr, m.Mappings[0].FileOffset); ok {
			mi.bias = bias
		}
	}

	if t, ok := cfiTables().Get(key); ok {
		mi.table = t
		return mi, true
	}
	t, err := LoadTable(ef)
	if err != nil {
		log.Debugf("No call frame information in %s: %v", m.Path, err)
	}
	cfiTables().Add(key, t)
	mi.table = t
	return mi, true
}

// openModule opens the ELF image of m. The vdso has no backing file and is
// read from target memory.
func (u *Unwinder) openModule(m *process.Module) (*pfelf.File, error) {
	if m.Path != process.VdsoPathName {
		return u.target.OpenELF(m.Path)
	}
	size := min(m.Size, maxVDSOSize)
	data, err := u.rm.ReadBuf(m.Base, int(size))
	if err != nil {
		return nil, err
	}
	return pfelf.NewFile(bytes.NewReader(data))
}

// step recovers the caller registers of the frame cur. exact is set when
// cur.PC is the faulting instruction rather than a return address.
func (u *Unwinder) step(mi *moduleInfo, cur process.Registers, exact bool) (
	next process.Registers, signal bool, err error) {
	lookup := uint64(libpf.Address(cur.PC) - mi.bias)
	if !exact {
		// A return address points past the call instruction, which may be
		// the last one of the function.
		lookup--
	}
	if mi.table == nil {
		next, err = u.framePointerStep(mi, cur)
		return next, false, err
	}
	rule, err := mi.table.Find(lookup)
	if errors.Is(err, errNoFDE) {
		next, err = u.framePointerStep(mi, cur)
		return next, false, err
	}
	if err != nil {
		return next, false, err
	}
	next, err = u.apply(rule, cur, exact)
	return next, rule.signal, err
}

// value returns the content of a tracked register.
func value(regs archRegs, cur process.Registers, reg uleb128) (uint64, bool) {
	switch reg {
	case regs.sp:
		return cur.SP, true
	case regs.fp:
		return cur.FP, true
	}
	if regs.hasLR && reg == regs.ra {
		return cur.LR, true
	}
	return 0, false
}

// restore evaluates a register rule against the canonical frame address.
func (u *Unwinder) restore(regs archRegs, r vmReg, cur process.Registers,
	cfa, same uint64) (uint64, error) {
	switch r.kind {
	case ruleUndefined:
		return 0, nil
	case ruleSame:
		return same, nil
	case ruleOffset:
		return u.rm.Uint64Checked(libpf.Address(int64(cfa) + int64(r.off)))
	case ruleValOffset:
		return uint64(int64(cfa) + int64(r.off)), nil
	case ruleRegister:
		v, ok := value(regs, cur, r.reg)
		if !ok {
			return 0, fmt.Errorf("value in untracked register %d", r.reg)
		}
		return v, nil
	default:
		return 0, errors.New("expression rule")
	}
}

// apply computes the caller registers from a CFI rule.
func (u *Unwinder) apply(rule Rule, cur process.Registers, exact bool) (process.Registers, error) {
	if rule.cfa.expr {
		return process.Registers{}, errors.New("CFA expression rule")
	}
	regs := dwarfRegs[rule.arch]
	base, ok := value(regs, cur, rule.cfa.reg)
	if !ok {
		return process.Registers{}, fmt.Errorf("CFA based on untracked register %d",
			rule.cfa.reg)
	}
	cfa := uint64(int64(base) + int64(rule.cfa.off))

	// An unchanged return address register is only meaningful in the
	// innermost frame where the link register is still live.
	sameRA := uint64(0)
	if exact {
		sameRA = cur.LR
	}
	ra, err := u.restore(regs, rule.ra, cur, cfa, sameRA)
	if err != nil {
		return process.Registers{}, fmt.Errorf("return address: %w", err)
	}
	fp, err := u.restore(regs, rule.fp, cur, cfa, cur.FP)
	if err != nil {
		return process.Registers{}, fmt.Errorf("frame pointer: %w", err)
	}
	if rule.fp.kind == ruleUndefined {
		fp = cur.FP
	}
	return process.Registers{PC: ra, SP: cfa, FP: fp, TLS: cur.TLS}, nil
}

// framePointerStep follows the frame record at FP. Both x86-64 and arm64
// store the caller frame pointer at FP and the return address at FP+8.
func (u *Unwinder) framePointerStep(mi *moduleInfo, cur process.Registers) (
	process.Registers, error) {
	if mi.table == nil && !mi.warned {
		log.Warnf("No call frame information for %s, using frame pointers", mi.path)
		mi.warned = true
	}
	if cur.FP == 0 || cur.FP < cur.SP || cur.FP%8 != 0 {
		return process.Registers{}, fmt.Errorf("invalid frame pointer 0x%x", cur.FP)
	}
	var record [16]byte
	if err := u.rm.Read(libpf.Address(cur.FP), record[:]); err != nil {
		return process.Registers{}, err
	}
	u.fallbackFrames++
	return process.Registers{
		PC:  nopanicslicereader.Uint64(record[:], 8),
		SP:  cur.FP + 16,
		FP:  nopanicslicereader.Uint64(record[:], 0),
		TLS: cur.TLS,
	}, nil
}
