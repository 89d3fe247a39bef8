// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package python // import "github.com/pysampler/pysampler/interpreter/python"

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"regexp"
	"runtime"

	log "github.com/sirupsen/logrus"

	"github.com/pysampler/pysampler/interpreter/python/layout"
	"github.com/pysampler/pysampler/libpf"
	npsr "github.com/pysampler/pysampler/nopanicslicereader"
	"github.com/pysampler/pysampler/process"
)

const (
	// MaxScanBytes bounds the memory read while scanning for the interpreter
	MaxScanBytes = 64 * 1024 * 1024
	// scanChunkSize is the size of a single read while scanning
	scanChunkSize = 256 * 1024
	// maxRodataSize bounds the .rodata read for version detection
	maxRodataSize = 32 * 1024 * 1024
)

// rodataVersionRegex matches a NUL delimited PY_VERSION string.
var rodataVersionRegex = regexp.MustCompile(`\x00(3\.\d{1,2}\.\d{1,2}(?:(?:a|b|rc)\d{1,2})?\+?)\x00`)

var errNoInterpreter = errors.New("not an interpreter state")

// SymbolResolver resolves exported symbols of the target to runtime addresses.
type SymbolResolver interface {
	AddressOf(name string) (libpf.Address, bool)
}

// Interpreter is a located CPython runtime of the target.
type Interpreter struct {
	Version  layout.Version
	Layout   *layout.Layout
	Module   process.Module
	Machine  elf.Machine
	AbiFlags string

	// Root is the address of the main PyInterpreterState
	Root libpf.Address

	// tstateCurrent is the address of _PyRuntime.gilstate.tstate_current
	// before 3.12, zero if unknown
	tstateCurrent libpf.Address
	// gil is the address of the _gil_runtime_state of 3.12
	gil libpf.Address
}

// GILHolder returns the thread state holding the GIL, or zero if nobody
// holds it or it cannot be determined.
func (ip *Interpreter) GILHolder(w *Walker) libpf.Address {
	l := ip.Layout
	switch {
	case ip.gil != 0:
		buf, err := w.rm.ReadBuf(ip.gil, int(l.GIL.Locked)+4)
		if err != nil || npsr.Uint32(buf, l.GIL.Locked) == 0 {
			return 0
		}
		return npsr.Ptr(buf, l.GIL.LastHolder)
	case ip.tstateCurrent != 0:
		return w.rm.Ptr(ip.tstateCurrent)
	}
	return 0
}

// Locator finds the CPython interpreter of a process.
type Locator struct {
	proc process.Process
	syms SymbolResolver
}

// NewLocator returns a locator for proc.
func NewLocator(proc process.Process, syms SymbolResolver) *Locator {
	return &Locator{proc: proc, syms: syms}
}

// FindModule returns the module holding the interpreter: the libpython shared
// object if one is loaded, otherwise the main executable.
func (lc *Locator) FindModule() (*process.Module, error) {
	modules, err := lc.proc.Modules()
	if err != nil {
		return nil, err
	}
	for i := range modules {
		if layout.IsLibPython(modules[i].Path) {
			return &modules[i], nil
		}
	}
	exe, err := lc.proc.Executable()
	if err != nil {
		log.Debugf("PID %v: failed to get executable: %v", lc.proc.PID(), err)
	}
	for i := range modules {
		if _, _, ok := layout.ParseBinaryName(modules[i].Path); ok || modules[i].Path == exe {
			return &modules[i], nil
		}
	}
	return nil, fmt.Errorf("no python module mapped: %w", libpf.ErrUnsupportedVersion)
}

// DetectVersion determines the interpreter version from the exported
// Py_Version, the version string in .rodata or the module file name, in this
// order. ABI flags come from the file name and the presence of debug symbols.
func (lc *Locator) DetectVersion(mod *process.Module) (layout.Version, string, error) {
	nameVersion, abiFlags, nameOK := layout.ParseBinaryName(mod.Path)
	if _, ok := lc.syms.AddressOf("_Py_RefTotal"); ok {
		abiFlags += "d"
	} else if _, ok := lc.syms.AddressOf("_Py_GetGlobalRefTotal"); ok {
		abiFlags += "d"
	}

	if addr, ok := lc.syms.AddressOf("Py_Version"); ok {
		hex, err := lc.proc.Memory().Uint32Checked(addr)
		if err == nil {
			if v := layout.FromHex(hex); v.Major == 3 && v.Minor >= 11 {
				return v, abiFlags, nil
			}
		}
		log.Debugf("Py_Version at 0x%x unusable: %v", addr, err)
	}

	if v, ok := lc.rodataVersion(mod, nameVersion, nameOK); ok {
		return v, abiFlags, nil
	}
	if nameOK {
		return nameVersion, abiFlags, nil
	}
	return layout.Version{}, "", fmt.Errorf("version of %s unknown: %w",
		mod.Path, libpf.ErrUnsupportedVersion)
}

// rodataVersion searches the read-only data of the module for PY_VERSION.
// When the file name carries a version, only matching strings are accepted.
func (lc *Locator) rodataVersion(mod *process.Module, nameVersion layout.Version,
	nameOK bool) (layout.Version, bool) {
	ef, err := lc.proc.OpenELF(mod.Path)
	if err != nil {
		log.Debugf("Failed to open %s: %v", mod.Path, err)
		return layout.Version{}, false
	}
	defer ef.Close()
	sec := ef.Section(".rodata")
	if sec == nil {
		return layout.Version{}, false
	}
	data, err := sec.Data(maxRodataSize)
	if err != nil {
		log.Debugf("Failed to read .rodata of %s: %v", mod.Path, err)
		return layout.Version{}, false
	}
	for _, m := range rodataVersionRegex.FindAllSubmatch(data, -1) {
		v, err := layout.ParseVersion(string(m[1]))
		if err != nil {
			continue
		}
		if !nameOK || (v.Major == nameVersion.Major && v.Minor == nameVersion.Minor) {
			return v, true
		}
	}
	return layout.Version{}, false
}

// machine returns the ELF machine of the module, defaulting to the host's.
func (lc *Locator) machine(mod *process.Module) elf.Machine {
	if ef, err := lc.proc.OpenELF(mod.Path); err == nil {
		defer ef.Close()
		return ef.Machine
	}
	switch runtime.GOARCH {
	case "arm64":
		return elf.EM_AARCH64
	default:
		return elf.EM_X86_64
	}
}

// Locate finds the interpreter root. The exported _PyRuntime is tried first,
// then the accessor PyInterpreterState_Head is decoded, and as last resort the
// writable data of the python module is scanned within the bounds of ctx.
func (lc *Locator) Locate(ctx context.Context, w *Walker, mod *process.Module,
	v layout.Version, abiFlags string) (*Interpreter, error) {
	ip := &Interpreter{
		Version:  v,
		Layout:   w.layout,
		Module:   *mod,
		Machine:  lc.machine(mod),
		AbiFlags: abiFlags,
	}
	rm := lc.proc.Memory()

	if rt, ok := lc.syms.AddressOf("_PyRuntime"); ok {
		head := rm.Ptr(rt + libpf.Address(ip.Layout.Runtime.InterpretersHead))
		if err := lc.Validate(w, head); err == nil {
			ip.Root = head
		} else {
			log.Debugf("_PyRuntime at 0x%x: %v", rt, err)
		}
	}

	if ip.Root == 0 {
		if addr, err := lc.decodeAccessor(ip.Machine, "PyInterpreterState_Head"); err == nil {
			head := rm.Ptr(addr)
			if err = lc.Validate(w, head); err == nil {
				ip.Root = head
			} else {
				log.Debugf("PyInterpreterState_Head: %v", err)
			}
		} else {
			log.Debugf("PyInterpreterState_Head: %v", err)
		}
	}

	if ip.Root == 0 {
		log.Warnf("PID %v: scanning memory for the interpreter state", lc.proc.PID())
		root, err := lc.scan(ctx, w, mod)
		if err != nil {
			return nil, err
		}
		ip.Root = root
	}

	lc.locateGIL(ip, w)
	return ip, nil
}

// locateGIL finds where the GIL holder is recorded.
func (lc *Locator) locateGIL(ip *Interpreter, w *Walker) {
	l := ip.Layout
	if l.Interp.CevalGIL != 0 {
		gil, err := w.rm.PtrChecked(ip.Root + libpf.Address(l.Interp.CevalGIL))
		if err != nil {
			log.Debugf("Failed to read GIL pointer: %v", err)
			return
		}
		ip.gil = gil
		return
	}
	addr, err := lc.decodeAccessor(ip.Machine, "_PyThreadState_UncheckedGet")
	if err != nil {
		log.Debugf("GIL holder unknown: %v", err)
		return
	}
	ip.tstateCurrent = addr
}

// decodeAccessor returns the address of the global variable an exported
// accessor function returns.
func (lc *Locator) decodeAccessor(machine elf.Machine, name string) (libpf.Address, error) {
	fn, ok := lc.syms.AddressOf(name)
	if !ok {
		return 0, fmt.Errorf("symbol %s not found", name)
	}
	code, err := lc.proc.Memory().ReadBuf(fn, maxStubSize)
	if err != nil {
		return 0, err
	}
	return decodeLoadAddress(machine, lc.proc.Memory(), code, fn)
}

// Validate checks that interp looks like a live PyInterpreterState: its
// first thread points back to it and the innermost frame of the first thread
// with frames runs a code object.
func (lc *Locator) Validate(w *Walker, interp libpf.Address) error {
	if interp == 0 || interp%8 != 0 {
		return errNoInterpreter
	}
	l := w.layout
	tstate, err := w.rm.PtrChecked(interp + libpf.Address(l.Interp.ThreadsHead))
	if err != nil || tstate == 0 || tstate%8 != 0 {
		return errNoInterpreter
	}
	if back, err := w.InterpreterOf(tstate); err != nil || back != interp {
		return errNoInterpreter
	}
	threads, err := w.Threads(interp)
	if err != nil {
		return err
	}
	for i := range threads {
		if threads[i].frame == 0 {
			continue
		}
		code, err := w.rm.PtrChecked(threads[i].frame + libpf.Address(l.Frame.Code))
		if err != nil || !w.IsCodeObject(code) {
			return errNoInterpreter
		}
		return nil
	}
	return nil
}

// scanRanges returns the memory ranges that can hold the interpreter root:
// the writable mappings of the module and the anonymous mapping holding its
// .bss directly after it.
func (lc *Locator) scanRanges(mod *process.Module) ([]process.Mapping, error) {
	mappings, err := lc.proc.Mappings()
	if err != nil {
		return nil, err
	}
	var ranges []process.Mapping
	var lastEnd uint64
	for i := range mappings {
		m := &mappings[i]
		switch {
		case m.Path == mod.Path && m.IsWritable():
			ranges = append(ranges, *m)
			lastEnd = m.End()
		case m.IsAnonymous() && m.IsWritable() && m.Vaddr == lastEnd && lastEnd != 0:
			ranges = append(ranges, *m)
			lastEnd = 0
		}
	}
	return ranges, nil
}

// scan searches the data of the python module for a pointer to a valid
// interpreter state.
func (lc *Locator) scan(ctx context.Context, w *Walker, mod *process.Module) (libpf.Address, error) {
	ranges, err := lc.scanRanges(mod)
	if err != nil {
		return 0, err
	}
	checked := make(map[libpf.Address]libpf.Void)
	buf := make([]byte, scanChunkSize)
	scanned := 0
	for _, m := range ranges {
		for addr := m.Vaddr; addr < m.End(); addr += scanChunkSize {
			if err := ctx.Err(); err != nil {
				return 0, fmt.Errorf("scan aborted: %w", libpf.ErrRootNotFound)
			}
			if scanned >= MaxScanBytes {
				return 0, fmt.Errorf("scanned %d bytes: %w", scanned, libpf.ErrRootNotFound)
			}
			chunk := buf[:min(uint64(scanChunkSize), m.End()-addr)]
			if err := w.rm.Read(libpf.Address(addr), chunk); err != nil {
				if libpf.IsFatal(err) {
					return 0, err
				}
				continue
			}
			scanned += len(chunk)
			for offs := 0; offs+8 <= len(chunk); offs += 8 {
				candidate := npsr.Ptr(chunk, uint(offs))
				if candidate == 0 || candidate%8 != 0 {
					continue
				}
				if _, ok := checked[candidate]; ok {
					continue
				}
				checked[candidate] = libpf.Void{}
				if lc.Validate(w, candidate) == nil {
					return candidate, nil
				}
			}
		}
	}
	return 0, libpf.ErrRootNotFound
}
