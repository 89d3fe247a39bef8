// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package python // import "github.com/pysampler/pysampler/interpreter/python"

import (
	"bytes"
	"debug/elf"
	"encoding/hex"
	"errors"
	"fmt"

	aa "golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	ah "github.com/pysampler/pysampler/armhelpers"
	"github.com/pysampler/pysampler/libpf"
	"github.com/pysampler/pysampler/remotememory"
)

// maxStubSize is the amount of code read for an accessor function.
const maxStubSize = 64

var endbr64 = []byte{0xf3, 0x0f, 0x1e, 0xfa}

var errThreadLocal = errors.New("accessor reads thread local storage")

// regState tracks what is known about a register while emulating a stub.
type regState struct {
	// value is the register content, zero when unknown
	value uint64
	// loadedFrom is the address the value was loaded from, zero when the
	// value was not loaded from memory
	loadedFrom uint64
}

// decodeLoadAddress emulates a tiny accessor function such as
// PyInterpreterState_Head, which returns a global variable, and returns the
// address of that variable. Loads through the GOT are followed by reading
// the target's memory.
func decodeLoadAddress(machine elf.Machine, rm remotememory.RemoteMemory,
	code []byte, codeAddress libpf.Address) (libpf.Address, error) {
	var addr uint64
	var err error
	switch machine {
	case elf.EM_X86_64:
		addr, err = decodeLoadAMD64(rm, code, uint64(codeAddress))
	case elf.EM_AARCH64:
		addr, err = decodeLoadARM64(rm, code, uint64(codeAddress))
	default:
		return 0, fmt.Errorf("unsupported machine %v", machine)
	}
	if err != nil {
		return 0, fmt.Errorf("decode at 0x%x %s: %w", codeAddress, hex.EncodeToString(code), err)
	}
	if addr == 0 || addr%8 != 0 {
		return 0, fmt.Errorf("decode at 0x%x %s: implausible address 0x%x",
			codeAddress, hex.EncodeToString(code), addr)
	}
	return libpf.Address(addr), nil
}

// reg64 maps 32-bit general purpose registers to their 64-bit counterpart.
func reg64(r x86asm.Reg) x86asm.Reg {
	if r >= x86asm.EAX && r <= x86asm.R15L {
		return r - x86asm.EAX + x86asm.RAX
	}
	return r
}

func decodeLoadAMD64(rm remotememory.RemoteMemory, code []byte, codeAddress uint64) (uint64, error) {
	regs := make(map[x86asm.Reg]regState)
	offs := 0
	for offs < len(code) {
		rem := code[offs:]
		if bytes.HasPrefix(rem, endbr64) {
			offs += len(endbr64)
			continue
		}
		inst, err := x86asm.Decode(rem, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to decode instruction at 0x%x: %w", offs, err)
		}
		offs += inst.Len
		rip := codeAddress + uint64(offs)

		switch inst.Op {
		case x86asm.RET, x86asm.JMP, x86asm.CALL:
			if st := regs[x86asm.RAX]; st.loadedFrom != 0 {
				return st.loadedFrom, nil
			}
			return 0, errors.New("return value is not loaded from memory")
		case x86asm.MOV, x86asm.LEA:
			dst, ok := inst.Args[0].(x86asm.Reg)
			if !ok {
				continue
			}
			dst = reg64(dst)
			switch src := inst.Args[1].(type) {
			case x86asm.Mem:
				if src.Segment != 0 {
					return 0, errThreadLocal
				}
				var base uint64
				switch src.Base {
				case 0:
				case x86asm.RIP:
					base = rip
				default:
					base = regs[reg64(src.Base)].value
				}
				addr := base + uint64(src.Disp)
				if src.Index != 0 {
					addr += regs[reg64(src.Index)].value * uint64(src.Scale)
				}
				if inst.Op == x86asm.LEA {
					regs[dst] = regState{value: addr}
				} else {
					regs[dst] = regState{value: uint64(rm.Ptr(libpf.Address(addr))), loadedFrom: addr}
				}
			case x86asm.Reg:
				regs[dst] = regs[reg64(src)]
			case x86asm.Imm:
				regs[dst] = regState{value: uint64(src)}
			}
		case x86asm.ADD:
			dst, ok := inst.Args[0].(x86asm.Reg)
			if !ok {
				continue
			}
			dst = reg64(dst)
			if imm, ok := inst.Args[1].(x86asm.Imm); ok {
				regs[dst] = regState{value: regs[dst].value + uint64(imm)}
			}
		}
	}
	return 0, errors.New("no return instruction found")
}

func decodeLoadARM64(rm remotememory.RemoteMemory, code []byte, codeAddress uint64) (uint64, error) {
	var regs [32]regState
	for offs := 0; offs+4 <= len(code); offs += 4 {
		inst, err := aa.Decode(code[offs:])
		if err != nil {
			return 0, fmt.Errorf("failed to decode instruction at 0x%x: %w", offs, err)
		}
		pc := codeAddress + uint64(offs)

		switch inst.Op {
		case aa.RET, aa.B, aa.BL, aa.BR:
			if regs[0].loadedFrom != 0 {
				return regs[0].loadedFrom, nil
			}
			return 0, errors.New("return value is not loaded from memory")
		case aa.MRS:
			return 0, errThreadLocal
		case aa.ADRP:
			dst, ok := ah.Xreg2num(inst.Args[0])
			rel, ok2 := ah.DecodeImmediate(inst.Args[1])
			if ok && ok2 {
				regs[dst] = regState{value: pc&^0xfff + uint64(rel)}
			}
		case aa.ADD:
			dst, ok := ah.Xreg2num(inst.Args[0])
			src, ok2 := ah.Xreg2num(inst.Args[1])
			imm, ok3 := ah.DecodeImmediate(inst.Args[2])
			if ok && ok2 && ok3 {
				regs[dst] = regState{value: regs[src].value + uint64(imm)}
			}
		case aa.LDR:
			dst, ok := ah.Xreg2num(inst.Args[0])
			base, ok2 := ah.MemBase(inst.Args[1])
			imm, ok3 := ah.DecodeImmediate(inst.Args[1])
			if ok && ok2 && ok3 {
				addr := regs[base].value + uint64(imm)
				regs[dst] = regState{value: uint64(rm.Ptr(libpf.Address(addr))), loadedFrom: addr}
			}
		case aa.MOV:
			dst, ok := ah.Xreg2num(inst.Args[0])
			src, ok2 := ah.Xreg2num(inst.Args[1])
			if ok && ok2 {
				regs[dst] = regs[src]
			}
		}
	}
	return 0, errors.New("no return instruction found")
}
