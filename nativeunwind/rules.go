// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package nativeunwind // import "github.com/pysampler/pysampler/nativeunwind"

import (
	"debug/elf"
	"fmt"
)

// ruleKind tells how a register of the caller is recovered.
type ruleKind uint8

const (
	// ruleUndefined means the value is lost. For the return address it
	// marks the outermost frame.
	ruleUndefined ruleKind = iota
	// ruleSame means the register is not modified by the callee
	ruleSame
	// ruleOffset means the value is saved at CFA+off
	ruleOffset
	// ruleValOffset means the value is CFA+off
	ruleValOffset
	// ruleRegister means the value is held in register reg
	ruleRegister
	// ruleExpression means a DWARF expression computes the value
	ruleExpression
)

// vmReg describes the unwinding rule of one register.
type vmReg struct {
	kind ruleKind
	reg  uleb128
	off  sleb128
}

func (r vmReg) String() string {
	switch r.kind {
	case ruleUndefined:
		return "u"
	case ruleSame:
		return "s"
	case ruleOffset:
		return fmt.Sprintf("c%+d", r.off)
	case ruleValOffset:
		return fmt.Sprintf("v%+d", r.off)
	case ruleRegister:
		return fmt.Sprintf("r%d", r.reg)
	default:
		return "exp"
	}
}

// cfaRule describes how the canonical frame address is computed.
type cfaRule struct {
	reg uleb128
	off sleb128
	// expr is set when a DWARF expression defines the CFA
	expr bool
}

func (c cfaRule) String() string {
	if c.expr {
		return "exp"
	}
	return fmt.Sprintf("r%d%+d", c.reg, c.off)
}

// vmRegs contains the dwarf virtual machine registers we track
type vmRegs struct {
	arch elf.Machine
	cfa  cfaRule
	// fp and ra are the frame pointer and return address registers
	fp, ra vmReg
}

// archRegs holds the DWARF register numbers of one architecture.
type archRegs struct {
	sp, fp, ra uleb128
	// hasLR is set when the return address lives in a link register
	hasLR bool
}

var dwarfRegs = map[elf.Machine]archRegs{
	// System V AMD64 ABI §3.6.2: rbp=6, rsp=7, return address=16
	elf.EM_X86_64: {sp: 7, fp: 6, ra: 16},
	// DWARF for the Arm 64-bit Architecture: x29, x30 and sp=31
	elf.EM_AARCH64: {sp: 31, fp: 29, ra: 30, hasLR: true},
}

// newVMRegs returns the register state before any CIE instruction ran.
func newVMRegs(arch elf.Machine) vmRegs {
	regs := vmRegs{
		arch: arch,
		fp:   vmReg{kind: ruleSame},
		ra:   vmReg{kind: ruleSame},
	}
	if ar, ok := dwarfRegs[arch]; ok {
		regs.cfa = cfaRule{reg: ar.sp}
	}
	if arch == elf.EM_X86_64 {
		// The call instruction leaves the return address on top of stack.
		regs.cfa.off = 8
		regs.ra = vmReg{kind: ruleOffset, off: -8}
	}
	return regs
}

// reg returns the tracked rule for the DWARF register ndx, or nil.
func (regs *vmRegs) reg(ndx, regRA uleb128) *vmReg {
	ar, ok := dwarfRegs[regs.arch]
	if !ok {
		return nil
	}
	switch ndx {
	case ar.fp:
		return &regs.fp
	case regRA, ar.ra:
		return &regs.ra
	}
	return nil
}

// maxRememberDepth bounds DW_CFA_remember_state nesting.
const maxRememberDepth = 8

// state is the virtual machine state which can execute exception handler opcodes
type state struct {
	// cie is the CIE being currently processed
	cie *cieInfo
	// loc is the current location
	loc uint64
	// cur is the current state of the virtual machine
	cur vmRegs
	// stack holds the states saved by remember opcodes
	stack [maxRememberDepth]vmRegs
	// stackNdx is the current stack nesting level
	stackNdx int
}

// advance increments current virtual address by given delta and code alignment
func (st *state) advance(delta uint64) {
	st.loc += delta * uint64(st.cie.codeAlign)
}

// rule assigns an unwinding rule for the register reg
func (st *state) rule(reg uleb128, kind ruleKind, off sleb128) {
	if r := st.cur.reg(reg, st.cie.regRA); r != nil {
		*r = vmReg{kind: kind, off: off * st.cie.dataAlign}
	}
}

// restore assigns the register its rule from after the CIE opcodes
func (st *state) restore(reg uleb128) {
	if to := st.cur.reg(reg, st.cie.regRA); to != nil {
		*to = *st.cie.initialState.reg(reg, st.cie.regRA)
	}
}

// step executes the CFA opcodes until the location advances or the opcodes
// end. It returns false when no opcodes are left.
func (st *state) step(r *reader) (bool, error) {
	var err error

	for r.hasData() {
		opcode := cfaOpcode(r.u8())
		operand := uint8(0)

		// The high two bits hold the opcode of the compact forms.
		if opcode&cfaHighOpcodeMask != 0 {
			operand = uint8(opcode & cfaHighOpcodeValueMask)
			opcode &= cfaHighOpcodeMask
		}

		switch opcode {
		case cfaNop:
		case cfaSetLoc:
			st.loc, err = r.ptr(st.cie.enc)
			return true, err
		case cfaAdvanceLoc1:
			st.advance(uint64(r.u8()))
			return true, nil
		case cfaAdvanceLoc2:
			st.advance(uint64(r.u16()))
			return true, nil
		case cfaAdvanceLoc4:
			st.advance(uint64(r.u32()))
			return true, nil
		case cfaOffsetExtended:
			st.rule(r.uleb(), ruleOffset, sleb128(r.uleb()))
		case cfaRestoreExtended:
			st.restore(r.uleb())
		case cfaUndefined:
			st.rule(r.uleb(), ruleUndefined, 0)
		case cfaSameValue:
			st.rule(r.uleb(), ruleSame, 0)
		case cfaRegister:
			reg, from := r.uleb(), r.uleb()
			if rr := st.cur.reg(reg, st.cie.regRA); rr != nil {
				*rr = vmReg{kind: ruleRegister, reg: from}
			}
		case cfaRememberState:
			if st.stackNdx >= len(st.stack) {
				return false, fmt.Errorf("dwarf stack overflow at %x", st.loc)
			}
			st.stack[st.stackNdx] = st.cur
			st.stackNdx++
		case cfaRestoreState:
			if st.stackNdx == 0 {
				return false, fmt.Errorf("dwarf stack underflow at %x", st.loc)
			}
			st.stackNdx--
			st.cur = st.stack[st.stackNdx]
		case cfaDefCfa:
			st.cur.cfa = cfaRule{reg: r.uleb(), off: sleb128(r.uleb())}
		case cfaDefCfaRegister:
			st.cur.cfa.reg = r.uleb()
			st.cur.cfa.expr = false
		case cfaDefCfaOffset:
			st.cur.cfa.off = sleb128(r.uleb())
		case cfaDefCfaExpression:
			r.skip(int(r.uleb()))
			st.cur.cfa = cfaRule{expr: true}
		case cfaExpression, cfaValExpression:
			reg := r.uleb()
			r.skip(int(r.uleb()))
			if rr := st.cur.reg(reg, st.cie.regRA); rr != nil {
				*rr = vmReg{kind: ruleExpression}
			}
		case cfaOffsetExtendedSf:
			st.rule(r.uleb(), ruleOffset, r.sleb())
		case cfaDefCfaSf:
			st.cur.cfa = cfaRule{reg: r.uleb(), off: r.sleb() * st.cie.dataAlign}
		case cfaDefCfaOffsetSf:
			st.cur.cfa.off = r.sleb() * st.cie.dataAlign
		case cfaValOffset:
			st.rule(r.uleb(), ruleValOffset, sleb128(r.uleb()))
		case cfaValOffsetSf:
			st.rule(r.uleb(), ruleValOffset, r.sleb())
		case cfaGNUWindowSave:
			// Return address signing on arm64, no register change.
		case cfaGNUArgsSize:
			r.uleb()
		case cfaGNUNegOffsetExtended:
			st.rule(r.uleb(), ruleOffset, -r.sleb())
		case cfaAdvanceLoc:
			st.advance(uint64(operand))
			return true, nil
		case cfaOffset:
			st.rule(uleb128(operand), ruleOffset, sleb128(r.uleb()))
		case cfaRestore:
			st.restore(uleb128(operand))
		default:
			return false, fmt.Errorf("DWARF opcode %#02x not implemented", opcode)
		}
	}
	if !r.isValid() {
		return false, fmt.Errorf("CFA opcodes truncated at %x", st.loc)
	}
	return false, nil
}

// Rule is the unwinding rule set that applies at one instruction.
type Rule struct {
	arch elf.Machine
	cfa  cfaRule
	fp   vmReg
	ra   vmReg
	// signal is set for signal trampolines
	signal bool
}

func (r Rule) String() string {
	return fmt.Sprintf("cfa=%v fp=%v ra=%v", r.cfa, r.fp, r.ra)
}
