// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package armhelpers contains helpers to inspect arm64asm instruction
// arguments whose fields are not exported.
package armhelpers // import "github.com/pysampler/pysampler/armhelpers"

import (
	"fmt"
	"strconv"
	"strings"

	aa "golang.org/x/arch/arm64/arm64asm"
)

// Xreg2num converts an arm64asm Reg or RegSP X0...X30 and W0...W30 register
// into a register number. X0/W0 return 0, X1/W1 return 1, etc.
func Xreg2num(arg any) (int, bool) {
	var ndx aa.Reg
	switch reg := arg.(type) {
	case aa.Reg:
		ndx = reg
	case aa.RegSP:
		ndx = aa.Reg(reg)
	default:
		return 0, false
	}

	switch {
	case ndx >= aa.X0 && ndx <= aa.X30:
		return int(ndx - aa.X0), true
	case ndx >= aa.W0 && ndx <= aa.W30:
		return int(ndx - aa.W0), true
	}
	return 0, false
}

// MemBase returns the base register number of a memory operand.
func MemBase(arg aa.Arg) (int, bool) {
	m, ok := arg.(aa.MemImmediate)
	if !ok {
		return 0, false
	}
	return Xreg2num(m.Base)
}

// DecodeImmediate converts an arm64asm Arg of immediate type to its value.
// For memory operands the offset from the base register is returned; only
// the plain [Xn] and [Xn,#imm] forms are recognized.
func DecodeImmediate(arg aa.Arg) (int64, bool) {
	switch val := arg.(type) {
	case aa.Imm:
		return int64(val.Imm), true
	case aa.Imm64:
		return int64(val.Imm), true
	case aa.PCRel:
		return int64(val), true
	case aa.MemImmediate:
		// Formatted as "[X0]" or "[X0,#1960]", see arm64asm/inst.go
		s := val.String()
		if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
			return 0, false
		}
		_, imm, found := strings.Cut(s[1:len(s)-1], ",")
		if !found {
			return 0, true
		}
		out, err := strconv.ParseInt(strings.TrimPrefix(imm, "#"), 0, 64)
		if err != nil {
			return 0, false
		}
		return out, true
	case aa.ImmShift:
		// Formatted as "#0x5d8" optionally followed by ", LSL #12"
		var imm int64
		var shift uint
		s := val.String()
		if n, _ := fmt.Sscanf(s, "#%v, LSL #%d", &imm, &shift); n == 2 {
			return imm << shift, true
		}
		if n, err := fmt.Sscanf(s, "#%v", &imm); err != nil || n != 1 {
			return 0, false
		}
		return imm, true
	}
	return 0, false
}
