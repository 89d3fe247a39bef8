// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux && arm64

package process // import "github.com/pysampler/pysampler/process"

import (
	"fmt"

	"github.com/pysampler/pysampler/nopanicslicereader"
)

// Word indexes into struct user_pt_regs.
const (
	regX29 = 29
	regX30 = 30
	regSP  = 31
	regPC  = 32

	numRegs = 34
)

func getRegisters(tid int) (Registers, error) {
	var buf [numRegs * 8]byte
	n, err := getRegset(tid, ntPRStatus, buf[:])
	if err != nil {
		return Registers{}, err
	}
	if n < len(buf) {
		return Registers{}, fmt.Errorf("short register set (%d bytes)", n)
	}
	regs := buf[:]
	r := Registers{
		PC: nopanicslicereader.Uint64(regs, regPC*8),
		SP: nopanicslicereader.Uint64(regs, regSP*8),
		FP: nopanicslicereader.Uint64(regs, regX29*8),
		LR: nopanicslicereader.Uint64(regs, regX30*8),
	}
	var tls [8]byte
	if _, err := getRegset(tid, ntARMTLS, tls[:]); err == nil {
		r.TLS = nopanicslicereader.Uint64(tls[:], 0)
	}
	return r, nil
}
