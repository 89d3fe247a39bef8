// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux && amd64

package process // import "github.com/pysampler/pysampler/process"

import (
	"fmt"

	"github.com/pysampler/pysampler/nopanicslicereader"
)

// Word indexes into struct user_regs_struct.
const (
	regRBP    = 4
	regRIP    = 16
	regRSP    = 19
	regFSBase = 21

	numRegs = 27
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
	return Registers{
		PC:  nopanicslicereader.Uint64(regs, regRIP*8),
		SP:  nopanicslicereader.Uint64(regs, regRSP*8),
		FP:  nopanicslicereader.Uint64(regs, regRBP*8),
		TLS: nopanicslicereader.Uint64(regs, regFSBase*8),
	}, nil
}
