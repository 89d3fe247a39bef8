// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux && !amd64 && !arm64

package process // import "github.com/pysampler/pysampler/process"

import "github.com/pysampler/pysampler/libpf"

func getRegisters(int) (Registers, error) {
	return Registers{}, libpf.ErrPlatformUnsupported
}
