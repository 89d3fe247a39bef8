// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// nopanicslicereader provides little convenience utilities to read little
// endian values from a slice at given offset. Zeroes are returned on out of
// bounds access instead of panic, so struct images read from an untrusted
// target can be decoded without bounds checks at every call site.
package nopanicslicereader // import "github.com/pysampler/pysampler/nopanicslicereader"

import (
	"encoding/binary"
	"math"

	"github.com/pysampler/pysampler/libpf"
)

// Uint8 reads one 8-bit unsigned integer from given byte slice offset
func Uint8(b []byte, offs uint) uint8 {
	if offs+1 > uint(len(b)) {
		return 0
	}
	return b[offs]
}

// Uint16 reads one 16-bit unsigned integer from given byte slice offset
func Uint16(b []byte, offs uint) uint16 {
	if offs+2 > uint(len(b)) {
		return 0
	}
	return binary.LittleEndian.Uint16(b[offs:])
}

// Uint32 reads one 32-bit unsigned integer from given byte slice offset
func Uint32(b []byte, offs uint) uint32 {
	if offs+4 > uint(len(b)) {
		return 0
	}
	return binary.LittleEndian.Uint32(b[offs:])
}

// Int32 reads one 32-bit signed integer from given byte slice offset
func Int32(b []byte, offs uint) int32 {
	return int32(Uint32(b, offs))
}

// Uint64 reads one 64-bit unsigned integer from given byte slice offset
func Uint64(b []byte, offs uint) uint64 {
	if offs+8 > uint(len(b)) {
		return 0
	}
	return binary.LittleEndian.Uint64(b[offs:])
}

// Int64 reads one 64-bit signed integer (Py_ssize_t) from given byte slice offset
func Int64(b []byte, offs uint) int64 {
	return int64(Uint64(b, offs))
}

// Float64 reads one IEEE 754 double from given byte slice offset
func Float64(b []byte, offs uint) float64 {
	return math.Float64frombits(Uint64(b, offs))
}

// Ptr reads one native sized pointer from given byte slice offset
func Ptr(b []byte, offs uint) libpf.Address {
	return libpf.Address(Uint64(b, offs))
}
