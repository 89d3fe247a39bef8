// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package libpf holds the types shared by all packages of the sampler: process
// identifiers, addresses, symbols, the stack trace value model and the error
// taxonomy.
package libpf // import "github.com/pysampler/pysampler/libpf"

import "unsafe"

// Void allows to use maps as sets without memory allocation for the values.
type Void struct{}

// SliceFrom returns a byte slice aliasing the memory of the given
// fixed-size value, for reading binary structs in place.
func SliceFrom[T any](data *T) []byte {
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(data)), unsafe.Sizeof(zero))
}

// SliceOf returns a byte slice aliasing the memory of a slice of fixed-size values.
func SliceOf[T any](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])),
		uintptr(len(data))*unsafe.Sizeof(zero))
}
