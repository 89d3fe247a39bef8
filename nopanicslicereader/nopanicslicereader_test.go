// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package nopanicslicereader

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pysampler/pysampler/libpf"
)

func TestSliceReader(t *testing.T) {
	data := []byte{0, 1, 2, 3, 4, 5, 6, 7, 0xf0, 0x3f}
	assert.Equal(t, uint8(1), Uint8(data, 1))
	assert.Equal(t, uint16(0x0201), Uint16(data, 1))
	assert.Equal(t, uint32(0x03020100), Uint32(data, 0))
	assert.Equal(t, uint64(0x0706050403020100), Uint64(data, 0))
	assert.Equal(t, libpf.Address(0x0706050403020100), Ptr(data, 0))
	assert.Equal(t, int32(-1), Int32([]byte{0xff, 0xff, 0xff, 0xff}, 0))
	assert.Equal(t, int64(-2), Int64([]byte{0xfe, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, 0))
	assert.Equal(t, 1.0, Float64([]byte{0, 0, 0, 0, 0, 0, 0xf0, 0x3f}, 0))

	// Out of bounds
	assert.Equal(t, uint8(0), Uint8(data, 10))
	assert.Equal(t, uint16(0), Uint16(data, 9))
	assert.Equal(t, uint32(0), Uint32(data, 7))
	assert.Equal(t, uint64(0), Uint64(data, 3))
	assert.Equal(t, libpf.Address(0), Ptr(data, 3))
}
