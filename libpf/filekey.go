// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/pysampler/pysampler/libpf"

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// FileKey identifies an on-disk file for caching data parsed from it. The
// path is part of the key because files in different mount namespaces can
// share device and inode numbers.
type FileKey struct {
	Device uint64
	Inode  uint64
	Path   string
}

// Hash32 returns a 32 bits hash of the key for use in LRU caches.
func (k FileKey) Hash32() uint32 {
	return uint32(k.Hash())
}

// Hash returns a 64 bits xxh3 hash of the key.
func (k FileKey) Hash() uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], k.Device)
	binary.LittleEndian.PutUint64(buf[8:], k.Inode)
	h := xxh3.New()
	_, _ = h.Write(buf[:])
	_, _ = h.WriteString(k.Path)
	return h.Sum64()
}
