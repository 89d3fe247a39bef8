// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "github.com/pysampler/pysampler/remotememory"

import (
	"encoding/binary"
	"sort"

	"github.com/pysampler/pysampler/libpf"
)

// Snapshot is a sparse copy of target memory. Reads of ranges it does not
// hold fail the same way reads of unmapped pages fail.
type Snapshot struct {
	regions []region
}

type region struct {
	addr libpf.Address
	data []byte
}

func (r *region) end() libpf.Address {
	return r.addr + libpf.Address(len(r.data))
}

var _ interface {
	ReadAt(p []byte, off int64) (int, error)
} = &Snapshot{}

// Write stores data at addr, either into an existing region that fully covers
// the range or as a new region.
func (s *Snapshot) Write(addr libpf.Address, data []byte) {
	if r := s.find(addr); r != nil && addr+libpf.Address(len(data)) <= r.end() {
		copy(r.data[addr-r.addr:], data)
		return
	}
	s.regions = append(s.regions, region{addr: addr, data: append([]byte(nil), data...)})
	sort.Slice(s.regions, func(i, j int) bool {
		return s.regions[i].addr < s.regions[j].addr
	})
}

// WritePtr stores a little endian 64-bit value at addr.
func (s *Snapshot) WritePtr(addr, value libpf.Address) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(value))
	s.Write(addr, buf[:])
}

func (s *Snapshot) find(addr libpf.Address) *region {
	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].end() > addr
	})
	if i < len(s.regions) && s.regions[i].addr <= addr {
		return &s.regions[i]
	}
	return nil
}

// ReadAt implements io.ReaderAt over the stored regions.
func (s *Snapshot) ReadAt(p []byte, off int64) (int, error) {
	addr := libpf.Address(off)
	n := 0
	for n < len(p) {
		r := s.find(addr)
		if r == nil {
			return n, &ReadError{Addr: libpf.Address(off), Len: len(p), Err: errShortRead}
		}
		c := copy(p[n:], r.data[addr-r.addr:])
		n += c
		addr += libpf.Address(c)
	}
	return n, nil
}
