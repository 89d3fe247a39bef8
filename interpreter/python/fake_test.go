// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package python

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pysampler/pysampler/interpreter/python/layout"
	"github.com/pysampler/pysampler/libpf"
	"github.com/pysampler/pysampler/remotememory"
)

// fakeTarget lays out CPython objects in a memory snapshot.
type fakeTarget struct {
	t     *testing.T
	l     *layout.Layout
	snap  *remotememory.Snapshot
	next  libpf.Address
	types map[string]libpf.Address
}

func newFakeTarget(t *testing.T, minor int) *fakeTarget {
	t.Helper()
	l, err := layout.Lookup(layout.Version{Major: 3, Minor: minor, Patch: 4}, "")
	require.NoError(t, err)
	return &fakeTarget{
		t:     t,
		l:     l,
		snap:  &remotememory.Snapshot{},
		next:  0x100000,
		types: make(map[string]libpf.Address),
	}
}

func (f *fakeTarget) rm() remotememory.RemoteMemory {
	return remotememory.RemoteMemory{ReaderAt: f.snap}
}

func (f *fakeTarget) walker() *Walker {
	w, err := NewWalker(f.rm(), f.l, 64, 128)
	require.NoError(f.t, err)
	return w
}

// alloc reserves zeroed memory with a gap after it.
func (f *fakeTarget) alloc(size uint) libpf.Address {
	addr := f.next
	f.snap.Write(addr, make([]byte, size))
	f.next += libpf.Address((size+15)&^15) + 0x100
	return addr
}

func (f *fakeTarget) putU64(addr libpf.Address, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	f.snap.Write(addr, buf[:])
}

func (f *fakeTarget) putU32(addr libpf.Address, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	f.snap.Write(addr, buf[:])
}

func (f *fakeTarget) putU8(addr libpf.Address, v uint8) {
	f.snap.Write(addr, []byte{v})
}

// typeObject returns a type object with the given tp_name and tp_flags.
func (f *fakeTarget) typeObject(name string, flags uint64) libpf.Address {
	if addr, ok := f.types[name]; ok {
		return addr
	}
	cname := f.alloc(uint(len(name) + 1))
	f.snap.Write(cname, []byte(name))
	addr := f.alloc(f.l.Object.TypeFlags + 8)
	f.snap.WritePtr(addr+libpf.Address(f.l.Object.TypeName), cname)
	f.putU64(addr+libpf.Address(f.l.Object.TypeFlags), flags)
	f.types[name] = addr
	return addr
}

func (f *fakeTarget) object(typeName string, flags uint64, size uint) libpf.Address {
	addr := f.alloc(size)
	f.snap.WritePtr(addr+libpf.Address(f.l.Object.Type), f.typeObject(typeName, flags))
	return addr
}

func (f *fakeTarget) str(s string) libpf.Address {
	runes := []rune(s)
	kind := uint32(1)
	ascii := true
	for _, r := range runes {
		switch {
		case r > 0xffff:
			kind = 4
		case r > 0xff && kind < 2:
			kind = 2
		}
		if r >= 0x80 {
			ascii = false
		}
	}
	dataOffs := f.l.Unicode.CompactData
	if ascii {
		dataOffs = f.l.Unicode.ASCIIData
	}
	addr := f.object("str", layout.TypeFlagUnicodeSubclass,
		dataOffs+uint(len(runes)+1)*uint(kind))
	f.putU64(addr+libpf.Address(f.l.Unicode.Length), uint64(len(runes)))
	state := kind<<2 | 1<<5
	if ascii {
		state |= 1 << 6
	}
	f.putU32(addr+libpf.Address(f.l.Unicode.State), state)
	data := addr + libpf.Address(dataOffs)
	for i, r := range runes {
		switch kind {
		case 1:
			f.putU8(data+libpf.Address(i), uint8(r))
		case 2:
			var buf [2]byte
			binary.LittleEndian.PutUint16(buf[:], uint16(r))
			f.snap.Write(data+libpf.Address(i*2), buf[:])
		case 4:
			f.putU32(data+libpf.Address(i*4), uint32(r))
		}
	}
	return addr
}

func (f *fakeTarget) bytesObject(b []byte) libpf.Address {
	addr := f.object("bytes", layout.TypeFlagBytesSubclass, f.l.Bytes.Data+uint(len(b))+1)
	f.putU64(addr+libpf.Address(f.l.Bytes.Size), uint64(len(b)))
	f.snap.Write(addr+libpf.Address(f.l.Bytes.Data), b)
	return addr
}

func (f *fakeTarget) tuple(items ...libpf.Address) libpf.Address {
	addr := f.object("tuple", layout.TypeFlagTupleSubclass, f.l.Tuple.Items+uint(len(items))*8)
	f.putU64(addr+libpf.Address(f.l.Tuple.Size), uint64(len(items)))
	for i, item := range items {
		f.snap.WritePtr(addr+libpf.Address(f.l.Tuple.Items)+libpf.Address(i*8), item)
	}
	return addr
}

func (f *fakeTarget) list(items ...libpf.Address) libpf.Address {
	addr := f.object("list", layout.TypeFlagListSubclass, f.l.List.Items+8)
	f.putU64(addr+libpf.Address(f.l.List.Size), uint64(len(items)))
	if len(items) > 0 {
		arr := f.alloc(uint(len(items)) * 8)
		for i, item := range items {
			f.snap.WritePtr(arr+libpf.Address(i*8), item)
		}
		f.snap.WritePtr(addr+libpf.Address(f.l.List.Items), arr)
	}
	return addr
}

func (f *fakeTarget) long(v int64) libpf.Address {
	return f.longOfType("int", v)
}

func (f *fakeTarget) boolean(v bool) libpf.Address {
	if v {
		return f.longOfType("bool", 1)
	}
	return f.longOfType("bool", 0)
}

func (f *fakeTarget) longOfType(typeName string, v int64) libpf.Address {
	negative := v < 0
	mag := uint64(v)
	if negative {
		mag = uint64(-v)
	}
	var digits []uint32
	for ; mag != 0; mag >>= 30 {
		digits = append(digits, uint32(mag&(1<<30-1)))
	}
	addr := f.object(typeName, layout.TypeFlagLongSubclass, f.l.Long.Digits+uint(len(digits)+1)*4)
	sizeAddr := addr + libpf.Address(f.l.Long.Size)
	switch {
	case f.l.Long.Tagged:
		tag := uint64(len(digits)) << 3
		switch {
		case len(digits) == 0:
			tag |= 1
		case negative:
			tag |= 2
		}
		f.putU64(sizeAddr, tag)
	case negative:
		f.putU64(sizeAddr, uint64(-int64(len(digits))))
	default:
		f.putU64(sizeAddr, uint64(len(digits)))
	}
	for i, d := range digits {
		f.putU32(addr+libpf.Address(f.l.Long.Digits)+libpf.Address(i*4), d)
	}
	return addr
}

func (f *fakeTarget) float(v float64) libpf.Address {
	addr := f.object("float", 0, f.l.Float.Value+8)
	f.putU64(addr+libpf.Address(f.l.Float.Value), math.Float64bits(v))
	return addr
}

func (f *fakeTarget) none() libpf.Address {
	return f.object("NoneType", 0, 16)
}

// dict builds a combined table dict with string or generic keys.
func (f *fakeTarget) dict(keys, values []libpf.Address) libpf.Address {
	l := f.l
	const size = 8
	var indexBytes uint
	entrySize := uint(24)
	keysObj := f.alloc(l.DictKeys.Indices + size*8 + uint(len(keys))*24)
	if l.DictKeys.Log2 {
		f.putU8(keysObj+libpf.Address(l.DictKeys.Log2Size), 3)
		f.putU8(keysObj+libpf.Address(l.DictKeys.Log2IndexBytes), 3)
		indexBytes = 8
	} else {
		f.putU64(keysObj+libpf.Address(l.DictKeys.Size), size)
		indexBytes = size
	}
	f.putU64(keysObj+libpf.Address(l.DictKeys.NEntries), uint64(len(keys)))
	entries := keysObj + libpf.Address(l.DictKeys.Indices+indexBytes)
	for i := range keys {
		e := entries + libpf.Address(uint(i)*entrySize)
		f.snap.WritePtr(e+8, keys[i])
		f.snap.WritePtr(e+16, values[i])
	}
	addr := f.object("dict", layout.TypeFlagDictSubclass, l.Dict.Values+8)
	f.putU64(addr+libpf.Address(l.Dict.Used), uint64(len(keys)))
	f.snap.WritePtr(addr+libpf.Address(l.Dict.Keys), keysObj)
	return addr
}

type fakeCode struct {
	name      string
	filename  string
	firstLine uint32
	lineTable []byte
	varNames  []string
	argCount  uint32
	flags     uint32
}

func (f *fakeTarget) code(c fakeCode) libpf.Address {
	l := f.l
	addr := f.object("code", 0, l.Code.CodeAdaptive+max(l.Code.LineTable, l.Code.QualName)+64)
	f.putU32(addr+libpf.Address(l.Code.ArgCount), c.argCount)
	f.putU32(addr+libpf.Address(l.Code.NLocals), uint32(len(c.varNames)))
	f.putU32(addr+libpf.Address(l.Code.Flags), c.flags)
	f.putU32(addr+libpf.Address(l.Code.FirstLineno), c.firstLine)
	name := f.str(c.name)
	f.snap.WritePtr(addr+libpf.Address(l.Code.Name), name)
	if l.Code.QualName != 0 {
		f.snap.WritePtr(addr+libpf.Address(l.Code.QualName), name)
	}
	f.snap.WritePtr(addr+libpf.Address(l.Code.Filename), f.str(c.filename))
	f.snap.WritePtr(addr+libpf.Address(l.Code.LineTable), f.bytesObject(c.lineTable))
	names := make([]libpf.Address, len(c.varNames))
	for i, n := range c.varNames {
		names[i] = f.str(n)
	}
	f.snap.WritePtr(addr+libpf.Address(l.Code.VarNames), f.tuple(names...))
	return addr
}

type fakeFrame struct {
	code libpf.Address
	back libpf.Address
	// instr is the byte offset of the last executed instruction
	instr  uint64
	entry  bool
	shim   bool
	locals []libpf.Address
}

func (f *fakeTarget) frame(fr fakeFrame) libpf.Address {
	l := f.l
	addr := f.alloc(l.Frame.LocalsPlus + uint(len(fr.locals)+1)*8)
	f.snap.WritePtr(addr+libpf.Address(l.Frame.Back), fr.back)
	f.snap.WritePtr(addr+libpf.Address(l.Frame.Code), fr.code)
	if l.InterpreterFrames {
		f.snap.WritePtr(addr+libpf.Address(l.Frame.LastI),
			fr.code+libpf.Address(l.Code.CodeAdaptive)+libpf.Address(fr.instr))
	} else {
		f.putU32(addr+libpf.Address(l.Frame.LastI), uint32(fr.instr/uint64(l.LastIUnit)))
	}
	if fr.entry && l.Frame.IsEntry != 0 {
		f.putU8(addr+libpf.Address(l.Frame.IsEntry), 1)
	}
	if fr.shim {
		f.putU8(addr+libpf.Address(l.Frame.Owner), layout.FrameOwnedByCStack)
	}
	for i, v := range fr.locals {
		f.snap.WritePtr(addr+libpf.Address(l.Frame.LocalsPlus)+libpf.Address(i*8), v)
	}
	return addr
}

// interpreter creates an interpreter state with one thread state per
// innermost frame address, a zero frame is an idle thread.
func (f *fakeTarget) interpreter(frames ...libpf.Address) (libpf.Address, []libpf.Address) {
	l := f.l
	interp := f.alloc(l.Interp.ThreadsHead + 64)
	tstates := make([]libpf.Address, len(frames))
	for i := len(frames) - 1; i >= 0; i-- {
		ts := f.alloc(max(l.Thread.ThreadID, l.Thread.NativeThreadID) + 16)
		f.snap.WritePtr(ts+libpf.Address(l.Thread.Interp), interp)
		f.putU64(ts+libpf.Address(l.Thread.ThreadID), uint64(0x7f0000+i))
		if l.Thread.NativeThreadID != 0 {
			f.putU64(ts+libpf.Address(l.Thread.NativeThreadID), uint64(1000+i))
		}
		if i+1 < len(frames) {
			f.snap.WritePtr(ts+libpf.Address(l.Thread.Next), tstates[i+1])
		}
		frame := frames[i]
		if l.InterpreterFrames && frame != 0 {
			cframe := f.alloc(l.Thread.CurrentFrame + 8)
			f.snap.WritePtr(cframe+libpf.Address(l.Thread.CurrentFrame), frame)
			frame = cframe
		}
		f.snap.WritePtr(ts+libpf.Address(l.Thread.Frame), frame)
		tstates[i] = ts
	}
	if len(tstates) > 0 {
		f.snap.WritePtr(interp+libpf.Address(l.Interp.ThreadsHead), tstates[0])
	}
	return interp, tstates
}

// lineTableFor returns a line table mapping every instruction to firstLine+delta.
func (f *fakeTarget) lineTableFor(delta int) []byte {
	switch f.l.LineTable {
	case layout.LineTableLnotab:
		return []byte{0, byte(int8(delta))}
	case layout.LineTableLinetable:
		return []byte{254, byte(int8(delta))}
	default:
		// no column entry of 8 units with a signed varint line delta
		sv := uint8(delta) << 1
		if delta < 0 {
			sv = uint8(-delta)<<1 | 1
		}
		return []byte{0x80 | 13<<3 | 7, sv}
	}
}
