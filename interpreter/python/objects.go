// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package python // import "github.com/pysampler/pysampler/interpreter/python"

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pysampler/pysampler/interpreter/python/layout"
	"github.com/pysampler/pysampler/libpf"
	npsr "github.com/pysampler/pysampler/nopanicslicereader"
	"github.com/pysampler/pysampler/remotememory"
)

const (
	// maxStringLen caps the number of code points read from a str object
	maxStringLen = 1024
	// maxContainerLen is the sanity limit for sizes of tuples and lists
	maxContainerLen = 1 << 24
)

var errInvalidObject = errors.New("invalid object")

// typeInfo is the part of a PyTypeObject needed to classify objects.
type typeInfo struct {
	name  string
	flags uint64
}

// objectReader decodes builtin objects of the target.
type objectReader struct {
	rm     remotememory.RemoteMemory
	layout *layout.Layout
}

// readType returns the name and flags of the type object at addr.
func (o *objectReader) readType(addr libpf.Address) (typeInfo, error) {
	l := o.layout
	buf := make([]byte, l.Object.TypeFlags+8)
	if err := o.rm.Read(addr, buf); err != nil {
		return typeInfo{}, err
	}
	namePtr := npsr.Ptr(buf, l.Object.TypeName)
	name := o.rm.String(namePtr)
	if name == "" {
		return typeInfo{}, fmt.Errorf("type 0x%x: %w", addr, errInvalidObject)
	}
	return typeInfo{name: name, flags: npsr.Uint64(buf, l.Object.TypeFlags)}, nil
}

// typeOf returns the address of the type object of obj.
func (o *objectReader) typeOf(obj libpf.Address) (libpf.Address, error) {
	return o.rm.PtrChecked(obj + libpf.Address(o.layout.Object.Type))
}

// unicode decodes a str object. Strings longer than maxStringLen are cut.
func (o *objectReader) unicode(addr libpf.Address) (string, error) {
	l := o.layout
	hdr := make([]byte, l.Unicode.State+4)
	if err := o.rm.Read(addr, hdr); err != nil {
		return "", err
	}
	length := npsr.Int64(hdr, l.Unicode.Length)
	state := npsr.Uint32(hdr, l.Unicode.State)
	kind := (state >> 2) & 7
	compact := (state>>5)&1 == 1
	ascii := (state>>6)&1 == 1
	if length < 0 || (kind != 1 && kind != 2 && kind != 4) {
		return "", fmt.Errorf("str 0x%x: %w", addr, errInvalidObject)
	}
	length = min(length, maxStringLen)

	var data libpf.Address
	switch {
	case compact && ascii:
		data = addr + libpf.Address(l.Unicode.ASCIIData)
	case compact:
		data = addr + libpf.Address(l.Unicode.CompactData)
	default:
		// Legacy string with a separate buffer
		var err error
		if data, err = o.rm.PtrChecked(addr + libpf.Address(l.Unicode.CompactData)); err != nil {
			return "", err
		}
	}
	if length == 0 {
		return "", nil
	}
	raw := make([]byte, length*int64(kind))
	if err := o.rm.Read(data, raw); err != nil {
		return "", err
	}
	return decodeUnicode(raw, kind)
}

// decodeUnicode converts the PEP 393 representation of the given kind to UTF-8.
func decodeUnicode(raw []byte, kind uint32) (string, error) {
	if kind == 1 {
		isASCII := true
		for _, b := range raw {
			if b >= utf8.RuneSelf {
				isASCII = false
				break
			}
		}
		if isASCII {
			return string(raw), nil
		}
	}
	var sb strings.Builder
	sb.Grow(len(raw))
	for i := 0; i < len(raw); i += int(kind) {
		var r rune
		switch kind {
		case 1:
			r = rune(raw[i])
		case 2:
			r = rune(npsr.Uint16(raw, uint(i)))
		case 4:
			r = rune(npsr.Uint32(raw, uint(i)))
		}
		if !utf8.ValidRune(r) {
			return "", errInvalidObject
		}
		sb.WriteRune(r)
	}
	return sb.String(), nil
}

// stringOrUnknown decodes a str object for display, invalid strings read as "?".
func (o *objectReader) stringOrUnknown(addr libpf.Address) string {
	if addr == 0 {
		return "?"
	}
	s, err := o.unicode(addr)
	if err != nil {
		return "?"
	}
	return s
}

// bytesObject returns the content of a bytes object, at most maxLen bytes.
func (o *objectReader) bytesObject(addr libpf.Address, maxLen int) ([]byte, error) {
	size, err := o.rm.Uint64Checked(addr + libpf.Address(o.layout.Bytes.Size))
	if err != nil {
		return nil, err
	}
	if int64(size) < 0 || size > maxContainerLen {
		return nil, fmt.Errorf("bytes 0x%x: %w", addr, errInvalidObject)
	}
	return o.rm.ReadBuf(addr+libpf.Address(o.layout.Bytes.Data), min(int(size), maxLen))
}

// sequenceItems returns the item pointers of a tuple or list, at most limit
// of them, and the total number of items.
func (o *objectReader) sequenceItems(addr libpf.Address, isList bool, limit int) (
	[]libpf.Address, int, error) {
	sizeOffs, itemsOffs := o.layout.Tuple.Size, o.layout.Tuple.Items
	if isList {
		sizeOffs, itemsOffs = o.layout.List.Size, o.layout.List.Items
	}
	size, err := o.rm.Uint64Checked(addr + libpf.Address(sizeOffs))
	if err != nil {
		return nil, 0, err
	}
	if int64(size) < 0 || size > maxContainerLen {
		return nil, 0, fmt.Errorf("sequence 0x%x: %w", addr, errInvalidObject)
	}
	items := addr + libpf.Address(itemsOffs)
	if isList {
		if items, err = o.rm.PtrChecked(items); err != nil {
			return nil, 0, err
		}
	}
	n := min(int(size), limit)
	if n == 0 {
		return nil, int(size), nil
	}
	buf, err := o.rm.ReadBuf(items, n*8)
	if err != nil {
		return nil, 0, err
	}
	ptrs := make([]libpf.Address, n)
	for i := range ptrs {
		ptrs[i] = npsr.Ptr(buf, uint(i*8))
	}
	return ptrs, int(size), nil
}

// tupleStrings decodes a tuple of str objects such as co_varnames.
func (o *objectReader) tupleStrings(addr libpf.Address, limit int) ([]string, error) {
	items, _, err := o.sequenceItems(addr, false, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = o.stringOrUnknown(item)
	}
	return out, nil
}
