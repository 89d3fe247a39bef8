// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package python // import "github.com/pysampler/pysampler/interpreter/python"

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/pysampler/pysampler/interpreter/python/layout"
	"github.com/pysampler/pysampler/libpf"
	npsr "github.com/pysampler/pysampler/nopanicslicereader"
)

const (
	// maxReprDepth is how deep containers are rendered
	maxReprDepth = 3
	// maxReprElements is the number of container elements rendered
	maxReprElements = 16
	// maxReprLen caps the length of a rendered value in bytes
	maxReprLen = 256
	// maxLongDigits caps the number of 30-bit digits of an int
	maxLongDigits = 64
	// maxDictScan caps the number of dict entries inspected
	maxDictScan = 256
)

// locals returns the arguments and local variables of a frame in declaration
// order. The result is never nil so that callers can tell an empty frame from
// one whose locals were not requested.
func (w *Walker) locals(frame libpf.Address, code *codeObject) []libpf.LocalVariable {
	if code.varNames == nil && code.varNamesAddr != 0 {
		names, err := w.tupleStrings(code.varNamesAddr, maxVarNames)
		if err != nil {
			log.Debugf("code %s: failed to read variable names: %v", code.name, err)
			return []libpf.LocalVariable{}
		}
		code.varNames = names
	}
	n := min(int(code.nLocals), len(code.varNames))
	vars := make([]libpf.LocalVariable, 0, n)
	if n == 0 {
		return vars
	}
	values, err := w.rm.ReadBuf(frame+libpf.Address(w.layout.Frame.LocalsPlus), n*8)
	if err != nil {
		log.Debugf("frame 0x%x: failed to read locals: %v", frame, err)
		values = nil
	}
	nargs := code.numArguments()
	for i := 0; i < n; i++ {
		v := libpf.LocalVariable{
			Name:       code.varNames[i],
			IsArgument: i < nargs,
		}
		if obj := npsr.Ptr(values, uint(i*8)); obj != 0 {
			if repr, ok := w.Repr(obj); ok {
				v.Repr = &repr
			}
		}
		vars = append(vars, v)
	}
	return vars
}

// Repr renders the object at addr the way Python's repr would for the
// recognized builtin types. ok is false for other types and unreadable objects.
func (w *Walker) Repr(addr libpf.Address) (string, bool) {
	var sb strings.Builder
	if !w.repr(&sb, addr, 0, true) {
		return "", false
	}
	return truncateRepr(sb.String()), true
}

// truncateRepr cuts s to maxReprLen bytes at a rune boundary.
func truncateRepr(s string) string {
	if len(s) <= maxReprLen {
		return s
	}
	cut := maxReprLen - len("...")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// repr appends the rendering of the object at addr. Objects of unrecognized
// type are rendered as placeholders when nested in a container, top level
// ones make repr fail.
func (w *Walker) repr(sb *strings.Builder, addr libpf.Address, depth int, top bool) bool {
	if sb.Len() > maxReprLen {
		return true
	}
	typeAddr, err := w.typeOf(addr)
	if err != nil {
		return false
	}
	ti, err := w.typeInfo(typeAddr)
	if err != nil {
		return false
	}

	switch {
	case ti.name == "NoneType":
		sb.WriteString("None")
	case ti.name == "bool":
		v, err := w.long(addr)
		if err != nil {
			return false
		}
		if v.Sign() != 0 {
			sb.WriteString("True")
		} else {
			sb.WriteString("False")
		}
	case ti.name == "float":
		v, err := w.rm.Uint64Checked(addr + libpf.Address(w.layout.Float.Value))
		if err != nil {
			return false
		}
		sb.WriteString(formatFloat(math.Float64frombits(v)))
	case ti.flags&layout.TypeFlagLongSubclass != 0:
		v, err := w.long(addr)
		if err != nil {
			return false
		}
		sb.WriteString(v.String())
	case ti.flags&layout.TypeFlagUnicodeSubclass != 0:
		s, err := w.unicode(addr)
		if err != nil {
			return false
		}
		sb.WriteString(strconv.Quote(s))
	case ti.flags&layout.TypeFlagTupleSubclass != 0:
		return w.reprSequence(sb, addr, false, depth)
	case ti.flags&layout.TypeFlagListSubclass != 0:
		return w.reprSequence(sb, addr, true, depth)
	case ti.flags&layout.TypeFlagDictSubclass != 0:
		return w.reprDict(sb, addr, depth)
	default:
		if top {
			return false
		}
		fmt.Fprintf(sb, "<%s object at 0x%x>", ti.name, uint64(addr))
	}
	return true
}

func (w *Walker) reprSequence(sb *strings.Builder, addr libpf.Address, isList bool, depth int) bool {
	open, closing := "(", ")"
	if isList {
		open, closing = "[", "]"
	}
	if depth >= maxReprDepth {
		sb.WriteString(open + "..." + closing)
		return true
	}
	items, total, err := w.sequenceItems(addr, isList, maxReprElements)
	if err != nil {
		return false
	}
	sb.WriteString(open)
	for i, item := range items {
		if i > 0 {
			sb.WriteString(", ")
		}
		if !w.repr(sb, item, depth+1, false) {
			sb.WriteString("?")
		}
	}
	switch {
	case total > len(items):
		sb.WriteString(", ...")
	case !isList && total == 1:
		sb.WriteString(",")
	}
	sb.WriteString(closing)
	return true
}

// dictEntry is the key and value of a dict slot.
type dictEntry struct {
	key, value libpf.Address
}

func (w *Walker) reprDict(sb *strings.Builder, addr libpf.Address, depth int) bool {
	if depth >= maxReprDepth {
		sb.WriteString("{...}")
		return true
	}
	entries, more, err := w.dictEntries(addr, maxReprElements)
	if err != nil {
		return false
	}
	sb.WriteString("{")
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		if !w.repr(sb, e.key, depth+1, false) {
			sb.WriteString("?")
		}
		sb.WriteString(": ")
		if !w.repr(sb, e.value, depth+1, false) {
			sb.WriteString("?")
		}
	}
	if more {
		sb.WriteString(", ...")
	}
	sb.WriteString("}")
	return true
}

// dictEntries returns up to limit live entries of a dict in insertion order
// and whether more entries exist.
func (w *Walker) dictEntries(addr libpf.Address, limit int) ([]dictEntry, bool, error) {
	l := w.layout
	hdr, err := w.rm.ReadBuf(addr, int(l.Dict.Values)+8)
	if err != nil {
		return nil, false, err
	}
	used := npsr.Int64(hdr, l.Dict.Used)
	keys := npsr.Ptr(hdr, l.Dict.Keys)
	values := npsr.Ptr(hdr, l.Dict.Values)
	if used < 0 || used > maxContainerLen || keys == 0 {
		return nil, false, errInvalidObject
	}
	if used == 0 {
		return nil, false, nil
	}

	kh, err := w.rm.ReadBuf(keys, int(l.DictKeys.Indices))
	if err != nil {
		return nil, false, err
	}
	nentries := npsr.Int64(kh, l.DictKeys.NEntries)
	if nentries < 0 || nentries > maxContainerLen {
		return nil, false, errInvalidObject
	}

	var indexBytes uint64
	entrySize, keyOffs, valueOffs := uint64(24), uint64(8), uint64(16)
	if l.DictKeys.Log2 {
		log2IndexBytes := npsr.Uint8(kh, l.DictKeys.Log2IndexBytes)
		if log2IndexBytes > 40 {
			return nil, false, errInvalidObject
		}
		indexBytes = 1 << log2IndexBytes
		if npsr.Uint8(kh, l.DictKeys.Kind) != 0 {
			// PyDictUnicodeEntry has no hash
			entrySize, keyOffs, valueOffs = 16, 0, 8
		}
	} else {
		size := npsr.Uint64(kh, l.DictKeys.Size)
		if size > maxContainerLen {
			return nil, false, errInvalidObject
		}
		switch {
		case size <= 0xff:
			indexBytes = size
		case size <= 0xffff:
			indexBytes = size * 2
		case size <= 0xffffffff:
			indexBytes = size * 4
		default:
			indexBytes = size * 8
		}
	}

	scan := min(int(nentries), maxDictScan)
	entriesAddr := keys + libpf.Address(uint64(l.DictKeys.Indices)+indexBytes)
	raw, err := w.rm.ReadBuf(entriesAddr, scan*int(entrySize))
	if err != nil {
		return nil, false, err
	}
	var splitValues []byte
	if values != 0 {
		if splitValues, err = w.rm.ReadBuf(values, scan*8); err != nil {
			return nil, false, err
		}
	}

	out := make([]dictEntry, 0, min(limit, int(used)))
	for i := 0; i < scan; i++ {
		base := uint64(i) * entrySize
		e := dictEntry{key: npsr.Ptr(raw, uint(base+keyOffs))}
		if splitValues != nil {
			e.value = npsr.Ptr(splitValues, uint(i*8))
		} else {
			e.value = npsr.Ptr(raw, uint(base+valueOffs))
		}
		if e.key == 0 || e.value == 0 {
			// Deleted or unused slot
			continue
		}
		if len(out) == limit {
			return out, true, nil
		}
		out = append(out, e)
	}
	return out, int(used) > len(out), nil
}

// long decodes an int object of arbitrary size.
func (w *Walker) long(addr libpf.Address) (*big.Int, error) {
	l := w.layout
	hdr, err := w.rm.ReadBuf(addr, int(l.Long.Digits))
	if err != nil {
		return nil, err
	}
	var ndigits int64
	negative := false
	if l.Long.Tagged {
		// lv_tag holds the digit count above three flag bits, the low two
		// bits are the sign: 0 positive, 1 zero, 2 negative.
		tag := npsr.Uint64(hdr, l.Long.Size)
		ndigits = int64(tag >> 3)
		switch tag & 3 {
		case 1:
			ndigits = 0
		case 2:
			negative = true
		}
	} else {
		ndigits = npsr.Int64(hdr, l.Long.Size)
		if ndigits < 0 {
			negative = true
			ndigits = -ndigits
		}
	}
	if ndigits > maxLongDigits {
		return nil, errInvalidObject
	}
	v := new(big.Int)
	if ndigits == 0 {
		return v, nil
	}
	raw, err := w.rm.ReadBuf(addr+libpf.Address(l.Long.Digits), int(ndigits)*4)
	if err != nil {
		return nil, err
	}
	digit := new(big.Int)
	for i := int(ndigits) - 1; i >= 0; i-- {
		v.Lsh(v, 30)
		v.Or(v, digit.SetUint64(uint64(npsr.Uint32(raw, uint(i*4))&(1<<30-1))))
	}
	if negative {
		v.Neg(v)
	}
	return v, nil
}

// formatFloat renders f like Python's float repr: the shortest round-trip
// digits, in positional notation unless the exponent is below -4 or at
// least 16, and always with a fractional part in positional notation.
func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, expStr, _ := strings.Cut(s, "e")
	exp, _ := strconv.Atoi(expStr)
	if exp < -4 || exp >= 16 {
		sign := "+"
		if exp < 0 {
			sign = "-"
			exp = -exp
		}
		return fmt.Sprintf("%se%s%02d", mantissa, sign, exp)
	}
	s = strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}
