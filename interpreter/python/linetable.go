// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package python // import "github.com/pysampler/pysampler/interpreter/python"

import (
	"bytes"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/pysampler/pysampler/interpreter/python/layout"
)

// lineNumber maps an instruction position to a source line. For the lnotab
// and 3.10 formats addrq is a byte offset into co_code, for the location
// table it is an index in code units. A negative addrq means the frame has
// not executed any instruction yet.
func lineNumber(kind layout.LineTableKind, table []byte, firstLine uint32, addrq int64) uint32 {
	if addrq < 0 {
		return firstLine
	}
	switch kind {
	case layout.LineTableLnotab:
		return lineFromLnotab(table, firstLine, uint64(addrq))
	case layout.LineTableLinetable:
		return lineFromLinetable(table, firstLine, uint64(addrq))
	case layout.LineTableLocations:
		return lineFromLocationTable(table, firstLine, uint64(addrq))
	}
	return 0
}

// lineFromLnotab walks the co_lnotab byte pairs of bytecode offset increment
// and signed line increment.
// https://github.com/python/cpython/blob/v3.9.0/Objects/lnotab_notes.txt
func lineFromLnotab(lnotab []byte, firstLine uint32, addrq uint64) uint32 {
	line := int64(firstLine)
	addr := uint64(0)
	for i := 0; i+1 < len(lnotab); i += 2 {
		addr += uint64(lnotab[i])
		if addr > addrq {
			break
		}
		line += int64(int8(lnotab[i+1]))
	}
	return clampLine(line)
}

// lineFromLinetable walks the 3.10 co_linetable: byte pairs of range length
// and signed line delta, where a delta of -128 marks a range without line.
func lineFromLinetable(table []byte, firstLine uint32, addrq uint64) uint32 {
	computed := int64(firstLine)
	end := uint64(0)
	for i := 0; i+1 < len(table); i += 2 {
		start := end
		end += uint64(table[i])
		line := int64(-1)
		if delta := int8(table[i+1]); delta != -128 {
			computed += int64(delta)
			line = computed
		}
		if start == end {
			continue
		}
		if addrq >= start && addrq < end {
			return clampLine(line)
		}
	}
	return 0
}

// readVarint returns a variable length encoded unsigned integer from a location table entry.
func readVarint(r io.ByteReader) uint32 {
	val := uint32(0)
	b := byte(0x40)
	for shift := 0; b&0x40 != 0; shift += 6 {
		var err error
		b, err = r.ReadByte()
		if err != nil || b&0x80 != 0 {
			return 0
		}
		val |= uint32(b&0x3f) << shift
	}
	return val
}

// readSignedVarint returns a variable length encoded signed integer from a location table entry.
func readSignedVarint(r io.ByteReader) int32 {
	uval := readVarint(r)
	if uval&1 != 0 {
		return -int32(uval >> 1)
	}
	return int32(uval >> 1)
}

// lineFromLocationTable walks the location table introduced with 3.11.
// https://github.com/python/cpython/blob/v3.11.0/Objects/locations.md
func lineFromLocationTable(table []byte, firstLine uint32, bci uint64) uint32 {
	r := bytes.NewReader(table)
	computed := int64(firstLine)
	end := uint64(0)
	for {
		firstByte, err := r.ReadByte()
		if err != nil || firstByte&0x80 == 0 {
			if err != io.EOF {
				log.Debugf("location table: sync lost (%x): %v", firstByte, err)
			}
			return 0
		}
		code := (firstByte >> 3) & 15
		start := end
		end += uint64(firstByte&7) + 1

		// The 16 kinds of _PyCodeLocationInfoKind, see Include/cpython/code.h
		line := int64(-1)
		switch code {
		case 15:
			// PY_CODE_LOCATION_INFO_NONE
		case 14:
			// PY_CODE_LOCATION_INFO_LONG
			computed += int64(readSignedVarint(r))
			line = computed
			_ = readVarint(r)
			_ = readVarint(r)
			_ = readVarint(r)
		case 13:
			// PY_CODE_LOCATION_INFO_NO_COLUMNS
			computed += int64(readSignedVarint(r))
			line = computed
		case 10, 11, 12:
			// PY_CODE_LOCATION_INFO_ONE_LINE0..2 followed by two column bytes
			computed += int64(code - 10)
			line = computed
			_, _ = r.ReadByte()
			_, _ = r.ReadByte()
		default:
			// PY_CODE_LOCATION_INFO_SHORT0..9 followed by one column byte
			line = computed
			_, _ = r.ReadByte()
		}
		if bci >= start && bci < end {
			return clampLine(line)
		}
	}
}

func clampLine(line int64) uint32 {
	if line < 0 || line > 1<<31-1 {
		return 0
	}
	return uint32(line)
}
