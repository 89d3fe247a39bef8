// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package nativeunwind // import "github.com/pysampler/pysampler/nativeunwind"

import (
	"errors"
	"fmt"

	"github.com/pysampler/pysampler/nopanicslicereader"
)

// errUnexpectedType is used internally to detect inconsistent FDE/CIE types
var errUnexpectedType = errors.New("unexpected FDE/CIE type")

// errEmptyEntry is used internally to report FDEs/CIEs of length 0.
var errEmptyEntry = errors.New("FDE/CIE empty")

// uleb128 is the data type for unsigned little endian base-128 encoded number
type uleb128 uint64

// sleb128 is the data type for signed little endian base-128 encoded number
type sleb128 int64

// DWARF Call Frame Instructions
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.2
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
type cfaOpcode uint8

const (
	cfaNop                  cfaOpcode = 0x00
	cfaSetLoc               cfaOpcode = 0x01
	cfaAdvanceLoc1          cfaOpcode = 0x02
	cfaAdvanceLoc2          cfaOpcode = 0x03
	cfaAdvanceLoc4          cfaOpcode = 0x04
	cfaOffsetExtended       cfaOpcode = 0x05
	cfaRestoreExtended      cfaOpcode = 0x06
	cfaUndefined            cfaOpcode = 0x07
	cfaSameValue            cfaOpcode = 0x08
	cfaRegister             cfaOpcode = 0x09
	cfaRememberState        cfaOpcode = 0x0a
	cfaRestoreState         cfaOpcode = 0x0b
	cfaDefCfa               cfaOpcode = 0x0c
	cfaDefCfaRegister       cfaOpcode = 0x0d
	cfaDefCfaOffset         cfaOpcode = 0x0e
	cfaDefCfaExpression     cfaOpcode = 0x0f
	cfaExpression           cfaOpcode = 0x10
	cfaOffsetExtendedSf     cfaOpcode = 0x11
	cfaDefCfaSf             cfaOpcode = 0x12
	cfaDefCfaOffsetSf       cfaOpcode = 0x13
	cfaValOffset            cfaOpcode = 0x14
	cfaValOffsetSf          cfaOpcode = 0x15
	cfaValExpression        cfaOpcode = 0x16
	cfaGNUWindowSave        cfaOpcode = 0x2d
	cfaGNUArgsSize          cfaOpcode = 0x2e
	cfaGNUNegOffsetExtended cfaOpcode = 0x2f
	cfaAdvanceLoc           cfaOpcode = 0x40
	cfaOffset               cfaOpcode = 0x80
	cfaRestore              cfaOpcode = 0xc0
	cfaHighOpcodeMask       cfaOpcode = 0xc0
	cfaHighOpcodeValueMask  cfaOpcode = 0x3f
)

// DWARF Exception Header Encoding
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
type encoding uint8

const (
	encFormatNative  encoding = 0x00
	encFormatLeb128  encoding = 0x01
	encFormatData2   encoding = 0x02
	encFormatData4   encoding = 0x03
	encFormatData8   encoding = 0x04
	encFormatMask    encoding = 0x07
	encSignedMask    encoding = 0x08
	encAdjustAbs     encoding = 0x00
	encAdjustPcRel   encoding = 0x10
	encAdjustDataRel encoding = 0x30
	encAdjustMask    encoding = 0x70
	encIndirect      encoding = 0x80
	encOmit          encoding = 0xff
)

// reader provides bounds checked access to a CFI section image. Reads past
// the end return zeroes and leave the reader invalid.
type reader struct {
	debugFrame bool

	data []byte
	pos  int
	end  int
	// vaddr is the ELF virtual address of data[0]
	vaddr uint64
}

func newReader(data []byte, vaddr uint64, debugFrame bool) reader {
	return reader{
		debugFrame: debugFrame,
		data:       data,
		end:        len(data),
		vaddr:      vaddr,
	}
}

// at returns a reader positioned at offs of the same section.
func (r *reader) at(offs int) reader {
	return reader{
		debugFrame: r.debugFrame,
		data:       r.data,
		pos:        offs,
		end:        len(r.data),
		vaddr:      r.vaddr,
	}
}

func (r *reader) hasData() bool {
	return r.pos < r.end
}

func (r *reader) isValid() bool {
	return r.data != nil && r.pos <= r.end
}

func (r *reader) skip(num int) {
	r.pos += num
}

func (r *reader) u8() uint8 {
	v := nopanicslicereader.Uint8(r.data[:r.end], uint(r.pos))
	r.pos++
	return v
}

func (r *reader) u16() uint16 {
	v := nopanicslicereader.Uint16(r.data[:r.end], uint(r.pos))
	r.pos += 2
	return v
}

func (r *reader) u32() uint32 {
	v := nopanicslicereader.Uint32(r.data[:r.end], uint(r.pos))
	r.pos += 4
	return v
}

func (r *reader) u64() uint64 {
	v := nopanicslicereader.Uint64(r.data[:r.end], uint(r.pos))
	r.pos += 8
	return v
}

// uleb reads one unsigned little endian base-128 encoded value
func (r *reader) uleb() uleb128 {
	b := uint8(0x80)
	val := uleb128(0)
	for shift := 0; b&0x80 != 0 && r.hasData(); shift += 7 {
		b = r.u8()
		if shift < 64 {
			val |= uleb128(b&0x7f) << shift
		}
	}
	return val
}

// sleb reads one signed little endian base-128 encoded value
func (r *reader) sleb() sleb128 {
	b := uint8(0x80)
	val := sleb128(0)
	shift := 0
	for ; b&0x80 != 0 && r.hasData(); shift += 7 {
		b = r.u8()
		if shift < 64 {
			val |= sleb128(b&0x7f) << shift
		}
	}
	if b&0x40 != 0 && shift < 64 {
		val |= sleb128(-1) << shift
	}
	return val
}

// str reads one zero-terminated string. Only used for the short CIE
// augmentation string.
func (r *reader) str() string {
	start := r.pos
	for r.pos < r.end && r.data[r.pos] != 0 {
		r.pos++
	}
	s := string(r.data[min(start, r.end):min(r.pos, r.end)])
	r.pos++
	return s
}

// bytes returns a sub-reader for the next num bytes and skips them.
func (r *reader) bytes(num uint64) reader {
	pos := r.pos
	if pos > r.end || num > uint64(r.end-pos) {
		r.pos = r.end + 1
		return reader{}
	}
	r.pos = pos + int(num)
	return reader{
		debugFrame: r.debugFrame,
		data:       r.data,
		pos:        pos,
		end:        r.pos,
		vaddr:      r.vaddr,
	}
}

// ptr reads one pointer value encoded with enc encoding
func (r *reader) ptr(enc encoding) (uint64, error) {
	if enc == encOmit {
		return 0, nil
	}
	pos := uint64(r.pos)
	var val uint64
	switch enc & (encFormatMask | encSignedMask) {
	case encFormatData2:
		val = uint64(r.u16())
	case encFormatData4:
		val = uint64(r.u32())
	case encFormatData8, encFormatNative, encFormatData8 | encSignedMask:
		val = r.u64()
	case encFormatLeb128:
		val = uint64(r.uleb())
	case encFormatLeb128 | encSignedMask:
		val = uint64(r.sleb())
	case encFormatData2 | encSignedMask:
		val = uint64(int64(int16(r.u16())))
	case encFormatData4 | encSignedMask:
		val = uint64(int64(int32(r.u32())))
	default:
		return 0, fmt.Errorf("unsupported format encoding %#02x", enc)
	}

	switch enc & encAdjustMask {
	case encAdjustAbs:
	case encAdjustPcRel:
		val += pos + r.vaddr
	case encAdjustDataRel:
		val += r.vaddr
	default:
		return 0, fmt.Errorf("unsupported adjust encoding %#02x", enc)
	}

	if enc&encIndirect != 0 {
		return 0, fmt.Errorf("unsupported indirect encoding %#02x", enc)
	}
	return val, nil
}

// cieInfo describes the contents of one Common Information Entry (CIE)
type cieInfo struct {
	dataAlign       sleb128
	codeAlign       uleb128
	regRA           uleb128
	enc             encoding
	hasAugmentation bool
	isSignalHandler bool

	// initialState is the virtual machine state after running CIE opcodes
	initialState vmRegs
}

// fdeInfo contains one Frame Description Entry (FDE)
type fdeInfo struct {
	ciePos  uint64
	ipLen   uint64
	ipStart uint64
}

// parseHDR parses the common part of CIE and FDE blocks
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.1
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
func (r *reader) parseHDR(expectCIE bool) (data reader, ciePos uint64, err error) {
	var idPos, cieMarker uint64
	dlen := uint64(r.u32())
	if dlen == 0 {
		return reader{}, 0, errEmptyEntry
	}
	switch {
	case dlen < 0xfffffff0:
		idPos = uint64(r.pos)
		ciePos = uint64(r.u32())
		cieMarker = 0xffffffff
		dlen -= 4
	case dlen == 0xffffffff:
		dlen = r.u64()
		idPos = uint64(r.pos)
		ciePos = r.u64()
		cieMarker = 0xffffffffffffffff
		dlen -= 2 * 8
	default:
		// Sync is lost, abort reading.
		r.pos = r.end
		return reader{}, 0, fmt.Errorf("unsupported initial length %#x", dlen)
	}

	data = r.bytes(dlen)
	if !data.isValid() {
		return reader{}, 0, fmt.Errorf("CIE/FDE %#x: extends beyond section end", idPos)
	}
	if !r.debugFrame {
		// The CIE marker is zero in .eh_frame
		cieMarker = 0
	}
	isCIE := ciePos == cieMarker
	if isCIE != expectCIE {
		return data, 0, errUnexpectedType
	}
	if !isCIE {
		if !r.debugFrame {
			// The .eh_frame CIE pointer is relative to its own position.
			ciePos = idPos - ciePos
		}
		if ciePos >= uint64(len(r.data)) {
			return data, 0, fmt.Errorf("FDE CIE pointer beyond end at %#x", ciePos)
		}
	}
	return data, ciePos, nil
}

// parseCIE reads one Common Information Entry header and returns the reader
// for its initial instructions.
func (r *reader) parseCIE(cie *cieInfo) (data reader, err error) {
	data, _, err = r.parseHDR(true)
	if err != nil {
		return reader{}, err
	}

	ver := data.u8()
	if ver != 1 && ver != 3 && ver != 4 {
		return reader{}, fmt.Errorf("CIE version %d not supported", ver)
	}

	*cie = cieInfo{
		enc: encFormatNative | encAdjustAbs,
	}

	augmentation := data.str()
	if ver == 4 {
		// Skip address_size and segment_selector_size
		data.skip(2)
	}

	cie.codeAlign = data.uleb()
	cie.dataAlign = data.sleb()
	if ver == 1 {
		cie.regRA = uleb128(data.u8())
	} else {
		cie.regRA = data.uleb()
	}

	if len(augmentation) > 0 {
		if augmentation[0] != 'z' {
			return reader{}, fmt.Errorf("too old augmentation string '%s'", augmentation)
		}
		data.uleb()
		cie.hasAugmentation = true

		for _, ch := range augmentation[1:] {
			switch ch {
			case 'L':
				data.u8()
			case 'R':
				cie.enc = encoding(data.u8())
			case 'P':
				// The personality routine is not used, only its size matters.
				enc := encoding(data.u8()) &^ encIndirect
				if _, err = data.ptr(enc); err != nil {
					return reader{}, err
				}
			case 'S':
				cie.isSignalHandler = true
			default:
				return reader{}, fmt.Errorf("unsupported augmentation string '%s'",
					augmentation)
			}
		}
	}

	if !data.isValid() {
		return reader{}, errors.New("CIE not valid after header")
	}
	return data, nil
}
