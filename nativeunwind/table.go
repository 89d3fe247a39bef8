// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package nativeunwind // import "github.com/pysampler/pysampler/nativeunwind"

import (
	"debug/elf"
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/pysampler/pysampler/libpf/pfelf"
)

// maxSectionSize is the largest CFI section loaded
const maxSectionSize = 64 * 1024 * 1024

// errNoFDE is returned when no FDE covers an address.
var errNoFDE = errors.New("no FDE for address")

// fdeEntry locates one FDE of a table.
type fdeEntry struct {
	start uint64
	// end is zero when only the start is known from the search table
	end     uint64
	section int
	pos     int
}

// cieKey identifies a CIE by section and offset.
type cieKey struct {
	section int
	pos     uint64
}

// Table is the call frame information of one ELF file, indexed by address.
// The FDE index is immutable once built and parsed CIEs are cached under a
// lock, so a table may be shared between unwinders.
type Table struct {
	arch     elf.Machine
	sections []reader
	fdes     []fdeEntry

	mu   sync.Mutex
	cies map[cieKey]*cieInfo
}

func newTable(arch elf.Machine) (*Table, error) {
	if _, ok := dwarfRegs[arch]; !ok {
		return nil, fmt.Errorf("architecture %v is not supported", arch)
	}
	return &Table{
		arch: arch,
		cies: make(map[cieKey]*cieInfo),
	}, nil
}

// Len returns the number of indexed FDEs.
func (t *Table) Len() int {
	return len(t.fdes)
}

// LoadTable parses the .eh_frame and .debug_frame data of ef. The .eh_frame
// is found through its section header, or through PT_GNU_EH_FRAME when the
// section headers are stripped.
func LoadTable(ef *pfelf.File) (*Table, error) {
	t, err := newTable(ef.Machine)
	if err != nil {
		return nil, err
	}

	hdr, hdrVaddr := sectionData(ef, ".eh_frame_hdr")
	frames, framesVaddr := sectionData(ef, ".eh_frame")
	if frames == nil {
		hdr, hdrVaddr, frames, framesVaddr, err = ehFrameFromProg(ef)
		if err != nil {
			log.Debugf("No .eh_frame: %v", err)
		}
	}
	if frames != nil {
		if err = t.addEHFrame(hdr, hdrVaddr, frames, framesVaddr); err != nil {
			return nil, err
		}
	}

	if debugFrame, vaddr := sectionData(ef, ".debug_frame"); debugFrame != nil {
		if err = t.addSection(newReader(debugFrame, vaddr, true)); err != nil {
			return nil, err
		}
	}

	if len(t.fdes) == 0 {
		return nil, errors.New("no call frame information")
	}
	t.sort()
	return t, nil
}

func sectionData(ef *pfelf.File, name string) ([]byte, uint64) {
	sec := ef.Section(name)
	if sec == nil || sec.Type == elf.SHT_NOBITS {
		return nil, 0
	}
	data, err := sec.Data(maxSectionSize)
	if err != nil {
		log.Debugf("Failed to read %s: %v", name, err)
		return nil, 0
	}
	return data, sec.Addr
}

// ehFrameFromProg locates .eh_frame_hdr and .eh_frame from the program headers.
func ehFrameFromProg(ef *pfelf.File) (hdr []byte, hdrVaddr uint64,
	frames []byte, framesVaddr uint64, err error) {
	prog, err := ef.EHFrame()
	if err != nil {
		return nil, 0, nil, 0, err
	}
	data, err := prog.Data(maxSectionSize)
	if err != nil {
		return nil, 0, nil, 0, err
	}
	r := newReader(data, prog.Vaddr, false)
	if r.u8() != 1 {
		return nil, 0, nil, 0, errors.New("unsupported .eh_frame_hdr version")
	}
	ptrEnc := encoding(r.u8())
	r.skip(2)
	framesVaddr, err = r.ptr(ptrEnc)
	if err != nil {
		return nil, 0, nil, 0, err
	}
	if framesVaddr < prog.Vaddr || framesVaddr-prog.Vaddr >= uint64(len(data)) {
		return nil, 0, nil, 0, fmt.Errorf(".eh_frame at %#x outside of segment", framesVaddr)
	}
	return data, prog.Vaddr, data[framesVaddr-prog.Vaddr:], framesVaddr, nil
}

// addEHFrame indexes .eh_frame, using the binary search table of
// .eh_frame_hdr when it has a supported format.
func (t *Table) addEHFrame(hdr []byte, hdrVaddr uint64, frames []byte, framesVaddr uint64) error {
	ndx := len(t.sections)
	sec := newReader(frames, framesVaddr, false)
	if hdr != nil && t.addSearchTable(ndx, newReader(hdr, hdrVaddr, false), framesVaddr) {
		t.sections = append(t.sections, sec)
		return nil
	}
	return t.addSection(sec)
}

// addSearchTable reads the sorted FDE table of .eh_frame_hdr.
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
func (t *Table) addSearchTable(ndx int, r reader, framesVaddr uint64) bool {
	if r.u8() != 1 {
		return false
	}
	ptrEnc := encoding(r.u8())
	countEnc := encoding(r.u8())
	tableEnc := encoding(r.u8())
	if tableEnc != encAdjustDataRel|encSignedMask|encFormatData4 {
		return false
	}
	if _, err := r.ptr(ptrEnc); err != nil {
		return false
	}
	count, err := r.ptr(countEnc)
	if err != nil || count == 0 || count > uint64(r.end-r.pos)/8 {
		return false
	}

	fdes := make([]fdeEntry, 0, count)
	for n := uint64(0); n < count; n++ {
		start, _ := r.ptr(tableEnc)
		addr, _ := r.ptr(tableEnc)
		if addr < framesVaddr {
			return false
		}
		fdes = append(fdes, fdeEntry{
			start:   start,
			section: ndx,
			pos:     int(addr - framesVaddr),
		})
	}
	if !r.isValid() {
		return false
	}
	t.fdes = append(t.fdes, fdes...)
	return true
}

// addSection walks all entries of a CFI section and indexes its FDEs.
func (t *Table) addSection(sec reader) error {
	ndx := len(t.sections)
	t.sections = append(t.sections, sec)

	r := sec
	skipped := 0
	for r.hasData() {
		pos := r.pos
		_, fde, _, err := t.parseFDEHeader(ndx, &r)
		switch {
		case err == nil:
			if fde.ipLen == 0 {
				continue
			}
			t.fdes = append(t.fdes, fdeEntry{
				start:   fde.ipStart,
				end:     fde.ipStart + fde.ipLen,
				section: ndx,
				pos:     pos,
			})
		case errors.Is(err, errUnexpectedType):
		case errors.Is(err, errEmptyEntry):
			if !sec.debugFrame {
				// Zero terminator of .eh_frame
				return nil
			}
		default:
			skipped++
			log.Debugf("Skipping FDE at %#x: %v", pos, err)
		}
	}
	if skipped > 0 && len(t.fdes) == 0 {
		return fmt.Errorf("all %d FDEs failed to parse", skipped)
	}
	return nil
}

func (t *Table) sort() {
	sort.SliceStable(t.fdes, func(i, j int) bool {
		return t.fdes[i].start < t.fdes[j].start
	})
}

// cie returns the parsed CIE at ciePos of the given section.
func (t *Table) cie(ndx int, ciePos uint64) (*cieInfo, error) {
	key := cieKey{section: ndx, pos: ciePos}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cie, ok := t.cies[key]; ok {
		return cie, nil
	}

	cie := &cieInfo{}
	cr := t.sections[ndx].at(int(ciePos))
	body, err := cr.parseCIE(cie)
	if err != nil {
		return nil, fmt.Errorf("CIE %#x failed: %w", ciePos, err)
	}

	// restore opcodes in the CIE refer to the architecture defaults
	cie.initialState = newVMRegs(t.arch)
	st := state{
		cie: cie,
		cur: newVMRegs(t.arch),
	}
	for {
		more, err := st.step(&body)
		if err != nil {
			return nil, fmt.Errorf("CIE %#x failed: %w", ciePos, err)
		}
		if !more {
			break
		}
	}
	cie.initialState = st.cur
	t.cies[key] = cie
	return cie, nil
}

// parseFDEHeader reads the FDE at r and returns the reader of its instructions.
// CIEs are skipped with errUnexpectedType.
func (t *Table) parseFDEHeader(ndx int, r *reader) (body reader, fde fdeInfo,
	cie *cieInfo, err error) {
	body, fde.ciePos, err = r.parseHDR(false)
	if err != nil {
		return body, fde, nil, err
	}
	cie, err = t.cie(ndx, fde.ciePos)
	if err != nil {
		return body, fde, nil, err
	}

	fde.ipStart, err = body.ptr(cie.enc)
	if err != nil {
		return body, fde, nil, err
	}
	// The range is never relative, only its size matters.
	fde.ipLen, err = body.ptr(cie.enc & (encFormatMask | encSignedMask))
	if err != nil {
		return body, fde, nil, err
	}
	if cie.hasAugmentation {
		body.skip(int(body.uleb()))
	}
	if !body.isValid() {
		return body, fde, nil, errors.New("FDE not valid after header")
	}
	return body, fde, cie, nil
}

// Find returns the unwinding rule that applies at the ELF virtual address pc.
func (t *Table) Find(pc uint64) (Rule, error) {
	i := sort.Search(len(t.fdes), func(i int) bool {
		return t.fdes[i].start > pc
	}) - 1
	if i < 0 {
		return Rule{}, errNoFDE
	}
	e := &t.fdes[i]
	if e.end != 0 && pc >= e.end {
		return Rule{}, errNoFDE
	}

	r := t.sections[e.section].at(e.pos)
	body, fde, cie, err := t.parseFDEHeader(e.section, &r)
	if err != nil {
		return Rule{}, fmt.Errorf("FDE at %#x: %w", e.pos, err)
	}
	if fde.ipStart != e.start {
		return Rule{}, fmt.Errorf("FDE start %#x does not match index %#x",
			fde.ipStart, e.start)
	}
	if pc >= fde.ipStart+fde.ipLen {
		return Rule{}, errNoFDE
	}

	st := state{
		cie: cie,
		loc: fde.ipStart,
		cur: cie.initialState,
	}
	for {
		more, err := st.step(&body)
		if err != nil {
			return Rule{}, err
		}
		// The row being built applies until the new location.
		if !more || st.loc > pc {
			break
		}
	}
	return Rule{
		arch:   t.arch,
		cfa:    st.cur.cfa,
		fp:     st.cur.fp,
		ra:     st.cur.ra,
		signal: cie.isSignalHandler,
	}, nil
}
