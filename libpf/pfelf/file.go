// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// package pfelf implements functions for processing of ELF files and extracting data from
// them. This file implements an independent ELF parser from debug.elf with different usage:
//   - loads only portions of the ELF really needed and accessed
//   - implements fast symbol lookup using gnu/sysv hashes
//   - reads compressed debug sections
//
// The Executable and Linking Format (ELF) specification is available at:
//   https://refspecs.linuxfoundation.org/elf/elf.pdf
//
// DT_GNU_HASH symbol index: https://flapenguin.me/elf-dt-gnu-hash

package pfelf // import "github.com/pysampler/pysampler/libpf/pfelf"

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/pysampler/pysampler/libpf"
)

const (
	// maxBytesSmallSection is the maximum section size for small parsed
	// sections (e.g. notes and debug link)
	maxBytesSmallSection = 4 * 1024

	// maxBytesLargeSection is the maximum section size for large parsed
	// sections (e.g. symbol tables and string tables)
	maxBytesLargeSection = 64 * 1024 * 1024
)

// ErrSymbolNotFound is returned when requested symbol was not found
var ErrSymbolNotFound = errors.New("symbol not found")

// ErrNotELF is returned when the file is not an ELF
var ErrNotELF = errors.New("not an ELF file")

// File represents an open ELF file
type File struct {
	// closer is called internally when resources for this File are to be released
	closer io.Closer

	// elfReader is the ReadAt implementation used for this File
	elfReader io.ReaderAt

	// ehFrame is a pointer to the PT_GNU_EH_FRAME segment of the ELF
	ehFrame *Prog

	// Progs contains the program header
	Progs []Prog

	// Sections contains the program sections if loaded
	Sections []Section

	// elfHeader is the ELF file header
	elfHeader elf.Header64

	// gnuHash contains the DT_GNU_HASH header address and data
	gnuHash struct {
		addr   int64
		header gnuHashHeader
	}

	// sysvHash contains the DT_HASH (SYS-V hash) header address and data
	sysvHash struct {
		addr   int64
		header sysvHashHeader
	}

	// stringsAddr is the virtual address for string table from the Dynamic section
	stringsAddr int64

	// symbolAddr is the virtual address for symbol table from the Dynamic section
	symbolsAddr int64

	// sectionsBroken is set when the section headers could not be parsed
	sectionsBroken bool

	// Fields to mimic elf.debug
	Type    elf.Type
	Machine elf.Machine
	Entry   uint64
}

var _ libpf.SymbolFinder = &File{}

// sysvHashHeader is the ELF DT_HASH section header
type sysvHashHeader struct {
	numBuckets uint32
	numSymbols uint32
}

// gnuHashHeader is the ELF DT_GNU_HASH section header
type gnuHashHeader struct {
	numBuckets   uint32
	symbolOffset uint32
	bloomSize    uint32
	bloomShift   uint32
}

// Prog represents a program header, and data associated with it
type Prog struct {
	elf.ProgHeader

	// elfReader is the same ReadAt as used for the File
	elfReader io.ReaderAt
}

// Section represents a section header, and data associated with it
type Section struct {
	elf.SectionHeader

	// Embed ReaderAt for ReadAt method.
	io.ReaderAt
}

// Open opens the named file using os.Open and prepares it for use as an ELF binary.
func Open(name string) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	ff, err := newFile(f, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return ff, nil
}

// Close closes the File.
func (f *File) Close() (err error) {
	if f.closer != nil {
		err = f.closer.Close()
		f.closer = nil
	}
	return
}

// NewFile creates a new ELF file object that borrows the given reader.
func NewFile(r io.ReaderAt) (*File, error) {
	return newFile(r, nil)
}

func newFile(r io.ReaderAt, closer io.Closer) (*File, error) {
	f := &File{
		elfReader: r,
		closer:    closer,
	}

	hdr := &f.elfHeader
	if _, err := r.ReadAt(libpf.SliceFrom(hdr), 0); err != nil {
		return nil, err
	}
	if !bytes.Equal(hdr.Ident[0:4], []byte{0x7f, 'E', 'L', 'F'}) {
		return nil, ErrNotELF
	}
	if elf.Class(hdr.Ident[elf.EI_CLASS]) != elf.ELFCLASS64 ||
		elf.Data(hdr.Ident[elf.EI_DATA]) != elf.ELFDATA2LSB ||
		elf.Version(hdr.Ident[elf.EI_VERSION]) != elf.EV_CURRENT {
		return nil, fmt.Errorf("unsupported ELF file: %v", hdr.Ident)
	}

	f.Machine = elf.Machine(hdr.Machine)
	f.Type = elf.Type(hdr.Type)
	f.Entry = hdr.Entry

	progs := make([]elf.Prog64, hdr.Phnum)
	if _, err := r.ReadAt(libpf.SliceOf(progs), int64(hdr.Phoff)); err != nil {
		return nil, err
	}

	f.Progs = make([]Prog, hdr.Phnum)
	for i, ph := range progs {
		p := &f.Progs[i]
		p.ProgHeader = elf.ProgHeader{
			Type:   elf.ProgType(ph.Type),
			Flags:  elf.ProgFlag(ph.Flags),
			Off:    ph.Off,
			Vaddr:  ph.Vaddr,
			Paddr:  ph.Paddr,
			Filesz: ph.Filesz,
			Memsz:  ph.Memsz,
			Align:  ph.Align,
		}
		p.elfReader = r
	}

	for i := range f.Progs {
		p := &f.Progs[i]
		if p.Filesz == 0 {
			continue
		}
		switch p.Type {
		case elf.PT_DYNAMIC:
			data, err := p.Data(maxBytesSmallSection * 4)
			if err != nil {
				continue
			}
			var dyn elf.Dyn64
			rdr := bytes.NewReader(data)
			for {
				if _, err := io.ReadFull(rdr, libpf.SliceFrom(&dyn)); err != nil {
					break
				}
				switch elf.DynTag(dyn.Tag) {
				case elf.DT_HASH:
					f.sysvHash.addr = int64(dyn.Val)
				case elf.DT_STRTAB:
					f.stringsAddr = int64(dyn.Val)
				case elf.DT_SYMTAB:
					f.symbolsAddr = int64(dyn.Val)
				case elf.DT_GNU_HASH:
					f.gnuHash.addr = int64(dyn.Val)
				}
			}
		case elf.PT_GNU_EH_FRAME:
			f.ehFrame = p
		}
	}

	return f, nil
}

// getString extracts a null terminated string from an ELF string table
func getString(section []byte, start int) (string, bool) {
	if start < 0 || start >= len(section) {
		return "", false
	}
	slen := bytes.IndexByte(section[start:], 0)
	if slen < 0 {
		return "", false
	}
	return string(section[start : start+slen]), true
}

// LoadSections loads the ELF file sections
func (f *File) LoadSections() error {
	if f.Sections != nil {
		return nil
	}

	hdr := &f.elfHeader
	if hdr.Shnum == 0 {
		return nil
	}
	if hdr.Shstrndx >= hdr.Shnum {
		return fmt.Errorf("invalid ELF section string table index (%d / %d)",
			hdr.Shstrndx, hdr.Shnum)
	}

	sections := make([]elf.Section64, hdr.Shnum)
	if _, err := f.elfReader.ReadAt(libpf.SliceOf(sections), int64(hdr.Shoff)); err != nil {
		return err
	}

	loaded := make([]Section, hdr.Shnum)
	for i, sh := range sections {
		s := &loaded[i]
		s.SectionHeader = elf.SectionHeader{
			Type:      elf.SectionType(sh.Type),
			Flags:     elf.SectionFlag(sh.Flags),
			Addr:      sh.Addr,
			Offset:    sh.Off,
			Size:      sh.Size,
			Link:      sh.Link,
			Info:      sh.Info,
			Addralign: sh.Addralign,
			Entsize:   sh.Entsize,
			FileSize:  sh.Size,
		}
		if s.Type == elf.SHT_NOBITS {
			s.FileSize = 0
		}
		s.ReaderAt = io.NewSectionReader(f.elfReader, int64(s.Offset), int64(s.FileSize))
	}

	strsh := loaded[hdr.Shstrndx]
	if strsh.FileSize >= 1024*1024 {
		return fmt.Errorf("section headers string table too large (%d)",
			strsh.FileSize)
	}
	strtab, err := strsh.Data(maxBytesLargeSection)
	if err != nil {
		return err
	}
	for i := range loaded {
		sh := &loaded[i]
		var ok bool
		sh.Name, ok = getString(strtab, int(sections[i].Name))
		if !ok {
			return fmt.Errorf("bad section name index (section %d, index %d/%d)",
				i, sections[i].Name, len(strtab))
		}
	}
	f.Sections = loaded
	return nil
}

// Section returns a section with the given name, or nil if no such section exists.
func (f *File) Section(name string) *Section {
	if f.sectionsBroken {
		return nil
	}
	if err := f.LoadSections(); err != nil {
		f.sectionsBroken = true
		return nil
	}
	for i := range f.Sections {
		s := &f.Sections[i]
		if s.Name == name {
			return s
		}
	}
	return nil
}

// ReadVirtualMemory reads bytes from given virtual address
func (f *File) ReadVirtualMemory(p []byte, addr int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for _, ph := range f.Progs {
		if ph.Type == elf.PT_LOAD && uint64(addr) >= ph.Vaddr &&
			uint64(addr) < ph.Vaddr+ph.Memsz {
			return ph.ReadAt(p, addr-int64(ph.Vaddr))
		}
	}
	return 0, fmt.Errorf("no matching segment for 0x%x", uint64(addr))
}

// EHFrame constructs a Program header with the EH Frame sections
func (f *File) EHFrame() (*Prog, error) {
	if f.ehFrame == nil {
		return nil, errors.New("no PT_GNU_EH_FRAME tag found")
	}
	p := f.ehFrame
	for i := range f.Progs {
		ph := &f.Progs[i]
		if ph.Type != elf.PT_LOAD || p.Vaddr < ph.Vaddr ||
			p.Vaddr >= ph.Vaddr+ph.Filesz {
			continue
		}
		// The LOAD segment normally holds .eh_frame_hdr followed by .eh_frame.
		// Craft a subset segment from PT_GNU_EH_FRAME to the end of the LOAD.
		offs := p.Vaddr - ph.Vaddr
		return &Prog{
			ProgHeader: elf.ProgHeader{
				Type:   ph.Type,
				Flags:  ph.Flags,
				Off:    ph.Off + offs,
				Vaddr:  ph.Vaddr + offs,
				Paddr:  ph.Paddr + offs,
				Filesz: ph.Filesz - offs,
				Memsz:  ph.Memsz - offs,
				Align:  ph.Align,
			},
			elfReader: f.elfReader,
		}, nil
	}
	return nil, errors.New("no PT_LOAD segment for PT_GNU_EH_FRAME found")
}

// FileOffsetToVirtualAddress converts an on-disk file offset to the ELF
// virtual address where it is mapped by default. The loader maps segments
// page aligned, so the aligned segment start is accepted too.
func (f *File) FileOffsetToVirtualAddress(fileOffset uint64) (uint64, bool) {
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		alignedOffset := p.Off &^ pageSizeMinusOne
		if fileOffset >= alignedOffset && fileOffset < p.Off+p.Filesz {
			return p.Vaddr - (p.Off - fileOffset), true
		}
	}
	return 0, false
}

// LoadBias returns the difference between the runtime address of a mapping
// and the ELF virtual address of the same file offset.
func (f *File) LoadBias(mappingVaddr, fileOffset uint64) (libpf.Address, bool) {
	vaddr, ok := f.FileOffsetToVirtualAddress(fileOffset)
	if !ok {
		return 0, false
	}
	return libpf.Address(mappingVaddr - vaddr), true
}

// GetBuildID returns the ELF BuildID if present
func (f *File) GetBuildID() (string, error) {
	s := f.Section(".note.gnu.build-id")
	if s == nil {
		s = f.Section(".notes")
	}
	if s == nil {
		return "", ErrNoBuildID
	}
	data, err := s.Data(maxBytesSmallSection)
	if err != nil {
		return "", err
	}
	return getBuildIDFromNotes(data)
}

// GetDebugLink reads and parses the .gnu_debuglink section.
// If the link does not exist then ErrNoDebugLink is returned.
func (f *File) GetDebugLink() (linkName string, crc int32, err error) {
	note := f.Section(".gnu_debuglink")
	if note == nil {
		return "", 0, ErrNoDebugLink
	}
	d, err := note.Data(maxBytesSmallSection)
	if err != nil {
		return "", 0, fmt.Errorf("could not read link: %w", ErrNoDebugLink)
	}
	return ParseDebugLink(d)
}

// ReadAt implements the io.ReaderAt interface
func (ph *Prog) ReadAt(p []byte, off int64) (n int, err error) {
	// First load as much as possible from the disk
	if uint64(off) < ph.Filesz {
		end := int(min(int64(len(p)), int64(ph.Filesz)-off))
		n, err = ph.elfReader.ReadAt(p[0:end], int64(ph.Off)+off)
		if n != end || err != nil {
			return n, err
		}
		off += int64(n)
	}

	// The gap between Filesz and Memsz is allocated by dynamic loader as
	// anonymous pages, and zero initialized. Read zeroes from this area.
	if n < len(p) && uint64(off) < ph.Memsz {
		end := int(min(int64(len(p)-n), int64(ph.Memsz)-off))
		clear(p[n : n+end])
		n += end
	}

	if n != len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Data loads the whole program header referenced data, and returns it as slice.
func (ph *Prog) Data(maxSize uint) ([]byte, error) {
	if ph.Filesz > uint64(maxSize) {
		return nil, fmt.Errorf("segment size %d is too large", ph.Filesz)
	}
	p := make([]byte, ph.Filesz)
	_, err := ph.ReadAt(p, 0)
	return p, err
}

// readAndMatchSymbol reads symbol table data expecting given symbol
func (f *File) readAndMatchSymbol(n uint32, name libpf.SymbolName) (libpf.Symbol, bool) {
	var sym elf.Sym64

	// Read symbol descriptor and expected name
	symSz := int64(unsafe.Sizeof(sym))
	if _, err := f.ReadVirtualMemory(libpf.SliceFrom(&sym),
		f.symbolsAddr+int64(n)*symSz); err != nil {
		return libpf.Symbol{}, false
	}
	slen := len(name) + 1
	sname := make([]byte, slen)
	if _, err := f.ReadVirtualMemory(sname, f.stringsAddr+int64(sym.Name)); err != nil {
		return libpf.Symbol{}, false
	}

	if sname[slen-1] != 0 || libpf.SymbolName(sname[:slen-1]) != name {
		return libpf.Symbol{}, false
	}

	return libpf.Symbol{
		Name:    name,
		Address: libpf.SymbolValue(sym.Value),
		Size:    sym.Size,
	}, true
}

// calcGNUHash calculates a GNU symbol hash
func calcGNUHash(s libpf.SymbolName) uint32 {
	h := uint32(5381)
	for _, c := range []byte(s) {
		h += h*32 + uint32(c)
	}
	return h
}

// calcSysvHash calculates a sysv symbol hash
func calcSysvHash(s libpf.SymbolName) uint32 {
	h := uint32(0)
	for _, c := range []byte(s) {
		h = 16*h + uint32(c)
		h ^= h >> 24 & 0xf0
	}
	return h & 0xfffffff
}

// LookupSymbol searches for a given symbol in the dynamic symbol hash tables.
func (f *File) LookupSymbol(symbol libpf.SymbolName) (*libpf.Symbol, error) {
	switch {
	case f.gnuHash.addr != 0:
		hdr := &f.gnuHash.header
		if hdr.numBuckets == 0 {
			if _, err := f.ReadVirtualMemory(libpf.SliceFrom(hdr), f.gnuHash.addr); err != nil {
				return nil, err
			}
			if hdr.numBuckets == 0 || hdr.bloomSize == 0 {
				return nil, errors.New("DT_GNU_HASH corrupt")
			}
		}
		const ptrSize = 8
		const ptrSizeBits = 8 * ptrSize

		// First check the Bloom filter if the symbol exists in the hash table or not.
		var bloom uint64
		h := calcGNUHash(symbol)
		offs := f.gnuHash.addr + int64(unsafe.Sizeof(gnuHashHeader{}))
		if _, err := f.ReadVirtualMemory(libpf.SliceFrom(&bloom), offs+
			ptrSize*int64((h/ptrSizeBits)%hdr.bloomSize)); err != nil {
			return nil, err
		}
		mask := uint64(1)<<(h%ptrSizeBits) |
			uint64(1)<<((h>>hdr.bloomShift)%ptrSizeBits)
		if bloom&mask != mask {
			return nil, ErrSymbolNotFound
		}

		// Read the initial symbol index to start looking from
		offs += int64(hdr.bloomSize) * ptrSize
		var i uint32
		if _, err := f.ReadVirtualMemory(libpf.SliceFrom(&i),
			offs+4*int64(h%hdr.numBuckets)); err != nil {
			return nil, err
		}
		if i == 0 || i < hdr.symbolOffset {
			return nil, ErrSymbolNotFound
		}

		// Search the hash bucket
		offs += int64(4*hdr.numBuckets + 4*(i-hdr.symbolOffset))
		h |= 1
		for {
			var h2 uint32
			if _, err := f.ReadVirtualMemory(libpf.SliceFrom(&h2), offs); err != nil {
				return nil, err
			}
			if h == h2|1 {
				if s, ok := f.readAndMatchSymbol(i, symbol); ok {
					return &s, nil
				}
			}
			// Was this last entry in the bucket?
			if h2&1 != 0 {
				break
			}
			offs += 4
			i++
		}
	case f.sysvHash.addr != 0:
		// Refer to ELF spec, part 2 "Hash Table" (2-19)
		hdr := &f.sysvHash.header
		if hdr.numBuckets == 0 {
			if _, err := f.ReadVirtualMemory(libpf.SliceFrom(hdr), f.sysvHash.addr); err != nil {
				return nil, err
			}
			if hdr.numBuckets == 0 {
				return nil, errors.New("DT_HASH corrupt")
			}
		}
		var i uint32
		offs := f.sysvHash.addr + int64(unsafe.Sizeof(*hdr))
		h := calcSysvHash(symbol)
		bucket := int64(h % hdr.numBuckets)
		if _, err := f.ReadVirtualMemory(libpf.SliceFrom(&i), offs+4*bucket); err != nil {
			return nil, err
		}
		offs += 4 * int64(hdr.numBuckets)
		for steps := uint32(0); i != 0 && i < hdr.numSymbols && steps < hdr.numSymbols; steps++ {
			if s, ok := f.readAndMatchSymbol(i, symbol); ok {
				return &s, nil
			}
			if _, err := f.ReadVirtualMemory(libpf.SliceFrom(&i), offs+4*int64(i)); err != nil {
				return nil, err
			}
		}
	default:
		return nil, errors.New("symbol hash not present")
	}

	return nil, ErrSymbolNotFound
}

// loadSymbolTable reads given symbol table. Section and undefined symbols
// are skipped.
func (f *File) loadSymbolTable(name string) (*libpf.SymbolMap, error) {
	symTab := f.Section(name)
	if symTab == nil {
		return nil, fmt.Errorf("failed to read %v: section not present", name)
	}
	if symTab.Link >= uint32(len(f.Sections)) {
		return nil, fmt.Errorf("failed to read %v strtab: link %v out of range",
			name, symTab.Link)
	}
	strTab := f.Sections[symTab.Link]
	strs, err := strTab.Data(maxBytesLargeSection)
	if err != nil {
		return nil, fmt.Errorf("failed to read %v: %v", strTab.Name, err)
	}
	syms, err := symTab.Data(maxBytesLargeSection)
	if err != nil {
		return nil, fmt.Errorf("failed to read %v: %v", name, err)
	}

	symSz := int(unsafe.Sizeof(elf.Sym64{}))
	symMap := libpf.NewSymbolMap(len(syms) / symSz)
	for i := 0; i+symSz <= len(syms); i += symSz {
		sym := (*elf.Sym64)(unsafe.Pointer(&syms[i]))
		if sym.Value == 0 || elf.SectionIndex(sym.Shndx) == elf.SHN_UNDEF {
			continue
		}
		switch elf.ST_TYPE(sym.Info) {
		// elf.STT_LOOS == STT_GNU_IFUNC (10); the named constant needs Go >= 1.24.
		case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE, elf.STT_LOOS:
		default:
			continue
		}
		name, ok := getString(strs, int(sym.Name))
		if !ok || name == "" {
			continue
		}
		symMap.Add(libpf.Symbol{
			Name:    libpf.SymbolName(name),
			Address: libpf.SymbolValue(sym.Value),
			Size:    sym.Size,
		})
	}
	symMap.Finalize()

	return symMap, nil
}

// ReadSymbols reads the full symbol table from the ELF
func (f *File) ReadSymbols() (*libpf.SymbolMap, error) {
	return f.loadSymbolTable(".symtab")
}

// ReadDynamicSymbols reads the full dynamic symbol table from the ELF
func (f *File) ReadDynamicSymbols() (*libpf.SymbolMap, error) {
	return f.loadSymbolTable(".dynsym")
}
