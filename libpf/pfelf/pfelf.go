// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pfelf // import "github.com/pysampler/pysampler/libpf/pfelf"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/pysampler/pysampler/libpf"
)

// ErrNoDebugLink is returned when no debug link section is present
var ErrNoDebugLink = errors.New("no debug link")

// ErrNoBuildID is returned when no build ID note is present
var ErrNoBuildID = errors.New("no build ID")

var pageSizeMinusOne = uint64(os.Getpagesize()) - 1

// ParseDebugLink parses the name and CRC32 of a .gnu_debuglink section.
func ParseDebugLink(data []byte) (linkName string, crc32 int32, err error) {
	strEnd := bytes.IndexByte(data, 0)
	if strEnd < 0 {
		return "", 0, errors.New("malformed debug link, not zero terminated")
	}
	linkName = strings.ToValidUTF8(string(data[:strEnd]), "")

	strEnd++
	// The link contains 0 to 3 bytes of padding after the null character, CRC32 is 32-bit aligned
	crc32StartIdx := strEnd + ((4 - (strEnd & 3)) & 3)
	if crc32StartIdx+4 > len(data) {
		return "", 0, fmt.Errorf("malformed debug link, no CRC32 (len %v, start index %v)",
			len(data), crc32StartIdx)
	}

	linkCRC32 := binary.LittleEndian.Uint32(data[crc32StartIdx : crc32StartIdx+4])
	return linkName, int32(linkCRC32), nil
}

// DebugFileCandidates lists the paths where a separate debug file for the
// ELF at elfPath is conventionally installed.
func (f *File) DebugFileCandidates(elfPath string) []string {
	var candidates []string
	if buildID, err := f.GetBuildID(); err == nil && len(buildID) > 2 {
		candidates = append(candidates, filepath.Join("/usr/lib/debug/.build-id",
			buildID[:2], buildID[2:]+".debug"))
	}
	if link, _, err := f.GetDebugLink(); err == nil && link != "" {
		dir := filepath.Dir(elfPath)
		candidates = append(candidates,
			filepath.Join(dir, link),
			filepath.Join(dir, ".debug", link),
			filepath.Join("/usr/lib/debug", dir, link))
	}
	return candidates
}

func getBuildIDFromNotes(notes []byte) (string, error) {
	// 0x3 is NT_GNU_BUILD_ID
	buildID, found, err := getNoteHexString(notes, "GNU", 0x3)
	if err != nil {
		return "", fmt.Errorf("could not determine BuildID: %v", err)
	}
	if !found {
		return "", ErrNoBuildID
	}
	return buildID, nil
}

// getNoteDescBytes finds the descriptor of the first note with the given
// owner name and type. Each note is laid out as namesz, descsz, type (all
// 32-bit), the zero terminated name and the descriptor, both 4-byte aligned.
func getNoteDescBytes(sectionBytes []byte, name string, noteType uint32) (
	noteBytes []byte, found bool, err error) {
	nameBytes := append([]byte(name), 0x0)
	noteHeader := make([]byte, 4, 4+len(nameBytes))
	binary.LittleEndian.PutUint32(noteHeader, noteType)
	noteHeader = append(noteHeader, nameBytes...)

	idx := bytes.Index(sectionBytes, noteHeader)
	if idx == -1 {
		return nil, false, nil
	}
	if idx < 4 {
		return nil, false, errors.New("could not read note data size")
	}

	idxDataStart := idx + len(noteHeader)
	idxDataStart += (4 - (idxDataStart & 3)) & 3

	dataSize := binary.LittleEndian.Uint32(sectionBytes[idx-4 : idx])
	idxDataEnd := uint64(idxDataStart) + uint64(dataSize)
	if idxDataEnd > uint64(len(sectionBytes)) || dataSize > 84 {
		return nil, false, fmt.Errorf("non-sensical note: size %d, section size %d",
			dataSize, len(sectionBytes))
	}
	return sectionBytes[idxDataStart:idxDataEnd], true, nil
}

func getNoteHexString(sectionBytes []byte, name string, noteType uint32) (
	noteHexString string, found bool, err error) {
	noteBytes, found, err := getNoteDescBytes(sectionBytes, name, noteType)
	if err != nil || !found {
		return "", found, err
	}
	return hex.EncodeToString(noteBytes), true, nil
}

// Data loads the whole section header referenced data, and returns it as a
// slice. SHF_COMPRESSED sections (zlib or zstd) and legacy .zdebug sections
// are decompressed.
func (sh *Section) Data(maxSize uint) ([]byte, error) {
	if sh.FileSize > uint64(maxSize) {
		return nil, fmt.Errorf("section size %d is too large", sh.FileSize)
	}
	p := make([]byte, sh.FileSize)
	if _, err := sh.ReadAt(p, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	switch {
	case sh.Flags&elf.SHF_COMPRESSED != 0:
		return decompressSection(p, maxSize)
	case strings.HasPrefix(sh.Name, ".zdebug") && bytes.HasPrefix(p, []byte("ZLIB")):
		if len(p) < 12 {
			return nil, errors.New("truncated .zdebug header")
		}
		size := binary.BigEndian.Uint64(p[4:12])
		return inflate(zlibReader, p[12:], size, maxSize)
	}
	return p, nil
}

func decompressSection(p []byte, maxSize uint) ([]byte, error) {
	var chdr elf.Chdr64
	hdrSize := int(unsafe.Sizeof(chdr))
	if len(p) < hdrSize {
		return nil, errors.New("truncated compression header")
	}
	copy(libpf.SliceFrom(&chdr), p)
	switch elf.CompressionType(chdr.Type) {
	case elf.COMPRESS_ZLIB:
		return inflate(zlibReader, p[hdrSize:], chdr.Size, maxSize)
	case elf.COMPRESS_ZSTD:
		return inflate(zstdReader, p[hdrSize:], chdr.Size, maxSize)
	default:
		return nil, fmt.Errorf("unsupported section compression %d", chdr.Type)
	}
}

func zlibReader(r io.Reader) (io.ReadCloser, error) {
	return zlib.NewReader(r)
}

func zstdReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

func inflate(open func(io.Reader) (io.ReadCloser, error), data []byte,
	size uint64, maxSize uint) ([]byte, error) {
	if size > uint64(maxSize) {
		return nil, fmt.Errorf("uncompressed section size %d is too large", size)
	}
	rc, err := open(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	out := make([]byte, size)
	if _, err := io.ReadFull(rc, out); err != nil {
		return nil, fmt.Errorf("failed to decompress section: %w", err)
	}
	return out, nil
}
