// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "github.com/pysampler/pysampler/process"

import (
	"bufio"
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"sort"
	"strconv"
	"strings"

	gpsprocess "github.com/shirou/gopsutil/v4/process"
	log "github.com/sirupsen/logrus"

	"github.com/pysampler/pysampler/libpf"
	"github.com/pysampler/pysampler/libpf/pfelf"
	"github.com/pysampler/pysampler/remotememory"
)

// ErrNoMappings is returned when no mappings can be extracted.
var ErrNoMappings = errors.New("no mappings")

// ErrClosed is returned when threads of a closed process are to be stopped.
var ErrClosed = errors.New("process closed")

// systemProcess provides an implementation of the Process interface for a
// process that is currently running on this machine.
type systemProcess struct {
	pid libpf.PID

	remoteMemory remotememory.RemoteMemory

	fileToMapping map[string]*Mapping

	// tracer and seized are only used on platforms with ptrace support
	tracer *tracer
	seized map[int]int
}

var _ Process = &systemProcess{}

func (sp *systemProcess) PID() libpf.PID {
	return sp.pid
}

func (sp *systemProcess) Memory() remotememory.RemoteMemory {
	return sp.remoteMemory
}

// Executable returns the path of the main executable as seen by the target.
func (sp *systemProcess) Executable() (string, error) {
	p, err := gpsprocess.NewProcess(int32(sp.pid))
	if err != nil {
		return "", fmt.Errorf("PID %v: %w", sp.pid, libpf.ErrExited)
	}
	return p.Exe()
}

func (sp *systemProcess) Exited() bool {
	p, err := gpsprocess.NewProcess(int32(sp.pid))
	if err != nil {
		return true
	}
	status, err := p.Status()
	if err != nil {
		return false
	}
	return slices.Contains(status, gpsprocess.Zombie)
}

func trimMappingPath(path string) string {
	// Trim the deleted indication from the path.
	// See path_with_deleted in linux/fs/d_path.c
	path = strings.TrimSuffix(path, " (deleted)")
	if path == "/dev/zero" {
		return ""
	}
	return path
}

// splitMapsLine splits one /proc/PID/maps line into its five fixed fields
// and the path, which may contain spaces.
func splitMapsLine(line string) (fields [5]string, pathname string, ok bool) {
	rest := line
	for i := range fields {
		rest = strings.TrimLeft(rest, " \t")
		end := strings.IndexAny(rest, " \t")
		if end < 0 {
			if i != len(fields)-1 || rest == "" {
				return fields, "", false
			}
			fields[i] = rest
			return fields, "", true
		}
		fields[i] = rest[:end]
		rest = rest[end:]
	}
	return fields, strings.TrimLeft(rest, " \t"), true
}

func parseMappings(mapsFile io.Reader) ([]Mapping, uint32, error) {
	numParseErrors := uint32(0)
	mappings := make([]Mapping, 0, 32)
	scanner := bufio.NewScanner(mapsFile)
	scanner.Buffer(make([]byte, 512), 8192)
	for scanner.Scan() {
		fields, pathname, ok := splitMapsLine(scanner.Text())
		if !ok {
			numParseErrors++
			continue
		}
		vaddrStr, vendStr, ok := strings.Cut(fields[0], "-")
		if !ok {
			numParseErrors++
			continue
		}

		mapsFlags := fields[1]
		if len(mapsFlags) < 3 {
			numParseErrors++
			continue
		}
		flags := elf.ProgFlag(0)
		if mapsFlags[0] == 'r' {
			flags |= elf.PF_R
		}
		if mapsFlags[1] == 'w' {
			flags |= elf.PF_W
		}
		if mapsFlags[2] == 'x' {
			flags |= elf.PF_X
		}

		// Ignore non-readable and non-executable mappings
		if flags&(elf.PF_R|elf.PF_X) == 0 {
			continue
		}
		inode, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			log.Debugf("inode: failed to convert %s to uint64: %v", fields[4], err)
			numParseErrors++
			continue
		}

		majorStr, minorStr, ok := strings.Cut(fields[3], ":")
		if !ok {
			numParseErrors++
			continue
		}
		major, err := strconv.ParseUint(majorStr, 16, 64)
		if err != nil {
			numParseErrors++
			continue
		}
		minor, err := strconv.ParseUint(minorStr, 16, 64)
		if err != nil {
			numParseErrors++
			continue
		}
		device := major<<8 + minor

		if inode == 0 {
			switch pathname {
			case "[vdso]":
				pathname = VdsoPathName
				device = 0
			case "", "[heap]", "[stack]":
				// Anonymous memory can hold interpreter state.
				pathname = ""
			default:
				// Ignore other special pseudo-files
				continue
			}
		} else {
			pathname = trimMappingPath(pathname)
		}

		vaddr, err := strconv.ParseUint(vaddrStr, 16, 64)
		if err != nil {
			numParseErrors++
			continue
		}
		vend, err := strconv.ParseUint(vendStr, 16, 64)
		if err != nil || vend < vaddr {
			numParseErrors++
			continue
		}
		fileOffset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			numParseErrors++
			continue
		}

		mappings = append(mappings, Mapping{
			Vaddr:      vaddr,
			Length:     vend - vaddr,
			Flags:      flags,
			FileOffset: fileOffset,
			Device:     device,
			Inode:      inode,
			Path:       pathname,
		})
	}
	return mappings, numParseErrors, scanner.Err()
}

// Mappings processes the mappings file from proc. Additionally, a reverse
// map from mapping filename to a Mapping is built to allow OpenELF opening
// ELF files using the corresponding proc map_files entry.
func (sp *systemProcess) Mappings() ([]Mapping, error) {
	mapsFile, err := os.Open(fmt.Sprintf("/proc/%d/maps", sp.pid))
	if err != nil {
		return nil, mapOSError(sp.pid, err)
	}
	defer mapsFile.Close()

	mappings, numParseErrors, err := parseMappings(mapsFile)
	if err != nil {
		return nil, mapOSError(sp.pid, err)
	}
	if numParseErrors > 0 {
		log.Debugf("PID %v: %d unparsable mappings", sp.pid, numParseErrors)
	}
	if len(mappings) == 0 {
		if sp.Exited() {
			return nil, fmt.Errorf("PID %v: %w", sp.pid, libpf.ErrExited)
		}
		return nil, ErrNoMappings
	}

	fileToMapping := make(map[string]*Mapping)
	for idx := range mappings {
		m := &mappings[idx]
		if m.IsAnonymous() || m.IsVDSO() {
			continue
		}
		if _, ok := fileToMapping[m.Path]; !ok {
			fileToMapping[m.Path] = m
		}
	}
	sp.fileToMapping = fileToMapping
	return mappings, nil
}

// groupModules merges the file backed mappings of each file into a Module.
func groupModules(mappings []Mapping) []Module {
	byPath := make(map[string]*Module)
	var order []string
	for _, m := range mappings {
		if m.IsAnonymous() || m.IsVDSO() {
			continue
		}
		mod, ok := byPath[m.Path]
		if !ok {
			mod = &Module{
				Path:   m.Path,
				Base:   libpf.Address(m.Vaddr),
				Device: m.Device,
				Inode:  m.Inode,
			}
			byPath[m.Path] = mod
			order = append(order, m.Path)
		}
		mod.Mappings = append(mod.Mappings, m)
		mod.Base = min(mod.Base, libpf.Address(m.Vaddr))
		end := max(uint64(mod.Base)+mod.Size, m.End())
		mod.Size = end - uint64(mod.Base)
	}
	modules := make([]Module, 0, len(order))
	for _, p := range order {
		mod := byPath[p]
		sort.Slice(mod.Mappings, func(i, j int) bool {
			return mod.Mappings[i].Vaddr < mod.Mappings[j].Vaddr
		})
		modules = append(modules, *mod)
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].Base < modules[j].Base })
	return modules
}

func (sp *systemProcess) Modules() ([]Module, error) {
	mappings, err := sp.Mappings()
	if err != nil {
		return nil, err
	}
	return groupModules(mappings), nil
}

// parseThreadState extracts the state letter of a /proc/<pid>/stat line. The
// command name is enclosed in parentheses and may itself contain them.
func parseThreadState(stat []byte) (byte, error) {
	end := bytes.LastIndexByte(stat, ')')
	if end < 0 || end+2 >= len(stat) {
		return 0, errors.New("malformed stat line")
	}
	return stat[end+2], nil
}

// taskIDs lists the kernel task IDs of the process.
func (sp *systemProcess) taskIDs() ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", sp.pid))
	if err != nil {
		return nil, mapOSError(sp.pid, err)
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids, nil
}

func (sp *systemProcess) ThreadStates() ([]ThreadState, error) {
	tids, err := sp.taskIDs()
	if err != nil {
		return nil, err
	}
	states := make([]ThreadState, 0, len(tids))
	for _, tid := range tids {
		stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/stat", sp.pid, tid))
		if err != nil {
			// The thread exited after the directory was listed.
			continue
		}
		state, err := parseThreadState(stat)
		if err != nil {
			log.Debugf("TID %d: %v", tid, err)
			continue
		}
		states = append(states, ThreadState{TID: uint32(tid), State: state})
	}
	return states, nil
}

// OpenELF opens the backing file of a mapping. The proc map_files entry is
// tried first, then the path below the target's root directory so that
// files of processes in other mount namespaces are found.
func (sp *systemProcess) OpenELF(file string) (*pfelf.File, error) {
	if m, ok := sp.fileToMapping[file]; ok {
		ef, err := pfelf.Open(fmt.Sprintf("/proc/%v/map_files/%x-%x", sp.pid, m.Vaddr, m.End()))
		if err == nil {
			return ef, nil
		}
	}
	ef, err := pfelf.Open(path.Join(fmt.Sprintf("/proc/%v/root", sp.pid), file))
	if err == nil {
		return ef, nil
	}
	return pfelf.Open(file)
}

func (sp *systemProcess) Close() error {
	err := sp.Resume()
	if sp.tracer != nil {
		sp.tracer.close()
		sp.tracer = nil
	}
	return err
}

// mapOSError translates errors of /proc accesses to the error taxonomy.
func mapOSError(pid libpf.PID, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("PID %v: %w", pid, libpf.ErrProcessNotFound)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("PID %v: %w", pid, libpf.ErrPermissionDenied)
	}
	return err
}

// probeMemory reads from the first readable mapping so that a missing
// permission to read the target's memory is reported at attach time.
func probeMemory(rm remotememory.RemoteMemory, mappings []Mapping) error {
	for i := range mappings {
		m := &mappings[i]
		if m.Flags&elf.PF_R == 0 || m.IsVDSO() {
			continue
		}
		var probe [8]byte
		err := rm.Read(libpf.Address(m.Vaddr), probe[:])
		if errors.Is(err, libpf.ErrPermissionDenied) || errors.Is(err, libpf.ErrExited) ||
			errors.Is(err, libpf.ErrPlatformUnsupported) {
			return err
		}
		return nil
	}
	return nil
}
