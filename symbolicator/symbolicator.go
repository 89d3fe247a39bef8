// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package symbolicator resolves symbol names to runtime addresses of a target
// process and runtime addresses back to symbol names.
package symbolicator // import "github.com/pysampler/pysampler/symbolicator"

import (
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"sort"
	"strings"

	lru "github.com/elastic/go-freelru"
	"github.com/ianlancetaylor/demangle"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pysampler/pysampler/libpf"
	"github.com/pysampler/pysampler/libpf/pfelf"
	"github.com/pysampler/pysampler/process"
)

// resolvedCacheSize is the number of reverse lookups kept per symbolicator
const resolvedCacheSize = 16384

// Symbol is the result of a reverse lookup.
type Symbol struct {
	// Name is the demangled symbol name
	Name string
	// Module is the path of the file holding the symbol
	Module string
	// Offset is the distance of the address from the symbol start
	Offset libpf.Address
}

// moduleTable is the symbol table of one mapped file.
type moduleTable struct {
	process.Module
	// bias is added to ELF virtual addresses to get runtime addresses
	bias libpf.Address
	syms *libpf.SymbolMap
}

// Target is the part of a process the symbolicator reads.
type Target interface {
	Modules() ([]process.Module, error)
	OpenELF(path string) (*pfelf.File, error)
}

var _ Target = process.Process(nil)

// Symbolicator holds the symbol tables of all modules of a process.
// It is not safe for concurrent use.
type Symbolicator struct {
	target   Target
	modules  []moduleTable
	resolved *lru.LRU[libpf.Address, Symbol]
}

// New loads the symbol tables of every module mapped by target. Modules whose
// file cannot be read or that carry no symbols are kept without symbols.
func New(target Target) (*Symbolicator, error) {
	modules, err := target.Modules()
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}

	tables := make([]moduleTable, len(modules))
	pending := make([]int, 0, len(modules))
	for i := range modules {
		tables[i].Module = modules[i]
		pending = append(pending, i)
	}
	if err := loadTables(target, tables, pending); err != nil {
		return nil, err
	}
	return newSymbolicator(target, tables)
}

func newSymbolicator(target Target, tables []moduleTable) (*Symbolicator, error) {
	sortTables(tables)
	resolved, err := lru.New[libpf.Address, Symbol](resolvedCacheSize, libpf.Address.Hash32)
	if err != nil {
		return nil, err
	}
	return &Symbolicator{target: target, modules: tables, resolved: resolved}, nil
}

func sortTables(tables []moduleTable) {
	sort.Slice(tables, func(i, j int) bool { return tables[i].Base < tables[j].Base })
}

// loadTables reads the symbols of the modules at the given indexes in parallel.
func loadTables(target Target, tables []moduleTable, pending []int) error {
	g := errgroup.Group{}
	g.SetLimit(runtime.NumCPU())
	for _, i := range pending {
		mt := &tables[i]
		if mt.Path == process.VdsoPathName {
			continue
		}
		g.Go(func() error {
			bias, syms, err := loadModule(target, &mt.Module)
			if err != nil {
				if libpf.IsFatal(err) {
					return err
				}
				log.Debugf("No symbols for %s: %v", mt.Path, err)
				return nil
			}
			mt.bias, mt.syms = bias, syms
			return nil
		})
	}
	return g.Wait()
}

// moduleKey identifies one mapped instance of a file.
type moduleKey struct {
	base libpf.Address
	file libpf.FileKey
}

func keyOf(m *process.Module) moduleKey {
	return moduleKey{
		base: m.Base,
		file: libpf.FileKey{Device: m.Device, Inode: m.Inode, Path: m.Path},
	}
}

// Refresh lists the modules of the target again. Tables of modules mapped at
// the same address from the same file are kept, others are loaded. It
// reports whether modules were added or removed.
func (s *Symbolicator) Refresh() (bool, error) {
	if s.target == nil {
		return false, nil
	}
	modules, err := s.target.Modules()
	if err != nil {
		return false, fmt.Errorf("failed to list modules: %w", err)
	}

	known := make(map[moduleKey]*moduleTable, len(s.modules))
	for i := range s.modules {
		known[keyOf(&s.modules[i].Module)] = &s.modules[i]
	}
	tables := make([]moduleTable, len(modules))
	var pending []int
	for i := range modules {
		if old, ok := known[keyOf(&modules[i])]; ok {
			tables[i] = *old
		} else {
			pending = append(pending, i)
		}
		tables[i].Module = modules[i]
	}
	changed := len(pending) > 0 || len(modules) != len(s.modules)
	if err := loadTables(s.target, tables, pending); err != nil {
		return false, err
	}
	sortTables(tables)
	s.modules = tables
	if changed {
		log.Debugf("Module list changed, %d new of %d", len(pending), len(modules))
		s.resolved.Purge()
	}
	return changed, nil
}

// loadModule computes the load bias of a module and returns its symbols,
// parsing the file only when the table is not cached yet.
func loadModule(target Target, m *process.Module) (libpf.Address, *libpf.SymbolMap, error) {
	if len(m.Mappings) == 0 {
		return 0, nil, errors.New("module without mappings")
	}
	ef, err := target.OpenELF(m.Path)
	if err != nil {
		return 0, nil, err
	}
	defer ef.Close()

	first := &m.Mappings[0]
	bias, ok := ef.LoadBias(first.Vaddr, first.FileOffset)
	if !ok {
		return 0, nil, fmt.Errorf("file offset 0x%x not in a PT_LOAD segment", first.FileOffset)
	}

	key := libpf.FileKey{Device: m.Device, Inode: m.Inode, Path: m.Path}
	cache := symbolTables()
	if syms, ok := cache.Get(key); ok {
		return bias, syms, nil
	}
	syms := readSymbols(target, ef, m.Path)
	cache.Add(key, syms)
	return bias, syms, nil
}

// readSymbols merges the full symbol table, from the file itself or from a
// separate debug file, with the dynamic symbols.
func readSymbols(target Target, ef *pfelf.File, path string) *libpf.SymbolMap {
	var tables []*libpf.SymbolMap
	if syms, err := ef.ReadSymbols(); err == nil {
		tables = append(tables, syms)
	} else if syms := readDebugSymbols(target, ef, path); syms != nil {
		tables = append(tables, syms)
	}
	if syms, err := ef.ReadDynamicSymbols(); err == nil {
		tables = append(tables, syms)
	}

	n := 0
	for _, t := range tables {
		n += t.Len()
	}
	merged := libpf.NewSymbolMap(n)
	for _, t := range tables {
		t.VisitAll(merged.Add)
	}
	merged.Finalize()
	return merged
}

// readDebugSymbols looks for a separate debug file by build ID and debug link.
func readDebugSymbols(target Target, ef *pfelf.File, path string) *libpf.SymbolMap {
	for _, candidate := range ef.DebugFileCandidates(path) {
		debugFile, err := target.OpenELF(candidate)
		if err != nil {
			continue
		}
		syms, err := debugFile.ReadSymbols()
		_ = debugFile.Close()
		if err == nil {
			log.Debugf("Using debug symbols of %s from %s", path, candidate)
			return syms
		}
	}
	return nil
}

// AddressOf returns the runtime address of the named symbol, searching the
// modules in address order. Modules without symbol sections are searched
// through their dynamic symbol hash table.
func (s *Symbolicator) AddressOf(name string) (libpf.Address, bool) {
	for i := range s.modules {
		m := &s.modules[i]
		switch {
		case m.syms == nil:
			continue
		case m.syms.Len() == 0:
			if addr, ok := s.lookupDynamic(m, name); ok {
				return addr, true
			}
		default:
			if sym, err := m.syms.LookupSymbol(libpf.SymbolName(name)); err == nil {
				return libpf.Address(sym.Address) + m.bias, true
			}
		}
	}
	return 0, false
}

// lookupDynamic resolves name with the GNU or SysV hash table reachable from
// the PT_DYNAMIC segment, which survives stripping of the section headers.
func (s *Symbolicator) lookupDynamic(m *moduleTable, name string) (libpf.Address, bool) {
	if s.target == nil {
		return 0, false
	}
	ef, err := s.target.OpenELF(m.Path)
	if err != nil {
		return 0, false
	}
	defer ef.Close()

	sym, err := ef.LookupSymbol(libpf.SymbolName(name))
	if err != nil {
		if !errors.Is(err, pfelf.ErrSymbolNotFound) {
			log.Debugf("Hash lookup of %s in %s failed: %v", name, m.Path, err)
		}
		return 0, false
	}
	return libpf.Address(sym.Address) + m.bias, true
}

// Symbolize returns the symbol covering a runtime address.
func (s *Symbolicator) Symbolize(addr libpf.Address) (Symbol, bool) {
	if sym, ok := s.resolved.Get(addr); ok {
		return sym, sym.Name != ""
	}
	m, ok := s.moduleTable(addr)
	if !ok {
		return Symbol{}, false
	}
	sym := Symbol{Module: m.Path}
	if m.syms != nil {
		if elfSym, offs, ok := m.syms.LookupByAddress(libpf.SymbolValue(addr - m.bias)); ok {
			sym.Name = demangleName(string(elfSym.Name))
			sym.Offset = offs
		}
	}
	s.resolved.Add(addr, sym)
	return sym, sym.Name != ""
}

// demangleName returns the readable form of C++ and Rust symbol names.
func demangleName(name string) string {
	if strings.HasPrefix(name, "_Z") || strings.HasPrefix(name, "_R") {
		return demangle.Filter(name, demangle.NoParams)
	}
	return name
}

func (s *Symbolicator) moduleTable(addr libpf.Address) (*moduleTable, bool) {
	i := sort.Search(len(s.modules), func(i int) bool {
		return s.modules[i].Base > addr
	})
	if i == 0 {
		return nil, false
	}
	m := &s.modules[i-1]
	if !m.Contains(addr) {
		return nil, false
	}
	return m, true
}

// Module returns the module mapping addr.
func (s *Symbolicator) Module(addr libpf.Address) (*process.Module, bool) {
	m, ok := s.moduleTable(addr)
	if !ok {
		return nil, false
	}
	return &m.Module, true
}

// ModuleByName returns the first module whose path matches pattern.
func (s *Symbolicator) ModuleByName(pattern *regexp.Regexp) (*process.Module, bool) {
	for i := range s.modules {
		if pattern.MatchString(s.modules[i].Path) {
			return &s.modules[i].Module, true
		}
	}
	return nil, false
}

// Modules returns all modules ordered by base address.
func (s *Symbolicator) Modules() []process.Module {
	out := make([]process.Module, len(s.modules))
	for i := range s.modules {
		out[i] = s.modules[i].Module
	}
	return out
}
