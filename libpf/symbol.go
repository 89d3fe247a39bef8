// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/pysampler/pysampler/libpf"

import (
	"fmt"
	"sort"
)

// SymbolValue represents the value associated with a symbol, e.g. either an
// offset or an absolute address
type SymbolValue uint64

// SymbolName represents the name of a symbol
type SymbolName string

// SymbolValueInvalid is the value returned by SymbolMap functions when symbol was not found.
const SymbolValueInvalid = SymbolValue(0)

// SymbolFinder implements a way to find symbol data
type SymbolFinder interface {
	LookupSymbol(symbolName SymbolName) (*Symbol, error)
}

// Symbol represents the name of a symbol
type Symbol struct {
	Name    SymbolName
	Address SymbolValue
	Size    uint64
}

var _ SymbolFinder = &SymbolMap{}

// SymbolMap represents collections of symbols that can be resolved or reverse mapped
type SymbolMap struct {
	nameToSymbol    map[SymbolName]*Symbol
	addressToSymbol []Symbol
}

// NewSymbolMap returns an empty map with room for capacity symbols.
func NewSymbolMap(capacity int) *SymbolMap {
	return &SymbolMap{
		addressToSymbol: make([]Symbol, 0, capacity),
	}
}

// Add a symbol to the map
func (symmap *SymbolMap) Add(s Symbol) {
	symmap.addressToSymbol = append(symmap.addressToSymbol, s)
}

// Finalize symbol map by sorting and constructing the nameToSymbol table after
// all symbols are inserted via Add() calls
func (symmap *SymbolMap) Finalize() {
	a := make([]Symbol, len(symmap.addressToSymbol))
	copy(a, symmap.addressToSymbol)
	symmap.addressToSymbol = a

	// Descending by address; among aliases the sized symbol wins the reverse lookup.
	sort.SliceStable(symmap.addressToSymbol, func(i, j int) bool {
		si, sj := &symmap.addressToSymbol[i], &symmap.addressToSymbol[j]
		if si.Address != sj.Address {
			return si.Address > sj.Address
		}
		return si.Size > sj.Size
	})

	symmap.nameToSymbol = make(map[SymbolName]*Symbol, len(symmap.addressToSymbol))
	for i := range symmap.addressToSymbol {
		s := &symmap.addressToSymbol[i]
		if _, ok := symmap.nameToSymbol[s.Name]; !ok {
			symmap.nameToSymbol[s.Name] = s
		}
	}
}

// LookupSymbol obtains symbol information. Returns nil and an error if not found.
func (symmap *SymbolMap) LookupSymbol(symbolName SymbolName) (*Symbol, error) {
	if sym, ok := symmap.nameToSymbol[symbolName]; ok {
		return sym, nil
	}
	return nil, fmt.Errorf("symbol %v not present in map", symbolName)
}

// LookupByAddress translates the address to the symbol covering it and the
// offset into that symbol.
func (symmap *SymbolMap) LookupByAddress(val SymbolValue) (*Symbol, Address, bool) {
	i := sort.Search(len(symmap.addressToSymbol),
		func(i int) bool {
			return val >= symmap.addressToSymbol[i].Address
		})
	if i < len(symmap.addressToSymbol) {
		s := &symmap.addressToSymbol[i]
		if s.Size == 0 || val < s.Address+SymbolValue(s.Size) {
			return s, Address(val - s.Address), true
		}
	}
	return nil, Address(val), false
}

// VisitAll calls the provided callback with all the symbols in the map.
func (symmap *SymbolMap) VisitAll(cb func(Symbol)) {
	for i := range symmap.addressToSymbol {
		cb(symmap.addressToSymbol[i])
	}
}

// Len returns the number of elements in the map.
func (symmap *SymbolMap) Len() int {
	return len(symmap.addressToSymbol)
}
