// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package symbolicator // import "github.com/pysampler/pysampler/symbolicator"

import (
	"sync"

	lru "github.com/elastic/go-freelru"

	"github.com/pysampler/pysampler/libpf"
)

// tableCacheSize is the number of parsed symbol tables kept per process
const tableCacheSize = 256

var (
	tableCache     *lru.SyncedLRU[libpf.FileKey, *libpf.SymbolMap]
	tableCacheOnce sync.Once
)

// symbolTables returns the process wide cache of parsed symbol tables.
// Symbol maps are immutable once finalized and shared between sessions.
func symbolTables() *lru.SyncedLRU[libpf.FileKey, *libpf.SymbolMap] {
	tableCacheOnce.Do(func() {
		var err error
		tableCache, err = lru.NewSynced[libpf.FileKey, *libpf.SymbolMap](tableCacheSize,
			libpf.FileKey.Hash32)
		if err != nil {
			panic(err)
		}
	})
	return tableCache
}
