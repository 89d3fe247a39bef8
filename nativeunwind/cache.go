// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package nativeunwind // import "github.com/pysampler/pysampler/nativeunwind"

import (
	"sync"

	lru "github.com/elastic/go-freelru"

	"github.com/pysampler/pysampler/libpf"
)

// tableCacheSize is the number of parsed CFI tables kept per process
const tableCacheSize = 256

var (
	tableCache     *lru.SyncedLRU[libpf.FileKey, *Table]
	tableCacheOnce sync.Once
)

// cfiTables returns the process wide cache of parsed CFI tables. A nil table
// records a file without usable call frame information.
func cfiTables() *lru.SyncedLRU[libpf.FileKey, *Table] {
	tableCacheOnce.Do(func() {
		var err error
		tableCache, err = lru.NewSynced[libpf.FileKey, *Table](tableCacheSize,
			libpf.FileKey.Hash32)
		if err != nil {
			panic(err)
		}
	})
	return tableCache
}
