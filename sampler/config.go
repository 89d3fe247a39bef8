// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package sampler // import "github.com/pysampler/pysampler/sampler"

import "time"

const (
	// DefaultMaxThreads is the thread list cap used when Config.MaxThreads is zero
	DefaultMaxThreads = 4096
	// DefaultMaxDepth is the frame cap used when Config.MaxDepth is zero
	DefaultMaxDepth = 4096
	// DefaultLocateTimeout bounds the memory scan for the interpreter state
	DefaultLocateTimeout = 10 * time.Second
)

// Config controls what a Session collects. It is copied at construction.
type Config struct {
	// Native adds native frames, merged with the interpreted ones.
	Native bool
	// DumpLocals adds arguments and local variables to interpreted frames.
	DumpLocals bool
	// Blocking suspends the target while a sample is taken.
	Blocking bool

	// MaxThreads caps the interpreter thread list.
	MaxThreads int
	// MaxDepth caps the frames per thread, interpreted and native separately.
	MaxDepth int
	// LocateTimeout bounds the fallback scan for the interpreter state.
	LocateTimeout time.Duration
}

// withDefaults returns c with zero bounds replaced by the defaults.
func (c Config) withDefaults() Config {
	if c.MaxThreads <= 0 {
		c.MaxThreads = DefaultMaxThreads
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.LocateTimeout <= 0 {
		c.LocateTimeout = DefaultLocateTimeout
	}
	return c
}

// suspends reports whether sampling stops the target.
func (c Config) suspends() bool {
	return c.Blocking || c.Native
}
