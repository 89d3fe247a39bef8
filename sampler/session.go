// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package sampler attaches to a CPython process and takes point in time
// snapshots of the call stacks of all its threads.
package sampler // import "github.com/pysampler/pysampler/sampler"

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/pysampler/pysampler/interpreter/python"
	"github.com/pysampler/pysampler/interpreter/python/layout"
	"github.com/pysampler/pysampler/libpf"
	"github.com/pysampler/pysampler/nativeunwind"
	"github.com/pysampler/pysampler/process"
	"github.com/pysampler/pysampler/symbolicator"
)

// errSessionClosed is returned when a closed session is used.
var errSessionClosed = errors.New("session closed")

// nativeUnwinder produces the return addresses of a stopped thread.
type nativeUnwinder interface {
	NewSample()
	Unwind(regs process.Registers) ([]libpf.Address, error)
	FallbackFrames() uint64
}

// nativeSymbolizer names native frames.
type nativeSymbolizer interface {
	Symbolize(addr libpf.Address) (symbolicator.Symbol, bool)
}

// Stats counts the outcome of the samples of a session.
type Stats struct {
	// Samples is the number of successful GetStackTraces calls
	Samples uint64
	// Failures is the number of failed GetStackTraces calls
	Failures uint64
	// Relocations counts how often the interpreter state was searched again
	Relocations uint64
	// UnwindFailures counts threads whose native stack could not be unwound
	UnwindFailures uint64
	// FallbackFrames counts native frames recovered through frame pointers
	FallbackFrames uint64
}

// Session is attached to one CPython process. It is not safe for concurrent use.
type Session struct {
	cfg  Config
	proc process.Process

	locator *python.Locator
	walker  *python.Walker
	interp  *python.Interpreter

	unwinder   nativeUnwinder
	symbolizer nativeSymbolizer

	stats  Stats
	closed bool
}

// New attaches to pid and locates its interpreter in a single attempt.
func New(pid libpf.PID, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	proc, err := process.Open(pid)
	if err != nil {
		return nil, err
	}
	s := &Session{cfg: cfg, proc: proc}
	if err = s.attach(); err != nil {
		if cerr := proc.Close(); cerr != nil {
			log.Debugf("PID %v: failed to release process: %v", pid, cerr)
		}
		if !libpf.IsFatal(err) && proc.Exited() {
			err = fmt.Errorf("PID %v: %w: %v", pid, libpf.ErrExited, err)
		}
		return nil, err
	}
	log.Debugf("PID %v: Python %v at 0x%x in %s", pid, s.interp.Version,
		uint64(s.interp.Root), s.interp.Module.Path)
	return s, nil
}

// attach loads the symbols and locates the interpreter, with the target
// stopped when the session is blocking.
func (s *Session) attach() (err error) {
	if s.cfg.Blocking {
		if err = s.proc.Suspend(); err != nil {
			return err
		}
		defer func() {
			if rerr := s.proc.Resume(); rerr != nil && err == nil {
				err = rerr
			}
		}()
	}

	syms, err := symbolicator.New(s.proc)
	if err != nil {
		return err
	}
	s.locator = python.NewLocator(s.proc, syms)
	mod, err := s.locator.FindModule()
	if err != nil {
		return err
	}
	version, abiFlags, err := s.locator.DetectVersion(mod)
	if err != nil {
		return err
	}
	l, err := layout.Lookup(version, abiFlags)
	if err != nil {
		return err
	}
	s.walker, err = python.NewWalker(s.proc.Memory(), l, s.cfg.MaxThreads, s.cfg.MaxDepth)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LocateTimeout)
	defer cancel()
	s.interp, err = s.locator.Locate(ctx, s.walker, mod, version, abiFlags)
	if err != nil {
		return err
	}

	if s.cfg.Native {
		s.unwinder = nativeunwind.NewUnwinder(s.proc, syms, s.cfg.MaxDepth)
		s.symbolizer = syms
	}
	return nil
}

// PID returns the process the session is attached to.
func (s *Session) PID() libpf.PID {
	return s.proc.PID()
}

// Version returns the interpreter version of the target.
func (s *Session) Version() layout.Version {
	return s.interp.Version
}

// Stats returns the counters of the session.
func (s *Session) Stats() Stats {
	st := s.stats
	if s.unwinder != nil {
		st.FallbackFrames = s.unwinder.FallbackFrames()
	}
	return st
}

// Close detaches from the process. Calling it more than once is a no-op.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.proc.Close()
}

// GetStackTraces returns the call stack of every interpreter thread, ordered
// by thread ID. Either all threads are reported or an error is returned.
func (s *Session) GetStackTraces() ([]libpf.StackTrace, error) {
	if s.closed {
		return nil, errSessionClosed
	}
	traces, err := s.sample()
	if err != nil {
		s.stats.Failures++
		if !libpf.IsFatal(err) && s.proc.Exited() {
			err = fmt.Errorf("PID %v: %w: %v", s.PID(), libpf.ErrExited, err)
		}
		return nil, err
	}
	s.stats.Samples++
	return traces, nil
}

// sample collects the raw thread data, with the target stopped if
// configured, and assembles the traces before the target resumes.
func (s *Session) sample() (traces []libpf.StackTrace, err error) {
	// Scheduler states are read before stopping, stopped tasks are not running.
	states, err := s.proc.ThreadStates()
	if err != nil {
		return nil, err
	}
	in := sampleInput{states: make(map[uint32]process.ThreadState, len(states))}
	for _, st := range states {
		in.states[st.TID] = st
	}

	if s.cfg.suspends() {
		if err = s.proc.Suspend(); err != nil {
			return nil, err
		}
		defer func() {
			if rerr := s.proc.Resume(); rerr != nil && err == nil {
				traces, err = nil, rerr
			}
		}()
	}

	if err = s.ensureRoot(); err != nil {
		return nil, err
	}
	in.threads, err = s.walker.Threads(s.interp.Root)
	if err != nil {
		return nil, err
	}
	in.holder = s.interp.GILHolder(s.walker)
	in.frames = make([][]python.Frame, len(in.threads))
	for i := range in.threads {
		frames, err := s.walker.Walk(&in.threads[i], s.cfg.DumpLocals)
		if err != nil {
			if libpf.IsFatal(err) {
				return nil, err
			}
			log.Debugf("Thread %d: %v", in.threads[i].ThreadID, err)
		}
		in.frames[i] = frames
	}

	// Registers are needed to unwind, and before 3.11 to find the task of a
	// thread through its thread pointer.
	if s.cfg.suspends() && (s.cfg.Native || s.interp.Layout.Thread.NativeThreadID == 0) {
		if in.tasks, err = s.proc.Threads(); err != nil {
			return nil, err
		}
	}
	if s.unwinder != nil {
		s.unwinder.NewSample()
	}
	return s.assemble(&in)
}

// ensureRoot checks the cached interpreter state and searches it again once
// if it no longer validates.
func (s *Session) ensureRoot() error {
	err := s.locator.Validate(s.walker, s.interp.Root)
	if err == nil {
		return nil
	}
	if libpf.IsFatal(err) {
		return err
	}
	log.Debugf("PID %v: interpreter state 0x%x is stale: %v", s.PID(),
		uint64(s.interp.Root), err)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LocateTimeout)
	defer cancel()
	interp, err := s.locator.Locate(ctx, s.walker, &s.interp.Module, s.interp.Version,
		s.interp.AbiFlags)
	if err != nil {
		return fmt.Errorf("failed to locate interpreter again: %w", err)
	}
	s.interp = interp
	s.stats.Relocations++
	return nil
}
