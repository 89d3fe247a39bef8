// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package sampler // import "github.com/pysampler/pysampler/sampler"

import (
	"cmp"
	"fmt"
	"slices"

	log "github.com/sirupsen/logrus"

	"github.com/pysampler/pysampler/interpreter/python"
	"github.com/pysampler/pysampler/libpf"
	"github.com/pysampler/pysampler/process"
)

// sampleInput is the raw data read from the target for one sample.
type sampleInput struct {
	threads []python.Thread
	// frames holds the interpreted frames of threads[i]
	frames [][]python.Frame
	// holder is the thread state holding the GIL, zero if unknown
	holder libpf.Address
	// states holds the scheduler state by task ID
	states map[uint32]process.ThreadState
	// tasks holds the registers of every task, nil unless stopped
	tasks []process.ThreadInfo
}

// assemble builds the stack traces of a sample. Native unwinding failures
// of less than half of the threads only drop the native frames of those
// threads.
func (s *Session) assemble(in *sampleInput) ([]libpf.StackTrace, error) {
	tids := osThreadIDs(in.threads, in.tasks, s.interp.Machine)
	regs := make(map[uint32]process.Registers, len(in.tasks))
	for _, task := range in.tasks {
		regs[task.LWP] = task.Regs
	}

	traces := make([]libpf.StackTrace, 0, len(in.threads))
	attempted, failed := 0, 0
	for i := range in.threads {
		t := &in.threads[i]
		tid, mapped := tids[t.ThreadID]
		trace := libpf.StackTrace{
			PID:        s.PID(),
			ThreadID:   t.ThreadID,
			OSThreadID: tid,
			OwnsGIL:    in.holder != 0 && t.Addr == in.holder,
			Frames:     interpretedOnly(in.frames[i]),
		}

		if r, ok := regs[tid]; s.unwinder != nil && mapped && ok {
			attempted++
			native, err := s.nativeFrames(r)
			switch {
			case err == nil:
				trace.Frames = mergeFrames(native, in.frames[i])
			case libpf.IsFatal(err):
				return nil, err
			default:
				failed++
				log.Debugf("Thread %d (task %d): %v", t.ThreadID, tid, err)
			}
		}

		if st, ok := in.states[tid]; mapped && ok {
			trace.Active = st.Running()
		} else {
			trace.Active = !isIdle(trace.Frames)
		}
		traces = append(traces, trace)
	}

	if failed > 0 {
		s.stats.UnwindFailures += uint64(failed)
		if failed*2 > attempted {
			return nil, fmt.Errorf("%d of %d threads: %w", failed, attempted, libpf.ErrUnwind)
		}
		log.Debugf("PID %v: %d of %d threads without native frames: %v", s.PID(),
			failed, attempted, libpf.ErrUnwind)
	}

	slices.SortFunc(traces, func(a, b libpf.StackTrace) int {
		return cmp.Compare(a.ThreadID, b.ThreadID)
	})
	return traces, nil
}

// nativeFrames unwinds a thread and names its frames.
func (s *Session) nativeFrames(regs process.Registers) ([]libpf.Frame, error) {
	pcs, err := s.unwinder.Unwind(regs)
	if err != nil {
		return nil, err
	}
	frames := make([]libpf.Frame, 0, len(pcs))
	for i, pc := range pcs {
		lookup := pc
		if i > 0 {
			// Return addresses point past the call.
			lookup--
		}
		f := libpf.Frame{IsNative: true, Address: pc}
		sym, ok := s.symbolizer.Symbolize(lookup)
		f.Module, f.Filename = sym.Module, sym.Module
		if ok {
			f.Name = sym.Name
		} else {
			f.Name = fmt.Sprintf("0x%x", uint64(pc))
		}
		frames = append(frames, f)
	}
	return frames, nil
}
