// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package process // import "github.com/pysampler/pysampler/process"

import (
	"errors"
	"fmt"
	"runtime"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/pysampler/pysampler/libpf"
)

// maxSeizePasses bounds how often the task list is re-read while threads
// keep being spawned during suspension.
const maxSeizePasses = 4

// tracer executes all ptrace requests on a single OS thread. The kernel only
// accepts requests for a tracee from the thread that attached to it.
type tracer struct {
	reqs chan func()
}

func newTracer() *tracer {
	t := &tracer{reqs: make(chan func())}
	go t.loop()
	return t
}

func (t *tracer) loop() {
	// The thread stays locked and is discarded when the goroutine exits.
	runtime.LockOSThread()
	for fn := range t.reqs {
		fn()
	}
}

func (t *tracer) exec(fn func() error) error {
	done := make(chan error, 1)
	t.reqs <- func() { done <- fn() }
	return <-done
}

func (t *tracer) close() {
	close(t.reqs)
}

func ptrace(request, tid int, addr, data uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(request), uintptr(tid),
		addr, data, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// seizeThread attaches to tid and waits until it is stopped. A signal that was
// being delivered while the stop happened is returned to be re-injected.
func seizeThread(tid int) (int, error) {
	if err := ptrace(unix.PTRACE_SEIZE, tid, 0, 0); err != nil {
		return 0, err
	}
	if err := ptrace(unix.PTRACE_INTERRUPT, tid, 0, 0); err != nil {
		_ = ptrace(unix.PTRACE_DETACH, tid, 0, 0)
		return 0, err
	}
	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(tid, &status, unix.WALL, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		break
	}
	if status.Exited() || status.Signaled() {
		return 0, unix.ESRCH
	}
	if !status.Stopped() || int(status)>>16 == unix.PTRACE_EVENT_STOP {
		return 0, nil
	}
	return int(status.StopSignal()), nil
}

func detachAll(seized map[int]int) error {
	var firstErr error
	for tid, sig := range seized {
		err := ptrace(unix.PTRACE_DETACH, tid, 0, uintptr(sig))
		if err != nil && !errors.Is(err, unix.ESRCH) && firstErr == nil {
			firstErr = fmt.Errorf("detach TID %d: %w", tid, err)
		}
	}
	return firstErr
}

func mapPtraceError(pid libpf.PID, err error) error {
	switch {
	case errors.Is(err, unix.EPERM):
		return fmt.Errorf("PID %v: ptrace: %w", pid, libpf.ErrPermissionDenied)
	case errors.Is(err, unix.ESRCH):
		return fmt.Errorf("PID %v: %w", pid, libpf.ErrExited)
	}
	return err
}

func (sp *systemProcess) Suspend() error {
	if sp.tracer == nil {
		return fmt.Errorf("PID %v: %w", sp.pid, ErrClosed)
	}
	if sp.seized != nil {
		return nil
	}
	seized := make(map[int]int)
	err := sp.tracer.exec(func() error {
		for pass := 0; pass < maxSeizePasses; pass++ {
			tids, err := sp.taskIDs()
			if err != nil {
				return err
			}
			added := 0
			for _, tid := range tids {
				if _, ok := seized[tid]; ok {
					continue
				}
				sig, err := seizeThread(tid)
				if errors.Is(err, unix.ESRCH) {
					// The thread exited in the meantime.
					continue
				}
				if err != nil {
					return err
				}
				seized[tid] = sig
				added++
			}
			if added == 0 {
				break
			}
		}
		if len(seized) == 0 {
			return unix.ESRCH
		}
		return nil
	})
	if err != nil {
		if derr := sp.tracer.exec(func() error { return detachAll(seized) }); derr != nil {
			log.Warnf("PID %v: %v", sp.pid, derr)
		}
		return mapPtraceError(sp.pid, err)
	}
	sp.seized = seized
	return nil
}

func (sp *systemProcess) Resume() error {
	if sp.seized == nil || sp.tracer == nil {
		return nil
	}
	seized := sp.seized
	sp.seized = nil
	return sp.tracer.exec(func() error { return detachAll(seized) })
}

func (sp *systemProcess) Threads() ([]ThreadInfo, error) {
	if sp.seized == nil {
		return nil, errors.New("process is not suspended")
	}
	infos := make([]ThreadInfo, 0, len(sp.seized))
	err := sp.tracer.exec(func() error {
		for tid := range sp.seized {
			regs, err := getRegisters(tid)
			if err != nil {
				log.Debugf("TID %d: failed to read registers: %v", tid, err)
				continue
			}
			infos = append(infos, ThreadInfo{LWP: uint32(tid), Regs: regs})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].LWP < infos[j].LWP })
	return infos, nil
}
