// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package sampler // import "github.com/pysampler/pysampler/sampler"

import (
	"debug/elf"

	"github.com/pysampler/pysampler/interpreter/python"
	"github.com/pysampler/pysampler/process"
)

// maxTCBDistance is the largest distance between the arm64 thread pointer
// and the pthread handle below it. glibc places struct pthread right before
// the TCB the thread pointer refers to.
const maxTCBDistance = 0x1000

// osThreadIDs maps interpreter threads to kernel task IDs. Versions recording
// native_thread_id map directly. Older versions only record the pthread
// handle, which is matched against the thread pointer of each task. Threads
// that cannot be mapped are absent from the result.
func osThreadIDs(threads []python.Thread, tasks []process.ThreadInfo,
	machine elf.Machine) map[uint64]uint32 {
	tids := make(map[uint64]uint32, len(threads))
	for i := range threads {
		t := &threads[i]
		if t.NativeThreadID != 0 {
			tids[t.ThreadID] = t.NativeThreadID
			continue
		}
		if tid, ok := matchThreadPointer(t.ThreadID, tasks, machine); ok {
			tids[t.ThreadID] = tid
		}
	}
	return tids
}

// matchThreadPointer finds the task whose thread pointer belongs to the
// pthread handle.
func matchThreadPointer(handle uint64, tasks []process.ThreadInfo,
	machine elf.Machine) (uint32, bool) {
	if handle == 0 {
		return 0, false
	}
	best, bestDist := uint32(0), uint64(maxTCBDistance+1)
	for i := range tasks {
		tls := tasks[i].Regs.TLS
		switch machine {
		case elf.EM_AARCH64:
			if tls > handle && tls-handle < bestDist {
				best, bestDist = tasks[i].LWP, tls-handle
			}
		default:
			// On x86-64 the thread pointer is the pthread handle.
			if tls == handle {
				return tasks[i].LWP, true
			}
		}
	}
	return best, bestDist <= maxTCBDistance
}
