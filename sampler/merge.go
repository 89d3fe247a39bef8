// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package sampler // import "github.com/pysampler/pysampler/sampler"

import (
	"slices"
	"strings"

	"github.com/pysampler/pysampler/interpreter/python"
	"github.com/pysampler/pysampler/libpf"
)

const (
	// evalFrameDefault is the evaluation loop of every supported version
	evalFrameDefault = "_PyEval_EvalFrameDefault"
)

// evalLoopWrappers call into the evaluation loop without running bytecode
// of their own.
var evalLoopWrappers = []string{"PyEval_EvalFrameEx", "_PyEval_EvalFrame"}

// evalLoopName returns the function name without the compiler's hot/cold
// split suffix.
func evalLoopName(name string) string {
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return name
}

// isEvalLoop reports whether a native symbol runs the evaluation loop.
func isEvalLoop(name string) bool {
	name = evalLoopName(name)
	return name == evalFrameDefault || slices.Contains(evalLoopWrappers, name)
}

// mergeFrames interleaves native and interpreted frames, both innermost first.
// Each native evaluation loop frame is preceded by the interpreted frames of
// its activation: the frames up to and including the next entry frame.
// Interpreted frames left when the native frames run out are appended.
func mergeFrames(native []libpf.Frame, interpreted []python.Frame) []libpf.Frame {
	out := make([]libpf.Frame, 0, len(native)+len(interpreted))
	next := 0
	prevEval := false
	for _, nf := range native {
		eval := isEvalLoop(nf.Name)
		// A wrapper directly calling the loop is part of the same activation.
		wrapper := eval && prevEval && evalLoopName(nf.Name) != evalFrameDefault
		if eval && !wrapper {
			for next < len(interpreted) {
				f := interpreted[next]
				out = append(out, f.Frame)
				next++
				if f.EntryFrame {
					break
				}
			}
			nf.IsEntry = true
		}
		out = append(out, nf)
		prevEval = eval
	}
	for _, f := range interpreted[next:] {
		out = append(out, f.Frame)
	}
	return out
}

// interpretedOnly converts interpreted frames to trace frames.
func interpretedOnly(interpreted []python.Frame) []libpf.Frame {
	out := make([]libpf.Frame, 0, len(interpreted))
	for _, f := range interpreted {
		out = append(out, f.Frame)
	}
	return out
}
