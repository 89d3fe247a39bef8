// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/pysampler/pysampler/libpf"

// LocalVariable is one argument or local slot of an interpreted frame.
type LocalVariable struct {
	// Name is the variable name as declared in the source.
	Name string `json:"name"`
	// IsArgument is true for the parameters of the function.
	IsArgument bool `json:"is_argument"`
	// Repr is the rendered value, or nil when it could not be read or its
	// type is not one of the recognized encodings.
	Repr *string `json:"repr,omitempty"`
}

// Frame represents one frame in a stack trace.
type Frame struct {
	// Name is the function name (qualified name when the runtime records one).
	Name string `json:"name"`
	// Filename is the source file for interpreted frames and the module path
	// for native frames.
	Filename string `json:"filename"`
	// Line is the source line number, zero when unknown.
	Line int32 `json:"line"`
	// Locals is nil unless locals were requested. An empty non-nil slice means
	// the frame has no locals, and is encoded as [] rather than null.
	Locals []LocalVariable `json:"locals"`
	// IsNative is set for frames recovered by native unwinding.
	IsNative bool `json:"is_native"`
	// IsEntry marks the native frame of the interpreter's evaluation loop.
	IsEntry bool `json:"is_entry,omitempty"`
	// Module is the path of the file mapping a native frame's address.
	Module string `json:"module,omitempty"`
	// Address is the instruction address of a native frame.
	Address Address `json:"address,omitempty"`
}

// StackTrace is the call stack of one thread at the time of a sample.
type StackTrace struct {
	PID PID `json:"pid"`
	// ThreadID is the interpreter's thread identifier.
	ThreadID uint64 `json:"thread_id"`
	// OSThreadID is the kernel task ID when it could be resolved, zero otherwise.
	OSThreadID uint32 `json:"os_thread_id,omitempty"`
	Active     bool   `json:"active"`
	OwnsGIL    bool   `json:"owns_gil"`
	// Frames are ordered innermost first.
	Frames []Frame `json:"frames"`
}
