// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/pysampler/pysampler/libpf"

import "errors"

var (
	// ErrProcessNotFound is returned when the target PID does not exist.
	ErrProcessNotFound = errors.New("process not found")

	// ErrPermissionDenied is returned when the OS refuses access to the target.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrPlatformUnsupported is returned on operating systems or architectures
	// without remote memory access support.
	ErrPlatformUnsupported = errors.New("platform not supported")

	// ErrUnsupportedVersion is returned when no layout is registered for the
	// interpreter version found in the target.
	ErrUnsupportedVersion = errors.New("unsupported interpreter version")

	// ErrRootNotFound is returned when the interpreter state could not be located.
	ErrRootNotFound = errors.New("interpreter root not found")

	// ErrUnwind is returned when native unwinding of a thread failed.
	ErrUnwind = errors.New("native unwinding failed")

	// ErrExited is returned when the target process went away.
	ErrExited = errors.New("process exited")
)

// IsFatal reports whether err ends a sampling session. Read and unwind errors
// are recoverable and are handled where they occur.
func IsFatal(err error) bool {
	return errors.Is(err, ErrProcessNotFound) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrPlatformUnsupported) ||
		errors.Is(err, ErrExited)
}
