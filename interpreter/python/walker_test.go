// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package python

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pysampler/pysampler/libpf"
)

func TestWalkThreads(t *testing.T) {
	for _, minor := range []int{7, 8, 9, 10, 11, 12} {
		t.Run(fmt.Sprintf("3.%d", minor), func(t *testing.T) {
			f := newFakeTarget(t, minor)
			mainCode := f.code(fakeCode{
				name: "<module>", filename: "/app/main.py", firstLine: 1,
				lineTable: f.lineTableFor(9),
			})
			workCode := f.code(fakeCode{
				name: "work", filename: "/app/main.py", firstLine: 3,
				lineTable: f.lineTableFor(2),
			})
			outer := f.frame(fakeFrame{code: mainCode, instr: 4, entry: true})
			inner := f.frame(fakeFrame{code: workCode, back: outer, instr: 4})
			interp, tstates := f.interpreter(inner, 0)

			w := f.walker()
			threads, err := w.Threads(interp)
			require.NoError(t, err)
			require.Len(t, threads, 2)
			assert.Equal(t, tstates[0], threads[0].Addr)
			assert.Equal(t, uint64(0x7f0000), threads[0].ThreadID)
			assert.Equal(t, uint64(0x7f0001), threads[1].ThreadID)
			if minor >= 11 {
				assert.Equal(t, uint32(1000), threads[0].NativeThreadID)
			} else {
				assert.Zero(t, threads[0].NativeThreadID)
			}

			back, err := w.InterpreterOf(threads[0].Addr)
			require.NoError(t, err)
			assert.Equal(t, interp, back)

			frames, err := w.Walk(&threads[0], false)
			require.NoError(t, err)
			require.Len(t, frames, 2)
			assert.Equal(t, "work", frames[0].Name)
			assert.Equal(t, "/app/main.py", frames[0].Filename)
			assert.Equal(t, int32(5), frames[0].Line)
			assert.Equal(t, "<module>", frames[1].Name)
			assert.Equal(t, int32(10), frames[1].Line)
			assert.Equal(t, minor < 11, frames[0].EntryFrame)
			assert.True(t, frames[1].EntryFrame)
			assert.Nil(t, frames[0].Locals)

			frames, err = w.Walk(&threads[1], false)
			require.NoError(t, err)
			assert.Empty(t, frames)
		})
	}
}

func TestWalkShimFrames(t *testing.T) {
	f := newFakeTarget(t, 12)
	code := func(name string) libpf.Address {
		return f.code(fakeCode{name: name, filename: "/app/cb.py", firstLine: 1,
			lineTable: f.lineTableFor(0)})
	}
	outer := f.frame(fakeFrame{code: code("main")})
	callback := f.frame(fakeFrame{code: code("callback"), back: outer})
	shim := f.frame(fakeFrame{code: code("<shim>"), back: callback, shim: true})
	inner := f.frame(fakeFrame{code: code("handler"), back: shim})
	interp, _ := f.interpreter(inner)

	w := f.walker()
	threads, err := w.Threads(interp)
	require.NoError(t, err)
	frames, err := w.Walk(&threads[0], false)
	require.NoError(t, err)

	var names []string
	var entries []bool
	for _, fr := range frames {
		names = append(names, fr.Name)
		entries = append(entries, fr.EntryFrame)
	}
	assert.Equal(t, []string{"handler", "callback", "main"}, names)
	assert.Equal(t, []bool{true, false, true}, entries)
}

func TestThreadListErrors(t *testing.T) {
	t.Run("cycle", func(t *testing.T) {
		f := newFakeTarget(t, 10)
		interp, tstates := f.interpreter(0, 0)
		f.snap.WritePtr(tstates[1]+libpf.Address(f.l.Thread.Next), tstates[0])
		_, err := f.walker().Threads(interp)
		require.ErrorIs(t, err, ErrThreadListCycle)
	})
	t.Run("too many", func(t *testing.T) {
		f := newFakeTarget(t, 10)
		interp, _ := f.interpreter(0, 0, 0)
		w, err := NewWalker(f.rm(), f.l, 2, 128)
		require.NoError(t, err)
		_, err = w.Threads(interp)
		require.ErrorIs(t, err, ErrTooManyThreads)
	})
	t.Run("unreadable", func(t *testing.T) {
		f := newFakeTarget(t, 10)
		interp, tstates := f.interpreter(0)
		f.snap.WritePtr(tstates[0]+libpf.Address(f.l.Thread.Next), 0xdead0000)
		_, err := f.walker().Threads(interp)
		require.Error(t, err)
	})
}

func TestWalkTruncation(t *testing.T) {
	tests := map[string]struct {
		// build returns the innermost frame
		build    func(f *fakeTarget, code libpf.Address) libpf.Address
		expected int
		wantErr  bool
	}{
		"unreadable back": {
			build: func(f *fakeTarget, code libpf.Address) libpf.Address {
				return f.frame(fakeFrame{code: code, back: 0xdead0000})
			},
			expected: 1,
		},
		"invalid code in caller": {
			build: func(f *fakeTarget, code libpf.Address) libpf.Address {
				outer := f.frame(fakeFrame{code: f.none()})
				return f.frame(fakeFrame{code: code, back: outer})
			},
			expected: 1,
		},
		"cycle": {
			build: func(f *fakeTarget, code libpf.Address) libpf.Address {
				fr := f.frame(fakeFrame{code: code})
				f.snap.WritePtr(fr+libpf.Address(f.l.Frame.Back), fr)
				return fr
			},
			expected: 1,
		},
		"depth limit": {
			build: func(f *fakeTarget, code libpf.Address) libpf.Address {
				var fr libpf.Address
				for i := 0; i < 200; i++ {
					fr = f.frame(fakeFrame{code: code, back: fr})
				}
				return fr
			},
			expected: 128,
		},
		"innermost unreadable": {
			build: func(f *fakeTarget, code libpf.Address) libpf.Address {
				return f.frame(fakeFrame{code: 0xdead0000})
			},
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFakeTarget(t, 9)
			code := f.code(fakeCode{name: "f", filename: "f.py", firstLine: 1,
				lineTable: f.lineTableFor(0)})
			interp, _ := f.interpreter(tc.build(f, code))
			w := f.walker()
			threads, err := w.Threads(interp)
			require.NoError(t, err)
			frames, err := w.Walk(&threads[0], false)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, frames, tc.expected)
		})
	}
}

func TestCodeCacheRevalidation(t *testing.T) {
	f := newFakeTarget(t, 11)
	code := f.code(fakeCode{name: "f", filename: "old.py", firstLine: 1,
		lineTable: f.lineTableFor(0)})
	interp, _ := f.interpreter(f.frame(fakeFrame{code: code}))
	w := f.walker()
	threads, err := w.Threads(interp)
	require.NoError(t, err)

	frames, err := w.Walk(&threads[0], false)
	require.NoError(t, err)
	assert.Equal(t, "old.py", frames[0].Filename)

	// The code object is freed and its memory reused for another one
	f.snap.WritePtr(code+libpf.Address(f.l.Code.Filename), f.str("new.py"))
	frames, err = w.Walk(&threads[0], false)
	require.NoError(t, err)
	assert.Equal(t, "new.py", frames[0].Filename)
}

func TestIsCodeObject(t *testing.T) {
	f := newFakeTarget(t, 12)
	code := f.code(fakeCode{name: "f", filename: "f.py"})
	w := f.walker()
	assert.True(t, w.IsCodeObject(code))
	assert.False(t, w.IsCodeObject(f.none()))
	assert.False(t, w.IsCodeObject(0xdead0000))
}
