// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package layout holds the structure offsets of the CPython runtime for the
// supported releases on 64-bit Linux. The fields are named as they are in the
// CPython sources; the name tag carries the C member name and is marked
// optional where the member does not exist in every release.
package layout // import "github.com/pysampler/pysampler/interpreter/python/layout"

import (
	"fmt"
	"strings"

	"github.com/pysampler/pysampler/libpf"
)

// LineTableKind selects the encoding of a code object's line number table.
type LineTableKind uint8

const (
	// LineTableLnotab is the co_lnotab byte pair encoding (3.7 to 3.9).
	LineTableLnotab LineTableKind = iota
	// LineTableLinetable is the co_linetable encoding of 3.10.
	LineTableLinetable
	// LineTableLocations is the co_linetable location table of 3.11+.
	LineTableLocations
)

func (k LineTableKind) String() string {
	switch k {
	case LineTableLnotab:
		return "lnotab"
	case LineTableLinetable:
		return "linetable"
	case LineTableLocations:
		return "locations"
	}
	return fmt.Sprintf("LineTableKind(%d)", uint8(k))
}

// FrameOwnedByCStack is the _PyInterpreterFrame owner value of the shim
// frames that 3.12 pushes when the interpreter is entered from C.
const FrameOwnedByCStack = 3

// Layout is the offset table of one CPython minor release.
type Layout struct {
	Major, Minor int
	// MinPatch is the first patch release the table applies to.
	MinPatch int

	LineTable LineTableKind
	// LastIUnit converts the recorded instruction index to a byte offset.
	LastIUnit uint
	// InterpreterFrames is set when threads reference _PyInterpreterFrame
	// chains through a _PyCFrame instead of PyFrameObject chains.
	InterpreterFrames bool

	// https://github.com/python/cpython/blob/v3.12.0/Include/internal/pycore_runtime.h
	Runtime struct {
		InterpretersHead uint `name:"interpreters.head"`
	}
	// https://github.com/python/cpython/blob/v3.12.0/Include/internal/pycore_interp.h
	Interp struct {
		Next        uint `name:"next,optional"`
		ThreadsHead uint `name:"tstate_head"`
		CevalGIL    uint `name:"ceval.gil,optional"`
	}
	// _gil_runtime_state, read through Interp.CevalGIL
	GIL struct {
		LastHolder uint `name:"last_holder,optional"`
		Locked     uint `name:"locked,optional"`
	}
	// https://github.com/python/cpython/blob/v3.12.0/Include/cpython/pystate.h
	Thread struct {
		Next           uint `name:"next"`
		Interp         uint `name:"interp"`
		Frame          uint `name:"frame"`
		CurrentFrame   uint `name:"cframe.current_frame,optional"`
		ThreadID       uint `name:"thread_id"`
		NativeThreadID uint `name:"native_thread_id,optional"`
	}
	// PyFrameObject up to 3.10, _PyInterpreterFrame for 3.11+
	Frame struct {
		Back       uint `name:"f_back"`
		Code       uint `name:"f_code,optional"`
		LastI      uint `name:"f_lasti"`
		LocalsPlus uint `name:"f_localsplus"`
		IsEntry    uint `name:"is_entry,optional"`
		Owner      uint `name:"owner,optional"`
	}
	// https://github.com/python/cpython/blob/v3.12.0/Include/cpython/code.h
	Code struct {
		ArgCount        uint `name:"co_argcount"`
		PosOnlyArgCount uint `name:"co_posonlyargcount,optional"`
		KwOnlyArgCount  uint `name:"co_kwonlyargcount"`
		NLocals         uint `name:"co_nlocals"`
		Flags           uint `name:"co_flags"`
		FirstLineno     uint `name:"co_firstlineno"`
		VarNames        uint `name:"co_varnames"`
		Filename        uint `name:"co_filename"`
		Name            uint `name:"co_name"`
		QualName        uint `name:"co_qualname,optional"`
		LineTable       uint `name:"co_lnotab"`
		CodeAdaptive    uint `name:"co_code_adaptive,optional"`
	}
	// https://github.com/python/cpython/blob/v3.12.0/Include/object.h
	Object struct {
		Type      uint `name:"ob_type"`
		TypeName  uint `name:"tp_name"`
		TypeFlags uint `name:"tp_flags"`
	}
	// https://github.com/python/cpython/blob/v3.12.0/Include/cpython/unicodeobject.h
	Unicode struct {
		Length      uint `name:"length"`
		State       uint `name:"state"`
		ASCIIData   uint `name:"sizeof(PyASCIIObject)"`
		CompactData uint `name:"sizeof(PyCompactUnicodeObject)"`
	}
	Bytes struct {
		Size uint `name:"ob_size"`
		Data uint `name:"ob_sval"`
	}
	Tuple struct {
		Size  uint `name:"ob_size"`
		Items uint `name:"ob_item"`
	}
	List struct {
		Size  uint `name:"ob_size"`
		Items uint `name:"ob_item"`
	}
	// https://github.com/python/cpython/blob/v3.12.0/Include/cpython/longintrepr.h
	Long struct {
		Size   uint `name:"ob_size"`
		Digits uint `name:"ob_digit"`
		// Tagged is set for the lv_tag representation of 3.12
		Tagged bool
	}
	Float struct {
		Value uint `name:"ob_fval"`
	}
	// https://github.com/python/cpython/blob/v3.12.0/Include/internal/pycore_dict.h
	Dict struct {
		Used   uint `name:"ma_used"`
		Keys   uint `name:"ma_keys"`
		Values uint `name:"ma_values"`
	}
	DictKeys struct {
		Size           uint `name:"dk_size,optional"`
		Log2Size       uint `name:"dk_log2_size,optional"`
		Log2IndexBytes uint `name:"dk_log2_index_bytes,optional"`
		Kind           uint `name:"dk_kind,optional"`
		NEntries       uint `name:"dk_nentries"`
		Indices        uint `name:"dk_indices"`
		// Log2 is set when the table size is stored as a power of two (3.11+)
		Log2 bool
	}
}

// Version returns the release family of the layout.
func (l *Layout) Version() string {
	return fmt.Sprintf("%d.%d", l.Major, l.Minor)
}

// Type flags marking builtin subclasses, see Include/object.h
const (
	TypeFlagLongSubclass    = 1 << 24
	TypeFlagListSubclass    = 1 << 25
	TypeFlagTupleSubclass   = 1 << 26
	TypeFlagBytesSubclass   = 1 << 27
	TypeFlagUnicodeSubclass = 1 << 28
	TypeFlagDictSubclass    = 1 << 29
)

// Code object flags, see Include/cpython/code.h
const (
	CodeFlagVarArgs     = 0x4
	CodeFlagVarKeywords = 0x8
)

var layouts = map[int]*Layout{}

// register adds a layout built by fn on top of the layout of base.
func register(minor int, base *Layout, fn func(l *Layout)) *Layout {
	l := &Layout{}
	if base != nil {
		*l = *base
	}
	l.Major, l.Minor = 3, minor
	fn(l)
	layouts[minor] = l
	return l
}

func init() {
	py37 := register(7, nil, func(l *Layout) {
		l.LineTable = LineTableLnotab
		l.LastIUnit = 1

		l.Runtime.InterpretersHead = 24

		l.Interp.ThreadsHead = 8

		l.Thread.Next = 8
		l.Thread.Interp = 16
		l.Thread.Frame = 24
		l.Thread.ThreadID = 176

		l.Frame.Back = 24
		l.Frame.Code = 32
		l.Frame.LastI = 104
		l.Frame.LocalsPlus = 360

		l.Code.ArgCount = 16
		l.Code.KwOnlyArgCount = 20
		l.Code.NLocals = 24
		l.Code.Flags = 32
		l.Code.FirstLineno = 36
		l.Code.VarNames = 64
		l.Code.Filename = 96
		l.Code.Name = 104
		l.Code.LineTable = 112

		l.Object.Type = 8
		l.Object.TypeName = 24
		l.Object.TypeFlags = 168

		l.Unicode.Length = 16
		l.Unicode.State = 32
		l.Unicode.ASCIIData = 48
		l.Unicode.CompactData = 72

		l.Bytes.Size = 16
		l.Bytes.Data = 32
		l.Tuple.Size = 16
		l.Tuple.Items = 24
		l.List.Size = 16
		l.List.Items = 24
		l.Long.Size = 16
		l.Long.Digits = 24
		l.Float.Value = 16

		l.Dict.Used = 16
		l.Dict.Keys = 32
		l.Dict.Values = 40
		l.DictKeys.Size = 8
		l.DictKeys.NEntries = 32
		l.DictKeys.Indices = 40
	})

	// 3.8 adds co_posonlyargcount and the preinitialization flags of _PyRuntime.
	py38 := register(8, py37, func(l *Layout) {
		l.Runtime.InterpretersHead = 32

		l.Code.ArgCount = 16
		l.Code.PosOnlyArgCount = 20
		l.Code.KwOnlyArgCount = 24
		l.Code.NLocals = 28
		l.Code.Flags = 36
		l.Code.FirstLineno = 40
		l.Code.VarNames = 72
		l.Code.Filename = 104
		l.Code.Name = 112
		l.Code.LineTable = 120
	})

	register(9, py38, func(*Layout) {})

	py310 := register(10, py38, func(l *Layout) {
		l.LineTable = LineTableLinetable
		l.LastIUnit = 2

		l.Frame.LastI = 96
		l.Frame.LocalsPlus = 352
	})

	py311 := register(11, py310, func(l *Layout) {
		l.LineTable = LineTableLocations
		l.InterpreterFrames = true

		l.Runtime.InterpretersHead = 40

		l.Interp.ThreadsHead = 16

		l.Thread.Frame = 56
		l.Thread.CurrentFrame = 8
		l.Thread.ThreadID = 152
		l.Thread.NativeThreadID = 160

		l.Frame.Code = 32
		l.Frame.Back = 48
		l.Frame.LastI = 56
		l.Frame.IsEntry = 68
		l.Frame.Owner = 69
		l.Frame.LocalsPlus = 72

		l.Code.Flags = 48
		l.Code.ArgCount = 56
		l.Code.PosOnlyArgCount = 60
		l.Code.KwOnlyArgCount = 64
		l.Code.FirstLineno = 72
		l.Code.NLocals = 80
		l.Code.VarNames = 96
		l.Code.Filename = 112
		l.Code.Name = 120
		l.Code.QualName = 128
		l.Code.LineTable = 136
		l.Code.CodeAdaptive = 184

		l.DictKeys.Size = 0
		l.DictKeys.Log2 = true
		l.DictKeys.Log2Size = 8
		l.DictKeys.Log2IndexBytes = 9
		l.DictKeys.Kind = 10
		l.DictKeys.NEntries = 24
		l.DictKeys.Indices = 32
	})

	// 3.12 moves the eval state to the head of the interpreter and drops
	// wstr from the unicode objects.
	register(12, py311, func(l *Layout) {
		l.Runtime.InterpretersHead = 48

		l.Interp.CevalGIL = 8
		l.Interp.Next = 568
		l.Interp.ThreadsHead = 640

		l.GIL.LastHolder = 8
		l.GIL.Locked = 16

		l.Thread.CurrentFrame = 0
		l.Thread.ThreadID = 136
		l.Thread.NativeThreadID = 144

		l.Frame.Code = 0
		l.Frame.Back = 8
		l.Frame.IsEntry = 0
		l.Frame.Owner = 70

		l.Code.ArgCount = 52
		l.Code.PosOnlyArgCount = 56
		l.Code.KwOnlyArgCount = 60
		l.Code.FirstLineno = 68
		l.Code.CodeAdaptive = 192

		l.Unicode.ASCIIData = 40
		l.Unicode.CompactData = 56

		l.Long.Tagged = true
	})
}

// Lookup returns the layout for CPython version v built with the given ABI
// flags. Debug and free-threaded builds change the object header and are
// rejected, as are alpha releases whose structures are still in flux.
func Lookup(v Version, abiFlags string) (*Layout, error) {
	if strings.ContainsAny(abiFlags, "dt") {
		return nil, fmt.Errorf("Python %v with ABI flags %q: %w",
			v, abiFlags, libpf.ErrUnsupportedVersion)
	}
	l, ok := layouts[v.Minor]
	if !ok || v.Major != 3 || v.Patch < l.MinPatch || v.IsAlpha() {
		return nil, fmt.Errorf("Python %v: %w", v, libpf.ErrUnsupportedVersion)
	}
	return l, nil
}

// Supported lists the release families with a registered layout.
func Supported() []string {
	out := make([]string, 0, len(layouts))
	for minor := 7; minor <= 12; minor++ {
		if l, ok := layouts[minor]; ok {
			out = append(out, l.Version())
		}
	}
	return out
}
