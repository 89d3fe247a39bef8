// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package python // import "github.com/pysampler/pysampler/interpreter/python"

import (
	"errors"
	"fmt"

	lru "github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"

	"github.com/pysampler/pysampler/interpreter/python/layout"
	"github.com/pysampler/pysampler/libpf"
	npsr "github.com/pysampler/pysampler/nopanicslicereader"
	"github.com/pysampler/pysampler/remotememory"
)

const (
	// codeCacheSize is the number of decoded code objects kept per walker
	codeCacheSize = 4096
	// typeCacheSize is the number of type objects kept per walker
	typeCacheSize = 256
	// maxLineTableLen limits the size of line tables read from the target
	maxLineTableLen = 64 * 1024
	// maxVarNames limits the number of local variable names read per code object
	maxVarNames = 4096
)

var (
	// ErrThreadListCycle is returned when the thread list of the interpreter
	// does not terminate, typically because it changed while being read.
	ErrThreadListCycle = errors.New("thread list cycle")

	// ErrTooManyThreads is returned when the interpreter has more threads
	// than the configured limit.
	ErrTooManyThreads = errors.New("too many threads")

	errNotCode = errors.New("not a code object")
)

// Thread is a PyThreadState of the target.
type Thread struct {
	// Addr is the address of the PyThreadState
	Addr libpf.Address
	// ThreadID is the pthread handle recorded by the interpreter
	ThreadID uint64
	// NativeThreadID is the kernel task ID, zero before 3.11
	NativeThreadID uint32
	// frame is the innermost frame, zero for idle threads
	frame libpf.Address
}

// Frame is an interpreted frame.
type Frame struct {
	libpf.Frame
	// EntryFrame is set on the outermost frame of an evaluation loop
	// activation, the frame that was entered from native code.
	EntryFrame bool
}

// codeObject contains the information cached for a PyCodeObject.
type codeObject struct {
	name     string
	filename string

	firstLineNo uint32
	lineTable   []byte

	argCount       uint32
	kwOnlyArgCount uint32
	nLocals        uint32
	flags          uint32

	// varNamesAddr is the tuple of local variable names, decoded on demand
	varNamesAddr libpf.Address
	varNames     []string

	// filenamePtr and firstLineNo are compared on reuse of a cached entry to
	// detect a code object that was freed and its memory reused.
	filenamePtr libpf.Address
}

// numArguments returns how many of the leading locals are arguments.
func (c *codeObject) numArguments() int {
	n := int(c.argCount) + int(c.kwOnlyArgCount)
	if c.flags&layout.CodeFlagVarArgs != 0 {
		n++
	}
	if c.flags&layout.CodeFlagVarKeywords != 0 {
		n++
	}
	return n
}

// Walker reads the thread list and frame chains of one interpreter.
// A Walker is not safe for concurrent use.
type Walker struct {
	objectReader

	maxThreads int
	maxDepth   int

	// codeSize is the size of the PyCodeObject prefix read per code object
	codeSize uint
	// frameSize is the size of the frame prefix read per frame
	frameSize uint

	codeCache *lru.LRU[libpf.Address, *codeObject]
	typeCache *lru.LRU[libpf.Address, typeInfo]
}

// NewWalker returns a Walker for an interpreter with the given layout.
func NewWalker(rm remotememory.RemoteMemory, l *layout.Layout, maxThreads, maxDepth int) (
	*Walker, error) {
	codeCache, err := lru.New[libpf.Address, *codeObject](codeCacheSize,
		libpf.Address.Hash32)
	if err != nil {
		return nil, err
	}
	typeCache, err := lru.New[libpf.Address, typeInfo](typeCacheSize,
		libpf.Address.Hash32)
	if err != nil {
		return nil, err
	}
	codeSize := max(l.Code.LineTable, l.Code.QualName, l.Code.VarNames, l.Code.Filename,
		l.Code.Name) + 8
	frameSize := max(l.Frame.Back, l.Frame.Code, l.Frame.LastI, l.Frame.IsEntry,
		l.Frame.Owner) + 8
	return &Walker{
		objectReader: objectReader{rm: rm, layout: l},
		maxThreads:   maxThreads,
		maxDepth:     maxDepth,
		codeSize:     codeSize,
		frameSize:    frameSize,
		codeCache:    codeCache,
		typeCache:    typeCache,
	}, nil
}

// Layout returns the layout the walker decodes with.
func (w *Walker) Layout() *layout.Layout {
	return w.layout
}

// Threads returns the threads of the interpreter at interp in list order.
func (w *Walker) Threads(interp libpf.Address) ([]Thread, error) {
	l := w.layout
	head, err := w.rm.PtrChecked(interp + libpf.Address(l.Interp.ThreadsHead))
	if err != nil {
		return nil, fmt.Errorf("failed to read thread list head: %w", err)
	}
	size := max(l.Thread.Next, l.Thread.Frame, l.Thread.ThreadID, l.Thread.NativeThreadID) + 8
	buf := make([]byte, size)

	var threads []Thread
	visited := make(map[libpf.Address]libpf.Void)
	for addr := head; addr != 0; {
		if _, ok := visited[addr]; ok {
			return nil, ErrThreadListCycle
		}
		if len(threads) >= w.maxThreads {
			return nil, fmt.Errorf("more than %d threads: %w", w.maxThreads, ErrTooManyThreads)
		}
		visited[addr] = libpf.Void{}

		if err := w.rm.Read(addr, buf); err != nil {
			return nil, fmt.Errorf("failed to read thread state: %w", err)
		}
		t := Thread{
			Addr:     addr,
			ThreadID: npsr.Uint64(buf, l.Thread.ThreadID),
		}
		if l.Thread.NativeThreadID != 0 {
			t.NativeThreadID = uint32(npsr.Uint64(buf, l.Thread.NativeThreadID))
		}
		frame := npsr.Ptr(buf, l.Thread.Frame)
		if l.InterpreterFrames && frame != 0 {
			// Thread.Frame points to the _PyCFrame
			if frame, err = w.rm.PtrChecked(frame + libpf.Address(l.Thread.CurrentFrame)); err != nil {
				log.Debugf("Thread 0x%x: failed to read current frame: %v", addr, err)
				frame = 0
			}
		}
		t.frame = frame
		threads = append(threads, t)
		addr = npsr.Ptr(buf, l.Thread.Next)
	}
	return threads, nil
}

// InterpreterOf returns the interpreter a thread state belongs to.
func (w *Walker) InterpreterOf(tstate libpf.Address) (libpf.Address, error) {
	return w.rm.PtrChecked(tstate + libpf.Address(w.layout.Thread.Interp))
}

// Walk returns the frames of a thread, innermost first. A read failure in the
// middle of the chain truncates the result at the last good frame; an error
// is only returned when no frame could be read.
func (w *Walker) Walk(t *Thread, withLocals bool) ([]Frame, error) {
	l := w.layout
	frames := make([]Frame, 0, 16)
	visited := make(map[libpf.Address]libpf.Void)
	buf := make([]byte, w.frameSize)

	var walkErr error
	addr := t.frame
	for addr != 0 {
		if len(frames) >= w.maxDepth {
			log.Debugf("Thread %d: stack truncated at %d frames", t.ThreadID, w.maxDepth)
			break
		}
		if _, ok := visited[addr]; ok {
			log.Debugf("Thread %d: frame cycle at 0x%x", t.ThreadID, addr)
			break
		}
		visited[addr] = libpf.Void{}

		if err := w.rm.Read(addr, buf); err != nil {
			walkErr = fmt.Errorf("failed to read frame 0x%x: %w", addr, err)
			break
		}
		back := npsr.Ptr(buf, l.Frame.Back)

		if l.Frame.IsEntry == 0 && l.Frame.Owner != 0 &&
			npsr.Uint8(buf, l.Frame.Owner) == layout.FrameOwnedByCStack {
			// Shim frame pushed when the evaluation loop is entered from C
			if len(frames) > 0 {
				frames[len(frames)-1].EntryFrame = true
			}
			addr = back
			continue
		}

		codeAddr := npsr.Ptr(buf, l.Frame.Code)
		code, err := w.code(codeAddr)
		if err != nil {
			walkErr = fmt.Errorf("frame 0x%x: code object 0x%x: %w", addr, codeAddr, err)
			break
		}

		f := Frame{
			Frame: libpf.Frame{
				Name:     code.name,
				Filename: code.filename,
				Line:     int32(lineNumber(l.LineTable, code.lineTable, code.firstLineNo,
					w.instructionIndex(buf, codeAddr))),
			},
			EntryFrame: back == 0,
		}
		switch {
		case !l.InterpreterFrames:
			// Every PyFrameObject runs in its own evaluation loop activation
			f.EntryFrame = true
		case l.Frame.IsEntry != 0:
			f.EntryFrame = f.EntryFrame || npsr.Uint8(buf, l.Frame.IsEntry) != 0
		}
		if withLocals {
			f.Locals = w.locals(addr, code)
		}
		frames = append(frames, f)
		addr = back
	}

	if len(frames) == 0 && walkErr != nil {
		return nil, walkErr
	}
	if walkErr != nil {
		log.Debugf("Thread %d: truncated after %d frames: %v", t.ThreadID, len(frames), walkErr)
	}
	return frames, nil
}

// instructionIndex returns the position of the last executed instruction of
// a frame in the unit lineNumber expects.
func (w *Walker) instructionIndex(frame []byte, codeAddr libpf.Address) int64 {
	l := w.layout
	if !l.InterpreterFrames {
		return int64(npsr.Int32(frame, l.Frame.LastI)) * int64(l.LastIUnit)
	}
	prevInstr := npsr.Ptr(frame, l.Frame.LastI)
	first := codeAddr + libpf.Address(l.Code.CodeAdaptive)
	if prevInstr < first {
		return -1
	}
	return int64(prevInstr-first) / 2
}

// code returns the decoded code object at addr, from cache when it is still valid.
func (w *Walker) code(addr libpf.Address) (*codeObject, error) {
	if addr == 0 {
		return nil, errNotCode
	}
	l := w.layout
	buf := make([]byte, w.codeSize)
	if err := w.rm.Read(addr, buf); err != nil {
		return nil, err
	}
	filenamePtr := npsr.Ptr(buf, l.Code.Filename)
	firstLineNo := npsr.Uint32(buf, l.Code.FirstLineno)
	if cached, ok := w.codeCache.Get(addr); ok {
		if cached.filenamePtr == filenamePtr && cached.firstLineNo == firstLineNo {
			return cached, nil
		}
		w.codeCache.Remove(addr)
	}

	typeAddr := npsr.Ptr(buf, l.Object.Type)
	ti, err := w.typeInfo(typeAddr)
	if err != nil {
		return nil, err
	}
	if ti.name != "code" {
		return nil, fmt.Errorf("type %q: %w", ti.name, errNotCode)
	}

	c := &codeObject{
		filename:       w.stringOrUnknown(filenamePtr),
		filenamePtr:    filenamePtr,
		firstLineNo:    firstLineNo,
		argCount:       npsr.Uint32(buf, l.Code.ArgCount),
		kwOnlyArgCount: npsr.Uint32(buf, l.Code.KwOnlyArgCount),
		nLocals:        npsr.Uint32(buf, l.Code.NLocals),
		flags:          npsr.Uint32(buf, l.Code.Flags),
		varNamesAddr:   npsr.Ptr(buf, l.Code.VarNames),
	}
	nameOffs := l.Code.Name
	if l.Code.QualName != 0 {
		nameOffs = l.Code.QualName
	}
	c.name = w.stringOrUnknown(npsr.Ptr(buf, nameOffs))

	if table := npsr.Ptr(buf, l.Code.LineTable); table != 0 {
		if c.lineTable, err = w.bytesObject(table, maxLineTableLen); err != nil {
			log.Debugf("code 0x%x: failed to read line table: %v", addr, err)
		}
	}
	w.codeCache.Add(addr, c)
	return c, nil
}

// typeInfo returns the cached type information of a type object.
func (w *Walker) typeInfo(addr libpf.Address) (typeInfo, error) {
	if ti, ok := w.typeCache.Get(addr); ok {
		return ti, nil
	}
	ti, err := w.readType(addr)
	if err != nil {
		return typeInfo{}, err
	}
	w.typeCache.Add(addr, ti)
	return ti, nil
}

// IsCodeObject reports whether addr holds an object of type "code".
func (w *Walker) IsCodeObject(addr libpf.Address) bool {
	typeAddr, err := w.typeOf(addr)
	if err != nil {
		return false
	}
	ti, err := w.typeInfo(typeAddr)
	return err == nil && ti.name == "code"
}
