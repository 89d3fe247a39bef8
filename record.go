// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"cmp"
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/pysampler/pysampler/libpf"
	"github.com/pysampler/pysampler/sampler"
)

type recordCmd struct {
	target   targetArgs
	rate     int
	duration time.Duration
	output   string
	idle     bool
	threads  bool
	out      io.Writer
}

func newRecordCmd(g *globalArgs, out io.Writer) *ffcli.Command {
	args := &recordCmd{out: out}

	set := flag.NewFlagSet("record", flag.ContinueOnError)
	args.target.register(set)
	set.IntVar(&args.rate, "rate", defaultArgRate, rateHelp)
	set.DurationVar(&args.duration, "duration", defaultArgDuration, durationHelp)
	set.StringVar(&args.output, "o", "", outputHelp)
	set.BoolVar(&args.idle, "idle", false, idleHelp)
	set.BoolVar(&args.threads, "threads", false, threadsHelp)

	return &ffcli.Command{
		Name:       "record",
		Exec:       args.exec,
		ShortUsage: "record -pid N [-rate 100] [-duration 10s] [-o out.txt]",
		ShortHelp:  "Sample a process and write folded stacks",
		FlagSet:    set,
		Options:    g.options(false),
	}
}

func (cmd *recordCmd) exec(ctx context.Context, _ []string) (err error) {
	if err = cmd.target.validate(); err != nil {
		return err
	}
	if cmd.rate <= 0 || cmd.rate > 10000 {
		return fmt.Errorf("invalid argument for -rate: %d", cmd.rate)
	}
	if cmd.duration < 0 {
		return fmt.Errorf("invalid argument for -duration: %v", cmd.duration)
	}

	s, err := sampler.RetryNew(ctx, cmd.target.PID(), cmd.target.config(), cmd.target.attempts)
	if err != nil {
		return fmt.Errorf("failed to attach to PID %d: %w", cmd.target.pid, err)
	}
	defer s.Close()
	log.Infof("Sampling PID %d (Python %v) at %d Hz", s.PID(), s.Version(), cmd.rate)

	if cmd.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.duration)
		defer cancel()
	}

	stacks := newFoldedStacks(cmd.threads)
	errCount := 0
	ticker := time.NewTicker(time.Second / time.Duration(cmd.rate))
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			traces, err := s.GetStackTraces()
			if err != nil {
				if errors.Is(err, libpf.ErrExited) {
					log.Infof("Process %d exited", s.PID())
					break loop
				}
				if libpf.IsFatal(err) {
					return err
				}
				errCount++
				log.Debugf("Sample failed: %v", err)
				continue
			}
			for i := range traces {
				if cmd.idle || traces[i].Active {
					stacks.add(&traces[i])
				}
			}
		}
	}
	st := s.Stats()
	log.Infof("Collected %d samples, %d failed, %d distinct stacks",
		st.Samples, errCount, stacks.size())

	w := cmd.out
	if cmd.output != "" {
		f, err := os.Create(cmd.output)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		w = f
	}
	return stacks.write(w)
}

// foldedStack is one distinct stack and its number of samples.
type foldedStack struct {
	line  string
	count uint64
}

// foldedStacks aggregates samples by an xxh3 hash of their frames.
type foldedStacks struct {
	withThread bool
	stacks     map[uint64]*foldedStack
}

func newFoldedStacks(withThread bool) *foldedStacks {
	return &foldedStacks{
		withThread: withThread,
		stacks:     make(map[uint64]*foldedStack),
	}
}

// stackHash hashes the parts of a trace that appear in its folded line.
func (fs *foldedStacks) stackHash(t *libpf.StackTrace) uint64 {
	h := xxh3.New()
	var buf [8]byte
	if fs.withThread {
		binary.LittleEndian.PutUint64(buf[:], t.ThreadID)
		_, _ = h.Write(buf[:])
	}
	for i := range t.Frames {
		f := &t.Frames[i]
		_, _ = h.WriteString(f.Name)
		_, _ = h.Write([]byte{0})
		if f.IsNative {
			_, _ = h.WriteString(f.Module)
		} else {
			_, _ = h.WriteString(f.Filename)
			binary.LittleEndian.PutUint32(buf[:4], uint32(f.Line))
			_, _ = h.Write(buf[:4])
		}
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

func (fs *foldedStacks) add(t *libpf.StackTrace) {
	key := fs.stackHash(t)
	if st, ok := fs.stacks[key]; ok {
		st.count++
		return
	}
	fs.stacks[key] = &foldedStack{line: fs.fold(t), count: 1}
}

// fold renders the frames outermost first, separated by semicolons.
func (fs *foldedStacks) fold(t *libpf.StackTrace) string {
	parts := make([]string, 0, len(t.Frames)+1)
	if fs.withThread {
		parts = append(parts, fmt.Sprintf("thread (0x%X)", t.ThreadID))
	}
	for i := len(t.Frames) - 1; i >= 0; i-- {
		// Semicolons separate frames in the collapsed format.
		parts = append(parts, strings.ReplaceAll(frameLabel(&t.Frames[i]), ";", ":"))
	}
	return strings.Join(parts, ";")
}

func (fs *foldedStacks) size() int {
	return len(fs.stacks)
}

// write prints "stack count" lines, the most frequent stacks first.
func (fs *foldedStacks) write(w io.Writer) error {
	stacks := make([]*foldedStack, 0, len(fs.stacks))
	for _, st := range fs.stacks {
		stacks = append(stacks, st)
	}
	slices.SortFunc(stacks, func(a, b *foldedStack) int {
		if c := cmp.Compare(b.count, a.count); c != 0 {
			return c
		}
		return strings.Compare(a.line, b.line)
	})

	bw := bufio.NewWriter(w)
	for _, st := range stacks {
		if _, err := fmt.Fprintf(bw, "%s %d\n", st.line, st.count); err != nil {
			return err
		}
	}
	return bw.Flush()
}
