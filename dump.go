// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/peterbourgon/ff/v3/ffcli"
	gpsprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/pysampler/pysampler/libpf"
	"github.com/pysampler/pysampler/sampler"
)

type dumpCmd struct {
	target targetArgs
	locals bool
	json   bool
	out    io.Writer
}

func newDumpCmd(g *globalArgs, out io.Writer) *ffcli.Command {
	args := &dumpCmd{out: out}

	set := flag.NewFlagSet("dump", flag.ContinueOnError)
	args.target.register(set)
	set.BoolVar(&args.locals, "locals", false, localsHelp)
	set.BoolVar(&args.json, "json", false, jsonHelp)

	return &ffcli.Command{
		Name:       "dump",
		Exec:       args.exec,
		ShortUsage: "dump -pid N [-native] [-locals] [-nonblocking] [-json]",
		ShortHelp:  "Print the current stack of every thread",
		FlagSet:    set,
		Options:    g.options(false),
	}
}

// dumpOutput is the JSON document written by dump.
type dumpOutput struct {
	PID     libpf.PID          `json:"pid"`
	Version string             `json:"python_version"`
	Command string             `json:"command,omitempty"`
	Threads []libpf.StackTrace `json:"threads"`
}

func (cmd *dumpCmd) exec(ctx context.Context, _ []string) error {
	if err := cmd.target.validate(); err != nil {
		return err
	}
	cfg := cmd.target.config()
	cfg.DumpLocals = cmd.locals

	s, err := sampler.RetryNew(ctx, cmd.target.PID(), cfg, cmd.target.attempts)
	if err != nil {
		return fmt.Errorf("failed to attach to PID %d: %w", cmd.target.pid, err)
	}
	defer s.Close()

	traces, err := s.GetStackTraces()
	if err != nil {
		return fmt.Errorf("failed to sample PID %d: %w", cmd.target.pid, err)
	}

	doc := dumpOutput{
		PID:     s.PID(),
		Version: s.Version().String(),
		Command: commandLine(s.PID()),
		Threads: traces,
	}
	if cmd.json {
		return writeDumpJSON(cmd.out, &doc)
	}
	return writeDump(cmd.out, &doc, cmd.locals)
}

func writeDumpJSON(w io.Writer, doc *dumpOutput) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// commandLine returns the command line of pid, or an empty string.
func commandLine(pid libpf.PID) string {
	p, err := gpsprocess.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	cmdline, err := p.Cmdline()
	if err != nil {
		return ""
	}
	return cmdline
}

// writeDump prints the traces in a human readable layout.
func writeDump(w io.Writer, doc *dumpOutput, withLocals bool) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Process %d: %s\n", doc.PID, doc.Command)
	fmt.Fprintf(&sb, "Python v%s\n", doc.Version)
	for i := range doc.Threads {
		t := &doc.Threads[i]
		state := "idle"
		if t.Active {
			state = "active"
		}
		if t.OwnsGIL {
			state += "+gil"
		}
		fmt.Fprintf(&sb, "\nThread 0x%X (%s)", t.ThreadID, state)
		if t.OSThreadID != 0 {
			fmt.Fprintf(&sb, " [tid %d]", t.OSThreadID)
		}
		sb.WriteString("\n")
		for j := range t.Frames {
			f := &t.Frames[j]
			fmt.Fprintf(&sb, "    %s\n", frameLabel(f))
			if withLocals {
				writeLocals(&sb, f.Locals)
			}
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// frameLabel formats a frame as "name (file:line)" or "name (module)".
func frameLabel(f *libpf.Frame) string {
	if f.IsNative {
		return fmt.Sprintf("%s (%s)", f.Name, filepath.Base(f.Module))
	}
	return fmt.Sprintf("%s (%s:%d)", f.Name, f.Filename, f.Line)
}

func writeLocals(sb *strings.Builder, locals []libpf.LocalVariable) {
	header := ""
	for _, v := range locals {
		h := "Locals:"
		if v.IsArgument {
			h = "Arguments:"
		}
		if h != header {
			header = h
			fmt.Fprintf(sb, "        %s\n", header)
		}
		repr := "?"
		if v.Repr != nil {
			repr = *v.Repr
		}
		fmt.Fprintf(sb, "            %s: %s\n", v.Name, repr)
	}
}
