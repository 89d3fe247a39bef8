// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/pysampler/pysampler/libpf"
	"github.com/pysampler/pysampler/process"
	"github.com/pysampler/pysampler/symbolicator"
)

type addressCmd struct {
	pid int
	out io.Writer
}

func newAddressCmd(g *globalArgs, out io.Writer) *ffcli.Command {
	args := &addressCmd{out: out}

	set := flag.NewFlagSet("address", flag.ContinueOnError)
	set.IntVar(&args.pid, "pid", os.Getpid(), pidHelp)

	return &ffcli.Command{
		Name:       "address",
		Exec:       args.exec,
		ShortUsage: "address [-pid N] name...",
		ShortHelp:  "Print the runtime address of exported symbols",
		FlagSet:    set,
		Options:    g.options(false),
	}
}

func (cmd *addressCmd) exec(_ context.Context, names []string) error {
	if cmd.pid <= 0 {
		return errNoPID
	}
	if len(names) == 0 {
		return errors.New("please specify at least one symbol name")
	}

	proc, err := process.Open(libpf.PID(cmd.pid))
	if err != nil {
		return err
	}
	defer proc.Close()

	syms, err := symbolicator.New(proc)
	if err != nil {
		return fmt.Errorf("failed to load symbols of PID %d: %w", cmd.pid, err)
	}
	return writeAddresses(cmd.out, syms, names)
}

// addressResolver resolves symbol names of a process.
type addressResolver interface {
	AddressOf(name string) (libpf.Address, bool)
}

func writeAddresses(w io.Writer, syms addressResolver, names []string) error {
	for _, name := range names {
		var err error
		if addr, ok := syms.AddressOf(name); ok {
			_, err = fmt.Fprintf(w, "%s: 0x%016x\n", name, uint64(addr))
		} else {
			_, err = fmt.Fprintf(w, "%s: N/A\n", name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
