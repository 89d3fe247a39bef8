// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// pysampler takes stack samples of running CPython processes.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/pysampler/pysampler/libpf"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
	// exitPermission is returned when the target cannot be inspected
	exitPermission exitCode = 3
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{})

	ctx, cancel := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer cancel()

	g := &globalArgs{}
	root := newRootCmd(g, os.Stdout)
	if err := root.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitSuccess
		}
		log.Errorf("Failure to parse arguments: %v", err)
		return exitParseError
	}
	g.apply()

	if err := root.Run(ctx); err != nil {
		switch {
		case errors.Is(err, flag.ErrHelp):
			return exitParseError
		case errors.Is(err, libpf.ErrPermissionDenied):
			log.Errorf("%v (try running as root)", err)
			return exitPermission
		}
		log.Errorf("%v", err)
		return exitFailure
	}
	return exitSuccess
}

func newRootCmd(g *globalArgs, out io.Writer) *ffcli.Command {
	fs := flag.NewFlagSet("pysampler", flag.ContinueOnError)
	g.register(fs)

	return &ffcli.Command{
		Name:       "pysampler",
		ShortUsage: "pysampler [-v] [-config file] <subcommand> [flags]",
		ShortHelp:  "Sampling profiler for running Python programs",
		FlagSet:    fs,
		Options:    g.options(true),
		Subcommands: []*ffcli.Command{
			newDumpCmd(g, out),
			newRecordCmd(g, out),
			newAddressCmd(g, out),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}
}
