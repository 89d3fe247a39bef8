// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"

	"github.com/pysampler/pysampler/libpf"
	"github.com/pysampler/pysampler/sampler"
)

const (
	// Default values for CLI flags
	defaultArgRate     = 100
	defaultArgDuration = 10 * time.Second
	defaultArgAttempts = sampler.DefaultAttempts

	// envVarPrefix is the prefix of the environment variables read for flags
	envVarPrefix = "PYSAMPLER"
)

// Help strings for command line arguments
var (
	verboseModeHelp = "Enable verbose logging."
	configFileHelp  = "Path of a configuration file with one 'flag value' per line."
	pidHelp         = "PID of the Python process."
	nativeHelp      = "Collect native frames and merge them with the Python frames."
	localsHelp      = "Show function arguments and local variables."
	nonBlockingHelp = "Do not pause the target while sampling. " +
		"Faster, but samples may be inconsistent."
	jsonHelp     = "Print the stack traces as JSON."
	rateHelp     = "Samples per second."
	durationHelp = "How long to record. Zero records until interrupted or the target exits."
	outputHelp   = "File to write the folded stacks to. Defaults to standard output."
	idleHelp     = "Include samples of idle threads."
	attemptsHelp = "Number of attempts to attach while the interpreter starts up."
	threadsHelp  = "Prefix folded stacks with the thread ID."
)

var errNoPID = errors.New("please specify `-pid`")

// globalArgs are the flags shared by all subcommands.
type globalArgs struct {
	verbose    bool
	configFile string
}

func (g *globalArgs) register(fs *flag.FlagSet) {
	fs.BoolVar(&g.verbose, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&g.verbose, "verbose", false, verboseModeHelp)
	fs.StringVar(&g.configFile, "config", "", configFileHelp)
}

// options returns the ff parse options. Only the root command reads the
// configuration file.
func (g *globalArgs) options(withConfig bool) []ff.Option {
	opts := []ff.Option{ff.WithEnvVarPrefix(envVarPrefix)}
	if withConfig {
		opts = append(opts,
			ff.WithConfigFileFlag("config"),
			ff.WithConfigFileParser(ff.PlainParser),
			// Unknown options in the file are ignored.
			ff.WithIgnoreUndefined(true),
			ff.WithAllowMissingConfigFile(true),
		)
	}
	return opts
}

func (g *globalArgs) apply() {
	if g.verbose {
		log.SetLevel(log.DebugLevel)
	}
}

// targetArgs select the process to sample and how.
type targetArgs struct {
	pid         int
	native      bool
	nonBlocking bool
	attempts    int
}

func (t *targetArgs) register(fs *flag.FlagSet) {
	fs.IntVar(&t.pid, "pid", 0, pidHelp)
	fs.BoolVar(&t.native, "native", false, nativeHelp)
	fs.BoolVar(&t.nonBlocking, "nonblocking", false, nonBlockingHelp)
	fs.IntVar(&t.attempts, "attempts", defaultArgAttempts, attemptsHelp)
}

func (t *targetArgs) validate() error {
	if t.pid <= 0 {
		return errNoPID
	}
	if t.native && t.nonBlocking {
		return errors.New("-native requires pausing the target, drop -nonblocking")
	}
	if t.attempts <= 0 {
		return fmt.Errorf("invalid argument for -attempts: %d", t.attempts)
	}
	return nil
}

func (t *targetArgs) config() sampler.Config {
	return sampler.Config{
		Native:   t.native,
		Blocking: !t.nonBlocking,
	}
}

func (t *targetArgs) PID() libpf.PID {
	return libpf.PID(t.pid)
}
