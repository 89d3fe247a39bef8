// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package sampler // import "github.com/pysampler/pysampler/sampler"

import (
	"strings"

	"github.com/pysampler/pysampler/libpf"
)

// idleFunctions are names of blocking calls. A thread whose innermost frame
// is one of them is taken as idle when its scheduler state is unknown.
var idleFunctions = []string{
	"wait", "timedwait", "select", "sleep", "poll", "accept", "recv", "recvfrom",
	"read", "acquire", "futex", "nanosleep",
}

// lastToken returns the final identifier of a qualified or prefixed name,
// lower cased and without trailing digits: "Lock.acquire" gives "acquire",
// "__GI_epoll_wait" gives "wait" and "accept4" gives "accept".
func lastToken(name string) string {
	name = strings.ToLower(name)
	if i := strings.LastIndexAny(name, "_.:"); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimRight(name, "0123456789")
}

// isIdle guesses from the innermost frame whether a thread is blocked.
func isIdle(frames []libpf.Frame) bool {
	if len(frames) == 0 {
		return true
	}
	token := lastToken(frames[0].Name)
	for _, fn := range idleFunctions {
		// Short names must match exactly, "thread" is not a read.
		if token == fn || (len(fn) > 4 && strings.HasSuffix(token, fn)) {
			return true
		}
	}
	return false
}
