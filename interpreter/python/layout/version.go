// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package layout // import "github.com/pysampler/pysampler/interpreter/python/layout"

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Version is a CPython release number.
type Version struct {
	Major int
	Minor int
	Patch int
	// Release is the pre-release tag ("a1", "b2", "rc1"), "+" for builds
	// from a development tree, or empty for final releases.
	Release string
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d%s", v.Major, v.Minor, v.Patch, v.Release)
}

// AtLeast reports whether v is major.minor or newer.
func (v Version) AtLeast(major, minor int) bool {
	return v.Major > major || (v.Major == major && v.Minor >= minor)
}

// IsAlpha reports whether v is an alpha pre-release.
func (v Version) IsAlpha() bool {
	return strings.HasPrefix(v.Release, "a")
}

var (
	versionRegex = regexp.MustCompile(`^(\d)\.(\d{1,2})(?:\.(\d{1,2}))?((?:a|b|rc)\d{1,2})?(\+)?`)

	pythonRegex    = regexp.MustCompile(`^(?:.*/)?python(\d)\.(\d+)(d|m|dm|t|td)?$`)
	libpythonRegex = regexp.MustCompile(`^(?:.*/)?libpython(\d)\.(\d+)(d|m|dm|t|td)?\.so`)
)

// ParseVersion parses the leading release number of a string as returned by
// Py_GetVersion, e.g. "3.11.4 (main, Jun  7 2023, 10:13:09) [GCC 12.2.0]".
func ParseVersion(s string) (Version, error) {
	m := versionRegex.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("no version number in %q", s)
	}
	v := Version{Release: m[4] + m[5]}
	v.Major, _ = strconv.Atoi(m[1])
	v.Minor, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		v.Patch, _ = strconv.Atoi(m[3])
	}
	return v, nil
}

// FromHex decodes a PY_VERSION_HEX value as exported in Py_Version.
func FromHex(hex uint32) Version {
	v := Version{
		Major: int(hex >> 24),
		Minor: int(hex>>16) & 0xff,
		Patch: int(hex>>8) & 0xff,
	}
	serial := hex & 0xf
	switch (hex >> 4) & 0xf {
	case 0xa:
		v.Release = fmt.Sprintf("a%d", serial)
	case 0xb:
		v.Release = fmt.Sprintf("b%d", serial)
	case 0xc:
		v.Release = fmt.Sprintf("rc%d", serial)
	}
	return v
}

// ParseBinaryName extracts the version and ABI flags from the file name of a
// python executable or libpython shared object. The patch level is unknown
// and reported as zero.
func ParseBinaryName(path string) (v Version, abiFlags string, ok bool) {
	m := libpythonRegex.FindStringSubmatch(path)
	if m == nil {
		m = pythonRegex.FindStringSubmatch(path)
		if m == nil {
			return Version{}, "", false
		}
	}
	v.Major, _ = strconv.Atoi(m[1])
	v.Minor, _ = strconv.Atoi(m[2])
	return v, m[3], true
}

// IsLibPython reports whether path names a libpython shared object.
func IsLibPython(path string) bool {
	return libpythonRegex.MatchString(path)
}
