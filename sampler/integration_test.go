//go:build integration

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package sampler_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testcontainers "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pysampler/pysampler/libpf"
	"github.com/pysampler/pysampler/sampler"
)

// scenario is a script and the checks run against one sample of it.
type scenario struct {
	script string
	cfg    sampler.Config
	// samples is the number of samples checked
	samples int
	check   func(t *testing.T, dir string, traces []libpf.StackTrace)
}

func singleThread(t *testing.T, traces []libpf.StackTrace) libpf.StackTrace {
	t.Helper()
	require.Len(t, traces, 1)
	return traces[0]
}

var scenarios = map[string]scenario{
	"longsleep": {
		script: "longsleep.py",
		check: func(t *testing.T, dir string, traces []libpf.StackTrace) {
			trace := singleThread(t, traces)
			require.Len(t, trace.Frames, 2)
			assert.Equal(t, "longsleep", trace.Frames[0].Name)
			assert.Equal(t, dir+"longsleep.py", trace.Frames[0].Filename)
			assert.Equal(t, int32(5), trace.Frames[0].Line)
			assert.Equal(t, "<module>", trace.Frames[1].Name)
			assert.Equal(t, int32(9), trace.Frames[1].Line)
			assert.False(t, trace.OwnsGIL)
			assert.False(t, trace.Active)
		},
	},
	"recursive": {
		script:  "recursive.py",
		samples: 100,
		cfg:     sampler.Config{Blocking: true},
		check: func(t *testing.T, _ string, traces []libpf.StackTrace) {
			trace := singleThread(t, traces)
			require.NotEmpty(t, trace.Frames)
			assert.LessOrEqual(t, len(trace.Frames), 22)
			top := trace.Frames[len(trace.Frames)-1]
			assert.Equal(t, "<module>", top.Name)
			assert.Contains(t, []int32{7, 8}, top.Line)
		},
	},
	"unicode": {
		script: "unicode💩.py",
		check: func(t *testing.T, dir string, traces []libpf.StackTrace) {
			trace := singleThread(t, traces)
			require.Len(t, trace.Frames, 2)
			assert.Equal(t, "function1", trace.Frames[0].Name)
			assert.Equal(t, dir+"unicode💩.py", trace.Frames[0].Filename)
			assert.Equal(t, int32(6), trace.Frames[0].Line)
			assert.Equal(t, "<module>", trace.Frames[1].Name)
			assert.Equal(t, int32(9), trace.Frames[1].Line)
			assert.False(t, trace.OwnsGIL)
		},
	},
	"local vars": {
		script: "local_vars.py",
		cfg:    sampler.Config{DumpLocals: true},
		check: func(t *testing.T, _ string, traces []libpf.StackTrace) {
			trace := singleThread(t, traces)
			require.Len(t, trace.Frames, 2)
			expected := []struct {
				name  string
				isArg bool
				repr  string
			}{
				{"arg1", true, `"foo"`},
				{"arg2", true, "None"},
				{"arg3", true, "True"},
				{"local1", false, "[-1234, 5678]"},
				{"local2", false, `("a", "b", "c")`},
				{"local3", false, "123456789123456789"},
				{"local4", false, "3.1415"},
				{"local5", false, `{"a": False, "b": (1, 2, 3)}`},
			}
			locals := trace.Frames[0].Locals
			require.Len(t, locals, len(expected))
			for i, e := range expected {
				assert.Equal(t, e.name, locals[i].Name)
				assert.Equal(t, e.isArg, locals[i].IsArgument)
				if assert.NotNil(t, locals[i].Repr, e.name) {
					assert.Equal(t, e.repr, *locals[i].Repr)
				}
			}
		},
	},
	"busy loop": {
		script: "busyloop.py",
		check: func(t *testing.T, _ string, traces []libpf.StackTrace) {
			assert.True(t, singleThread(t, traces).Active)
		},
	},
	"threads": {
		script: "threads.py",
		cfg:    sampler.Config{Blocking: true},
		check: func(t *testing.T, _ string, traces []libpf.StackTrace) {
			require.Len(t, traces, 4)
			holders := 0
			for _, trace := range traces {
				assert.NotZero(t, trace.OSThreadID)
				if trace.OwnsGIL {
					holders++
				}
			}
			assert.LessOrEqual(t, holders, 1)
		},
	},
	"native": {
		script: "longsleep.py",
		cfg:    sampler.Config{Native: true},
		check: func(t *testing.T, _ string, traces []libpf.StackTrace) {
			trace := singleThread(t, traces)
			entries := 0
			var names []string
			for _, f := range trace.Frames {
				if f.IsEntry {
					entries++
				}
				if !f.IsNative {
					names = append(names, f.Name)
				}
			}
			assert.Equal(t, []string{"longsleep", "<module>"}, names)
			assert.Positive(t, entries)
		},
	},
}

// runScenario attaches to pid and checks the samples of sc.
func runScenario(t *testing.T, pid libpf.PID, dir string, sc scenario) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := sampler.RetryNew(ctx, pid, sc.cfg, 100)
	require.NoError(t, err)
	defer s.Close()

	for range max(sc.samples, 1) {
		traces, err := s.GetStackTraces()
		require.NoError(t, err)
		sc.check(t, dir, traces)
		if sc.samples > 1 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	t.Logf("Python %v: %+v", s.Version(), s.Stats())
}

func TestLocalPython(t *testing.T) {
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not installed")
	}
	for name, sc := range scenarios {
		t.Run(name, func(t *testing.T) {
			cmd := exec.Command(python, "./"+sc.script)
			cmd.Dir = "testdata"
			require.NoError(t, cmd.Start())
			t.Cleanup(func() {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
			})
			// Give the interpreter time to reach the interesting frames.
			time.Sleep(400 * time.Millisecond)
			runScenario(t, libpf.PID(cmd.Process.Pid), "./", sc)
		})
	}
}

func TestContainerPython(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("root privileges required")
	}
	for _, tag := range []string{"3.8-slim", "3.10-slim", "3.11-slim", "3.12-slim"} {
		t.Run(tag, func(t *testing.T) {
			for name, sc := range scenarios {
				t.Run(name, func(t *testing.T) {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
					defer cancel()

					cont := startContainer(ctx, t, "python:"+tag, sc.script)
					t.Cleanup(func() {
						ctx2, canc := context.WithTimeout(context.Background(), time.Second)
						defer canc()
						if err := cont.Terminate(ctx2); err != nil {
							require.ErrorIs(t, err, context.DeadlineExceeded)
						}
					})

					st, err := cont.State(ctx)
					require.NoError(t, err)
					time.Sleep(400 * time.Millisecond)
					runScenario(t, libpf.PID(st.Pid), "./", sc)
				})
			}
		})
	}
}

func startContainer(ctx context.Context, t *testing.T, image, script string) testcontainers.Container {
	t.Log("starting", image, script)
	var platform string
	switch runtime.GOARCH {
	case "arm64":
		platform = "linux/arm64"
	case "amd64":
		platform = "linux/amd64"
	default:
		t.Skipf("unsupported architecture %s", runtime.GOARCH)
	}
	hostPath, err := filepath.Abs(filepath.Join("testdata", script))
	require.NoError(t, err)

	cont, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:         image,
			ImagePlatform: platform,
			WorkingDir:    "/scripts",
			Cmd:           []string{"python", "-u", "./" + script},
			Files: []testcontainers.ContainerFile{
				{
					HostFilePath:      hostPath,
					ContainerFilePath: "/scripts/" + script,
					FileMode:          0o644,
				},
			},
			WaitingFor: wait.ForExec([]string{"true"}),
		},
		Started: true,
	})
	require.NoError(t, err)
	return cont
}
