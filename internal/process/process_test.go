//go:build !windows

package process

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/fedemsync/internal/logger"
	"github.com/loykin/fedemsync/internal/registry"
	"github.com/loykin/fedemsync/internal/sched"
)

// syncBuffer guards the shared log buffer written by both stream readers.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// waitDone polls Update the way the registry tick does until the handle exits.
func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for h.Running() {
		if time.Now().After(deadline) {
			t.Fatalf("process %s did not finish", h.Name())
		}
		h.Update()
		time.Sleep(5 * time.Millisecond)
	}
}

type fixture struct {
	dir  string
	reg  *registry.Registry
	m    *sched.Manual
	logs *syncBuffer
	log  *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := sched.NewManual()
	buf := &syncBuffer{}
	return &fixture{
		dir:  t.TempDir(),
		m:    m,
		reg:  registry.New(m, registry.Config{}),
		logs: buf,
		log:  slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
}

func (f *fixture) handle(name string, onDone func(int)) *Handle {
	return New(Config{Name: name, GroupID: 1, Registry: f.reg, Sched: f.m, Logger: f.log, OnDone: onDone})
}

func TestRunTwiceWhileRunningFails(t *testing.T) {
	f := newFixture(t)
	writeScript(t, f.dir, "fedem_solver", "sleep 2")
	h := f.handle("fedem_solver", nil)
	opts := Options{Program: "fedem_solver", Args: []string{"-A"}, SearchDirs: []string{f.dir}}

	pid := h.Run(opts)
	if pid <= 0 {
		t.Fatalf("first run pid=%d", pid)
	}
	if again := h.Run(opts); again != LaunchFailed {
		t.Fatalf("second run returned %d", again)
	}
	if _, err := h.Start(opts); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if f.reg.Count() != 1 {
		t.Fatalf("registry count=%d want 1", f.reg.Count())
	}
	f.reg.KillAll()
	if !h.Wait(5 * time.Second) {
		t.Fatalf("killed process not reaped")
	}
}

func TestExitStatusReachesCallback(t *testing.T) {
	cases := []struct {
		name string
		code string
		want int
	}{
		{"clean", "0", 0},
		{"failure", "3", ExitFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			writeScript(t, f.dir, "fedem_solver", "echo solving\nexit "+tc.code)
			calls := 0
			got := 99
			h := f.handle("fedem_solver", func(s int) { calls++; got = s })
			if pid := h.Run(Options{Program: "fedem_solver", SearchDirs: []string{f.dir}}); pid <= 0 {
				t.Fatalf("run failed")
			}
			waitDone(t, h)
			h.Update()
			if calls != 1 || got != tc.want {
				t.Fatalf("callback calls=%d status=%d want 1/%d", calls, got, tc.want)
			}
			if h.ExitStatus() != tc.want || h.State() != Finished {
				t.Fatalf("handle status=%d state=%s", h.ExitStatus(), h.State())
			}
			if f.reg.Count() != 0 {
				t.Fatalf("handle still registered")
			}
		})
	}
}

func TestKillWithDeathHandling(t *testing.T) {
	f := newFixture(t)
	writeScript(t, f.dir, "fedem_solver", "sleep 30")
	got, calls := 0, 0
	h := f.handle("fedem_solver", func(s int) { calls++; got = s })
	if h.Run(Options{Program: "fedem_solver", SearchDirs: []string{f.dir}}) <= 0 {
		t.Fatalf("run failed")
	}
	h.Kill(false)
	waitDone(t, h)
	if calls != 1 || got != ExitFailure || h.State() != Killed {
		t.Fatalf("calls=%d status=%d state=%s", calls, got, h.State())
	}
	if f.reg.Count() != 0 {
		t.Fatalf("handle still registered")
	}
}

func TestKillWithoutDeathHandling(t *testing.T) {
	f := newFixture(t)
	writeScript(t, f.dir, "fedem_solver", "sleep 30")
	calls := 0
	h := f.handle("fedem_solver", func(int) { calls++ })
	if h.Run(Options{Program: "fedem_solver", SearchDirs: []string{f.dir}}) <= 0 {
		t.Fatalf("run failed")
	}
	h.Kill(true)
	if h.Running() || f.reg.Count() != 0 {
		t.Fatalf("handle running=%v count=%d after silent kill", h.Running(), f.reg.Count())
	}
	if !h.Wait(5 * time.Second) {
		t.Fatalf("process not reaped")
	}
	h.Update()
	if calls != 0 {
		t.Fatalf("callback invoked %d times after silent kill", calls)
	}
}

func TestUnresolvedProgram(t *testing.T) {
	f := newFixture(t)
	h := f.handle("fedem_missing", func(int) { t.Fatalf("callback on launch failure") })
	if pid := h.Run(Options{Program: "fedem_missing_program_xyz", SearchDirs: []string{f.dir}}); pid != LaunchFailed {
		t.Fatalf("pid=%d want %d", pid, LaunchFailed)
	}
	if _, err := h.Start(Options{Program: filepath.Join(f.dir, "nope")}); !errors.Is(err, ErrNotResolved) {
		t.Fatalf("expected ErrNotResolved, got %v", err)
	}
	if _, err := h.Start(Options{Program: "  "}); !errors.Is(err, ErrEmptyProgram) {
		t.Fatalf("expected ErrEmptyProgram, got %v", err)
	}
	if f.reg.Count() != 0 || h.State() != Idle {
		t.Fatalf("failed launch registered or changed state: count=%d state=%s", f.reg.Count(), h.State())
	}
	if !strings.Contains(f.logs.String(), "launch failed") {
		t.Fatalf("launch failure not logged")
	}
}

func TestOutputForwardedAndCaptured(t *testing.T) {
	f := newFixture(t)
	writeScript(t, f.dir, "fedem_reducer", "echo reducing part 1\necho bad element >&2")
	capDir := filepath.Join(f.dir, "logs")
	h := New(Config{Name: "fedem_reducer", Registry: f.reg, Logger: f.log})
	pid := h.Run(Options{
		Program:    "fedem_reducer",
		SearchDirs: []string{f.dir},
		Capture:    logger.Config{File: logger.FileConfig{Dir: capDir}},
	})
	if pid <= 0 {
		t.Fatalf("run failed")
	}
	waitDone(t, h)

	out := f.logs.String()
	if !strings.Contains(out, "reducing part 1") || !strings.Contains(out, "stream=stdout") {
		t.Fatalf("stdout not forwarded: %s", out)
	}
	if !strings.Contains(out, "bad element") || !strings.Contains(out, "stream=stderr") {
		t.Fatalf("stderr not forwarded: %s", out)
	}
	base := filepath.Join(capDir, "fedem_reducer-"+strconv.Itoa(pid))
	b, err := os.ReadFile(base + ".stdout.log")
	if err != nil || !strings.Contains(string(b), "reducing part 1") {
		t.Fatalf("stdout capture: %q %v", b, err)
	}
	b, err = os.ReadFile(base + ".stderr.log")
	if err != nil || !strings.Contains(string(b), "bad element") {
		t.Fatalf("stderr capture: %q %v", b, err)
	}
}

func TestRemotePrefix(t *testing.T) {
	f := newFixture(t)
	script := writeScript(t, f.dir, "fedem_solver", `test "$FEDEM_REMOTE" = 1 && echo "args:$*"`)
	h := f.handle("fedem_solver", nil)
	pid := h.Run(Options{
		Program:      script,
		Args:         []string{"-fco", "fedem_solver.fco"},
		RemotePrefix: []string{"env", "FEDEM_REMOTE=1"},
	})
	if pid <= 0 {
		t.Fatalf("run with prefix failed")
	}
	waitDone(t, h)
	if h.ExitStatus() != 0 || !strings.Contains(f.logs.String(), "args:-fco fedem_solver.fco") {
		t.Fatalf("remote prefix not applied: status=%d log=%s", h.ExitStatus(), f.logs.String())
	}
}

func TestElapsedTicks(t *testing.T) {
	f := newFixture(t)
	writeScript(t, f.dir, "fedem_solver", "sleep 30")
	var seen []int
	h := New(Config{Name: "fedem_solver", Registry: f.reg, Sched: f.m, Logger: f.log,
		OnElapsed: func(s int) { seen = append(seen, s) }})
	if h.Run(Options{Program: "fedem_solver", SearchDirs: []string{f.dir}}) <= 0 {
		t.Fatalf("run failed")
	}
	f.m.Advance(3500 * time.Millisecond)
	if len(seen) != 3 || seen[2] != 3 {
		t.Fatalf("elapsed ticks=%v", seen)
	}
	h.Kill(true)
	f.m.Advance(2 * time.Second)
	if len(seen) != 3 {
		t.Fatalf("ticker not stopped after kill: %v", seen)
	}
	h.Wait(5 * time.Second)
}

func TestResolveSearchDirsBeforePath(t *testing.T) {
	dir := t.TempDir()
	want := writeScript(t, dir, "sh", "exit 0")
	got, err := Resolve("sh", []string{"", dir})
	if err != nil || got != want {
		t.Fatalf("resolve=%q %v want %q", got, err, want)
	}
	if _, err := Resolve("sh", nil); err != nil {
		t.Fatalf("PATH lookup failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "plain"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Resolve(filepath.Join(dir, "plain"), nil); !errors.Is(err, ErrNotResolved) {
		t.Fatalf("non-executable file resolved: %v", err)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Idle: "idle", Starting: "starting", Running: "running", Finished: "finished", Killed: "killed", State(42): "unknown"} {
		if s.String() != want {
			t.Fatalf("%d: %q want %q", int(s), s.String(), want)
		}
	}
}

