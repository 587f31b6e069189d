//go:build !windows

package batch

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/fedemsync/internal/registry"
	"github.com/loykin/fedemsync/internal/sched"
)

// fakeSolvers writes one shell script per program. Each appends its name to
// <work>/order.txt and exits with the code found in <name>.exit, if any.
func fakeSolvers(t *testing.T, work string) string {
	t.Helper()
	bin := t.TempDir()
	for _, p := range []string{"fedem_reducer", "fedem_solver", "fedem_stress", "fedem_modes", "fedem_gage", "fedem_fpp"} {
		body := "#!/bin/sh\n" +
			"echo " + p + " >> " + filepath.Join(work, "order.txt") + "\n" +
			"f=" + filepath.Join(bin, p+".exit") + "\n" +
			"if [ -f \"$f\" ]; then exit $(cat \"$f\"); fi\n"
		if err := os.WriteFile(filepath.Join(bin, p), []byte(body), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return bin
}

func drain(t *testing.T, reg *registry.Registry) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for reg.Count() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("batch did not finish, %d processes left", reg.Count())
		}
		reg.Check()
		time.Sleep(5 * time.Millisecond)
	}
}

func readOrder(t *testing.T, work string) []string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(work, "order.txt"))
	if err != nil {
		return nil
	}
	return strings.Fields(string(b))
}

type events struct{ started, finished int }

func newRegistry() (*registry.Registry, *events) {
	reg := registry.New(sched.NewManual(), registry.Config{})
	ev := &events{}
	reg.Subscribe(func(e registry.Event) {
		switch e.Type {
		case registry.Started:
			ev.started++
		case registry.Finished:
			ev.finished++
		}
	})
	return reg, ev
}

func TestPrepareReducerLaunchesNothing(t *testing.T) {
	work := t.TempDir()
	reg, _ := newRegistry()
	o := New(Config{WorkDir: work, Registry: reg})
	d, err := ParseDirectives([]string{"prepareBatch=reducer"})
	if err != nil {
		t.Fatal(err)
	}
	wait, err := o.SetupBatch(d)
	if err != nil || wait {
		t.Fatalf("wait=%v err=%v", wait, err)
	}
	fco := filepath.Join(work, "reducer", "fedem_reducer.fco")
	if _, err := os.Stat(fco); err != nil {
		t.Fatalf("option file missing: %v", err)
	}
	if reg.Count() != 0 || len(o.Handles()) != 0 {
		t.Fatalf("prepare registered processes: %d", reg.Count())
	}
}

func TestPrepareEventsWritesOneDirPerEvent(t *testing.T) {
	work := t.TempDir()
	evFile := filepath.Join(work, "events.txt")
	if err := os.WriteFile(evFile, []byte("# wave cases\nwave_1.fef\n\nwave_2.fef\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	o := New(Config{WorkDir: work})
	d, _ := ParseDirectives([]string{"prepareBatch=events", "events=" + evFile})
	if wait, err := o.SetupBatch(d); wait || err != nil {
		t.Fatalf("wait=%v err=%v", wait, err)
	}
	for i, ev := range []string{"wave_1.fef", "wave_2.fef"} {
		b, err := os.ReadFile(filepath.Join(work, "events", string(rune('1'+i)), "fedem_solver.fco"))
		if err != nil || !strings.Contains(string(b), "-eventFile "+ev) {
			t.Fatalf("event %d option file: %q %v", i, b, err)
		}
	}
}

func TestSolveChainRunsStagesInOrder(t *testing.T) {
	work := t.TempDir()
	bin := fakeSolvers(t, work)
	reg, ev := newRegistry()
	var done []Stage
	var dirs []string
	o := New(Config{
		WorkDir:        work,
		Registry:       reg,
		Launch:         Launch{SearchDirs: []string{bin}},
		OnStageStarted: func(_ Stage, dir string) { dirs = append(dirs, dir) },
		OnStageDone:    func(s Stage, _ int) { done = append(done, s) },
	})
	d, err := ParseDirectives([]string{"solve=reduce,dynamic,stress", "timerange=[0.5,2,0.1]"})
	if err != nil {
		t.Fatal(err)
	}
	wait, err := o.SetupBatch(d)
	if err != nil || !wait {
		t.Fatalf("wait=%v err=%v", wait, err)
	}
	drain(t, reg)

	if got := strings.Join(readOrder(t, work), ","); got != "fedem_reducer,fedem_solver,fedem_stress" {
		t.Fatalf("order=%s", got)
	}
	if len(done) != 3 || !o.Done() || o.Failed() {
		t.Fatalf("done=%v finished=%v failed=%v", done, o.Done(), o.Failed())
	}
	if ev.started != 1 || ev.finished != 1 {
		t.Fatalf("chain dropped to zero between stages: started=%d finished=%d", ev.started, ev.finished)
	}
	if len(dirs) != 3 || dirs[2] != filepath.Join(work, "stress") {
		t.Fatalf("stage dirs=%v", dirs)
	}
	b, _ := os.ReadFile(filepath.Join(work, "stress", "fedem_stress.fco"))
	if !strings.Contains(string(b), "-startTime 0.5") || !strings.Contains(string(b), "-stopTime 2") {
		t.Fatalf("time range not applied to stress: %s", b)
	}
	b, _ = os.ReadFile(filepath.Join(work, "solver", "fedem_solver.fco"))
	if !strings.Contains(string(b), "-timeStart 0\n") {
		t.Fatalf("time range applied before stress stage: %s", b)
	}
	groups := map[int]bool{}
	for _, h := range o.Handles() {
		groups[h.GroupID()] = true
	}
	if len(groups) != 3 {
		t.Fatalf("stages share groups: %v", groups)
	}
}

func TestSolveChainStopsOnFailure(t *testing.T) {
	work := t.TempDir()
	bin := fakeSolvers(t, work)
	if err := os.WriteFile(filepath.Join(bin, "fedem_reducer.exit"), []byte("2"), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, _ := newRegistry()
	o := New(Config{WorkDir: work, Registry: reg, Launch: Launch{SearchDirs: []string{bin}}})
	d, _ := ParseDirectives([]string{"solve=reduce,dynamic"})
	if wait, err := o.SetupBatch(d); !wait || err != nil {
		t.Fatalf("wait=%v err=%v", wait, err)
	}
	drain(t, reg)
	if got := readOrder(t, work); len(got) != 1 || !o.Failed() {
		t.Fatalf("order=%v failed=%v", got, o.Failed())
	}
}

func TestUnlaunchableStageIsSkipped(t *testing.T) {
	work := t.TempDir()
	bin := fakeSolvers(t, work)
	if err := os.Remove(filepath.Join(bin, "fedem_modes")); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", "/nonexistent")
	reg, _ := newRegistry()
	o := New(Config{WorkDir: work, Registry: reg, Launch: Launch{SearchDirs: []string{bin}}})
	d, _ := ParseDirectives([]string{"solve=modes,rosette"})
	if wait, err := o.SetupBatch(d); !wait || err != nil {
		t.Fatalf("wait=%v err=%v", wait, err)
	}
	drain(t, reg)
	if got := strings.Join(readOrder(t, work), ","); got != "fedem_gage" {
		t.Fatalf("order=%s", got)
	}

	o = New(Config{WorkDir: work, Registry: reg, Launch: Launch{SearchDirs: []string{bin}}})
	d, _ = ParseDirectives([]string{"solve=modes"})
	if wait, err := o.SetupBatch(d); wait || err == nil {
		t.Fatalf("nothing launchable: wait=%v err=%v", wait, err)
	}
}

func TestEventsRunInOwnGroups(t *testing.T) {
	work := t.TempDir()
	bin := fakeSolvers(t, work)
	evFile := filepath.Join(work, "events.txt")
	if err := os.WriteFile(evFile, []byte("a.fef\nb.fef\nc.fef\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, ev := newRegistry()
	o := New(Config{WorkDir: work, Registry: reg, FirstGroup: 10, Launch: Launch{SearchDirs: []string{bin}}})
	d, _ := ParseDirectives([]string{"solve=events,stress", "events=" + evFile})
	if wait, err := o.SetupBatch(d); !wait || err != nil {
		t.Fatalf("wait=%v err=%v", wait, err)
	}
	if len(reg.Groups()) != 3 || reg.Groups()[0] != 11 {
		t.Fatalf("groups=%v", reg.Groups())
	}
	drain(t, reg)
	order := readOrder(t, work)
	if len(order) != 4 || order[3] != "fedem_stress" {
		t.Fatalf("order=%v", order)
	}
	if ev.finished != 1 {
		t.Fatalf("finished=%d", ev.finished)
	}
}

func TestParseDirectives(t *testing.T) {
	d, err := ParseDirectives([]string{"solve=reduce, gage ,fpp", "timerange=[0,1]", "verbose=1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Solve) != 3 || d.Solve[1] != Rosette || d.Solve[2] != StrainCoat {
		t.Fatalf("solve=%v", d.Solve)
	}
	if d.TimeRange == nil || d.TimeRange.Stop != 1 || d.TimeRange.Incr != 0 || d.Extra["verbose"] != "1" {
		t.Fatalf("directives=%+v", d)
	}
	if _, err := ParseDirectives([]string{"solve=warp"}); !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
	if _, err := ParseDirectives([]string{"solve"}); err == nil {
		t.Fatalf("missing '=' accepted")
	}
}

func TestParseTimeRange(t *testing.T) {
	cases := []struct {
		in   string
		want TimeRange
		ok   bool
	}{
		{"[0,1]", TimeRange{0, 1, 0}, true},
		{" [0.5, 2.5, 0.01] ", TimeRange{0.5, 2.5, 0.01}, true},
		{"0,1", TimeRange{}, false},
		{"[1]", TimeRange{}, false},
		{"[2,1]", TimeRange{}, false},
		{"[0,1,0]", TimeRange{}, false},
		{"[0,x]", TimeRange{}, false},
	}
	for _, c := range cases {
		got, err := ParseTimeRange(c.in)
		if c.ok != (err == nil) || (c.ok && got != c.want) {
			t.Fatalf("%q: got %+v err=%v", c.in, got, err)
		}
		if !c.ok && !errors.Is(err, ErrBadTimeRange) {
			t.Fatalf("%q: error not ErrBadTimeRange: %v", c.in, err)
		}
	}
}

func TestStageNames(t *testing.T) {
	for _, s := range []Stage{Reduce, Dynamic, Stress, Modes, Rosette, StrainCoat, Events} {
		back, err := ParseStage(s.String())
		if err != nil || back != s || s.Program() == "" || s.Dir() == "" {
			t.Fatalf("%v: back=%v err=%v", s, back, err)
		}
	}
	if Stage(99).String() != "stage(99)" {
		t.Fatalf("unknown stage string")
	}
}
