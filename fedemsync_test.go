package fedemsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/loykin/fedemsync/internal/config"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func testConfig(t *testing.T) (*Config, string) {
	t.Helper()
	bin := t.TempDir()
	work := t.TempDir()
	script := "#!/bin/sh\n" +
		"printf '#FEDEMSYNC 1\\nVAR 1 time s Physical time\\nGROUP 7 Triad Tx,Ty\\n#DATA\\n0.0 1 2\\n0.1 1.5 2.5\\n#END\\n' > th_p_1.frs\n" +
		"echo solved\n"
	if err := os.WriteFile(filepath.Join(bin, "fedem_solver"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return &Config{
		Solver:   config.SolverConfig{Dir: bin, WorkDir: work},
		Analysis: config.AnalysisConfig{Stop: 1, Incr: 0.1},
		Registry: config.RegistryConfig{Interval: 20 * time.Millisecond},
		RDB:      config.RDBConfig{Interval: 20 * time.Millisecond, Patterns: []string{"*.frs"}, Watch: true},
		Server:   config.ServerConfig{BasePath: "/api"},
	}, work
}

func startSession(t *testing.T, cfg *Config) (*Session, context.Context) {
	t.Helper()
	s, err := NewSession(cfg, nil)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = s.Close()
	})
	return s, ctx
}

func TestSessionSolvePopulatesResultIndex(t *testing.T) {
	requireUnix(t)
	cfg, work := testConfig(t)
	s, ctx := startSession(t, cfg)

	wait, err := s.Batch(ctx, []string{"solve=dynamic"})
	if err != nil || !wait {
		t.Fatalf("batch: wait=%v err=%v", wait, err)
	}
	if err := s.WaitFinished(ctx); err != nil {
		t.Fatalf("wait finished: %v", err)
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Processes) != 0 || snap.Checking {
		t.Fatalf("processes=%v checking=%v", snap.Processes, snap.Checking)
	}
	if len(snap.Vars) != 1 || snap.Vars[0].Name != "time" {
		t.Fatalf("vars=%+v", snap.Vars)
	}
	if len(snap.Files) != 1 || !strings.Contains(snap.Files[0].Status, "closed") {
		t.Fatalf("files=%+v", snap.Files)
	}
	if _, err := os.Stat(filepath.Join(work, "solver", "fedem_solver.fco")); err != nil {
		t.Fatalf("option file: %v", err)
	}

	fields, ok, err := s.GroupFields(ctx, "Triad", 7)
	if err != nil || !ok || len(fields) != 2 {
		t.Fatalf("fields=%v ok=%v err=%v", fields, ok, err)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rdb/vars", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"name":"time"`) {
		t.Fatalf("http vars: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSessionPrepareLaunchesNothing(t *testing.T) {
	requireUnix(t)
	cfg, work := testConfig(t)
	s, ctx := startSession(t, cfg)
	wait, err := s.Batch(ctx, []string{"prepareBatch=reducer"})
	if err != nil || wait {
		t.Fatalf("wait=%v err=%v", wait, err)
	}
	if _, err := os.Stat(filepath.Join(work, "reducer", "fedem_reducer.fco")); err != nil {
		t.Fatalf("option file: %v", err)
	}
	snap, err := s.Snapshot(ctx)
	if err != nil || len(snap.Processes) != 0 {
		t.Fatalf("snapshot=%+v err=%v", snap, err)
	}
	if _, err := s.Batch(ctx, []string{"solve=warp"}); err == nil {
		t.Fatalf("unknown stage accepted")
	}
}

func TestDoAfterStopReturnsErrClosed(t *testing.T) {
	cfg, _ := testConfig(t)
	s, err := NewSession(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()
	if err := s.Abort(context.Background()); err != nil {
		t.Fatalf("abort on idle session: %v", err)
	}
	cancel()
	<-done
	if err := s.Do(context.Background(), func() {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNewSessionRejectsBadHistoryDSN(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.History.DSNs = []string{"mongo://nowhere"}
	if _, err := NewSession(cfg, nil); err == nil {
		t.Fatalf("bad DSN accepted")
	}
}

func TestSessionRecordsHistoryToSQLite(t *testing.T) {
	requireUnix(t)
	cfg, _ := testConfig(t)
	cfg.History.DSNs = []string{filepath.Join(t.TempDir(), "history.db")}
	s, ctx := startSession(t, cfg)
	if wait, err := s.Batch(ctx, []string{"solve=dynamic"}); err != nil || !wait {
		t.Fatalf("batch: %v", err)
	}
	if err := s.WaitFinished(ctx); err != nil {
		t.Fatal(err)
	}
}
