package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHelpListsCommands(t *testing.T) {
	out, err := execute(t, "--help")
	if err != nil {
		t.Fatalf("help should succeed: %v", err)
	}
	for _, want := range []string{"fedemsync", "batch", "watch", "serve", "status", "abort", "--config"} {
		if !strings.Contains(out, want) {
			t.Fatalf("help output missing %q: %s", want, out)
		}
	}
}

func TestBatchRequiresDirective(t *testing.T) {
	if _, err := execute(t, "batch"); err == nil {
		t.Fatalf("batch without directives should fail")
	}
	if _, err := execute(t, "batch", "solve"); err == nil {
		t.Fatalf("directive without value should fail")
	}
}

func TestBatchPrepareWritesOptionFile(t *testing.T) {
	dir := t.TempDir()
	work := filepath.Join(dir, "work")
	cfgPath := filepath.Join(dir, "fedemsync.toml")
	cfg := "[solver]\nworkdir = \"" + filepath.ToSlash(work) + "\"\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "--config", cfgPath, "batch", "prepareBatch=reducer")
	if err != nil {
		t.Fatalf("batch: %v out=%s", err, out)
	}
	if !strings.Contains(out, "prepared reduce") {
		t.Fatalf("unexpected output: %s", out)
	}
	if _, err := os.Stat(filepath.Join(work, "reducer", "fedem_reducer.fco")); err != nil {
		t.Fatalf("option file missing: %v", err)
	}
}

func TestWatchOncePrintsIndex(t *testing.T) {
	dir := t.TempDir()
	body := "#FEDEMSYNC 1\nVAR 1 time s\n#DATA\n0.0\n0.5\n#END\n"
	if err := os.WriteFile(filepath.Join(dir, "th_p_1.frs"), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "watch", "--once", dir)
	if err != nil {
		t.Fatalf("watch: %v out=%s", err, out)
	}
	if !strings.Contains(out, `"name": "time"`) || !strings.Contains(out, "th_p_1.frs") {
		t.Fatalf("index not printed: %s", out)
	}
}

func TestWatchWithoutDirsFails(t *testing.T) {
	if _, err := execute(t, "watch", "--once"); err == nil {
		t.Fatalf("watch without directories should fail")
	}
}
