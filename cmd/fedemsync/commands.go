package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/fedemsync"
)

// command carries the state shared by all subcommands.
type command struct {
	global *GlobalFlags
}

func (c command) load() (*fedemsync.Config, *slog.Logger, error) {
	cfg, err := fedemsync.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading config: %w", err)
	}
	if c.global.LogLevel != "" {
		cfg.Log.Level = c.global.LogLevel
	}
	return cfg, fedemsync.NewLogger(cfg, os.Stderr), nil
}

// running is a session whose loop runs on its own goroutine.
type running struct {
	*fedemsync.Session
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// start builds a session and runs its loop until ctx ends or stop is called.
func start(ctx context.Context, cfg *fedemsync.Config, log *slog.Logger) (*running, error) {
	s, err := fedemsync.NewSession(cfg, log)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &running{Session: s, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		_ = s.Run(ctx)
	}()
	return r, nil
}

func (r *running) stop() error {
	r.cancel()
	<-r.done
	return r.Close()
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (c command) Batch(cmd *cobra.Command, f BatchFlags) error {
	d, err := fedemsync.ParseDirectives(f.Directives)
	if err != nil {
		return err
	}
	cfg, log, err := c.load()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	if f.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	r, err := start(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = r.stop() }()

	if f.Listen != "" {
		srv := r.NewHTTPServer(f.Listen)
		defer func() { _ = srv.Close() }()
		log.Info("status api listening", "addr", f.Listen, "base_path", cfg.Server.BasePath)
	}

	wait, err := r.Batch(ctx, f.Directives)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if d.Prepare != nil {
		_, _ = fmt.Fprintf(out, "prepared %s in %s\n", *d.Prepare, cfg.Solver.WorkDir)
	}
	if !wait {
		return nil
	}
	if err := r.WaitFinished(ctx); err != nil {
		log.Warn("aborting batch", "reason", err)
		_ = r.Abort(context.Background())
		return err
	}
	// the context above may be done already; the index is read after the final flush
	snap, err := r.Snapshot(context.Background())
	if err != nil {
		return err
	}
	printJSON(out, struct {
		Vars  any `json:"vars"`
		Files any `json:"files"`
	}{snap.Vars, snap.Files})
	return nil
}

func (c command) Watch(cmd *cobra.Command, f WatchFlags) error {
	cfg, log, err := c.load()
	if err != nil {
		return err
	}
	cfg.RDB.Dirs = append(cfg.RDB.Dirs, f.Dirs...)
	if len(f.Patterns) > 0 {
		cfg.RDB.Patterns = f.Patterns
	}
	if f.Interval > 0 {
		cfg.RDB.Interval = f.Interval
	}
	if len(cfg.RDB.Dirs) == 0 {
		return errors.New("no result directory given: pass dirs as arguments or set rdb.dirs")
	}
	if f.Once {
		cfg.RDB.Watch = false
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	r, err := start(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = r.stop() }()

	out := cmd.OutOrStdout()
	if f.Once {
		if err := r.Rescan(ctx); err != nil {
			return err
		}
		snap, err := r.Snapshot(ctx)
		if err != nil {
			return err
		}
		printJSON(out, snap)
		return nil
	}

	if err := r.OnHeaderChanged(ctx, func(s fedemsync.Snapshot) { printJSON(out, s.Vars) }); err != nil {
		return err
	}
	if err := r.WatchResults(ctx); err != nil {
		return err
	}
	log.Info("watching result files", "dirs", cfg.RDB.Dirs, "patterns", cfg.RDB.Patterns)
	<-ctx.Done()
	return nil
}

func (c command) Serve(cmd *cobra.Command, f ServeFlags) error {
	if f.ConfigPath != "" {
		c.global.ConfigPath = f.ConfigPath
	}
	cfg, log, err := c.load()
	if err != nil {
		return err
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}
	if cfg.Server.Listen == "" {
		return errors.New("server.listen must be set to run serve")
	}
	if err := fedemsync.RegisterMetricsDefault(); err != nil {
		log.Warn("failed to register metrics", "error", err)
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	r, err := start(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = r.stop() }()

	srv := r.NewHTTPServer(cfg.Server.Listen)
	log.Info("starting fedemsync server", "addr", cfg.Server.Listen, "base_path", cfg.Server.BasePath)

	if len(f.Batch) > 0 {
		if _, err := r.Batch(ctx, f.Batch); err != nil {
			log.Error("startup batch rejected", "error", err)
		}
	}

	<-ctx.Done()
	log.Info("shutting down")
	_ = r.Abort(context.Background())
	return srv.Close()
}

func (c command) Status(cmd *cobra.Command, f StatusFlags) error {
	path, ok := statusPaths[f.View]
	if !ok {
		return fmt.Errorf("unknown view %q (valid: %v)", f.View, statusViews())
	}
	client := NewAPIClient(f.APIUrl, f.APITimeout)
	v, err := client.Get(path)
	if err != nil {
		return err
	}
	printJSON(cmd.OutOrStdout(), v)
	return nil
}

func (c command) Abort(cmd *cobra.Command, f StatusFlags) error {
	client := NewAPIClient(f.APIUrl, f.APITimeout)
	if err := client.Abort(); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "abort requested")
	return nil
}

var statusPaths = map[string]string{
	"processes":  "/processes",
	"groups":     "/groups",
	"vars":       "/rdb/vars",
	"rdb-groups": "/rdb/groups",
	"files":      "/rdb/files",
}

func statusViews() []string {
	return []string{"processes", "groups", "vars", "rdb-groups", "files"}
}
