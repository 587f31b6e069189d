// Package fedemsync runs FEDEM solver batches and keeps an in-memory result
// index in step with the result files the solvers write while they run.
//
// A Session owns one scheduler loop. Everything that touches the registry, the
// extractor or the coordinator runs on that loop; callers on other goroutines
// go through Do.
package fedemsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/fedemsync/internal/batch"
	"github.com/loykin/fedemsync/internal/config"
	"github.com/loykin/fedemsync/internal/extractor"
	"github.com/loykin/fedemsync/internal/history"
	"github.com/loykin/fedemsync/internal/history/factory"
	"github.com/loykin/fedemsync/internal/metrics"
	"github.com/loykin/fedemsync/internal/rdbsync"
	"github.com/loykin/fedemsync/internal/registry"
	"github.com/loykin/fedemsync/internal/sched"
	"github.com/loykin/fedemsync/internal/server"
)

// Re-export core types for external consumers.

type Config = config.FileConfig

type Event = registry.Event

type Directives = batch.Directives

type Snapshot = server.Snapshot

// ErrClosed is returned by Do once the session loop has stopped.
var ErrClosed = errors.New("session closed")

// LoadConfig reads a fedemsync.toml file; an empty path uses defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// ParseDirectives parses key=value batch directives.
func ParseDirectives(opts []string) (Directives, error) { return batch.ParseDirectives(opts) }

// Session wires the registry, the result extractor and the RDB coordinator.
type Session struct {
	cfg  *Config
	log  *slog.Logger
	loop *sched.Loop

	reg   *registry.Registry
	ext   *extractor.Extractor
	dirs  *rdbsync.DirSync
	coord *rdbsync.Coordinator
	sinks []history.Sink
	env   []string

	group    int
	finished chan struct{}
	stopped  chan struct{}
}

// NewSession builds a session from cfg. History sinks named in the config are
// opened here; a sink that fails to open is an error.
func NewSession(cfg *Config, log *slog.Logger) (*Session, error) {
	if cfg == nil {
		c, err := config.Load("")
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		cfg:      cfg,
		log:      log,
		loop:     sched.NewLoop(),
		finished: make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
	s.reg = registry.New(s.loop, registry.Config{Interval: cfg.Registry.Interval, Logger: log})
	for _, dsn := range cfg.History.DSNs {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			s.closeSinks()
			return nil, fmt.Errorf("history sink %q: %w", dsn, err)
		}
		s.sinks = append(s.sinks, sink)
	}
	s.reg.SetHistorySinks(s.sinks...)

	if len(cfg.Env) > 0 || len(cfg.EnvFiles) > 0 || cfg.UseOSEnv {
		env, err := cfg.GlobalEnv()
		if err != nil {
			s.closeSinks()
			return nil, fmt.Errorf("global env: %w", err)
		}
		s.env = env
	}

	s.ext = extractor.New(log)
	s.dirs = rdbsync.NewDirSync(s.ext, cfg.RDB.Dirs, cfg.RDB.Patterns, log)
	s.coord = rdbsync.New(s.reg, s.ext, s.dirs, s.loop, rdbsync.Config{Interval: cfg.RDB.Interval, Logger: log})
	s.reg.Subscribe(func(e registry.Event) {
		if e.Type == registry.Finished {
			select {
			case s.finished <- struct{}{}:
			default:
			}
		}
	})
	return s, nil
}

func (s *Session) Registry() *registry.Registry      { return s.reg }
func (s *Session) Extractor() *extractor.Extractor   { return s.ext }
func (s *Session) Coordinator() *rdbsync.Coordinator { return s.coord }
func (s *Session) Scheduler() sched.Scheduler        { return s.loop }
func (s *Session) Config() *Config                   { return s.cfg }
func (s *Session) Finished() <-chan struct{}         { return s.finished }

// Run drives the session loop until ctx is cancelled. It arms the registry tick
// and, when configured, the result directory watcher.
func (s *Session) Run(ctx context.Context) error {
	if s.cfg.RDB.Watch {
		if err := s.dirs.Watch(ctx); err != nil {
			s.log.Warn("result directory watch disabled", "error", err)
		}
	}
	s.loop.Post(s.reg.Start)
	defer close(s.stopped)
	s.loop.Run(ctx)
	return nil
}

// Do runs fn on the session loop and waits for it to return.
func (s *Session) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go s.loop.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Batch parses opts and sets up a batch on the loop. It reports whether
// processes were launched.
func (s *Session) Batch(ctx context.Context, opts []string) (bool, error) {
	d, err := batch.ParseDirectives(opts)
	if err != nil {
		return false, err
	}
	var wait bool
	var setupErr error
	err = s.Do(ctx, func() { wait, setupErr = s.newOrchestrator().SetupBatch(d) })
	if err != nil {
		return false, err
	}
	return wait, setupErr
}

func (s *Session) newOrchestrator() *batch.Orchestrator {
	a := s.cfg.Analysis
	analysis := batch.Analysis{ModelFile: a.Model, Start: a.Start, Stop: a.Stop, Incr: a.Incr, Modes: a.Modes}
	o := batch.New(batch.Config{
		WorkDir:    s.cfg.Solver.WorkDir,
		Registry:   s.reg,
		Sched:      s.loop,
		Logger:     s.log,
		Analysis:   &analysis,
		FirstGroup: s.group,
		Launch: batch.Launch{
			SearchDirs:   s.cfg.SearchDirs(),
			RemotePrefix: s.cfg.Solver.RemotePrefix,
			Env:          s.env,
			Capture:      s.cfg.LoggerConfig(),
		},
		OnStageStarted: func(_ batch.Stage, dir string) { s.dirs.AddDir(dir) },
	})
	// groups stay unique across batches of one session
	s.group += 1000
	return o
}

// WaitFinished blocks until the registry has become empty or ctx ends.
func (s *Session) WaitFinished(ctx context.Context) error {
	select {
	case <-s.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ server.Source = (*Session)(nil)

// Snapshot reports processes and the result index.
func (s *Session) Snapshot(ctx context.Context) (server.Snapshot, error) {
	var snap server.Snapshot
	err := s.Do(ctx, func() { snap = s.snapshot() })
	return snap, err
}

func (s *Session) snapshot() server.Snapshot {
	var snap server.Snapshot
	for _, p := range s.reg.Processes() {
		pi := server.ProcessInfo{Name: p.Name(), PID: p.PID(), Group: p.GroupID(), State: "running"}
		if r, ok := p.(registry.Recordable); ok {
			rec := r.Record()
			pi.State = rec.State
			if !rec.StartedAt.IsZero() {
				pi.ElapsedSeconds = time.Since(rec.StartedAt).Seconds()
			}
		}
		snap.Processes = append(snap.Processes, pi)
	}
	for _, id := range s.reg.Groups() {
		snap.Groups = append(snap.Groups, server.GroupInfo{ID: id, Count: s.reg.GroupCount(id)})
	}
	for _, v := range s.ext.TopLevelVars() {
		snap.Vars = append(snap.Vars, server.VarInfo{ID: v.ID, Name: v.Name, Unit: v.Unit, Description: v.Description, Files: v.Files})
	}
	for _, g := range s.ext.ObjectGroups() {
		snap.ObjectGroups = append(snap.ObjectGroups, server.ObjectGroupInfo{BaseID: g.BaseID, TypeName: g.TypeName, Fields: g.Fields, Files: g.Files})
	}
	for _, c := range s.ext.Files() {
		snap.Files = append(snap.Files, server.FileInfo{Path: c.Path(), Status: c.Status().String()})
	}
	snap.Checking = s.coord.Checking()
	return snap
}

func (s *Session) GroupFields(ctx context.Context, typeName string, baseID int) ([]string, bool, error) {
	var fields []string
	var ok bool
	err := s.Do(ctx, func() { fields, ok = s.ext.ObjectGroupFields(typeName, baseID) })
	return fields, ok, err
}

// WatchResults starts result file checking without waiting for a solver to
// register. The registry becoming empty stops it again.
func (s *Session) WatchResults(ctx context.Context) error {
	return s.Do(ctx, s.coord.StartRDBChecking)
}

// Rescan runs one header and data check of the watched directories.
func (s *Session) Rescan(ctx context.Context) error {
	return s.Do(ctx, func() {
		s.coord.CheckForNewHeaders()
		s.coord.CheckForNewData()
	})
}

// OnHeaderChanged registers fn for header changes seen while checking. fn runs
// on the session loop.
func (s *Session) OnHeaderChanged(ctx context.Context, fn func(Snapshot)) error {
	return s.Do(ctx, func() {
		s.coord.OnHeaderChanged(func(*extractor.Extractor) { fn(s.snapshot()) })
	})
}

// Abort kills every running solver without death handling.
func (s *Session) Abort(ctx context.Context) error {
	return s.Do(ctx, s.reg.KillAll)
}

// Handler returns the HTTP status API of the session.
func (s *Session) Handler() http.Handler {
	return server.NewRouter(s, s.cfg.Server.BasePath).Handler()
}

// NewHTTPServer starts serving the status API on addr.
func (s *Session) NewHTTPServer(addr string) *http.Server {
	return server.NewServer(addr, s.cfg.Server.BasePath, s)
}

// NewLogger builds the application logger described by the [log] section.
func NewLogger(cfg *Config, w io.Writer) *slog.Logger { return cfg.LoggerConfig().NewSlog(w) }

// Close kills remaining solvers, stops the watcher and closes history sinks.
// It must be called after Run has returned.
func (s *Session) Close() error {
	s.reg.KillAll()
	s.coord.Close()
	err := s.dirs.Close()
	// drain queued history events before the sinks go away
	s.reg.Close()
	s.closeSinks()
	return err
}

func (s *Session) closeSinks() {
	for _, sink := range s.sinks {
		if c, ok := sink.(io.Closer); ok {
			_ = c.Close()
		}
	}
	s.sinks = nil
}

// RegisterMetrics registers the collectors on r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// RegisterMetricsDefault registers the collectors on the default registry.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }
