package rdbsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/fedemsync/internal/extractor"
)

// DefaultPatterns match the result files written by the solvers.
var DefaultPatterns = []string{"*.frs"}

// FileAdder is the part of the extractor DirSync feeds.
type FileAdder interface {
	AddFiles(paths []string, showProgress bool, mustExist bool) error
	Has(path string) bool
}

// DirSync is a ModelSync that finds result files under a set of directories.
// Each sync globs the directories; an fsnotify watcher additionally records
// files created between syncs so they are picked up even when a glob races
// with their creation.
type DirSync struct {
	ext      FileAdder
	dirs     []string
	patterns []string
	log      *slog.Logger

	mu      sync.Mutex
	created map[string]bool
	watched map[string]bool
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewDirSync(ext FileAdder, dirs, patterns []string, log *slog.Logger) *DirSync {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	if log == nil {
		log = slog.Default()
	}
	return &DirSync{
		ext:      ext,
		dirs:     append([]string(nil), dirs...),
		patterns: append([]string(nil), patterns...),
		log:      log.With("component", "dirsync"),
		created:  make(map[string]bool),
		watched:  make(map[string]bool),
	}
}

var _ ModelSync = (*DirSync)(nil)
var _ FileAdder = (*extractor.Extractor)(nil)

// AddDir adds a directory to scan, e.g. a stage directory created by a batch.
func (d *DirSync) AddDir(dir string) {
	for _, x := range d.dirs {
		if x == dir {
			return
		}
	}
	d.dirs = append(d.dirs, dir)
	d.watchDirs()
}

func (d *DirSync) Dirs() []string { return append([]string(nil), d.dirs...) }

// Watch starts the fsnotify watcher. Directories that do not exist yet are
// added on later syncs.
func (d *DirSync) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.watcher = w
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()
	d.watchDirs()
	go d.events(ctx, w)
	return nil
}

func (d *DirSync) watchDirs() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.watcher == nil {
		return
	}
	for _, dir := range d.dirs {
		if d.watched[dir] {
			continue
		}
		if err := d.watcher.Add(dir); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				d.log.Debug("cannot watch directory", "dir", dir, "error", err)
			}
			continue
		}
		d.watched[dir] = true
	}
}

func (d *DirSync) events(ctx context.Context, w *fsnotify.Watcher) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) && d.matches(ev.Name) {
				d.mu.Lock()
				d.created[ev.Name] = true
				d.mu.Unlock()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			d.log.Warn("watcher error", "error", err)
		}
	}
}

func (d *DirSync) matches(path string) bool {
	base := filepath.Base(path)
	for _, p := range d.patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

// SyncResultFiles registers result files the extractor does not hold. A file
// removed from the extractor is registered again when it is still on disk.
func (d *DirSync) SyncResultFiles() error {
	d.watchDirs()
	found := make(map[string]bool)
	for _, dir := range d.dirs {
		for _, p := range d.patterns {
			matches, err := filepath.Glob(filepath.Join(dir, p))
			if err != nil {
				return fmt.Errorf("glob %s: %w", p, err)
			}
			for _, m := range matches {
				found[m] = true
			}
		}
	}
	d.mu.Lock()
	for p := range d.created {
		found[p] = true
	}
	d.created = make(map[string]bool)
	d.mu.Unlock()

	var fresh []string
	for p := range found {
		if !d.ext.Has(p) {
			fresh = append(fresh, p)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	sort.Strings(fresh)
	d.log.Debug("new result files", "count", len(fresh))
	return d.ext.AddFiles(fresh, false, false)
}

// Close stops the watcher.
func (d *DirSync) Close() error {
	d.mu.Lock()
	w, cancel, done := d.watcher, d.cancel, d.done
	d.watcher = nil
	d.mu.Unlock()
	if w == nil {
		return nil
	}
	cancel()
	err := w.Close()
	<-done
	return err
}
