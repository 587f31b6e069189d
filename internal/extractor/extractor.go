// Package extractor holds the in-memory result index (the RDB) built from the
// result files of running solvers, and detects header and data growth.
package extractor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/loykin/fedemsync/internal/metrics"
	"github.com/loykin/fedemsync/internal/resultfile"
)

// ErrMissingFiles is returned by AddFiles when mustExist rejects paths.
var ErrMissingFiles = errors.New("result files not found")

// Container is the bookkeeping of one watched result file.
type Container struct {
	file     *resultfile.File
	status   Status
	textSeen bool
	released bool
}

func (c *Container) Path() string           { return c.file.Path() }
func (c *Container) Status() Status         { return c.status }
func (c *Container) File() *resultfile.File { return c.file }

// VarEntry is a top-level variable and the files that provide it.
type VarEntry struct {
	resultfile.Var
	Files []string
}

// GroupEntry is an object group merged across files.
type GroupEntry struct {
	BaseID   int
	TypeName string
	Fields   []string
	Files    []string
}

// FieldRef names a group field, or a top-level variable when TypeName is empty.
type FieldRef struct {
	TypeName string
	BaseID   int
	Field    string
}

// FieldSeries holds the values of one field concatenated across files in
// registration order.
type FieldSeries struct {
	Ref    FieldRef
	Values []float64
}

type Listener func(*Extractor)

// Extractor must only be used from the scheduler goroutine.
type Extractor struct {
	log        *slog.Logger
	containers []*Container
	byPath     map[string]*Container

	vars   map[string]*VarEntry
	groups map[int]*GroupEntry

	headerChanged bool
	dataChanged   bool

	onHeader []*listener
	onData   []*listener
}

type listener struct{ fn Listener }

func New(log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{
		log:    log.With("component", "rdb"),
		byPath: make(map[string]*Container),
		vars:   make(map[string]*VarEntry),
		groups: make(map[int]*GroupEntry),
	}
}

// OnHeaderChanged subscribes fn to header changes and returns an unsubscribe func.
func (e *Extractor) OnHeaderChanged(fn Listener) func() { return subscribe(&e.onHeader, fn) }

// OnDataChanged subscribes fn to data growth and returns an unsubscribe func.
func (e *Extractor) OnDataChanged(fn Listener) func() { return subscribe(&e.onData, fn) }

func subscribe(list *[]*listener, fn Listener) func() {
	l := &listener{fn: fn}
	*list = append(*list, l)
	return func() {
		for i, x := range *list {
			if x == l {
				*list = append((*list)[:i:i], (*list)[i+1:]...)
				return
			}
		}
	}
}

// AddFiles registers result files. Paths already registered are ignored. With
// mustExist, missing paths are rejected and listed in the returned error while
// the existing ones are still added. New files are scanned immediately, and at
// most one header and one data notification is sent for the whole call.
func (e *Extractor) AddFiles(paths []string, showProgress bool, mustExist bool) error {
	var missing []string
	var added []*Container
	for _, p := range paths {
		if _, ok := e.byPath[p]; ok {
			continue
		}
		if mustExist {
			if _, err := os.Stat(p); err != nil {
				missing = append(missing, p)
				continue
			}
		}
		c := &Container{file: resultfile.New(p)}
		e.containers = append(e.containers, c)
		e.byPath[p] = c
		added = append(added, c)
	}

	for i, c := range added {
		if showProgress {
			e.log.Info("loading result file", "file", c.Path(), "progress", fmt.Sprintf("%d/%d", i+1, len(added)))
		}
		e.doSingleResultFileUpdate(c)
	}
	metrics.SetRDBFiles(len(e.containers))
	e.flush()

	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingFiles, missing)
	}
	return nil
}

// RemoveFiles deregisters the given files that are still present and rebuilds
// the index. A header notification is always sent.
func (e *Extractor) RemoveFiles(paths []string) {
	drop := make(map[string]bool, len(paths))
	for _, p := range paths {
		if _, ok := e.byPath[p]; ok {
			drop[p] = true
			delete(e.byPath, p)
		}
	}
	if len(drop) > 0 {
		kept := e.containers[:0]
		for _, c := range e.containers {
			if !drop[c.Path()] {
				kept = append(kept, c)
			}
		}
		for i := len(kept); i < len(e.containers); i++ {
			e.containers[i] = nil
		}
		e.containers = kept
	}
	metrics.SetRDBFiles(len(e.containers))
	e.headerChanged = true
	e.flush()
}

// DoResultFilesUpdate scans every container in registration order and sends at
// most one header and one data notification for the pass. It reports whether
// anything changed.
func (e *Extractor) DoResultFilesUpdate() bool {
	metrics.IncRDBScan()
	for _, c := range e.containers {
		e.doSingleResultFileUpdate(c)
	}
	changed := e.headerChanged || e.dataChanged
	e.flush()
	return changed
}

// doSingleResultFileUpdate classifies what was appended to c since its last scan
// and raises the pass flags accordingly.
func (e *Extractor) doSingleResultFileUpdate(c *Container) {
	c.status &^= NewData | NewText
	if c.released || c.status.Has(Closed) {
		return
	}
	d, err := c.file.Scan()
	if err != nil {
		e.log.Warn("result file read error", "file", c.Path(), "error", err)
	}
	if d.Truncated {
		e.log.Warn("result file shrank, reading it again", "file", c.Path())
		c.status &^= HeaderComplete
		c.textSeen = false
		e.headerChanged = true
		e.dataChanged = true
	}
	if d.HeaderComplete {
		c.status |= HeaderComplete
		e.headerChanged = true
	}
	if d.Rows > 0 {
		c.status |= NewData
		e.dataChanged = true
	}
	if d.TextLines > 0 {
		c.status |= NewText
		e.dataChanged = true
		if !c.textSeen {
			c.textSeen = true
			e.headerChanged = true
		}
	}
	if c.file.Closed() {
		c.status |= Closed
	}
}

// flush rebuilds the index when the header changed and notifies listeners.
// Flags are cleared before listeners run.
func (e *Extractor) flush() {
	header, data := e.headerChanged, e.dataChanged
	e.headerChanged, e.dataChanged = false, false
	if header {
		e.rebuild()
		metrics.IncRDBEvent("header")
		for _, l := range append([]*listener(nil), e.onHeader...) {
			l.fn(e)
		}
	}
	if data {
		metrics.IncRDBEvent("data")
		for _, l := range append([]*listener(nil), e.onData...) {
			l.fn(e)
		}
	}
}

func (e *Extractor) rebuild() {
	e.vars = make(map[string]*VarEntry)
	e.groups = make(map[int]*GroupEntry)
	for _, c := range e.containers {
		if !c.status.Has(HeaderComplete) {
			continue
		}
		path := c.Path()
		for _, v := range c.file.Vars() {
			ve, ok := e.vars[v.Name]
			if !ok {
				ve = &VarEntry{Var: v}
				e.vars[v.Name] = ve
			}
			ve.Files = append(ve.Files, path)
		}
		for _, g := range c.file.Groups() {
			ge, ok := e.groups[g.BaseID]
			if !ok {
				ge = &GroupEntry{BaseID: g.BaseID, TypeName: g.TypeName}
				e.groups[g.BaseID] = ge
			}
			if ge.TypeName != g.TypeName {
				e.log.Error("object group type mismatch", "base_id", g.BaseID, "indexed", ge.TypeName, "file_type", g.TypeName, "file", path)
				continue
			}
			ge.Fields = mergeFields(ge.Fields, g.Fields)
			ge.Files = append(ge.Files, path)
		}
	}
}

func mergeFields(have, add []string) []string {
	for _, f := range add {
		found := false
		for _, h := range have {
			if h == f {
				found = true
				break
			}
		}
		if !found {
			have = append(have, f)
		}
	}
	return have
}

// TopLevelVars returns the indexed variables ordered by id, then name.
func (e *Extractor) TopLevelVars() []VarEntry {
	out := make([]VarEntry, 0, len(e.vars))
	for _, v := range e.vars {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// SuperObjectGroups returns the object type names present in the index, sorted.
func (e *Extractor) SuperObjectGroups() []string {
	seen := make(map[string]bool)
	var out []string
	for _, g := range e.groups {
		if !seen[g.TypeName] {
			seen[g.TypeName] = true
			out = append(out, g.TypeName)
		}
	}
	sort.Strings(out)
	return out
}

// ObjectGroups returns all indexed groups ordered by base id.
func (e *Extractor) ObjectGroups() []GroupEntry {
	out := make([]GroupEntry, 0, len(e.groups))
	for _, g := range e.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BaseID < out[j].BaseID })
	return out
}

// ObjectGroupFields returns the fields of the group with the given base id. A
// group that is not indexed yields false without logging; a group of another
// type is logged as an inconsistency.
func (e *Extractor) ObjectGroupFields(typeName string, baseID int) ([]string, bool) {
	g, ok := e.groups[baseID]
	if !ok {
		return nil, false
	}
	if g.TypeName != typeName {
		e.log.Error("object group type mismatch", "base_id", baseID, "indexed", g.TypeName, "requested", typeName)
		return nil, false
	}
	return append([]string(nil), g.Fields...), true
}

// CollectFields gathers the values of each ref. Refs to groups that are not
// indexed are skipped; refs with a mismatching type are logged and skipped.
func (e *Extractor) CollectFields(refs []FieldRef) []FieldSeries {
	var out []FieldSeries
	for _, ref := range refs {
		var files []string
		if ref.TypeName == "" {
			v, ok := e.vars[ref.Field]
			if !ok {
				continue
			}
			files = v.Files
		} else {
			g, ok := e.groups[ref.BaseID]
			if !ok {
				continue
			}
			if g.TypeName != ref.TypeName {
				e.log.Error("object group type mismatch", "base_id", ref.BaseID, "indexed", g.TypeName, "requested", ref.TypeName)
				continue
			}
			files = g.Files
		}
		s := FieldSeries{Ref: ref}
		for _, p := range files {
			c := e.byPath[p]
			if c == nil {
				continue
			}
			var col int
			if ref.TypeName == "" {
				col = c.file.Column(ref.Field)
			} else {
				col = c.file.FieldColumn(ref.BaseID, ref.Field)
			}
			s.Values = append(s.Values, c.file.Series(col)...)
		}
		out = append(out, s)
	}
	return out
}

// Files returns the registered containers in registration order.
func (e *Extractor) Files() []*Container { return append([]*Container(nil), e.containers...) }

// Has reports whether path is registered.
func (e *Extractor) Has(path string) bool {
	_, ok := e.byPath[path]
	return ok
}

// ReleaseClosedTempFiles deletes closed temporary result files from disk. Their
// content stays in the index. It returns the deleted paths.
func (e *Extractor) ReleaseClosedTempFiles() []string {
	var out []string
	for _, c := range e.containers {
		if c.released || !c.status.Has(Closed) || !c.file.Temporary() {
			continue
		}
		if err := os.Remove(c.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.log.Warn("cannot remove temporary result file", "file", c.Path(), "error", err)
			continue
		}
		c.released = true
		out = append(out, c.Path())
	}
	if len(out) > 0 {
		e.log.Debug("released temporary result files", "count", len(out))
	}
	return out
}

// Close drops every container and empties the index.
func (e *Extractor) Close() {
	e.containers = nil
	e.byPath = make(map[string]*Container)
	e.vars = make(map[string]*VarEntry)
	e.groups = make(map[int]*GroupEntry)
	e.headerChanged, e.dataChanged = false, false
	metrics.SetRDBFiles(0)
}
