package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/fedemsync/internal/metrics"
)

// Source supplies the state served by the router. Implementations are called
// from HTTP goroutines and must hand the work to the scheduler goroutine.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	GroupFields(ctx context.Context, typeName string, baseID int) ([]string, bool, error)
	Abort(ctx context.Context) error
}

type ProcessInfo struct {
	Name           string  `json:"name"`
	PID            int     `json:"pid"`
	Group          int     `json:"group"`
	State          string  `json:"state"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

type GroupInfo struct {
	ID    int `json:"id"`
	Count int `json:"count"`
}

type VarInfo struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Unit        string   `json:"unit"`
	Description string   `json:"description,omitempty"`
	Files       []string `json:"files"`
}

type ObjectGroupInfo struct {
	BaseID   int      `json:"base_id"`
	TypeName string   `json:"type"`
	Fields   []string `json:"fields"`
	Files    []string `json:"files"`
}

type FileInfo struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

// Snapshot is a consistent view taken on the scheduler goroutine.
type Snapshot struct {
	Processes    []ProcessInfo     `json:"processes"`
	Groups       []GroupInfo       `json:"groups"`
	Vars         []VarInfo         `json:"vars"`
	ObjectGroups []ObjectGroupInfo `json:"object_groups"`
	Files        []FileInfo        `json:"files"`
	Checking     bool              `json:"rdb_checking"`
}

// Router provides embeddable HTTP handlers reporting solver and result state.
// Endpoints:
//
//	GET  {basePath}/processes
//	GET  {basePath}/groups
//	GET  {basePath}/rdb/vars
//	GET  {basePath}/rdb/groups
//	GET  {basePath}/rdb/fields   query: type=...&base=...
//	GET  {basePath}/rdb/files
//	POST {basePath}/abort        kills every running solver
//	GET  /metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      Source
	basePath string
	timeout  time.Duration
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(src Source, basePath string) *Router {
	return &Router{src: src, basePath: sanitizeBase(basePath), timeout: 5 * time.Second}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	group.GET("/processes", r.handleProcesses)
	group.GET("/groups", r.handleGroups)
	group.GET("/rdb/vars", r.handleVars)
	group.GET("/rdb/groups", r.handleObjectGroups)
	group.GET("/rdb/fields", r.handleFields)
	group.GET("/rdb/files", r.handleFiles)
	group.POST("/abort", r.handleAbort)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, src Source) *http.Server {
	r := NewRouter(src, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) snapshot(c *gin.Context) (Snapshot, bool) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.timeout)
	defer cancel()
	s, err := r.src.Snapshot(ctx)
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return Snapshot{}, false
	}
	return s, true
}

func (r *Router) handleProcesses(c *gin.Context) {
	if s, ok := r.snapshot(c); ok {
		writeJSON(c, http.StatusOK, nonNil(s.Processes))
	}
}

func (r *Router) handleGroups(c *gin.Context) {
	if s, ok := r.snapshot(c); ok {
		writeJSON(c, http.StatusOK, nonNil(s.Groups))
	}
}

func (r *Router) handleVars(c *gin.Context) {
	if s, ok := r.snapshot(c); ok {
		writeJSON(c, http.StatusOK, nonNil(s.Vars))
	}
}

func (r *Router) handleObjectGroups(c *gin.Context) {
	if s, ok := r.snapshot(c); ok {
		writeJSON(c, http.StatusOK, nonNil(s.ObjectGroups))
	}
}

func (r *Router) handleFiles(c *gin.Context) {
	if s, ok := r.snapshot(c); ok {
		writeJSON(c, http.StatusOK, gin.H{"checking": s.Checking, "files": nonNil(s.Files)})
	}
}

func (r *Router) handleFields(c *gin.Context) {
	typeName := c.Query("type")
	if !isSafeName(typeName) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "type query param required: allowed [A-Za-z0-9._-]"})
		return
	}
	baseID, err := strconv.Atoi(c.Query("base"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "base query param must be an integer"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.timeout)
	defer cancel()
	fields, found, err := r.src.GroupFields(ctx, typeName, baseID)
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	if !found {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "object group not found"})
		return
	}
	writeJSON(c, http.StatusOK, fields)
}

func (r *Router) handleAbort(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.timeout)
	defer cancel()
	if err := r.src.Abort(ctx); err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// nonNil keeps empty lists encoded as [] instead of null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
