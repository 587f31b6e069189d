// Package env composes the environment handed to solver processes.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env holds global variables applied on top of a base environment.
// It is immutable through WithSet; Set mutates in place.
type Env struct {
	Var  Var // global variables (K->V)
	base Var // cached base from the OS environment
	bare bool
}

func New() *Env { return &Env{Var: make(Var)} }

// Bare returns an Env whose base is empty instead of the OS environment.
func Bare() *Env { return &Env{Var: make(Var), base: Var{}, bare: true} }

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := splitKV(kv); ok {
			base[k] = v
		}
	}
	e.base = base
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet returns a copy of e with K=V applied.
func (e *Env) WithSet(k, v string) *Env {
	n := &Env{Var: make(Var, len(e.Var)+1), base: e.base, bare: e.bare}
	for kk, vv := range e.Var {
		n.Var[kk] = vv
	}
	n.Var[k] = v
	return n
}

// SetKVs applies a list of "KEY=VALUE" entries; malformed entries are skipped.
func (e *Env) SetKVs(kvs []string) {
	for _, kv := range kvs {
		if k, v, ok := splitKV(kv); ok {
			e.Set(k, v)
		}
	}
}

// Merge composes the final environment: base, then globals, then perProc
// ("K=V") overrides. ${VAR} and $VAR references are expanded against the
// composed map, one level deep. The result is sorted by key.
func (e *Env) Merge(perProc []string) []string {
	if e.base == nil && !e.bare {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(perProc))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for _, kv := range perProc {
		if k, v, ok := splitKV(kv); ok {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v := os.Expand(m[k], func(ref string) string { return m[ref] })
		out = append(out, k+"="+v)
	}
	return out
}

func splitKV(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}
