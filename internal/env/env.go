// Package env composes the environment handed to a spawned backend:
// the inherited OS environment, then profile-level variables, then
// per-spawn overrides. Later layers win.
package env

import (
	"os"
	"sort"
	"strings"
)

type Vars map[string]string

type Env struct {
	Vars Vars // profile-level variables
	base Vars // inherited environment, captured lazily
}

func New() *Env {
	return &Env{Vars: make(Vars)}
}

// FromOS captures the current process environment as the base layer.
func (e *Env) FromOS() {
	e.base = Parse(os.Environ())
}

// Set sets a profile-level variable.
func (e *Env) Set(k, v string) {
	if e.Vars == nil {
		e.Vars = make(Vars)
	}
	e.Vars[k] = v
}

// SetAll applies a list of "K=V" entries. Malformed entries are skipped.
func (e *Env) SetAll(kvs []string) {
	for k, v := range Parse(kvs) {
		e.Set(k, v)
	}
}

// Unset removes a profile-level variable.
func (e *Env) Unset(k string) {
	delete(e.Vars, k)
}

// Merge returns base + Vars + overrides as a sorted "K=V" slice.
// Values may reference other variables as ${NAME}; references are resolved
// against the merged map in a single pass.
func (e *Env) Merge(overrides []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Vars, len(e.base)+len(e.Vars))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Vars {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range Parse(overrides) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// Parse converts "K=V" entries into a map. Entries without '=' or with an
// empty key are ignored.
func Parse(kvs []string) Vars {
	m := make(Vars, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

func expand(s string, m Vars) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(name string) string { return m[name] })
}
