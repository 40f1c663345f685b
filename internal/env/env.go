package env

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Var maps variable names to values.
type Var map[string]string

// Env is an immutable set of environment variables. Every With* method
// returns a new Env, so a value can be shared by concurrent invocations.
type Env struct {
	vars Var
}

// New returns an empty environment.
func New() Env { return Env{vars: Var{}} }

// FromOS returns an environment seeded with the current process environment.
func FromOS() Env {
	return New().WithPairs(os.Environ())
}

func (e Env) clone(extra int) Var {
	m := make(Var, len(e.vars)+extra)
	for k, v := range e.vars {
		m[k] = v
	}
	return m
}

// WithSet returns a copy of e with k set to v. Empty keys are ignored.
func (e Env) WithSet(k, v string) Env {
	if k == "" {
		return e
	}
	m := e.clone(1)
	m[k] = v
	return Env{vars: m}
}

// WithPairs returns a copy of e overlaid with "K=V" entries. Malformed
// entries and entries with an empty key are skipped.
func (e Env) WithPairs(kvs []string) Env {
	m := e.clone(len(kvs))
	for _, kv := range kvs {
		if k, v, ok := Split(kv); ok {
			m[k] = v
		}
	}
	return Env{vars: m}
}

// WithFile returns a copy of e overlaid with the KEY=VALUE lines of a .env
// style file. Blank lines and lines starting with # are ignored.
func (e Env) WithFile(path string) (Env, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return e, err
	}
	var kvs []string
	s := bufio.NewScanner(bytes.NewReader(b))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if k, v, ok := Split(line); ok {
			kvs = append(kvs, strings.TrimSpace(k)+"="+strings.TrimSpace(v))
		}
	}
	if err := s.Err(); err != nil {
		return e, err
	}
	return e.WithPairs(kvs), nil
}

// Get returns the value of k and whether it is set.
func (e Env) Get(k string) (string, bool) {
	v, ok := e.vars[k]
	return v, ok
}

// Len reports the number of variables.
func (e Env) Len() int { return len(e.vars) }

// Merge composes the final environment list: e first, then each layer of
// "K=V" entries in order. ${VAR} references are expanded once against the
// composed map (no recursion). The result is sorted by key.
func (e Env) Merge(layers ...[]string) []string {
	m := e.clone(0)
	for _, layer := range layers {
		for _, kv := range layer {
			if k, v, ok := Split(kv); ok {
				m[k] = v
			}
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// Overlay is Merge for an e whose values are already final: only the
// entries of the layers are expanded, each exactly once, against the
// composed map. Values taken from e are copied verbatim.
func (e Env) Overlay(layers ...[]string) []string {
	m := e.clone(0)
	fresh := make(map[string]bool)
	for _, layer := range layers {
		for _, kv := range layer {
			if k, v, ok := Split(kv); ok {
				m[k] = v
				fresh[k] = true
			}
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v := m[k]
		if fresh[k] {
			v = expand(v, m)
		}
		out = append(out, k+"="+v)
	}
	return out
}

// Split parses "K=V". ok is false when there is no '=' or the key is empty.
func Split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		name := s[i+2 : i+2+j]
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	return b.String()
}
