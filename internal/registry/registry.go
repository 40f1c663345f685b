// Package registry keeps the set of deployed functions and mirrors it to a
// JSON document on disk after every mutation.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/fnemu/internal/function"
)

var (
	ErrNotFound    = errors.New("function not found")
	ErrInvalidName = errors.New("invalid function name")
	ErrInvalidPath = errors.New("module path required")
)

// Registry maps function names to records. Readers run concurrently;
// mutations are serialized together with their persistence, so the file
// always equals the in-memory map after a mutation returns.
type Registry struct {
	mu      sync.RWMutex
	path    string
	loader  function.Loader
	baseURL string
	funcs   map[string]Record
}

// Open loads the registry document at path. A missing document yields an
// empty registry and "{}" is written; an unreadable one is an error.
// baseURL (e.g. http://localhost:8008) prefixes the URL of HTTP functions.
func Open(path string, loader function.Loader, baseURL string) (*Registry, error) {
	r := &Registry{
		path:    filepath.Clean(path),
		loader:  loader,
		baseURL: strings.TrimRight(baseURL, "/"),
		funcs:   make(map[string]Record),
	}
	data, err := os.ReadFile(r.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := r.persist(); err != nil {
			return nil, err
		}
		return r, nil
	case err != nil:
		return nil, fmt.Errorf("read registry: %w", err)
	}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &r.funcs); err != nil {
			return nil, fmt.Errorf("parse registry %s: %w", r.path, err)
		}
	}
	if r.funcs == nil {
		r.funcs = make(map[string]Record)
	}
	for name, rec := range r.funcs {
		if rec.Name == "" {
			rec.Name = name
			r.funcs[name] = rec
		}
	}
	return r, nil
}

// Path returns the location of the persisted document.
func (r *Registry) Path() string { return r.path }

// Deploy validates that the module at modulePath exports name and records
// it, replacing any previous record with the same name. Nothing changes
// when validation, loading or persistence fails.
func (r *Registry) Deploy(name, modulePath string, t function.TriggerType) (Record, error) {
	if !ValidName(name) {
		return Record{}, fmt.Errorf("%w: %q (allowed [A-Za-z0-9._-], no '..', not %q)", ErrInvalidName, name, ReservedName)
	}
	if !t.Valid() {
		return Record{}, fmt.Errorf("%w: %q", function.ErrInvalidTrigger, t)
	}
	if strings.TrimSpace(modulePath) == "" {
		return Record{}, ErrInvalidPath
	}
	abs, err := filepath.Abs(modulePath)
	if err != nil {
		return Record{}, err
	}
	if _, err := r.loader.Load(abs, name); err != nil {
		return Record{}, err
	}

	rec := Record{Name: name, Path: abs, Type: t}
	if t == function.TriggerHTTP {
		rec.URL = r.baseURL + "/" + name
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.funcs[name]
	r.funcs[name] = rec
	if err := r.persist(); err != nil {
		if had {
			r.funcs[name] = prev
		} else {
			delete(r.funcs, name)
		}
		return Record{}, err
	}
	return rec, nil
}

// Undeploy removes name. Removing an absent name is not an error.
func (r *Registry) Undeploy(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.funcs[name]
	delete(r.funcs, name)
	if err := r.persist(); err != nil {
		if had {
			r.funcs[name] = prev
		}
		return err
	}
	return nil
}

// Clear removes every function.
func (r *Registry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.funcs
	r.funcs = make(map[string]Record)
	if err := r.persist(); err != nil {
		r.funcs = prev
		return err
	}
	return nil
}

// List returns a snapshot of all records keyed by name.
func (r *Registry) List() map[string]Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Record, len(r.funcs))
	for k, v := range r.funcs {
		out[k] = v
	}
	return out
}

// Names returns the deployed names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for k := range r.funcs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Describe returns the record of name or ErrNotFound.
func (r *Registry) Describe(name string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.funcs[name]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return rec, nil
}

// Len reports the number of deployed functions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.funcs)
}

// persist writes the map through a temp file and rename. Caller holds mu
// for writing (or owns r exclusively).
func (r *Registry) persist() error {
	data, err := json.MarshalIndent(r.funcs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("persist registry: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("persist registry: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("persist registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("persist registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("persist registry: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		cleanup()
		return fmt.Errorf("persist registry: %w", err)
	}
	return nil
}
