package function

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

	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"
)

// ManifestFile is the file a module directory must contain.
const ManifestFile = "function.json"

var (
	ErrModuleNotFound  = errors.New("module not found")
	ErrInvalidManifest = errors.New("invalid module manifest")
	ErrExportNotFound  = errors.New("export not found")
)

// Export describes how to run one exported function.
type Export struct {
	Command string   `json:"command"`
	Env     []string `json:"env,omitempty"`
}

// Manifest is the parsed function.json of a module. Comments and trailing
// commas are allowed.
type Manifest struct {
	Exports map[string]Export `json:"exports"`
}

// Names returns the export names in sorted order.
func (m *Manifest) Names() []string {
	out := make([]string, 0, len(m.Exports))
	for k := range m.Exports {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ParseManifest decodes manifest bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if m.Exports == nil {
		m.Exports = map[string]Export{}
	}
	return &m, nil
}

type cachedManifest struct {
	sum      [32]byte
	manifest *Manifest
}

// ManifestLoader loads modules from function.json manifests and runs their
// exports as child processes. The manifest is read on every Load; parsing
// is skipped when its BLAKE3 digest is unchanged.
type ManifestLoader struct {
	mu    sync.Mutex
	cache map[string]cachedManifest
}

func NewManifestLoader() *ManifestLoader {
	return &ManifestLoader{cache: make(map[string]cachedManifest)}
}

// Manifest reads and parses the manifest of the module rooted at dir.
func (l *ManifestLoader) Manifest(dir string) (*Manifest, error) {
	dir = filepath.Clean(dir)
	fi, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, dir)
		}
		return nil, fmt.Errorf("%w: %v", ErrModuleNotFound, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrModuleNotFound, dir)
	}
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s has no %s", ErrModuleNotFound, dir, ManifestFile)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	sum := blake3.Sum256(data)

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.cache[dir]; ok && c.sum == sum {
		return c.manifest, nil
	}
	m, err := ParseManifest(data)
	if err != nil {
		delete(l.cache, dir)
		return nil, fmt.Errorf("%s: %w", filepath.Join(dir, ManifestFile), err)
	}
	l.cache[dir] = cachedManifest{sum: sum, manifest: m}
	return m, nil
}

// Load implements Loader.
func (l *ManifestLoader) Load(dir, name string) (Func, error) {
	m, err := l.Manifest(dir)
	if err != nil {
		return nil, err
	}
	exp, ok := m.Exports[name]
	if !ok || strings.TrimSpace(exp.Command) == "" {
		return nil, fmt.Errorf("%w: module %s does not export %q", ErrExportNotFound, dir, name)
	}
	return &ExecFunc{Dir: filepath.Clean(dir), Command: exp.Command, Env: exp.Env}, nil
}
