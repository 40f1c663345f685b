package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDFile is the supervision record of a spawned emulator: the PID on the
// first line and, when known, {"start_unix": N} on the second. The start
// time lets kill tell a live emulator from a recycled PID.
type PIDFile struct {
	PID       int
	StartUnix int64
}

type pidMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// WritePIDFile records pid and its start time at path.
func WritePIDFile(path string, rec PIDFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString(strconv.Itoa(rec.PID))
	b.WriteByte('\n')
	if rec.StartUnix > 0 {
		meta, err := json.Marshal(pidMeta{StartUnix: rec.StartUnix})
		if err != nil {
			return err
		}
		b.Write(meta)
		b.WriteByte('\n')
	}
	// #nosec G306
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// ReadPIDFile parses the record at path. A missing file is reported with
// an error matching fs.ErrNotExist.
func ReadPIDFile(path string) (PIDFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PIDFile{}, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return PIDFile{}, fmt.Errorf("invalid pid in %s: %q", path, strings.TrimSpace(lines[0]))
	}
	rec := PIDFile{PID: pid}
	for _, l := range lines[1:] {
		var m pidMeta
		if err := json.Unmarshal([]byte(strings.TrimSpace(l)), &m); err == nil && m.StartUnix > 0 {
			rec.StartUnix = m.StartUnix
			break
		}
	}
	return rec, nil
}

func removePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
