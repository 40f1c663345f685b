package logger

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Tail returns the last n lines of the file at path, each terminated by
// "\n". A single trailing line terminator in the file is ignored so that a
// file ending in "\n" and one that does not yield the same result.
// A missing file yields an empty string and no error.
func Tail(path string, n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	if len(data) == 0 {
		return "", nil
	}

	end := len(data)
	if data[end-1] == '\n' {
		end--
	}
	start := 0
	seen := 0
	for i := end - 1; i >= 0; i-- {
		if data[i] != '\n' {
			continue
		}
		seen++
		if seen == n {
			start = i + 1
			break
		}
	}
	return string(data[start:end]) + "\n", nil
}
