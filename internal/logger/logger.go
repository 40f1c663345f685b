package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rolling file configuration
const (
	DefaultMaxSizeMB  = 1 // MB
	DefaultMaxBackups = 3 // number of backup files
	DefaultMaxAgeDays = 7 // days
)

// Config describes where the emulator writes its log.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	File       string // path of the rolling log file; empty disables file output
	Level      string // debug, info, warn, error (default info)
	Console    bool   // also write colored records to stderr
	MaxSizeMB  int    // megabytes before rotation (default 1)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // gzip rotated files
}

// Logger bundles the slog logger with the raw file writer that user
// function output is appended to.
type Logger struct {
	*slog.Logger
	out io.WriteCloser
}

// New creates the emulator logger. The parent directory of File is created
// when missing.
func New(cfg Config) (*Logger, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var out io.WriteCloser
	var handlers []slog.Handler
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
			return nil, err
		}
		out = cfg.writer()
		handlers = append(handlers, slog.NewTextHandler(out, opts))
	}
	if cfg.Console || cfg.File == "" {
		handlers = append(handlers, NewColorTextHandler(os.Stderr, opts, true))
	}

	var h slog.Handler
	if len(handlers) == 1 {
		h = handlers[0]
	} else {
		h = fanout(handlers)
	}
	return &Logger{Logger: slog.New(h), out: out}, nil
}

// Writer returns the writer raw function output should go to. When no file
// is configured it falls back to stderr.
func (l *Logger) Writer() io.Writer {
	if l.out == nil {
		return os.Stderr
	}
	return l.out
}

// Close flushes and closes the rolling file.
func (l *Logger) Close() error {
	if l.out == nil {
		return nil
	}
	return l.out.Close()
}

func (c Config) writer() io.WriteCloser {
	return &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// ParseLevel maps a level name to slog.Level. Unknown names yield info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
