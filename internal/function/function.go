// Package function defines what a deployable function is, how a module
// directory is loaded and how each trigger contract is executed.
package function

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// Context is the per-call execution context. It replaces any process-wide
// state: functions run with Dir as working directory and Env as their
// complete environment, without touching the emulator's own. Env values
// are final; runtimes do not expand them again.
type Context struct {
	Name    string
	Dir     string
	Trigger TriggerType
	Env     []string
}

// Invocation carries everything one call needs. HTTP calls use Writer and
// Request; background calls use Data and Completion.
type Invocation struct {
	Context

	Writer  http.ResponseWriter
	Request *http.Request

	Data       json.RawMessage
	Completion *Completion

	// Output receives anything the function prints.
	Output io.Writer
	Logger *slog.Logger
}

// Func is a loaded export. For background calls a returned error counts as
// a failure unless the completion was already signalled.
type Func interface {
	Invoke(ctx context.Context, inv *Invocation) error
}

// FuncOf adapts an ordinary function to Func.
type FuncOf func(ctx context.Context, inv *Invocation) error

func (f FuncOf) Invoke(ctx context.Context, inv *Invocation) error { return f(ctx, inv) }

// Loader resolves the export name of the module rooted at dir. Every call
// reflects the module's current content on disk.
type Loader interface {
	Load(dir, name string) (Func, error)
}

// LoaderFunc adapts an ordinary function to Loader.
type LoaderFunc func(dir, name string) (Func, error)

func (f LoaderFunc) Load(dir, name string) (Func, error) { return f(dir, name) }
