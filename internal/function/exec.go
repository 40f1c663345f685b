package function

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/cgi"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/fnemu/internal/env"
)

// CompletionFDEnv names the variable that tells a background child which
// file descriptor to write its completion message to.
const CompletionFDEnv = "FUNCTION_COMPLETION_FD"

// completionFD is the descriptor number of the first ExtraFiles entry.
const completionFD = 3

const (
	shellMeta       = "|&;<>*?`$\"'(){}[]~"
	completionGrace = 200 * time.Millisecond
	waitDelay       = 2 * time.Second
)

// ExecFunc runs an export as a fresh child process for every call, so the
// module's current files are always what runs.
//
// HTTP calls follow the CGI protocol: request metadata arrives in the
// environment, the body on stdin, and the child prints headers, a blank
// line and the body.
//
// Background calls receive the JSON payload on stdin and may write one
// completion message to descriptor 3: {"success": v}, {"failure": v} or
// {"done": v}. Without a message the exit status decides.
type ExecFunc struct {
	Dir     string
	Command string
	Env     []string
}

func (f *ExecFunc) Invoke(ctx context.Context, inv *Invocation) error {
	if inv.Trigger == TriggerHTTP {
		return f.serveHTTP(inv)
	}
	return f.runBackground(ctx, inv)
}

func (f *ExecFunc) serveHTTP(inv *Invocation) error {
	path, args, err := resolveCommand(f.Dir, f.Command)
	if err != nil {
		return err
	}
	logger := inv.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &cgi.Handler{
		Path:   path,
		Args:   args,
		Dir:    f.Dir,
		Root:   "/" + inv.Name,
		Env:    env.New().WithPairs(inv.Env).Overlay(f.Env),
		Stderr: outputOf(inv),
		Logger: slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}
	h.ServeHTTP(inv.Writer, inv.Request)
	return nil
}

func (f *ExecFunc) runBackground(ctx context.Context, inv *Invocation) error {
	if inv.Completion == nil {
		return errors.New("background invocation without completion")
	}
	path, args, err := resolveCommand(f.Dir, f.Command)
	if err != nil {
		return err
	}
	data := inv.Data
	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage("{}")
	}

	rd, wr, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("completion pipe: %w", err)
	}

	// #nosec G204
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = f.Dir
	cmd.Env = env.New().WithPairs(inv.Env).Overlay(f.Env, []string{fmt.Sprintf("%s=%d", CompletionFDEnv, completionFD)})
	cmd.Stdin = bytes.NewReader(data)
	out := outputOf(inv)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.ExtraFiles = []*os.File{wr}
	cmd.WaitDelay = waitDelay
	configureProcAttrs(cmd)

	if err := cmd.Start(); err != nil {
		_ = rd.Close()
		_ = wr.Close()
		return fmt.Errorf("start %s: %w", inv.Name, err)
	}
	_ = wr.Close()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readCompletion(rd, inv)
	}()

	waitErr := cmd.Wait()
	// a grandchild may still hold the write end
	_ = rd.SetReadDeadline(time.Now().Add(completionGrace))
	<-readDone
	_ = rd.Close()

	if !inv.Completion.Resolved() {
		if waitErr != nil {
			_ = inv.Completion.Failure(fmt.Sprintf("function %s exited: %v", inv.Name, waitErr))
		} else {
			_ = inv.Completion.Success(nil)
		}
	}
	return nil
}

type completionMessage map[string]json.RawMessage

func (m completionMessage) apply(c *Completion) error {
	if v, ok := m["success"]; ok {
		return c.Success(rawValue(v))
	}
	if v, ok := m["failure"]; ok {
		return c.Failure(rawValue(v))
	}
	if v, ok := m["done"]; ok {
		return c.Done(rawValue(v))
	}
	return fmt.Errorf("unknown completion message %v", m.keys())
}

func (m completionMessage) keys() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func rawValue(v json.RawMessage) any {
	t := bytes.TrimSpace(v)
	if len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return nil
	}
	return json.RawMessage(t)
}

func readCompletion(r io.Reader, inv *Invocation) {
	logger := inv.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dec := json.NewDecoder(r)
	for {
		var msg completionMessage
		if err := dec.Decode(&msg); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrDeadlineExceeded) {
				logger.Warn("unreadable completion message", "function", inv.Name, "error", err)
			}
			return
		}
		if err := msg.apply(inv.Completion); err != nil {
			logger.Warn("completion ignored", "function", inv.Name, "error", err)
		}
	}
}

// resolveCommand turns a manifest command into an executable path and its
// arguments. Commands using shell syntax run through /bin/sh; relative
// program paths resolve against the module directory.
func resolveCommand(dir, command string) (string, []string, error) {
	cmdStr := strings.TrimSpace(command)
	if cmdStr == "" {
		return "", nil, errors.New("empty command")
	}
	if strings.ContainsAny(cmdStr, shellMeta) {
		return "/bin/sh", []string{"-c", cmdStr}, nil
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	if strings.ContainsRune(name, '/') {
		if !filepath.IsAbs(name) {
			name = filepath.Join(dir, name)
		}
		return name, parts[1:], nil
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", nil, err
	}
	return p, parts[1:], nil
}

func outputOf(inv *Invocation) io.Writer {
	if inv.Output == nil {
		return io.Discard
	}
	return inv.Output
}
