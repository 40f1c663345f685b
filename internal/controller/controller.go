// Package controller starts, probes, stops and kills the emulator process
// from the outside.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/loykin/fnemu/pkg/client"
)

var ErrNotRunning = errors.New("emulator is not running")

const (
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	maxProbeTimeout     = time.Second
)

// LifecycleTimeoutError reports a start or stop that did not reach its
// target state in time.
type LifecycleTimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *LifecycleTimeoutError) Error() string {
	return fmt.Sprintf("emulator %s timed out after %s", e.Op, e.Timeout)
}

// Config describes where the emulator listens and how to launch it.
type Config struct {
	Host         string
	Port         int
	Timeout      time.Duration
	PollInterval time.Duration
	PIDFile      string

	// Executable and Args launch the dispatcher in the foreground;
	// --project-id and --debug are appended.
	Executable string
	Args       []string
	// Env is added to the current environment of the child.
	Env    []string
	Logger *slog.Logger
}

// StartOptions are the settings a new emulator runs with.
type StartOptions struct {
	ProjectID string
	Debug     bool
}

type Controller struct {
	cfg    Config
	client *client.Client
	logger *slog.Logger
}

func New(cfg Config) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Controller{cfg: cfg, logger: cfg.Logger}
	c.client = client.New(client.Config{BaseURL: "http://" + c.addr(), Timeout: cfg.Timeout, Logger: cfg.Logger})
	return c
}

// Client returns an API client bound to the emulator address.
func (c *Controller) Client() *client.Client { return c.client }

func (c *Controller) addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// Status probes the port. It has no side effects.
func (c *Controller) Status(ctx context.Context) State {
	d := net.Dialer{Timeout: min(c.cfg.Timeout, maxProbeTimeout)}
	conn, err := d.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		return Stopped
	}
	_ = conn.Close()
	return Running
}

// Start spawns a detached emulator and waits until it accepts connections.
// A start that times out leaves the process running; Kill cleans it up.
func (c *Controller) Start(ctx context.Context, opts StartOptions) (State, error) {
	if c.Status(ctx) == Running {
		return AlreadyRunning, nil
	}
	if c.cfg.Executable == "" {
		return Stopped, errors.New("no emulator executable configured")
	}

	args := append([]string{}, c.cfg.Args...)
	args = append(args, "--project-id", opts.ProjectID)
	if opts.Debug {
		args = append(args, "--debug")
	}
	// #nosec G204
	cmd := exec.Command(c.cfg.Executable, args...)
	cmd.Env = append(append(os.Environ(), c.cfg.Env...), "DEBUG="+strconv.FormatBool(opts.Debug))
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return Stopped, fmt.Errorf("spawn emulator: %w", err)
	}
	pid := cmd.Process.Pid
	c.logger.Debug("emulator spawned", "pid", pid, "addr", c.addr())

	if err := WritePIDFile(c.cfg.PIDFile, PIDFile{PID: pid, StartUnix: procStartUnix(pid)}); err != nil {
		c.logger.Warn("write pid file failed", "path", c.cfg.PIDFile, "error", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.cfg.Timeout)
	defer deadline.Stop()
	for {
		select {
		case err := <-exited:
			_ = removePIDFile(c.cfg.PIDFile)
			if err == nil {
				err = errors.New("exit status 0")
			}
			return Stopped, fmt.Errorf("emulator exited during startup: %w", err)
		case <-ticker.C:
			if c.Status(ctx) == Running {
				return Running, nil
			}
		case <-deadline.C:
			return Stopped, &LifecycleTimeoutError{Op: "start", Timeout: c.cfg.Timeout}
		case <-ctx.Done():
			return Stopped, ctx.Err()
		}
	}
}

// Stop asks a running emulator to shut down and waits until the port is
// closed. The PID file is removed afterwards.
func (c *Controller) Stop(ctx context.Context) (State, error) {
	if c.Status(ctx) != Running {
		return Stopped, ErrNotRunning
	}
	if err := c.client.Shutdown(ctx); err != nil {
		return Running, fmt.Errorf("request shutdown: %w", err)
	}
	if err := c.waitFor(ctx, Stopped, "stop"); err != nil {
		return Running, err
	}
	if err := removePIDFile(c.cfg.PIDFile); err != nil {
		c.logger.Warn("remove pid file failed", "path", c.cfg.PIDFile, "error", err)
	}
	return Stopped, nil
}

// Restart stops a running emulator and starts it again with the project id
// and debug flag it was running with. A stopped emulator is left alone.
func (c *Controller) Restart(ctx context.Context) (State, error) {
	if c.Status(ctx) != Running {
		return Stopped, nil
	}
	info, err := c.client.Environment(ctx)
	if err != nil {
		return Running, fmt.Errorf("read emulator settings: %w", err)
	}
	if st, err := c.Stop(ctx); err != nil {
		return st, err
	}
	return c.Start(ctx, StartOptions{ProjectID: info.ProjectID, Debug: info.Debug})
}

// Kill signals the process recorded in the PID file without using HTTP.
// A missing or stale record yields STOPPED.
func (c *Controller) Kill() (State, error) {
	rec, err := ReadPIDFile(c.cfg.PIDFile)
	if errors.Is(err, fs.ErrNotExist) {
		return Stopped, nil
	}
	if err != nil {
		c.logger.Warn("discarding unreadable pid file", "path", c.cfg.PIDFile, "error", err)
		return Stopped, removePIDFile(c.cfg.PIDFile)
	}
	if !pidAlive(rec.PID) {
		return Stopped, removePIDFile(c.cfg.PIDFile)
	}
	if rec.StartUnix > 0 {
		if cur := procStartUnix(rec.PID); cur > 0 && cur != rec.StartUnix {
			c.logger.Debug("pid reused, not signalling", "pid", rec.PID)
			return Stopped, removePIDFile(c.cfg.PIDFile)
		}
	}
	found, err := terminate(rec.PID)
	if err != nil {
		return Running, fmt.Errorf("signal %d: %w", rec.PID, err)
	}
	if rmErr := removePIDFile(c.cfg.PIDFile); rmErr != nil {
		c.logger.Warn("remove pid file failed", "path", c.cfg.PIDFile, "error", rmErr)
	}
	if !found {
		return Stopped, nil
	}
	return Killed, nil
}

func (c *Controller) waitFor(ctx context.Context, want State, op string) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.cfg.Timeout)
	defer deadline.Stop()
	for {
		if c.Status(ctx) == want {
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return &LifecycleTimeoutError{Op: op, Timeout: c.cfg.Timeout}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
