package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loykin/fnemu/internal/config"
	"github.com/loykin/fnemu/internal/controller"
	"github.com/loykin/fnemu/internal/logger"
	"github.com/loykin/fnemu/pkg/client"
)

var errNotRunning = errors.New("emulator is not running; start it with `fnemu start`")

type command struct {
	global *GlobalFlags
	out    io.Writer
	// executable overrides the binary start spawns.
	executable string
}

func (c *command) config() (*config.Config, error) {
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

func (c *command) controller(cfg *config.Config) (*controller.Controller, error) {
	exe := c.executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("failed to get executable path: %w", err)
		}
	}
	args := []string{"serve"}
	if c.global.ConfigPath != "" {
		abs, err := filepath.Abs(c.global.ConfigPath)
		if err != nil {
			return nil, err
		}
		args = append(args, "--config", abs)
	}
	return controller.New(controller.Config{
		Host:         cfg.Host,
		Port:         cfg.Port,
		Timeout:      cfg.Timeout,
		PollInterval: cfg.PollInterval,
		PIDFile:      cfg.PIDFile,
		Executable:   exe,
		Args:         args,
		Logger:       cliLogger(),
	}), nil
}

func (c *command) setup() (*config.Config, *controller.Controller, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, nil, err
	}
	ctl, err := c.controller(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, ctl, nil
}

// client returns an API client once the emulator is known to be up.
func (c *command) client(ctx context.Context) (*client.Client, *controller.Controller, error) {
	_, ctl, err := c.setup()
	if err != nil {
		return nil, nil, err
	}
	if ctl.Status(ctx) != controller.Running {
		return nil, nil, errNotRunning
	}
	return ctl.Client(), ctl, nil
}

func (c *command) Start(ctx context.Context, f StartFlags) error {
	cfg, ctl, err := c.setup()
	if err != nil {
		return err
	}
	if f.ProjectID == "" {
		f.ProjectID = cfg.ProjectID
	}
	st, err := ctl.Start(ctx, controller.StartOptions{ProjectID: f.ProjectID, Debug: f.Debug || cfg.Debug})
	if err != nil {
		return fmt.Errorf("start failed: %w (see `fnemu get-logs`)", err)
	}
	if st == controller.AlreadyRunning {
		c.printf("Emulator already running at %s\n", cfg.BaseURL())
		return nil
	}
	c.printf("Emulator started at %s\n", cfg.BaseURL())
	return nil
}

func (c *command) Stop(ctx context.Context) error {
	_, ctl, err := c.setup()
	if err != nil {
		return err
	}
	if _, err := ctl.Stop(ctx); err != nil {
		if errors.Is(err, controller.ErrNotRunning) {
			c.printf("Emulator is not running\n")
			return nil
		}
		return err
	}
	c.printf("Emulator stopped\n")
	return nil
}

func (c *command) Kill() error {
	_, ctl, err := c.setup()
	if err != nil {
		return err
	}
	st, err := ctl.Kill()
	if err != nil {
		return err
	}
	if st == controller.Killed {
		c.printf("Emulator killed\n")
		return nil
	}
	c.printf("Emulator is not running\n")
	return nil
}

func (c *command) Restart(ctx context.Context) error {
	cfg, ctl, err := c.setup()
	if err != nil {
		return err
	}
	st, err := ctl.Restart(ctx)
	if err != nil {
		return fmt.Errorf("restart failed: %w", err)
	}
	if st == controller.Stopped {
		c.printf("Emulator is not running\n")
		return nil
	}
	c.printf("Emulator restarted at %s\n", cfg.BaseURL())
	return nil
}

func (c *command) Status(ctx context.Context) error {
	cfg, ctl, err := c.setup()
	if err != nil {
		return err
	}
	st := ctl.Status(ctx)
	if st == controller.Running {
		c.printf("Emulator is %s at %s\n", st, cfg.BaseURL())
		return nil
	}
	c.printf("Emulator is %s\n", st)
	return nil
}

func (c *command) Clear(ctx context.Context) error {
	cl, _, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := cl.Clear(ctx); err != nil {
		return err
	}
	c.printf("All functions undeployed\n")
	return nil
}

func (c *command) Deploy(ctx context.Context, module, entryPoint string, f DeployFlags) error {
	cl, _, err := c.client(ctx)
	if err != nil {
		return err
	}
	trigger := "B"
	if f.TriggerHTTP {
		trigger = "H"
	}
	// the emulator resolves relative paths against its own working directory
	abs, err := filepath.Abs(module)
	if err != nil {
		return fmt.Errorf("resolve module path: %w", err)
	}
	fn, err := cl.Deploy(ctx, entryPoint, abs, trigger)
	if err != nil {
		return fmt.Errorf("deploy %s: %w", entryPoint, err)
	}
	c.printf("Function %s deployed\n", fn.Name)
	c.printJSON(fn)
	return nil
}

func (c *command) Undeploy(ctx context.Context, name string) error {
	cl, _, err := c.client(ctx)
	if err != nil {
		return err
	}
	if _, err := cl.Undeploy(ctx, name); err != nil {
		return err
	}
	c.printf("Function %s undeployed\n", name)
	return nil
}

func (c *command) List(ctx context.Context) error {
	cl, _, err := c.client(ctx)
	if err != nil {
		return err
	}
	fns, err := cl.List(ctx)
	if err != nil {
		return err
	}
	if len(fns) == 0 {
		c.printf("No functions deployed\n")
		return nil
	}
	names := make([]string, 0, len(fns))
	for n := range fns {
		names = append(names, n)
	}
	sort.Strings(names)
	rows := [][]string{{"NAME", "TYPE", "PATH", "URL"}}
	for _, n := range names {
		fn := fns[n]
		path := fn.Path
		if _, err := os.Stat(fn.Path); err != nil {
			path += " (missing)"
		}
		url := "-"
		if fn.URL != nil {
			url = *fn.URL
		}
		rows = append(rows, []string{fn.Name, fn.Type, path, url})
	}
	c.printTable(rows)
	return nil
}

func (c *command) Describe(ctx context.Context, name string) error {
	cl, _, err := c.client(ctx)
	if err != nil {
		return err
	}
	fn, err := cl.Describe(ctx, name)
	if err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("function %s is not deployed", name)
		}
		return err
	}
	c.printJSON(fn)
	return nil
}

func (c *command) Call(ctx context.Context, name string, f CallFlags) error {
	cl, ctl, err := c.client(ctx)
	if err != nil {
		return err
	}
	res, err := cl.Call(ctx, name, []byte(f.Data))
	if err != nil {
		return err
	}
	body := strings.TrimRight(string(res.Body), "\n")
	if body != "" {
		c.printf("%s\n", body)
	}
	c.printf("Status: %d\n", res.StatusCode)
	if res.ResponseTime != "" {
		c.printf("Response time: %s\n", res.ResponseTime)
	}
	if ctl.Status(ctx) != controller.Running {
		c.printf("Warning: the emulator stopped during the call; check `fnemu get-logs`\n")
	}
	if res.StatusCode >= 400 {
		return fmt.Errorf("call %s returned HTTP %d", name, res.StatusCode)
	}
	return nil
}

func (c *command) GetLogs(f LogsFlags) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	text, err := logger.Tail(cfg.Log.File, f.Limit)
	if err != nil {
		return fmt.Errorf("read logs: %w", err)
	}
	_, err = io.WriteString(c.out, text)
	return err
}

// cliLogger reports controller diagnostics on stderr.
func cliLogger() *slog.Logger {
	return slog.New(logger.NewColorTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}, false))
}
