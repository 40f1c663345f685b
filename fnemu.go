// Package fnemu embeds the functions emulator. The fnemu command is a thin
// CLI over Run and the controller.
package fnemu

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/fnemu/internal/config"
	"github.com/loykin/fnemu/internal/controller"
	"github.com/loykin/fnemu/internal/function"
	"github.com/loykin/fnemu/internal/history"
	"github.com/loykin/fnemu/internal/history/factory"
	"github.com/loykin/fnemu/internal/logger"
	"github.com/loykin/fnemu/internal/metrics"
	"github.com/loykin/fnemu/internal/registry"
	"github.com/loykin/fnemu/internal/schedule"
	"github.com/loykin/fnemu/internal/server"
)

// Re-export the types embedders need.

type Config = config.Config

type Invocation = function.Invocation

type Func = function.Func

type FuncOf = function.FuncOf

type Loader = function.Loader

type LoaderFunc = function.LoaderFunc

type Controller = controller.Controller

type ControllerConfig = controller.Config

// LoadConfig reads a TOML file; an empty path yields the defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func NewController(cfg ControllerConfig) *Controller { return controller.New(cfg) }

type runOptions struct {
	loader Loader
	ready  func(addr string)
}

type Option func(*runOptions)

// WithLoader replaces the function.json loader, e.g. to serve Go functions
// in-process.
func WithLoader(l Loader) Option { return func(o *runOptions) { o.loader = l } }

// WithReady is called once the dispatcher is about to accept connections.
func WithReady(fn func(addr string)) Option { return func(o *runOptions) { o.ready = fn } }

// Run serves the emulator described by cfg until ctx is cancelled, a
// SIGINT or SIGTERM arrives, or a client requests shutdown.
func Run(ctx context.Context, cfg *Config, opts ...Option) error {
	ro := runOptions{}
	for _, o := range opts {
		o(&ro)
	}

	level := cfg.Log.Level
	if cfg.Debug {
		level = "debug"
	}
	lg, err := logger.New(logger.Config{
		File:       cfg.Log.File,
		Level:      level,
		Console:    cfg.Debug,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = lg.Close() }()
	log := lg.Logger

	baseEnv, err := cfg.GlobalEnv()
	if err != nil {
		return err
	}
	loader := ro.loader
	if loader == nil {
		loader = function.NewManifestLoader()
	}
	reg, err := registry.Open(cfg.FunctionsFile, loader, cfg.BaseURL())
	if err != nil {
		log.Error("cannot load registry", "path", cfg.FunctionsFile, "error", err)
		return err
	}

	var sink history.Sink
	if cfg.History.Enabled {
		sink, err = factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("history sink: %w", err)
		}
		if cl, ok := sink.(history.Closer); ok {
			defer func() { _ = cl.Close() }()
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(server.Options{
		Registry:          reg,
		Loader:            loader,
		Env:               baseEnv,
		ProjectID:         cfg.ProjectID,
		Debug:             cfg.Debug,
		InvocationTimeout: cfg.Invocation.Timeout,
		Serialize:         cfg.Invocation.Serialize,
		Logger:            log,
		Output:            lg.Writer(),
		History:           sink,
		FlushGrace:        cfg.Log.FlushGrace,
	})

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		metrics.SetRegistered(reg.Len())
		srv.Go(func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen); err != nil {
				server.Fatal(log, cfg.Log.FlushGrace, fmt.Errorf("metrics listener: %w", err))
			}
		})
	}

	sched := schedule.New(srv, log)
	for _, s := range cfg.Schedules {
		if err := sched.Add(schedule.Job{Name: s.Name, Function: s.Function, Schedule: s.Schedule, Data: s.Data}); err != nil {
			return err
		}
	}
	sched.Start()
	srv.OnShutdown(sched.Stop)

	log.Info("starting emulator", "addr", cfg.Addr(), "functions", reg.Len(), "debug", cfg.Debug)
	if ro.ready != nil {
		ro.ready(cfg.Addr())
	}
	if err := srv.ListenAndServe(ctx, cfg.Addr()); err != nil {
		server.Fatal(log, cfg.Log.FlushGrace, err)
	}
	return nil
}
