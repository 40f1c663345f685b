// Package server is the invocation dispatcher: the control API that manages
// the function registry plus the catch-all route that runs deployed functions.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/fnemu/internal/env"
	"github.com/loykin/fnemu/internal/function"
	"github.com/loykin/fnemu/internal/history"
	"github.com/loykin/fnemu/internal/metrics"
	"github.com/loykin/fnemu/internal/registry"
)

// Identity is the body of GET / while the emulator is up.
const Identity = "Cloud Functions Emulator RUNNING"

const (
	DefaultInvocationTimeout = 60 * time.Second
	shutdownTimeout          = 30 * time.Second
	historyTimeout           = 5 * time.Second
)

// Options configures a Server. Registry and Loader are required.
type Options struct {
	Registry *registry.Registry
	Loader   function.Loader

	// Env is the base environment of every invocation.
	Env       env.Env
	ProjectID string
	Debug     bool

	InvocationTimeout time.Duration
	// Serialize makes user-function calls mutually exclusive.
	Serialize bool

	Logger *slog.Logger
	// Output receives everything functions print.
	Output  io.Writer
	History history.Sink
	// FlushGrace is how long a fatal error waits before exiting.
	FlushGrace time.Duration
}

// Server dispatches control and invocation requests.
type Server struct {
	reg       *registry.Registry
	loader    function.Loader
	env       env.Env
	projectID string
	debug     bool
	timeout   time.Duration
	serialize bool
	logger    *slog.Logger
	output    io.Writer
	sink      history.Sink
	grace     time.Duration

	callMu   sync.Mutex
	pending  sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once

	// guards drained and onShutdown; emit never calls pending.Add once
	// drained is set
	mu         sync.Mutex
	drained    bool
	onShutdown []func()
}

func New(opts Options) *Server {
	s := &Server{
		reg:       opts.Registry,
		loader:    opts.Loader,
		env:       opts.Env,
		projectID: opts.ProjectID,
		debug:     opts.Debug,
		timeout:   opts.InvocationTimeout,
		serialize: opts.Serialize,
		logger:    opts.Logger,
		output:    opts.Output,
		sink:      opts.History,
		grace:     opts.FlushGrace,
		stop:      make(chan struct{}),
	}
	if s.timeout <= 0 {
		s.timeout = DefaultInvocationTimeout
	}
	if s.grace <= 0 {
		s.grace = DefaultFlushGrace
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.output == nil {
		s.output = io.Discard
	}
	metrics.SetRegistered(s.reg.Len())
	return s
}

// Handler returns the gin engine serving the control API and invocations.
func (s *Server) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.CustomRecoveryWithWriter(io.Discard, s.handlePanic))
	g.GET("/", s.handleIdentity)
	g.DELETE("/", s.handleShutdown)
	g.GET("/function", s.handleList)
	g.DELETE("/function", s.handleClear)
	g.GET("/function/:name", s.handleDescribe)
	g.POST("/function/:name", s.handleDeploy)
	g.DELETE("/function/:name", s.handleUndeploy)
	g.NoRoute(s.handleInvoke)
	return g
}

// ShutdownRequested is closed once DELETE / has been served.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.stop }

// RequestShutdown asks Serve to stop accepting connections and drain.
func (s *Server) RequestShutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// OnShutdown registers fn to run once HTTP serving has stopped and before
// pending history events are drained. Background producers such as the
// scheduler stop here.
func (s *Server) OnShutdown(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onShutdown = append(s.onShutdown, fn)
}

// ListenAndServe listens on addr and serves until ctx ends or a shutdown
// is requested.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln. In-flight requests are drained before it returns and
// pending history events are flushed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("emulator listening", "addr", ln.Addr().String(), "project_id", s.projectID)

	select {
	case err := <-errc:
		s.drain()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	case <-s.stop:
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(sctx)
	<-errc
	s.drain()
	s.logger.Info("emulator stopped")
	return err
}

func (s *Server) drain() {
	s.mu.Lock()
	hooks := s.onShutdown
	s.onShutdown = nil
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	s.mu.Lock()
	s.drained = true
	s.mu.Unlock()
	s.pending.Wait()
}

func (s *Server) handlePanic(c *gin.Context, rec any) {
	s.logger.Error("request panicked", "path", c.Request.URL.Path, "panic", rec)
	if !c.Writer.Written() {
		writeError(c, http.StatusInternalServerError, fmt.Errorf("panic: %v", rec))
	}
	c.Abort()
}

// emit sends e to the history sink without blocking the caller.
func (s *Server) emit(e history.Event) {
	if s.sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	s.mu.Lock()
	if s.drained {
		s.mu.Unlock()
		s.logger.Debug("history event dropped after shutdown", "type", e.Type, "function", e.Function)
		return
	}
	s.pending.Add(1)
	s.mu.Unlock()
	s.Go(func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		if err := s.sink.Send(ctx, e); err != nil {
			s.logger.Warn("history send failed", "type", e.Type, "function", e.Function, "error", err)
		}
	})
}

// Go runs fn on an emulator-owned goroutine. A panic there is fatal.
func (s *Server) Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Fatal(s.logger, s.grace, fmt.Errorf("panic: %v", r))
			}
		}()
		fn()
	}()
}

// DefaultFlushGrace is how long Fatal waits for logs to drain.
const DefaultFlushGrace = time.Second

var exit = os.Exit

// Fatal logs err and terminates the process with status 1 after grace.
func Fatal(logger *slog.Logger, grace time.Duration, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("fatal error, exiting", "error", err)
	if grace > 0 {
		time.Sleep(grace)
	}
	exit(1)
}
