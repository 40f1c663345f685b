// Package schedule fires background functions on cron schedules.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/loykin/fnemu/internal/function"
)

// Invoker runs a deployed background function.
type Invoker interface {
	InvokeBackground(ctx context.Context, name string, data []byte) (function.Result, error)
}

// Job triggers Function with Data every time Schedule fires. Schedule uses
// the standard five-field cron syntax or descriptors such as "@every 5m".
type Job struct {
	Name     string
	Function string
	Schedule string
	Data     string
}

func (j Job) validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("schedule requires a name")
	}
	if strings.TrimSpace(j.Function) == "" {
		return fmt.Errorf("schedule %s requires a function", j.Name)
	}
	if strings.TrimSpace(j.Data) != "" && !json.Valid([]byte(j.Data)) {
		return fmt.Errorf("schedule %s: data is not valid JSON", j.Name)
	}
	return nil
}

// Scheduler owns one cron runner. A tick is skipped while the previous run
// of the same job is still in flight.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	invoker Invoker
	logger  *slog.Logger
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(invoker Invoker, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger.With("component", "schedule")}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		invoker: invoker,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers j. Names must be unique.
func (s *Scheduler) Add(j Job) error {
	if err := j.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[j.Name]; dup {
		return fmt.Errorf("schedule %s already exists", j.Name)
	}
	id, err := s.cron.AddFunc(j.Schedule, func() { s.run(j) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", j.Name, err)
	}
	s.entries[j.Name] = id
	s.logger.Info("schedule registered", "name", j.Name, "function", j.Function, "schedule", j.Schedule)
	return nil
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop prevents further ticks, cancels running invocations and waits for
// them to return.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
}

func (s *Scheduler) run(j Job) {
	res, err := s.invoker.InvokeBackground(s.ctx, j.Function, []byte(j.Data))
	if err != nil {
		s.logger.Warn("scheduled invocation skipped", "schedule", j.Name, "function", j.Function, "error", err)
		return
	}
	if res.Failed {
		s.logger.Warn("scheduled invocation failed", "schedule", j.Name, "function", j.Function, "value", res.Value)
		return
	}
	s.logger.Info("scheduled invocation finished", "schedule", j.Name, "function", j.Function)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
