package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/fnemu/internal/function"
	"github.com/loykin/fnemu/internal/history"
	"github.com/loykin/fnemu/internal/metrics"
	"github.com/loykin/fnemu/internal/registry"
)

var (
	ErrTimeout        = errors.New("function timed out")
	ErrNotBackground  = errors.New("not a background function")
	ErrInvalidPayload = errors.New("invalid JSON payload")
)

// TimeoutError reports a background function that did not complete in time.
type TimeoutError struct {
	Name  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("function %s timed out after %s", e.Name, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Region is reported to functions as FUNCTION_REGION.
const Region = "local"

func (s *Server) handleInvoke(c *gin.Context) {
	start := time.Now()
	name := functionName(c.Request.URL.Path)
	rec, err := s.reg.Describe(name)
	if err != nil {
		s.emit(history.Event{Type: history.EventInvoke, Function: name, Status: history.StatusNotFound, Error: err.Error()})
		writeError(c, http.StatusNotFound, err)
		return
	}
	if rec.Type == function.TriggerHTTP {
		s.invokeHTTP(c, rec, start)
		return
	}

	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}
	res, err := s.runBackground(c.Request.Context(), rec, data, start)
	c.Header(ResponseTimeHeader, formatResponseTime(time.Since(start)))
	if err != nil {
		writeError(c, statusForInvoke(err), err)
		return
	}
	code := http.StatusOK
	if res.Failed {
		code = http.StatusInternalServerError
	}
	if res.Value == nil {
		c.Status(code)
		return
	}
	writeJSON(c, code, res.Value)
}

// InvokeBackground runs the background function name with data as payload
// and waits for its completion. It is what scheduled triggers use.
func (s *Server) InvokeBackground(ctx context.Context, name string, data []byte) (function.Result, error) {
	start := time.Now()
	rec, err := s.reg.Describe(name)
	if err != nil {
		s.emit(history.Event{Type: history.EventInvoke, Function: name, Status: history.StatusNotFound, Error: err.Error()})
		return function.Result{}, err
	}
	if rec.Type != function.TriggerBackground {
		return function.Result{}, fmt.Errorf("%w: %s", ErrNotBackground, name)
	}
	return s.runBackground(ctx, rec, data, start)
}

func statusForInvoke(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidPayload):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// callContext builds the explicit per-call context. The emulator's own
// working directory and environment are never touched.
func (s *Server) callContext(rec registry.Record) function.Context {
	vars := []string{
		"GCLOUD_PROJECT=" + s.projectID,
		"GCP_PROJECT=" + s.projectID,
		"FUNCTION_NAME=" + rec.Name,
		"FUNCTION_TRIGGER_TYPE=" + string(rec.Type),
		"FUNCTION_REGION=" + Region,
		"X_GOOGLE_FUNCTION_NAME=" + rec.Name,
	}
	return function.Context{
		Name:    rec.Name,
		Dir:     rec.Path,
		Trigger: rec.Type,
		Env:     s.env.Merge(vars),
	}
}

func (s *Server) lock() func() {
	if !s.serialize {
		return func() {}
	}
	s.callMu.Lock()
	return s.callMu.Unlock
}

func (s *Server) invokeHTTP(c *gin.Context, rec registry.Record, start time.Time) {
	tw := &timedWriter{ResponseWriter: c.Writer, start: start}
	c.Writer = tw

	fn, err := s.loader.Load(rec.Path, rec.Name)
	if err != nil {
		s.finishInvoke(rec, start, metrics.OutcomeError, history.StatusError, err)
		writeError(c, http.StatusInternalServerError, err)
		return
	}

	inv := &function.Invocation{
		Context: s.callContext(rec),
		Writer:  tw,
		Request: c.Request,
		Output:  s.output,
		Logger:  s.logger.With("function", rec.Name),
	}

	unlock := s.lock()
	err = safeInvoke(c.Request.Context(), fn, inv)
	unlock()

	if err != nil {
		s.finishInvoke(rec, start, metrics.OutcomeError, history.StatusError, err)
		if !tw.Written() {
			writeError(c, http.StatusInternalServerError, err)
		}
		return
	}
	if tw.Status() >= http.StatusInternalServerError {
		s.finishInvoke(rec, start, metrics.OutcomeFailure, history.StatusFailure, nil)
		return
	}
	s.finishInvoke(rec, start, metrics.OutcomeSuccess, history.StatusOK, nil)
}

// runBackground waits for the first completion signal. A function that
// neither completes nor returns an error within the invocation timeout is
// cancelled, which kills its process.
func (s *Server) runBackground(parent context.Context, rec registry.Record, data []byte, start time.Time) (function.Result, error) {
	fn, err := s.loader.Load(rec.Path, rec.Name)
	if err != nil {
		s.finishInvoke(rec, start, metrics.OutcomeError, history.StatusError, err)
		return function.Result{}, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	if !json.Valid(data) {
		err := fmt.Errorf("%w for %s", ErrInvalidPayload, rec.Name)
		s.finishInvoke(rec, start, metrics.OutcomeError, history.StatusError, err)
		return function.Result{}, err
	}

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	logger := s.logger.With("function", rec.Name)
	comp := function.NewCompletion()
	inv := &function.Invocation{
		Context:    s.callContext(rec),
		Data:       json.RawMessage(data),
		Completion: comp,
		Output:     s.output,
		Logger:     logger,
	}

	unlock := s.lock()
	defer unlock()

	go func() {
		if err := safeInvoke(ctx, fn, inv); err != nil {
			if cerr := comp.Failure(err); cerr != nil {
				logger.Warn("error after completion", "error", err)
			}
		}
	}()

	res, err := comp.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			terr := &TimeoutError{Name: rec.Name, After: s.timeout}
			s.finishInvoke(rec, start, metrics.OutcomeTimeout, history.StatusTimeout, terr)
			return function.Result{}, terr
		}
		s.finishInvoke(rec, start, metrics.OutcomeError, history.StatusError, err)
		return function.Result{}, err
	}
	if res.Failed {
		s.finishInvoke(rec, start, metrics.OutcomeFailure, history.StatusFailure, fmt.Errorf("%v", res.Value))
	} else {
		s.finishInvoke(rec, start, metrics.OutcomeSuccess, history.StatusOK, nil)
	}
	return res, nil
}

func safeInvoke(ctx context.Context, fn function.Func, inv *function.Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", inv.Name, r)
		}
	}()
	return fn.Invoke(ctx, inv)
}

func (s *Server) finishInvoke(rec registry.Record, start time.Time, outcome, status string, err error) {
	d := time.Since(start)
	metrics.ObserveInvocation(rec.Name, string(rec.Type), outcome, d)
	e := history.Event{
		Type:       history.EventInvoke,
		Function:   rec.Name,
		Trigger:    string(rec.Type),
		Path:       rec.Path,
		Status:     status,
		DurationMS: d.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
		s.logger.Warn("invocation failed", "function", rec.Name, "outcome", outcome, "error", err)
	} else {
		s.logger.Debug("invocation finished", "function", rec.Name, "outcome", outcome, "duration", d)
	}
	s.emit(e)
}
