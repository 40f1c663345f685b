package function

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyCompleted is returned when a completion is signalled more than once.
var ErrAlreadyCompleted = errors.New("function already completed")

// Result is the outcome a background function reported.
type Result struct {
	Failed bool
	Value  any // nil means "no value"
}

// Completion is a single-resolution signal handed to background functions.
// The first call to Success, Failure or Done wins; later calls return
// ErrAlreadyCompleted and change nothing.
type Completion struct {
	once   sync.Once
	done   chan struct{}
	result Result
}

func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Success resolves the completion with an optional value.
func (c *Completion) Success(v any) error {
	return c.resolve(Result{Value: normalize(v)})
}

// Failure resolves the completion as failed with v as the error value.
func (c *Completion) Failure(v any) error {
	return c.resolve(Result{Failed: true, Value: normalize(v)})
}

// Done resolves with success when v is nil, otherwise with failure carrying v.
func (c *Completion) Done(v any) error {
	if v == nil {
		return c.Success(nil)
	}
	if err, ok := v.(error); ok && err == nil {
		return c.Success(nil)
	}
	return c.Failure(v)
}

func (c *Completion) resolve(r Result) error {
	won := false
	c.once.Do(func() {
		c.result = r
		close(c.done)
		won = true
	})
	if !won {
		return ErrAlreadyCompleted
	}
	return nil
}

// Wait blocks until the completion is resolved or ctx ends.
func (c *Completion) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Resolved reports whether the completion has been signalled.
func (c *Completion) Resolved() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func normalize(v any) any {
	if err, ok := v.(error); ok && err != nil {
		return err.Error()
	}
	return v
}
