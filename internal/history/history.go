// Package history exports an audit trail of deploy and invoke events to
// external analytics stores.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of emulator event.
type EventType string

const (
	EventDeploy   EventType = "deploy"
	EventUndeploy EventType = "undeploy"
	EventClear    EventType = "clear"
	EventInvoke   EventType = "invoke"
)

// Status values recorded for an event.
const (
	StatusOK       = "ok"
	StatusFailure  = "failure"
	StatusTimeout  = "timeout"
	StatusError    = "error"
	StatusNotFound = "not_found"
)

// Event is one audit record.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Function   string    `json:"function"`
	Trigger    string    `json:"trigger,omitempty"`
	Path       string    `json:"path,omitempty"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Closer is implemented by sinks holding connections.
type Closer interface {
	Close() error
}
