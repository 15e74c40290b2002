package history

import (
	"context"
	"errors"
	"io"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
	EventCrash EventType = "crash"
)

// Record is a snapshot of one backend run.
type Record struct {
	Profile   string    `json:"profile"`
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	ExitErr   string    `json:"exit_err,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout sends every event to all sinks and joins their errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Querier reads recorded events back, newest first.
type Querier interface {
	Query(ctx context.Context, profile string, limit int) ([]Event, error)
}

// FirstQuerier returns the first sink that can also be queried.
func (f Fanout) FirstQuerier() (Querier, bool) {
	for _, s := range f {
		if q, ok := s.(Querier); ok {
			return q, true
		}
	}
	return nil, false
}
