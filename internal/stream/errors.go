package stream

import (
	"errors"
	"fmt"
)

// ErrInterrupted matches any StreamInterruptedError.
var ErrInterrupted = errors.New("stream interrupted")

// ProtocolError describes one malformed frame that was dropped.
type ProtocolError struct {
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed frame %q: %v", truncate(e.Line, 120), e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// StreamError is raised when the backend sends an error event.
type StreamError struct {
	Message string
	Event   Event
}

func (e *StreamError) Error() string {
	return "backend error: " + e.Message
}

// StreamInterruptedError reports a connection that ended before a terminal
// event. Events yielded before it remain valid.
type StreamInterruptedError struct {
	Events int   // events yielded before the interruption
	Err    error // underlying read error, nil on a clean EOF
}

func (e *StreamInterruptedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream interrupted after %d events: %v", e.Events, e.Err)
	}
	return fmt.Sprintf("stream interrupted after %d events: connection closed before completion", e.Events)
}

func (e *StreamInterruptedError) Unwrap() error { return e.Err }

func (e *StreamInterruptedError) Is(target error) bool { return target == ErrInterrupted }

// StatusError is returned when the streaming endpoint answers non-2xx.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("stream request failed: HTTP %d", e.Code)
	}
	return fmt.Sprintf("stream request failed: HTTP %d: %s", e.Code, e.Body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
