// Package stream decodes and consumes the backend's server-sent event stream.
package stream

import (
	"bytes"
	"log/slog"

	"github.com/loykin/tether/internal/metrics"
)

var dataPrefix = []byte("data:")

// Framer turns arbitrary byte chunks into events. Frames are "data: <json>"
// lines separated by blank lines. Only complete lines are decoded; the
// unterminated tail stays buffered until the next Feed.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	buf []byte
	log *slog.Logger
	// OnError, when set, observes every dropped frame.
	OnError func(*ProtocolError)
}

// NewFramer returns a framer that logs dropped frames to log.
func NewFramer(log *slog.Logger) *Framer {
	if log == nil {
		log = slog.Default()
	}
	return &Framer{log: log}
}

// Feed appends chunk and returns the events completed by it, in order.
func (f *Framer) Feed(chunk []byte) []Event {
	f.buf = append(f.buf, chunk...)
	var out []Event
	start := 0
	for {
		i := bytes.IndexByte(f.buf[start:], '\n')
		if i < 0 {
			break
		}
		line := f.buf[start : start+i]
		start += i + 1
		if ev, ok := f.decodeLine(line); ok {
			out = append(out, ev)
		}
	}
	f.compact(start)
	return out
}

// Reset drops any buffered partial input.
func (f *Framer) Reset() { f.buf = f.buf[:0] }

// Buffered returns the number of bytes waiting for a line terminator.
func (f *Framer) Buffered() int { return len(f.buf) }

func (f *Framer) compact(consumed int) {
	if consumed == 0 {
		return
	}
	n := copy(f.buf, f.buf[consumed:])
	f.buf = f.buf[:n]
	// release a large backing array once a big frame has been consumed
	if cap(f.buf) > 64<<10 && n < 4<<10 {
		f.buf = append([]byte(nil), f.buf...)
	}
}

func (f *Framer) decodeLine(line []byte) (Event, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) == 0 || line[0] == ':' {
		return Event{}, false
	}
	payload, ok := bytes.CutPrefix(line, dataPrefix)
	if !ok {
		// event:, id:, retry: and unknown fields carry nothing we use
		return Event{}, false
	}
	payload = bytes.TrimPrefix(payload, []byte{' '})
	ev, err := parseEvent(payload)
	if err != nil {
		perr := &ProtocolError{Line: string(line), Err: err}
		f.log.Warn("dropping malformed stream frame", "error", perr)
		metrics.IncStreamDecodeError()
		if f.OnError != nil {
			f.OnError(perr)
		}
		return Event{}, false
	}
	metrics.IncStreamEvent(ev.Type)
	return ev, true
}
