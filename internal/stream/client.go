package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
)

// DefaultPath is the backend's streaming endpoint.
const DefaultPath = "/chat/stream"

const readSize = 4 << 10

// Request is the body posted to the streaming endpoint.
type Request struct {
	Message   string         `json:"message"`
	SessionID string         `json:"session_id,omitempty"`
	Extra     map[string]any `json:"-"`
}

// MarshalJSON flattens Extra into the top-level object. Message and
// session_id always win over Extra keys of the same name.
func (r Request) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Extra)+2)
	for k, v := range r.Extra {
		m[k] = v
	}
	m["message"] = r.Message
	if r.SessionID != "" {
		m["session_id"] = r.SessionID
	}
	return json.Marshal(m)
}

// Client opens chat streams against one backend.
type Client struct {
	BaseURL    string
	Path       string // defaults to DefaultPath
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient returns a client for the backend at baseURL.
func NewClient(baseURL string, log *slog.Logger) *Client {
	return &Client{BaseURL: baseURL, Logger: log}
}

// Stream posts req and yields events as they arrive. A complete event ends
// the sequence without being yielded; an error event ends it with a
// *StreamError. If the connection closes first the final error is a
// *StreamInterruptedError. Breaking out of the loop or cancelling ctx closes
// the connection.
func (c *Client) Stream(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		resp, err := c.open(ctx, req)
		if err != nil {
			yield(Event{}, err)
			return
		}
		defer func() { _ = resp.Body.Close() }()

		log := c.logger()
		f := NewFramer(log)
		buf := make([]byte, readSize)
		yielded := 0
		for {
			n, rerr := resp.Body.Read(buf)
			if ctx.Err() != nil {
				log.Debug("stream cancelled", "events", yielded)
				return
			}
			if n > 0 {
				for _, ev := range f.Feed(buf[:n]) {
					if done, ok := c.deliver(ev, &yielded, yield); done || !ok {
						return
					}
				}
			}
			if rerr == nil {
				continue
			}
			// an unterminated tail is not a frame
			if n := f.Buffered(); n > 0 {
				log.Debug("discarding unterminated stream tail", "bytes", n)
			}
			ie := &StreamInterruptedError{Events: yielded}
			if !errors.Is(rerr, io.EOF) {
				ie.Err = rerr
			}
			log.Warn("stream ended before completion", "events", yielded, "error", rerr)
			yield(Event{}, ie)
			return
		}
	}
}

// deliver forwards one event. done reports that a terminal event ended the
// stream; ok is false when the consumer stopped.
func (c *Client) deliver(ev Event, yielded *int, yield func(Event, error) bool) (done, ok bool) {
	switch ev.Type {
	case TypeComplete:
		return true, true
	case TypeError:
		msg := ev.Text()
		if msg == "" {
			msg = "unknown error"
		}
		yield(Event{}, &StreamError{Message: msg, Event: ev})
		return true, true
	}
	*yielded++
	return false, yield(ev, nil)
}

func (c *Client) open(ctx context.Context, req Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode stream request: %w", err)
	}
	path := c.Path
	if path == "" {
		path = DefaultPath
	}
	url := strings.TrimRight(c.BaseURL, "/") + path
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "text/event-stream")
	hreq.Header.Set("Cache-Control", "no-cache")

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		_ = resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Collect drains a stream. It returns the events received so far together
// with the error that ended the stream, if any.
func (c *Client) Collect(ctx context.Context, req Request) ([]Event, error) {
	var out []Event
	for ev, err := range c.Stream(ctx, req) {
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}
