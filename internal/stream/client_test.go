package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tether/internal/logger"
)

// sseServer writes frames one at a time, flushing after each.
func sseServer(t *testing.T, frames []string, after func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fl := w.(http.Flusher)
		for _, f := range frames {
			_, _ = fmt.Fprint(w, f)
			fl.Flush()
		}
		if after != nil {
			after(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func frame(payload string) string { return "data: " + payload + "\n\n" }

func newClient(url string) *Client {
	return &Client{BaseURL: url, Logger: logger.Discard()}
}

func TestStream_CompleteEndsNormally(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, DefaultPath, r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = fmt.Fprint(w,
			frame(`{"type":"thinking","content":"..."}`)+
				frame(`{"type":"text","content":"hi"}`)+
				frame(`{"type":"complete"}`)+
				frame(`{"type":"text","content":"after complete"}`))
	}))
	defer srv.Close()

	evs, err := newClient(srv.URL + "/").Collect(context.Background(), Request{
		Message: "hello", SessionID: "s1", Extra: map[string]any{"model": "m", "message": "ignored"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"thinking", "text"}, types(evs))
	assert.Equal(t, "hello", got["message"])
	assert.Equal(t, "s1", got["session_id"])
	assert.Equal(t, "m", got["model"])
}

func TestStream_ErrorEventEndsWithStreamError(t *testing.T) {
	srv := sseServer(t, []string{
		frame(`{"type":"text","content":"partial"}`),
		frame(`{"type":"error","message":"model overloaded"}`),
		frame(`{"type":"text","content":"never"}`),
	}, nil)

	var evs []Event
	var final error
	for ev, err := range newClient(srv.URL).Stream(context.Background(), Request{Message: "x"}) {
		if err != nil {
			final = err
			continue
		}
		evs = append(evs, ev)
	}
	assert.Equal(t, []string{"text"}, types(evs))
	var se *StreamError
	require.ErrorAs(t, final, &se)
	assert.Equal(t, "model overloaded", se.Message)
	assert.Equal(t, TypeError, se.Event.Type)
}

func TestStream_InterruptedBeforeTerminal(t *testing.T) {
	srv := sseServer(t, []string{
		frame(`{"type":"text","content":"a"}`),
		frame(`{"type":"text","content":"b"}`),
		`data: {"type":"text","content":"cut`,
	}, nil)

	evs, err := newClient(srv.URL).Collect(context.Background(), Request{Message: "x"})
	assert.Len(t, evs, 2, "events before the interruption stay valid")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInterrupted)
	var ie *StreamInterruptedError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 2, ie.Events)
}

func TestStream_UnterminatedCompleteAtEOF(t *testing.T) {
	srv := sseServer(t, []string{frame(`{"type":"text","content":"a"}`), `data: {"type":"complete"}`}, nil)
	evs, err := newClient(srv.URL).Collect(context.Background(), Request{Message: "x"})
	var ie *StreamInterruptedError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 1, ie.Events)
	assert.Len(t, evs, 1)
}

func TestStream_MalformedFrameDoesNotAbort(t *testing.T) {
	srv := sseServer(t, []string{
		frame(`{"type":"text","content":"a"}`),
		frame(`{oops`),
		frame(`{"type":"text","content":"b"}`),
		frame(`{"type":"complete"}`),
	}, nil)
	evs, err := newClient(srv.URL).Collect(context.Background(), Request{Message: "x"})
	require.NoError(t, err)
	assert.Len(t, evs, 2)
}

func TestStream_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such session", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Collect(context.Background(), Request{Message: "x"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, "no such session", se.Body)
}

func TestStream_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClient(url).Collect(context.Background(), Request{Message: "x"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInterrupted)
}

func TestStream_ConsumerBreakClosesConnection(t *testing.T) {
	closed := make(chan struct{})
	srv := sseServer(t, []string{frame(`{"type":"text","content":"1"}`)}, func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		for {
			select {
			case <-r.Context().Done():
				close(closed)
				return
			case <-time.After(10 * time.Millisecond):
				_, _ = fmt.Fprint(w, frame(`{"type":"text","content":"more"}`))
				fl.Flush()
			}
		}
	})

	n := 0
	for _, err := range newClient(srv.URL).Stream(context.Background(), Request{Message: "x"}) {
		require.NoError(t, err)
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed the disconnect")
	}
}

func TestStream_ContextCancel(t *testing.T) {
	var served atomic.Int32
	srv := sseServer(t, []string{frame(`{"type":"text","content":"1"}`)}, func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var evs []Event
	var errs []error
	for ev, err := range newClient(srv.URL).Stream(ctx, Request{Message: "x"}) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		evs = append(evs, ev)
		cancel()
	}
	assert.Len(t, evs, 1)
	assert.Empty(t, errs, "cancellation ends the sequence quietly")
	assert.EqualValues(t, 1, served.Load())

	_, err := newClient(srv.URL).Collect(ctx, Request{Message: "x"})
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}
