package devbackend

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tether/internal/logger"
	"github.com/loykin/tether/internal/stream"
)

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	opts.Logger = logger.Discard()
	srv := httptest.NewServer(New(opts).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, Options{})
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	bad := newTestServer(t, Options{Unhealthy: true})
	resp, err = http.Get(bad.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealth_ReadyAfter(t *testing.T) {
	srv := newTestServer(t, Options{ReadyAfter: 300 * time.Millisecond})
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 50*time.Millisecond)
}

func TestChatStream_Complete(t *testing.T) {
	srv := newTestServer(t, Options{})
	c := &stream.Client{BaseURL: srv.URL, Logger: logger.Discard()}
	evs, err := c.Collect(context.Background(), stream.Request{Message: "hello there", SessionID: "s"})
	require.NoError(t, err)

	var types []string
	for _, e := range evs {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{"thinking", "text", "text", "tool_call", "tool_result"}, types)
	assert.Equal(t, "hello ", evs[1].Text())
}

func TestChatStream_Error(t *testing.T) {
	srv := newTestServer(t, Options{})
	c := &stream.Client{BaseURL: srv.URL, Logger: logger.Discard()}
	evs, err := c.Collect(context.Background(), stream.Request{Message: "!error quota exceeded"})
	var se *stream.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "quota exceeded", se.Message)
	assert.Len(t, evs, 1)
}

func TestChatStream_Drop(t *testing.T) {
	srv := newTestServer(t, Options{})
	c := &stream.Client{BaseURL: srv.URL, Logger: logger.Discard()}
	evs, err := c.Collect(context.Background(), stream.Request{Message: "!drop"})
	assert.ErrorIs(t, err, stream.ErrInterrupted)
	assert.Len(t, evs, 2)
}

func TestChatStream_BadRequest(t *testing.T) {
	srv := newTestServer(t, Options{})
	resp, err := http.Post(srv.URL+"/chat/stream", "application/json", strings.NewReader(`{"message":""}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatStream_ForeverStopsOnBreak(t *testing.T) {
	srv := newTestServer(t, Options{FrameDelay: 5 * time.Millisecond})
	c := &stream.Client{BaseURL: srv.URL, Logger: logger.Discard()}
	n := 0
	for _, err := range c.Stream(context.Background(), stream.Request{Message: "!forever"}) {
		require.NoError(t, err)
		n++
		if n == 5 {
			break
		}
	}
	assert.Equal(t, 5, n)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := New(Options{Logger: logger.Discard()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestScript(t *testing.T) {
	ev := Script("a b", "sid")
	last := ev[len(ev)-1]
	assert.Equal(t, "complete", last["type"])
	assert.Equal(t, "sid", last["session_id"])
	assert.Equal(t, "error", Script("!error", "")[1]["type"])
	assert.Equal(t, "requested failure", Script("!error", "")[1]["message"])
}
