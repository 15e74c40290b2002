package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tether/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var (
		receivedBody   []byte
		receivedPath   string
		receivedMethod string
		contentType    string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedPath = r.URL.Path
		contentType = r.Header.Get("Content-Type")
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "backend-history")
	ev := history.Event{
		Type:       history.EventCrash,
		OccurredAt: time.Now().UTC(),
		Record:     history.Record{Profile: "dev", PID: 99, Port: 8081, State: "crashed", ExitErr: "signal: killed"},
	}
	require.NoError(t, sink.Send(context.Background(), ev))

	assert.Equal(t, http.MethodPost, receivedMethod)
	assert.Equal(t, "/backend-history/_doc", receivedPath)
	assert.Equal(t, "application/json", contentType)

	var got history.Event
	require.NoError(t, json.Unmarshal(receivedBody, &got))
	assert.Equal(t, history.EventCrash, got.Type)
	assert.Equal(t, "dev", got.Record.Profile)
	assert.Equal(t, "signal: killed", got.Record.ExitErr)
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := New(server.URL, "idx").Send(context.Background(), history.Event{Type: history.EventStart})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestOpenSearchSink_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	assert.Error(t, New(url, "idx").Send(context.Background(), history.Event{Type: history.EventStop}))
}
