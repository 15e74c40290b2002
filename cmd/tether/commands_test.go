package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tether/internal/config"
	"github.com/loykin/tether/internal/devbackend"
	"github.com/loykin/tether/internal/health"
	"github.com/loykin/tether/internal/logger"
	"github.com/loykin/tether/internal/stream"
	"github.com/loykin/tether/internal/supervisor"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return p
}

// writeTestConfig writes a config whose single profile "demo" runs this
// test binary as the dev backend.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	dir := t.TempDir()
	data := fmt.Sprintf(`
base_dir = %q

[log]
level = "error"

[supervisor]
start_timeout = "10s"
ready_interval = "50ms"
poll_interval = "200ms"
stop_timeout = "3s"

[history]
dsn = %q

[[profiles]]
name = "demo"
port = %d
command = %q
args = ["-test.run=^$"]
env = ["%s=1"]
`, dir, "sqlite://"+filepath.Join(dir, "history.db"), freePort(t), exe, backendEnv)
	p := filepath.Join(dir, "tether.toml")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	t.Cleanup(func() {
		cfg, err := config.Load(p)
		if err != nil {
			return
		}
		for _, prof := range cfg.Profiles {
			_, _ = supervisor.TerminateRecorded(context.Background(), prof, cfg.Supervisor)
		}
	})
	return p
}

func decodeStatus(t *testing.T, out string) supervisor.Status {
	t.Helper()
	var st supervisor.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st), out)
	return st
}

func TestLocalLifecycle(t *testing.T) {
	requireUnix(t)
	cfg := writeTestConfig(t)

	out, _, err := execute(t, "--config", cfg, "status")
	require.NoError(t, err)
	assert.Equal(t, supervisor.StateStopped, decodeStatus(t, out).State)

	out, _, err = execute(t, "--config", cfg, "start")
	require.NoError(t, err)
	st := decodeStatus(t, out)
	assert.Equal(t, supervisor.StateRunning, st.State)
	assert.Equal(t, health.StatusHealthy, st.Health.Status)
	pid := st.PID
	require.Greater(t, pid, 0)

	// The backend outlives the start command.
	out, _, err = execute(t, "--config", cfg, "status")
	require.NoError(t, err)
	st = decodeStatus(t, out)
	assert.Equal(t, pid, st.PID)
	assert.Equal(t, health.StatusHealthy, st.Health.Status)

	out, _, err = execute(t, "--config", cfg, "start")
	require.NoError(t, err, "starting a running profile reports it")
	assert.Equal(t, pid, decodeStatus(t, out).PID)

	out, errOut, err := execute(t, "--config", cfg, "chat", "hello", "world")
	require.NoError(t, err)
	assert.Contains(t, out, "hello world")
	assert.Contains(t, errOut, "[thinking] reading: hello world")
	assert.Contains(t, errOut, "[tool_call]")

	_, _, err = execute(t, "--config", cfg, "chat", "!error boom")
	var se *stream.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "boom", se.Message)

	out, _, err = execute(t, "--config", cfg, "restart")
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("stopped pid %d", pid))

	out, _, err = execute(t, "--config", cfg, "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "demo: stopped pid")

	out, _, err = execute(t, "--config", cfg, "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "demo: not running")

	_, _, err = execute(t, "--config", cfg, "chat", "hi")
	assert.ErrorContains(t, err, "not running")
}

func TestStatusAll(t *testing.T) {
	cfg := writeTestConfig(t)
	out, _, err := execute(t, "--config", cfg, "status", "--all")
	require.NoError(t, err)
	var sts []supervisor.Status
	require.NoError(t, json.Unmarshal([]byte(out), &sts))
	require.Len(t, sts, 1)
	assert.Equal(t, "demo", sts[0].Profile)
}

func TestUnknownProfile(t *testing.T) {
	cfg := writeTestConfig(t)
	_, _, err := execute(t, "--config", cfg, "--profile", "nope", "status")
	assert.ErrorContains(t, err, "unknown profile")
}

func TestChat_URLFlag(t *testing.T) {
	srv := httptest.NewServer(devbackend.New(devbackend.Options{Logger: logger.Discard()}).Handler())
	defer srv.Close()
	t.Chdir(t.TempDir())

	out, _, err := execute(t, "chat", "--url", srv.URL, "--json", "--session", "s1", "hi")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	var types []string
	for _, l := range lines {
		var ev stream.Event
		require.NoError(t, json.Unmarshal([]byte(l), &ev), l)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"thinking", "text", "tool_call", "tool_result"}, types)

	_, _, err = execute(t, "chat", "--url", srv.URL, "!drop")
	assert.ErrorIs(t, err, stream.ErrInterrupted)
}

func TestChat_NewSession(t *testing.T) {
	srv := httptest.NewServer(devbackend.New(devbackend.Options{Logger: logger.Discard()}).Handler())
	defer srv.Close()
	t.Chdir(t.TempDir())

	_, errOut, err := execute(t, "chat", "--url", srv.URL, "--new-session", "hi")
	require.NoError(t, err)
	first, _, ok := strings.Cut(errOut, "\n")
	require.True(t, ok)
	id, found := strings.CutPrefix(first, "session: ")
	require.True(t, found, errOut)
	_, err = ulid.Parse(id)
	assert.NoError(t, err)

	_, _, err = execute(t, "chat", "--url", srv.URL, "--new-session", "--session", "x", "hi")
	assert.Error(t, err)
}

func TestChat_Timeout(t *testing.T) {
	srv := httptest.NewServer(devbackend.New(devbackend.Options{Logger: logger.Discard(), FrameDelay: 50 * time.Millisecond}).Handler())
	defer srv.Close()
	t.Chdir(t.TempDir())

	_, _, err := execute(t, "chat", "--url", srv.URL, "--timeout", "200ms", "!forever")
	assert.ErrorContains(t, err, "timed out")
}

func TestEventPrinter(t *testing.T) {
	var out, errOut strings.Builder
	p := &eventPrinter{out: &out, errOut: &errOut}
	for _, raw := range []string{
		`{"type":"thinking","content":"hmm"}`,
		`{"type":"text","content":"a "}`,
		`{"type":"text","content":"b"}`,
		`{"type":"tool_call","name":"x"}`,
		`{"type":"text","content":"c"}`,
	} {
		var ev stream.Event
		require.NoError(t, json.Unmarshal([]byte(`{"type":"`+typeOf(raw)+`","data":`+raw+`}`), &ev))
		p.print(ev)
	}
	p.finish()
	assert.Equal(t, "a b\nc\n", out.String())
	assert.Equal(t, "[thinking] hmm\n[tool_call] {\"type\":\"tool_call\",\"name\":\"x\"}\n", errOut.String())
}

func typeOf(raw string) string {
	var v struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal([]byte(raw), &v)
	return v.Type
}

func TestDaemonArgs(t *testing.T) {
	got := daemonArgs([]string{"serve", "--daemonize", "--config", "x.toml", "--daemonize=true", "--pidfile", "p"})
	assert.Equal(t, []string{"serve", "--config", "x.toml", "--pidfile", "p"}, got)
}
