package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tether/internal/auth"
	"github.com/loykin/tether/internal/health"
	"github.com/loykin/tether/internal/history"
	"github.com/loykin/tether/internal/logger"
	"github.com/loykin/tether/internal/metrics"
	"github.com/loykin/tether/internal/port"
	"github.com/loykin/tether/internal/process"
	"github.com/loykin/tether/internal/profile"
	"github.com/loykin/tether/internal/supervisor"
)

type fakeBackend struct {
	mu    sync.Mutex
	prof  profile.Profile
	state supervisor.State
	err   error
	calls []string
	ctxs  []context.Context
}

func newFake(name string) *fakeBackend {
	return &fakeBackend{prof: profile.New(name, "/tmp"), state: supervisor.StateStopped}
}

func (f *fakeBackend) Profile() profile.Profile { return f.prof }

func (f *fakeBackend) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return supervisor.Status{Profile: f.prof.Name, State: f.state}
}

func (f *fakeBackend) Health(context.Context) health.HealthStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == supervisor.StateRunning {
		return health.HealthStatus{Status: health.StatusHealthy}
	}
	return health.HealthStatus{Status: health.StatusUnknown}
}

func (f *fakeBackend) op(ctx context.Context, name string, to supervisor.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.ctxs = append(f.ctxs, ctx)
	if f.err != nil {
		return f.err
	}
	f.state = to
	return nil
}

func (f *fakeBackend) Start(ctx context.Context) error {
	return f.op(ctx, "start", supervisor.StateRunning)
}

func (f *fakeBackend) Stop(ctx context.Context) error {
	return f.op(ctx, "stop", supervisor.StateStopped)
}

func (f *fakeBackend) Restart(ctx context.Context) error {
	return f.op(ctx, "restart", supervisor.StateRunning)
}

func setupRouter(t *testing.T, base string, opts []Option, backends ...Backend) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	opts = append(opts, WithLogger(logger.Discard()))
	return NewRouter(base, backends, opts...).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestLifecycle_SingleProfile(t *testing.T) {
	f := newFake("default")
	h := setupRouter(t, "/api", nil, f)

	rec := doReq(t, h, http.MethodPost, "/api/start")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[supervisor.Status](t, rec)
	assert.Equal(t, supervisor.StateRunning, st.State)

	rec = doReq(t, h, http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, health.StatusHealthy, decode[health.HealthStatus](t, rec).Status)

	rec = doReq(t, h, http.MethodPost, "/api/restart")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/stop")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, supervisor.StateStopped, decode[supervisor.Status](t, rec).State)

	assert.Equal(t, []string{"start", "restart", "stop"}, f.calls)
}

func TestAuth_GuardsAPI(t *testing.T) {
	opHash, err := auth.HashPassword("op", 4)
	require.NoError(t, err)
	viewHash, err := auth.HashPassword("view", 4)
	require.NoError(t, err)
	svc, err := auth.NewService(auth.Config{
		Enabled:   true,
		JWTSecret: "router-test-secret-key",
		Users: []auth.User{
			{Name: "ops", PasswordHash: opHash, Role: auth.RoleOperator},
			{Name: "eve", PasswordHash: viewHash, Role: auth.RoleViewer},
		},
	})
	require.NoError(t, err)
	f := newFake("default")
	h := setupRouter(t, "/api", []Option{WithAuth(svc)}, f)

	send := func(method, path string, set func(*http.Request)) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		set(req)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, doReq(t, h, http.MethodGet, "/api/status").Code)
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/metrics").Code, "metrics stay open")

	rec := send(http.MethodGet, "/api/status", func(r *http.Request) { r.SetBasicAuth("eve", "view") })
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = send(http.MethodPost, "/api/start", func(r *http.Request) { r.SetBasicAuth("eve", "view") })
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, f.calls)

	rec = send(http.MethodPost, "/api/auth/token", func(r *http.Request) { r.SetBasicAuth("ops", "op") })
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[auth.Result](t, rec)
	require.NotNil(t, res.Token)

	rec = send(http.MethodPost, "/api/start", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+res.Token.Value)
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"start"}, f.calls)
}

func TestLifecycle_ContextDetachedFromRequest(t *testing.T) {
	f := newFake("default")
	h := setupRouter(t, "", nil, f)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/start", nil).WithContext(ctx)
	cancel()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.ctxs, 1)
	assert.NoError(t, f.ctxs[0].Err())
}

func TestProfileSelection(t *testing.T) {
	a, b := newFake("a"), newFake("b")
	h := setupRouter(t, "api/", nil, a, b)

	rec := doReq(t, h, http.MethodGet, "/api/status")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "ambiguous without profile")

	rec = doReq(t, h, http.MethodGet, "/api/status?profile=nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/api/status?profile=..%2Fetc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/start?profile=b")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, a.calls)
	assert.Equal(t, []string{"start"}, b.calls)

	rec = doReq(t, h, http.MethodGet, "/api/profiles")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[[]supervisor.Status](t, rec)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Profile)
	assert.Equal(t, supervisor.StateStopped, all[0].State)
	assert.Equal(t, "b", all[1].Profile)
	assert.Equal(t, supervisor.StateRunning, all[1].State)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"in progress", &supervisor.AlreadyInProgressError{Op: "start", Pending: "stop"}, http.StatusConflict},
		{"already running", &supervisor.AlreadyRunningError{Profile: "p", PID: 10}, http.StatusConflict},
		{"timeout", &supervisor.BackendTimeoutError{PID: 1, Port: 2, Timeout: time.Second}, http.StatusGatewayTimeout},
		{"closed", supervisor.ErrClosed, http.StatusServiceUnavailable},
		{"no port", fmt.Errorf("resolve: %w", &port.NoAvailablePortError{Start: 1, End: 2, Host: "x"}), http.StatusServiceUnavailable},
		{"spawn", &process.SpawnError{Command: "x", NotFound: true, Err: errors.New("nope")}, http.StatusInternalServerError},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFake("p")
			f.err = tc.err
			h := setupRouter(t, "", nil, f)
			rec := doReq(t, h, http.MethodPost, "/start")
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, tc.err.Error(), decode[errorResp](t, rec).Error)
		})
	}
}

type fakeQuerier struct {
	profile string
	limit   int
}

func (q *fakeQuerier) Query(_ context.Context, profile string, limit int) ([]history.Event, error) {
	q.profile, q.limit = profile, limit
	return []history.Event{{Type: history.EventStart, Record: history.Record{Profile: profile}}}, nil
}

func TestHistoryEndpoint(t *testing.T) {
	f := newFake("p")
	rec := doReq(t, setupRouter(t, "", nil, f), http.MethodGet, "/history")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	q := &fakeQuerier{}
	h := setupRouter(t, "", []Option{WithHistory(q)}, f)
	rec = doReq(t, h, http.MethodGet, "/history?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]history.Event](t, rec)
	require.Len(t, events, 1)
	assert.Equal(t, history.EventStart, events[0].Type)
	assert.Equal(t, "p", q.profile)
	assert.Equal(t, 5, q.limit)

	rec = doReq(t, h, http.MethodGet, "/history?limit=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	doReq(t, h, http.MethodGet, "/history?limit=100000")
	assert.Equal(t, 1000, q.limit)
}

func TestResourcesEndpoint(t *testing.T) {
	f := newFake("p")
	rec := doReq(t, setupRouter(t, "", nil, f), http.MethodGet, "/resources")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	c := metrics.NewResourceCollector(metrics.ResourceConfig{Enabled: true, MaxHistory: 5}, logger.Discard())
	h := setupRouter(t, "", []Option{WithResources(c)}, f)
	rec = doReq(t, h, http.MethodGet, "/resources")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[resourcesResp](t, rec).Latest)

	c.Collect(map[string]int{"p": os.Getpid()})
	rec = doReq(t, h, http.MethodGet, "/resources")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[resourcesResp](t, rec)
	require.NotNil(t, resp.Latest)
	assert.Equal(t, int32(os.Getpid()), resp.Latest.PID)
	assert.Len(t, resp.History, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	h := setupRouter(t, "/api", nil, newFake("p"))
	rec := doReq(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, sanitizeBase(c.in), "sanitizeBase(%q)", c.in)
	}
}

func FuzzSanitizeBase(f *testing.F) {
	for _, s := range []string{"", "/", "api", "//api//", " /x/y/ "} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, in string) {
		out := sanitizeBase(in)
		if out == "" {
			return
		}
		if !strings.HasPrefix(out, "/") || strings.HasSuffix(out, "/") {
			t.Fatalf("sanitizeBase(%q)=%q", in, out)
		}
	})
}
