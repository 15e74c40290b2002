// Package server exposes supervisors over a small HTTP control API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tether/internal/auth"
	"github.com/loykin/tether/internal/health"
	"github.com/loykin/tether/internal/history"
	"github.com/loykin/tether/internal/metrics"
	"github.com/loykin/tether/internal/port"
	"github.com/loykin/tether/internal/process"
	"github.com/loykin/tether/internal/profile"
	"github.com/loykin/tether/internal/supervisor"
)

// Backend is the part of a supervisor the router drives.
type Backend interface {
	Profile() profile.Profile
	Status() supervisor.Status
	Health(ctx context.Context) health.HealthStatus
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
}

// Router provides embeddable HTTP handlers for managing backends.
// Endpoints:
//
//	GET  {basePath}/profiles             status of every backend
//	GET  {basePath}/status?profile=      one backend's status
//	GET  {basePath}/health?profile=      200 when healthy, 503 otherwise
//	POST {basePath}/start?profile=
//	POST {basePath}/stop?profile=
//	POST {basePath}/restart?profile=
//	GET  {basePath}/history?profile=&limit=
//	GET  {basePath}/resources?profile=
//	POST {basePath}/auth/token           basic credentials to bearer token
//	GET  /metrics                        prometheus
//
// profile may be omitted when exactly one backend is mounted. With WithAuth
// every {basePath} endpoint requires credentials and lifecycle calls need
// the operator role.
type Router struct {
	backends  map[string]Backend
	basePath  string
	log       *slog.Logger
	history   history.Querier
	resources *metrics.ResourceCollector
	auth      *auth.Middleware
}

type Option func(*Router)

// WithHistory enables GET {basePath}/history.
func WithHistory(q history.Querier) Option { return func(r *Router) { r.history = q } }

// WithResources enables GET {basePath}/resources.
func WithResources(c *metrics.ResourceCollector) Option {
	return func(r *Router) { r.resources = c }
}

// WithAuth guards the API with svc.
func WithAuth(svc *auth.Service) Option {
	return func(r *Router) { r.auth = auth.NewMiddleware(svc) }
}

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

// NewRouter constructs a Router over backends, keyed by profile name.
// Example basePath: "/api" results in /api/start, /api/stop, /api/status.
func NewRouter(basePath string, backends []Backend, opts ...Option) *Router {
	r := &Router{
		backends: make(map[string]Backend, len(backends)),
		basePath: sanitizeBase(basePath),
		log:      slog.Default(),
	}
	for _, b := range backends {
		r.backends[b.Profile().Name] = b
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	read, write := r.guard(auth.ActionRead), r.guard(auth.ActionWrite)
	if r.auth != nil {
		group.POST("/auth/token", r.auth.TokenHandler)
	}
	group.GET("/profiles", read, r.handleProfiles)
	group.GET("/status", read, r.handleStatus)
	group.GET("/health", read, r.handleHealth)
	group.POST("/start", write, r.lifecycle("start", Backend.Start))
	group.POST("/stop", write, r.lifecycle("stop", Backend.Stop))
	group.POST("/restart", write, r.lifecycle("restart", Backend.Restart))
	group.GET("/history", read, r.handleHistory)
	group.GET("/resources", read, r.handleResources)
	return g
}

func (r *Router) guard(a auth.Action) gin.HandlerFunc {
	if r.auth == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return r.auth.Require(a)
}

// NewServer wraps the router in an http.Server listening on addr. The write
// timeout leaves room for a full start timeout.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) backend(c *gin.Context) (Backend, bool) {
	name := c.Query("profile")
	if name == "" {
		if len(r.backends) == 1 {
			for _, b := range r.backends {
				return b, true
			}
		}
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "profile query param required"})
		return nil, false
	}
	if !profile.IsSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid profile: allowed [A-Za-z0-9._-] and no '..'"})
		return nil, false
	}
	b, ok := r.backends[name]
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown profile " + strconv.Quote(name)})
		return nil, false
	}
	return b, true
}

func (r *Router) handleProfiles(c *gin.Context) {
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]supervisor.Status, 0, len(names))
	for _, n := range names {
		out = append(out, r.backends[n].Status())
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleStatus(c *gin.Context) {
	b, ok := r.backend(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, b.Status())
}

func (r *Router) handleHealth(c *gin.Context) {
	b, ok := r.backend(c)
	if !ok {
		return
	}
	h := b.Health(c.Request.Context())
	code := http.StatusOK
	if h.Status != health.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, h)
}

// lifecycle adapts a start/stop/restart operation. The operation runs on a
// context detached from the request so a disconnecting client does not
// abandon a half-finished transition.
func (r *Router) lifecycle(op string, fn func(Backend, context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, ok := r.backend(c)
		if !ok {
			return
		}
		if err := fn(b, context.WithoutCancel(c.Request.Context())); err != nil {
			code := errorStatus(err)
			r.log.Warn("lifecycle request failed", "op", op, "profile", b.Profile().Name, "status", code, "error", err)
			writeJSON(c, code, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, b.Status())
	}
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "no queryable history sink configured"})
		return
	}
	b, ok := r.backend(c)
	if !ok {
		return
	}
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a positive number"})
			return
		}
		limit = min(n, 1000)
	}
	events, err := r.history.Query(c.Request.Context(), b.Profile().Name, limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

type resourcesResp struct {
	Latest  *metrics.ResourceSample  `json:"latest,omitempty"`
	History []metrics.ResourceSample `json:"history"`
}

func (r *Router) handleResources(c *gin.Context) {
	if r.resources == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "resource sampling disabled"})
		return
	}
	b, ok := r.backend(c)
	if !ok {
		return
	}
	name := b.Profile().Name
	resp := resourcesResp{History: r.resources.History(name)}
	if s, ok := r.resources.Latest(name); ok {
		resp.Latest = &s
	}
	writeJSON(c, http.StatusOK, resp)
}

// errorStatus maps supervisor errors onto HTTP status codes.
func errorStatus(err error) int {
	var (
		running *supervisor.AlreadyRunningError
		timeout *supervisor.BackendTimeoutError
		noPort  *port.NoAvailablePortError
		spawn   *process.SpawnError
	)
	switch {
	case errors.Is(err, supervisor.ErrAlreadyInProgress), errors.As(err, &running):
		return http.StatusConflict
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, supervisor.ErrClosed), errors.As(err, &noPort):
		return http.StatusServiceUnavailable
	case errors.As(err, &spawn):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
