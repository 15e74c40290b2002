// Package tether supervises a local backend process per profile and reads
// the server-sent event stream it answers chat requests with.
//
// The types here are aliases of the internal packages so conversions are
// zero-cost.
package tether

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/tether/internal/config"
	"github.com/loykin/tether/internal/health"
	"github.com/loykin/tether/internal/history"
	"github.com/loykin/tether/internal/history/factory"
	"github.com/loykin/tether/internal/metrics"
	"github.com/loykin/tether/internal/port"
	"github.com/loykin/tether/internal/process"
	"github.com/loykin/tether/internal/profile"
	"github.com/loykin/tether/internal/server"
	"github.com/loykin/tether/internal/stream"
	"github.com/loykin/tether/internal/supervisor"
)

// Supervision

type (
	Profile      = profile.Profile
	Options      = supervisor.Options
	Supervisor   = supervisor.Supervisor
	State        = supervisor.State
	Status       = supervisor.Status
	Notification = supervisor.Notification
	StateChanged = supervisor.StateChanged
	Crash        = supervisor.Crash
	HealthStatus = health.HealthStatus
	ExitInfo     = process.ExitInfo
)

const (
	StateStopped  = supervisor.StateStopped
	StateStarting = supervisor.StateStarting
	StateRunning  = supervisor.StateRunning
	StateStopping = supervisor.StateStopping
	StateCrashed  = supervisor.StateCrashed
)

func NewProfile(name, baseDir string) Profile { return profile.New(name, baseDir) }

func DefaultOptions() Options { return supervisor.DefaultOptions() }

// NewSupervisor validates p and returns a stopped supervisor for it.
func NewSupervisor(p Profile, opts Options) (*Supervisor, error) { return supervisor.New(p, opts) }

// FindAvailablePort returns the first bindable port in [start, end] on host.
func FindAvailablePort(start, end int, host string) (int, error) {
	return port.FindAvailablePort(start, end, host)
}

// Errors

type (
	SpawnError             = process.SpawnError
	AlreadyInProgressError = supervisor.AlreadyInProgressError
	AlreadyRunningError    = supervisor.AlreadyRunningError
	BackendTimeoutError    = supervisor.BackendTimeoutError
	NoAvailablePortError   = port.NoAvailablePortError
	ProtocolError          = stream.ProtocolError
	StreamError            = stream.StreamError
	StreamInterruptedError = stream.StreamInterruptedError
	StatusError            = stream.StatusError
)

var (
	ErrAlreadyInProgress = supervisor.ErrAlreadyInProgress
	ErrExitedBeforeReady = supervisor.ErrExitedBeforeReady
	ErrSamePID           = supervisor.ErrSamePID
	ErrClosed            = supervisor.ErrClosed
	ErrInterrupted       = stream.ErrInterrupted
)

// Event stream

type (
	Event        = stream.Event
	Request      = stream.Request
	StreamClient = stream.Client
	Framer       = stream.Framer
)

// Event types carried in Event.Type.
const (
	EventText       = stream.TypeText
	EventThinking   = stream.TypeThinking
	EventToolCall   = stream.TypeToolCall
	EventToolResult = stream.TypeToolResult
	EventError      = stream.TypeError
	EventComplete   = stream.TypeComplete
)

// NewStreamClient returns a client for the backend at baseURL using the
// default slog logger.
func NewStreamClient(baseURL string) *StreamClient { return stream.NewClient(baseURL, nil) }

func NewFramer() *Framer { return stream.NewFramer(nil) }

// Configuration, history and HTTP

type (
	Config      = config.Config
	HistorySink = history.Sink
	Backend     = server.Backend
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewHistorySinks opens one sink per DSN (sqlite://, postgres://,
// clickhouse://, opensearch://) and fans events out to all of them.
func NewHistorySinks(dsns ...string) (history.Fanout, error) { return factory.NewSinks(dsns...) }

// NewHTTPServer returns an http.Server exposing the control API for the
// given supervisors under basePath. The caller starts it.
func NewHTTPServer(addr, basePath string, sups ...*Supervisor) *http.Server {
	return server.NewServer(addr, newRouter(basePath, sups))
}

// NewHandler returns the control API as a handler to mount in another
// router (gin, echo or a plain mux). It also serves GET /metrics.
func NewHandler(basePath string, sups ...*Supervisor) http.Handler {
	return newRouter(basePath, sups).Handler()
}

func newRouter(basePath string, sups []*Supervisor) *server.Router {
	backends := make([]server.Backend, 0, len(sups))
	for _, s := range sups {
		backends = append(backends, s)
	}
	return server.NewRouter(basePath, backends)
}

// Metrics helpers

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves /metrics from the default registry on addr. It blocks
// like http.Server.ListenAndServe.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
