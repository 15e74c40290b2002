package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	supervisorStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "supervisor",
			Name:      "starts_total",
			Help:      "Number of backend starts that reached the running state.",
		}, []string{"profile"},
	)
	supervisorStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "supervisor",
			Name:      "stops_total",
			Help:      "Number of requested backend stops.",
		}, []string{"profile"},
	)
	supervisorCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "supervisor",
			Name:      "crashes_total",
			Help:      "Number of unexpected backend exits observed while running.",
		}, []string{"profile"},
	)
	supervisorRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Number of successful restarts.",
		}, []string{"profile"},
	)
	startDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tether",
			Subsystem: "supervisor",
			Name:      "start_duration_seconds",
			Help:      "Time from spawn until the first healthy probe.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"profile"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"profile", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tether",
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"profile", "state"},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health probes by result.",
		}, []string{"profile", "result"},
	)
	streamEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Decoded stream events by type.",
		}, []string{"type"},
	)
	streamDecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "stream",
			Name:      "decode_errors_total",
			Help:      "Frames dropped because their payload was not valid JSON.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		supervisorStarts, supervisorStops, supervisorCrashes, supervisorRestarts,
		startDuration, stateTransitions, currentStates, healthChecks,
		streamEvents, streamDecodeErrors,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(profile string) {
	if regOK.Load() {
		supervisorStarts.WithLabelValues(profile).Inc()
	}
}

func IncStop(profile string) {
	if regOK.Load() {
		supervisorStops.WithLabelValues(profile).Inc()
	}
}

func IncCrash(profile string) {
	if regOK.Load() {
		supervisorCrashes.WithLabelValues(profile).Inc()
	}
}

func IncRestart(profile string) {
	if regOK.Load() {
		supervisorRestarts.WithLabelValues(profile).Inc()
	}
}

func ObserveStartDuration(profile string, seconds float64) {
	if regOK.Load() {
		startDuration.WithLabelValues(profile).Observe(seconds)
	}
}

func RecordStateTransition(profile, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(profile, from, to).Inc()
	}
}

func SetCurrentState(profile, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(profile, state).Set(value)
	}
}

func IncHealthCheck(profile string, ok bool) {
	if regOK.Load() {
		result := "fail"
		if ok {
			result = "ok"
		}
		healthChecks.WithLabelValues(profile, result).Inc()
	}
}

func IncStreamEvent(typ string) {
	if regOK.Load() {
		streamEvents.WithLabelValues(typ).Inc()
	}
}

func IncStreamDecodeError() {
	if regOK.Load() {
		streamDecodeErrors.Inc()
	}
}
