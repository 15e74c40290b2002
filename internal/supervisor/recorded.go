package supervisor

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/loykin/tether/internal/health"
	"github.com/loykin/tether/internal/history"
	"github.com/loykin/tether/internal/metrics"
	"github.com/loykin/tether/internal/process"
	"github.com/loykin/tether/internal/profile"
)

// The functions below act on the backend recorded in a profile's pid file
// rather than on one owned by a Supervisor. Short-lived CLI invocations use
// them to look at or stop a detached backend started by an earlier run.

// Inspect reports the recorded backend of prof. A live pid makes the state
// Running; Health says whether it currently answers.
func Inspect(ctx context.Context, prof profile.Profile, opts Options) Status {
	opts = opts.withDefaults()
	st := Status{
		Profile: prof.Name,
		State:   StateStopped,
		Health:  health.HealthStatus{Status: health.StatusUnknown, CheckedAt: time.Now()},
	}
	pid, meta, ok := process.LivePIDFromFile(prof.PIDFile)
	if !ok {
		return st
	}
	st.State = StateRunning
	st.PID = pid
	st.Port = meta.Port
	if meta.StartUnix > 0 {
		st.StartedAt = time.Unix(meta.StartUnix, 0)
	}
	if meta.Port == 0 {
		return st
	}
	st.BaseURL = "http://" + net.JoinHostPort(opts.Host, strconv.Itoa(meta.Port))
	st.Health = health.Probe{}.Observe(ctx, st.BaseURL+opts.HealthPath, opts.ProbeTimeout)
	metrics.IncHealthCheck(prof.Name, st.Health.Status == health.StatusHealthy)
	return st
}

// TerminateRecorded stops the recorded backend of prof the same way Stop
// does and removes the pid file. It returns the stopped pid, or 0 when no
// live backend was recorded.
func TerminateRecorded(ctx context.Context, prof profile.Profile, opts Options) (int, error) {
	opts = opts.withDefaults()
	pid, meta, ok := process.LivePIDFromFile(prof.PIDFile)
	if !ok {
		return 0, nil
	}
	log := opts.Logger.With("profile", prof.Name, "pid", pid)
	log.Info("stopping recorded backend")

	done := make(chan error, 1)
	go func() { done <- process.TerminateWithTimeout(pid, opts.StopTimeout) }()
	select {
	case err := <-done:
		if err != nil {
			return pid, err
		}
	case <-ctx.Done():
		return pid, ctx.Err()
	}
	_, _ = process.RemovePIDFileFor(prof.PIDFile, pid)
	metrics.IncStop(prof.Name)

	if opts.History != nil {
		ev := history.Event{
			Type:       history.EventStop,
			OccurredAt: time.Now().UTC(),
			Record: history.Record{
				Profile:   prof.Name,
				PID:       pid,
				Port:      meta.Port,
				State:     StateStopped.String(),
				StartedAt: time.Unix(meta.StartUnix, 0).UTC(),
			},
		}
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := opts.History.Send(hctx, ev); err != nil {
			log.Warn("history sink failed", "event", ev.Type, "error", err)
		}
	}
	return pid, nil
}
