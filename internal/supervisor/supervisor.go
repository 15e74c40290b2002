// Package supervisor runs one backend process per profile and keeps track of
// whether it is alive and healthy.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/tether/internal/health"
	"github.com/loykin/tether/internal/history"
	"github.com/loykin/tether/internal/metrics"
	"github.com/loykin/tether/internal/port"
	"github.com/loykin/tether/internal/process"
	"github.com/loykin/tether/internal/profile"
)

// Supervisor owns the backend process of a single profile.
//
// Lock order: mu, then subsMu. Start, Stop and Restart are mutually
// exclusive through the in-flight marker; a second call fails fast with
// AlreadyInProgressError instead of queueing.
type Supervisor struct {
	prof  profile.Profile
	opts  Options
	log   *slog.Logger
	probe health.Probe

	mu       sync.Mutex
	state    State
	inflight string
	run      *run
	port     int
	health   health.HealthStatus
	probed   bool
	closed   bool

	subsMu  sync.Mutex
	subs    map[int]chan Notification
	nextSub int

	wg sync.WaitGroup
}

// run is the bookkeeping for one spawned process.
type run struct {
	h             *process.Handle
	port          int
	stopRequested bool
	crashOnce     sync.Once
	cancel        context.CancelFunc // stops the poller
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	Profile   string              `json:"profile"`
	State     State               `json:"state"`
	PID       int                 `json:"pid,omitempty"`
	Port      int                 `json:"port,omitempty"`
	BaseURL   string              `json:"base_url,omitempty"`
	StartedAt time.Time           `json:"started_at,omitempty"`
	Health    health.HealthStatus `json:"health"`
}

// New returns a stopped supervisor for prof. The profile is copied.
func New(prof profile.Profile, opts Options) (*Supervisor, error) {
	prof.ApplyDefaults()
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	prof.Args = append([]string(nil), prof.Args...)
	if prof.Env != nil {
		env := make(map[string]string, len(prof.Env))
		for k, v := range prof.Env {
			env[k] = v
		}
		prof.Env = env
	}
	opts = opts.withDefaults()
	s := &Supervisor{
		prof:   prof,
		opts:   opts,
		log:    opts.Logger.With("profile", prof.Name),
		state:  StateStopped,
		health: health.HealthStatus{Status: health.StatusUnknown},
		subs:   make(map[int]chan Notification),
	}
	metrics.SetCurrentState(prof.Name, StateStopped.String(), true)
	return s, nil
}

// Profile returns the supervised profile.
func (s *Supervisor) Profile() profile.Profile { return s.prof }

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRunning reports whether the backend is up and was healthy since start.
func (s *Supervisor) IsRunning() bool { return s.State() == StateRunning }

// PID returns the current backend pid, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return 0
	}
	return s.run.h.PID()
}

// Port returns the port of the current or most recent backend, or 0.
func (s *Supervisor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// BaseURL returns the backend's HTTP base URL, or "" before the first start.
func (s *Supervisor) BaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURLLocked()
}

func (s *Supervisor) baseURLLocked() string {
	if s.port == 0 {
		return ""
	}
	return "http://" + net.JoinHostPort(s.opts.Host, strconv.Itoa(s.port))
}

// Status returns a snapshot for display.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Profile: s.prof.Name,
		State:   s.state,
		Port:    s.port,
		BaseURL: s.baseURLLocked(),
		Health:  s.health,
	}
	if s.run != nil {
		st.PID = s.run.h.PID()
		st.StartedAt = s.run.h.StartedAt()
	}
	return st
}

// Health returns the last recorded health. It probes synchronously only
// when no probe has been made yet.
func (s *Supervisor) Health(ctx context.Context) health.HealthStatus {
	s.mu.Lock()
	if s.probed || s.port == 0 {
		h := s.health
		s.mu.Unlock()
		return h
	}
	url := s.baseURLLocked() + s.opts.HealthPath
	s.mu.Unlock()

	h := s.probe.Observe(ctx, url, s.opts.ProbeTimeout)
	metrics.IncHealthCheck(s.prof.Name, h.Status == health.StatusHealthy)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.probed {
		s.health = h
		s.probed = true
	}
	return s.health
}

// Subscribe registers for notifications. Delivery never blocks the
// supervisor: a subscriber that falls behind by more than the buffer loses
// notifications. Call the returned func to unsubscribe.
func (s *Supervisor) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, 32)
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
			s.subsMu.Unlock()
		})
	}
}

func (s *Supervisor) notify(n Notification) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- n:
		default:
			s.log.Warn("subscriber too slow, notification dropped", "notification", fmt.Sprintf("%T", n))
		}
	}
}

// setStateLocked records a transition. Caller holds mu.
func (s *Supervisor) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	name := s.prof.Name
	metrics.RecordStateTransition(name, from.String(), to.String())
	metrics.SetCurrentState(name, from.String(), false)
	metrics.SetCurrentState(name, to.String(), true)
	s.log.Debug("state changed", "from", from, "to", to)
	s.notify(StateChanged{From: from, To: to, At: time.Now()})
}

func (s *Supervisor) setHealthLocked(st health.Status, msg string) {
	s.health = health.HealthStatus{Status: st, Message: msg, CheckedAt: time.Now()}
}

// begin claims the in-flight marker for op.
func (s *Supervisor) begin(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.inflight != "" {
		return &AlreadyInProgressError{Op: op, Pending: s.inflight}
	}
	s.inflight = op
	return nil
}

func (s *Supervisor) end() {
	s.mu.Lock()
	s.inflight = ""
	s.mu.Unlock()
}

// Start launches the backend and waits until it answers its health
// endpoint. Starting a running backend only re-checks its health.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.begin("start"); err != nil {
		return err
	}
	defer s.end()
	return s.start(ctx)
}

// Stop terminates the backend: SIGTERM, then SIGKILL after StopTimeout.
// Stopping a stopped supervisor is a no-op. When ctx ends first Stop returns
// its error at once while the termination finishes in the background.
func (s *Supervisor) Stop(ctx context.Context) error {
	if err := s.begin("stop"); err != nil {
		return err
	}
	defer s.end()
	return s.stop(ctx)
}

// Restart stops then starts the backend and fails if the process id did not
// change.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.begin("restart"); err != nil {
		return err
	}
	defer s.end()

	old := s.PID()
	if err := s.stop(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	if err := s.start(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	if pid := s.PID(); old != 0 && pid == old {
		return fmt.Errorf("%w (pid %d)", ErrSamePID, pid)
	}
	metrics.IncRestart(s.prof.Name)
	return nil
}

func (s *Supervisor) start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning && s.run != nil && s.run.h.Alive() {
		url := s.baseURLLocked() + s.opts.HealthPath
		s.mu.Unlock()
		h := s.probe.Observe(ctx, url, s.opts.ProbeTimeout)
		metrics.IncHealthCheck(s.prof.Name, h.Status == health.StatusHealthy)
		s.mu.Lock()
		s.health, s.probed = h, true
		s.mu.Unlock()
		return nil
	}
	if prev := s.run; prev != nil && prev.h.Alive() {
		// left behind by a timed-out start
		s.mu.Unlock()
		return &AlreadyRunningError{Profile: s.prof.Name, PID: prev.h.PID(), Port: prev.port}
	}
	s.mu.Unlock()

	began := time.Now()
	h, p, err := s.spawn(ctx)
	if err != nil {
		return err
	}
	s.log.Info("backend spawned", "pid", h.PID(), "port", p)

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{h: h, port: p, cancel: cancel}
	s.mu.Lock()
	s.run = r
	s.port = p
	s.probed = false
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watchExit(r)

	if err := s.waitReady(ctx, r); err != nil {
		cancel()
		s.abortStart()
		return err
	}

	if !h.Alive() {
		cancel()
		s.abortStart()
		return s.exitedBeforeReady(r)
	}
	s.mu.Lock()
	s.setStateLocked(StateRunning)
	s.setHealthLocked(health.StatusHealthy, "")
	s.probed = true
	s.mu.Unlock()

	metrics.IncStart(s.prof.Name)
	metrics.ObserveStartDuration(s.prof.Name, time.Since(began).Seconds())
	s.record(history.EventStart, r, StateRunning, "")
	s.log.Info("backend ready", "pid", h.PID(), "url", s.BaseURL(), "took", time.Since(began).Round(time.Millisecond))

	s.wg.Add(1)
	go s.poll(runCtx, r)
	return nil
}

// spawn launches the backend while holding the claim on the profile's pid
// file, so supervisors sharing a profile see each other's pid before they
// pick a port. The claim is released once the new pid is recorded.
func (s *Supervisor) spawn(ctx context.Context) (*process.Handle, int, error) {
	claim, err := process.ClaimPIDFile(ctx, s.prof.PIDFile)
	if err != nil {
		return nil, 0, err
	}
	defer claim.Release()

	if pid, meta, live := process.LivePIDFromFile(s.prof.PIDFile); live {
		return nil, 0, &AlreadyRunningError{Profile: s.prof.Name, PID: pid, Port: meta.Port}
	}

	s.mu.Lock()
	s.setStateLocked(StateStarting)
	s.setHealthLocked(health.StatusStarting, "")
	s.mu.Unlock()

	p, err := s.resolvePort()
	if err != nil {
		s.abortStart()
		return nil, 0, err
	}
	if err := ctx.Err(); err != nil {
		s.abortStart()
		return nil, 0, err
	}

	spec := s.prof.ProcessSpec(p)
	spec.Logger = s.log
	spec.Detached = s.opts.Detached
	h, err := process.Spawn(spec)
	if err != nil {
		s.abortStart()
		return nil, 0, err
	}
	return h, p, nil
}

// forgetPID drops the pid file if it still records pid.
func (s *Supervisor) forgetPID(pid int) {
	if _, err := process.RemovePIDFileFor(s.prof.PIDFile, pid); err != nil {
		s.log.Warn("pid file cleanup failed", "path", s.prof.PIDFile, "error", err)
	}
}

func (s *Supervisor) abortStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStarting {
		s.setStateLocked(StateStopped)
		s.setHealthLocked(health.StatusUnknown, "")
	}
}

// resolvePort prefers the profile's port and otherwise takes the first free
// port above it.
func (s *Supervisor) resolvePort() (int, error) {
	preferred := s.prof.Port
	if port.IsAvailable(s.opts.Host, preferred) {
		return preferred, nil
	}
	end := min(preferred+s.opts.PortRangeSize, 65535)
	p, err := port.FindAvailablePort(preferred+1, end, s.opts.Host)
	if err != nil {
		return 0, err
	}
	s.log.Info("preferred port busy, using another", "preferred", preferred, "port", p)
	return p, nil
}

// waitReady polls the health endpoint every ReadyInterval until it succeeds,
// the process exits, ctx ends or StartTimeout elapses.
func (s *Supervisor) waitReady(ctx context.Context, r *run) error {
	url := "http://" + net.JoinHostPort(s.opts.Host, strconv.Itoa(r.port)) + s.opts.HealthPath
	deadline := time.NewTimer(s.opts.StartTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.opts.ReadyInterval)
	defer tick.Stop()

	for {
		ok := s.probe.Check(ctx, url, s.opts.ProbeTimeout)
		metrics.IncHealthCheck(s.prof.Name, ok)
		if ok {
			return nil
		}
		select {
		case <-r.h.Done():
			return s.exitedBeforeReady(r)
		case <-deadline.C:
			s.log.Warn("backend not healthy in time; leaving it running", "pid", r.h.PID(), "timeout", s.opts.StartTimeout)
			return &BackendTimeoutError{PID: r.h.PID(), Port: r.port, Timeout: s.opts.StartTimeout}
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func (s *Supervisor) exitedBeforeReady(r *run) error {
	s.forgetPID(r.h.PID())
	msg := "unknown exit"
	if info, ok := r.h.Exit(); ok {
		msg = info.String()
	}
	s.log.Error("backend exited during start-up", "pid", r.h.PID(), "exit", msg, "log", s.prof.LogFile)
	return &process.SpawnError{
		Command: s.prof.Command,
		Err:     fmt.Errorf("%w: %s", ErrExitedBeforeReady, msg),
	}
}

func (s *Supervisor) stop(ctx context.Context) error {
	s.mu.Lock()
	r := s.run
	if r == nil || !r.h.Alive() {
		if r != nil && s.state == StateRunning {
			// the exit has not been processed yet; let it be recorded as a crash
			s.mu.Unlock()
			s.awaitExitHandling(ctx, r)
			s.mu.Lock()
			if s.state == StateRunning {
				s.setStateLocked(StateStopped)
			}
		}
		s.mu.Unlock()
		return nil
	}
	r.stopRequested = true
	prev := s.state
	s.setStateLocked(StateStopping)
	s.setHealthLocked(health.StatusStopping, "")
	r.cancel()
	s.mu.Unlock()

	pid := r.h.PID()
	s.log.Info("stopping backend", "pid", pid, "timeout", s.opts.StopTimeout)
	// The termination keeps going when ctx ends; only the wait is abandoned.
	termDone := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		termDone <- process.TerminateWithTimeout(pid, s.opts.StopTimeout)
	}()

	var termErr, waitErr error
	select {
	case termErr = <-termDone:
		select {
		case <-r.h.Done():
		case <-time.After(process.KillGrace):
			waitErr = fmt.Errorf("backend pid %d not reaped after termination", pid)
		case <-ctx.Done():
			waitErr = ctx.Err()
		}
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	s.forgetPID(pid)

	exitMsg := ""
	if info, ok := r.h.Exit(); ok {
		exitMsg = info.String()
	}
	s.mu.Lock()
	if s.run == r {
		s.run = nil
	}
	s.setStateLocked(StateStopped)
	s.setHealthLocked(health.StatusUnknown, "")
	s.mu.Unlock()

	if prev == StateRunning {
		metrics.IncStop(s.prof.Name)
	}
	s.record(history.EventStop, r, StateStopped, exitMsg)

	if termErr != nil {
		return fmt.Errorf("stop backend: %w", termErr)
	}
	if waitErr != nil {
		return fmt.Errorf("stop backend: %w", waitErr)
	}
	s.log.Info("backend stopped", "pid", pid, "exit", exitMsg)
	return nil
}

// awaitExitHandling gives the exit watcher a moment to record a crash that
// raced with a stop.
func (s *Supervisor) awaitExitHandling(ctx context.Context, r *run) {
	select {
	case <-r.h.Done():
	case <-ctx.Done():
		return
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.State() != StateRunning {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// watchExit consumes the single exit notification of r's process.
func (s *Supervisor) watchExit(r *run) {
	defer s.wg.Done()
	info, ok := <-r.h.Exited()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != r {
		return
	}
	switch {
	case r.stopRequested:
		// planned exit, handled by stop
	case s.state == StateRunning:
		s.crashLocked(r, info, "process exited: "+info.String())
	default:
		// Starting: the readiness loop reports it. Stopped after a timed-out
		// start: nothing is waiting for it.
		s.log.Info("backend exited", "pid", info.PID, "exit", info.String(), "state", s.state)
	}
}

// crashLocked moves a running supervisor to Crashed once per process.
// Caller holds mu.
func (s *Supervisor) crashLocked(r *run, info process.ExitInfo, reason string) {
	r.crashOnce.Do(func() {
		r.cancel()
		s.setStateLocked(StateCrashed)
		s.setHealthLocked(health.StatusUnhealthy, reason)
		s.probed = true
		s.forgetPID(r.h.PID())
		metrics.IncCrash(s.prof.Name)
		s.log.Error("backend crashed", "pid", r.h.PID(), "reason", reason)

		c := Crash{Profile: s.prof.Name, PID: r.h.PID(), Exit: info, Reason: reason, At: time.Now()}
		s.notify(c)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.record(history.EventCrash, r, StateCrashed, reason)
		}()
	})
}

// poll checks liveness and health every PollInterval while Running.
func (s *Supervisor) poll(ctx context.Context, r *run) {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.PollInterval)
	defer t.Stop()
	url := "http://" + net.JoinHostPort(s.opts.Host, strconv.Itoa(r.port)) + s.opts.HealthPath

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if !process.IsAlive(r.h.PID()) {
			// Prefer the exit watcher's report; it carries the exit status.
			select {
			case <-r.h.Done():
			case <-time.After(200 * time.Millisecond):
			}
			s.mu.Lock()
			if s.run == r && s.state == StateRunning && !r.stopRequested {
				reason := "process no longer alive"
				info, ok := r.h.Exit()
				if ok {
					reason = "process exited: " + info.String()
				} else {
					info = process.ExitInfo{PID: r.h.PID(), Code: -1, At: time.Now()}
				}
				s.crashLocked(r, info, reason)
			}
			s.mu.Unlock()
			return
		}

		h := s.probe.Observe(ctx, url, s.opts.ProbeTimeout)
		if ctx.Err() != nil {
			return
		}
		metrics.IncHealthCheck(s.prof.Name, h.Status == health.StatusHealthy)
		s.mu.Lock()
		if s.run == r && s.state == StateRunning {
			if h.Status != health.StatusHealthy && s.health.Status == health.StatusHealthy {
				s.log.Warn("backend health check failed", "pid", r.h.PID(), "message", h.Message)
			}
			s.health, s.probed = h, true
		}
		s.mu.Unlock()
	}
}

func (s *Supervisor) record(typ history.EventType, r *run, state State, exitErr string) {
	if s.opts.History == nil {
		return
	}
	ev := history.Event{
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Record: history.Record{
			Profile:   s.prof.Name,
			PID:       r.h.PID(),
			Port:      r.port,
			State:     state.String(),
			StartedAt: r.h.StartedAt().UTC(),
			ExitErr:   exitErr,
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.opts.History.Send(ctx, ev); err != nil {
		s.log.Warn("history sink failed", "event", typ, "error", err)
	}
}

// Close stops background polling without touching the backend process and
// closes all subscriptions. The supervisor cannot be used afterwards.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.run != nil {
		s.run.cancel()
	}
	s.mu.Unlock()

	s.subsMu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subsMu.Unlock()
}

// Wait blocks until background goroutines have finished. It is meant for
// tests and shutdown after the backend has exited.
func (s *Supervisor) Wait() { s.wg.Wait() }
