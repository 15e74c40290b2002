package main

import (
	"context"
	cryptotls "crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/tether/internal/auth"
	"github.com/loykin/tether/internal/config"
	"github.com/loykin/tether/internal/cron"
	"github.com/loykin/tether/internal/history"
	"github.com/loykin/tether/internal/history/factory"
	"github.com/loykin/tether/internal/metrics"
	"github.com/loykin/tether/internal/process"
	"github.com/loykin/tether/internal/server"
	"github.com/loykin/tether/internal/supervisor"
	"github.com/loykin/tether/internal/tls"
)

// Serve supervises every configured profile and serves the control API
// until interrupted.
func (c *command) Serve(ctx context.Context, flags ServeFlags) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	if len(cfg.Profiles) == 0 {
		return errors.New("serve needs at least one [[profiles]] entry in the config")
	}
	if flags.Daemonize {
		return daemonize(c.stdout(), flags.PidFile, flags.LogFile)
	}
	log, err := c.logger()
	if err != nil {
		return err
	}
	if flags.PidFile != "" {
		if err := process.WritePIDFile(flags.PidFile, os.Getpid(), process.PIDMeta{Command: os.Args[0]}); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() { _ = process.RemovePIDFile(flags.PidFile) }()
	}

	listen := cfg.Server.Listen
	if flags.Listen != "" {
		listen = flags.Listen
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listen, err)
	}

	st, err := newServeStack(cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		_ = ln.Close()
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return st.run(ctx, ln, flags.AutoStart, !flags.KeepRunning)
}

// serveStack is everything 'tether serve' runs: one supervisor per profile,
// the history sinks, optional resource sampling and the HTTP router.
type serveStack struct {
	log         *slog.Logger
	supervisors []*supervisor.Supervisor
	sinks       history.Fanout
	resources   *metrics.ResourceCollector
	router      *server.Router
	tlsConfig   *cryptotls.Config

	restarts   map[string]config.RestartPolicy
	sched      *cron.Scheduler
	mu         sync.Mutex
	attempts   map[string]crashAttempts
	recoveries sync.WaitGroup
}

// crashAttempts counts consecutive crash restarts of one profile.
type crashAttempts struct {
	n    int
	last time.Time
}

// A crash later than this after the previous one starts a new count.
const crashResetAfter = time.Minute

func newServeStack(cfg *config.Config, log *slog.Logger, reg prometheus.Registerer) (*serveStack, error) {
	if err := metrics.Register(reg); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	sinks, err := factory.NewSinks(cfg.History.All()...)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	tlsConfig, err := tls.Setup(cfg.Server.TLS)
	if err != nil {
		_ = sinks.Close()
		return nil, fmt.Errorf("tls: %w", err)
	}
	st := &serveStack{
		log:       log,
		sinks:     sinks,
		tlsConfig: tlsConfig,
		restarts:  cfg.Restarts,
		sched:     cron.NewScheduler(log),
		attempts:  make(map[string]crashAttempts),
	}

	opts := cfg.Supervisor
	opts.Logger = log
	if len(sinks) > 0 {
		opts.History = sinks
	}
	backends := make([]server.Backend, 0, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		s, err := supervisor.New(p, opts)
		if err != nil {
			st.close()
			return nil, err
		}
		st.supervisors = append(st.supervisors, s)
		backends = append(backends, s)
		if rp := cfg.Restarts[p.Name]; rp.Schedule != "" {
			if err := st.sched.Add(scheduledRestart(s, rp.Schedule)); err != nil {
				st.close()
				return nil, err
			}
		}
	}

	routerOpts := []server.Option{server.WithLogger(log)}
	if cfg.Server.Auth.Enabled {
		svc, err := auth.NewService(cfg.Server.Auth)
		if err != nil {
			st.close()
			return nil, err
		}
		if tlsConfig == nil {
			log.Warn("control API auth is enabled without TLS; credentials travel in clear text")
		}
		routerOpts = append(routerOpts, server.WithAuth(svc))
	}
	if q, ok := sinks.FirstQuerier(); ok {
		routerOpts = append(routerOpts, server.WithHistory(q))
	}
	if cfg.Resources.Enabled {
		st.resources = metrics.NewResourceCollector(cfg.Resources, log)
		if err := st.resources.Register(reg); err != nil {
			st.close()
			return nil, fmt.Errorf("register resource metrics: %w", err)
		}
		routerOpts = append(routerOpts, server.WithResources(st.resources))
	}
	gin.SetMode(gin.ReleaseMode)
	st.router = server.NewRouter(cfg.Server.BasePath, backends, routerOpts...)
	return st, nil
}

// pids maps each profile to its live backend pid, 0 when none.
func (st *serveStack) pids() map[string]int {
	out := make(map[string]int, len(st.supervisors))
	for _, s := range st.supervisors {
		out[s.Profile().Name] = s.PID()
	}
	return out
}

// watch logs every notification until ctx ends. Crashes are handed to
// onCrash with recoverCtx, which ends when serving stops.
func (st *serveStack) watch(ctx, recoverCtx context.Context, wg *sync.WaitGroup) {
	for _, s := range st.supervisors {
		ch, unsubscribe := s.Subscribe()
		log := st.log.With("profile", s.Profile().Name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case n, ok := <-ch:
					if !ok {
						return
					}
					switch n := n.(type) {
					case supervisor.StateChanged:
						log.Info("state changed", "from", n.From, "to", n.To)
					case supervisor.Crash:
						log.Error("backend crashed", "pid", n.PID, "reason", n.Reason)
						st.onCrash(recoverCtx, s, log)
					}
				}
			}
		}()
	}
}

// run serves on ln until ctx is done, then shuts the server down and, when
// stopBackends is set, stops every backend.
func (st *serveStack) run(ctx context.Context, ln net.Listener, autoStart, stopBackends bool) error {
	defer st.close()

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	var watchers sync.WaitGroup
	st.watch(watchCtx, ctx, &watchers)
	stopWatching := func() {
		cancelWatch()
		watchers.Wait()
	}
	defer stopWatching()

	if err := st.sched.Start(ctx); err != nil {
		return err
	}

	if st.resources != nil {
		st.resources.Start(ctx, st.pids)
		defer st.resources.Stop()
	}

	srv := server.NewServer(ln.Addr().String(), st.router)
	errCh := make(chan error, 1)
	if st.tlsConfig != nil {
		srv.TLSConfig = st.tlsConfig
		go func() { errCh <- srv.ServeTLS(ln, "", "") }()
	} else {
		go func() { errCh <- srv.Serve(ln) }()
	}
	st.log.Info("control API listening", "addr", ln.Addr().String(), "tls", st.tlsConfig != nil)

	if autoStart {
		for _, s := range st.supervisors {
			go func() {
				if err := s.Start(ctx); err != nil {
					st.log.Error("autostart failed", "profile", s.Profile().Name, "error", err)
				}
			}()
		}
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	// no restarts may race the final stop; the watchers go first so no
	// crash recovery is added while recoveries is waited on
	stopWatching()
	st.sched.Stop()
	st.recoveries.Wait()
	if stopBackends {
		st.stopAll()
	}
	return serveErr
}

// stopAll stops every backend in parallel. An operation still in flight is
// given a moment to finish before the stop is retried once.
func (st *serveStack) stopAll() {
	var g errgroup.Group
	for _, s := range st.supervisors {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			err := s.Stop(ctx)
			if errors.Is(err, supervisor.ErrAlreadyInProgress) {
				time.Sleep(time.Second)
				err = s.Stop(ctx)
			}
			if err != nil {
				st.log.Warn("stop on shutdown failed", "profile", s.Profile().Name, "error", err)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		st.log.Warn("not every backend stopped cleanly", "error", err)
	}
}

func (st *serveStack) close() {
	for _, s := range st.supervisors {
		s.Close()
		s.Wait()
	}
	if err := st.sinks.Close(); err != nil {
		st.log.Warn("closing history sinks", "error", err)
	}
}

// onCrash restarts a crashed backend when its profile asks for it.
func (st *serveStack) onCrash(ctx context.Context, s *supervisor.Supervisor, log *slog.Logger) {
	name := s.Profile().Name
	rp, ok := st.restarts[name]
	if !ok || !rp.OnCrash {
		return
	}
	st.mu.Lock()
	att := st.attempts[name]
	if time.Since(att.last) > crashResetAfter {
		att.n = 0
	}
	if rp.MaxAttempts > 0 && att.n >= rp.MaxAttempts {
		st.mu.Unlock()
		log.Error("not restarting crashed backend", "attempts", att.n)
		return
	}
	att.n++
	att.last = time.Now()
	st.attempts[name] = att
	st.mu.Unlock()

	st.recoveries.Add(1)
	go func() {
		defer st.recoveries.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(rp.Delay):
		}
		log.Warn("restarting crashed backend", "attempt", att.n)
		if err := s.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error("restart after crash failed", "error", err)
		}
	}()
}

// scheduledRestart restarts the backend on schedule while it is running.
// A stopped or crashed backend is left alone.
func scheduledRestart(s *supervisor.Supervisor, schedule string) *cron.Job {
	return &cron.Job{
		Name:     "restart/" + s.Profile().Name,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			if s.Status().State != supervisor.StateRunning {
				return nil
			}
			err := s.Restart(ctx)
			if errors.Is(err, supervisor.ErrAlreadyInProgress) {
				return nil
			}
			return err
		},
	}
}
