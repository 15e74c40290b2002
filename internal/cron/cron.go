// Package cron runs recurring jobs on "@every <duration>" schedules.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Job is one scheduled task. A tick that fires while the previous run of
// the same job is still going is skipped unless AllowOverlap is set.
type Job struct {
	Name         string
	Schedule     string
	Run          func(ctx context.Context) error
	AllowOverlap bool

	period  time.Duration
	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64
}

// Runs is the number of times Run has been called.
func (j *Job) Runs() int64 { return j.runs.Load() }

// Skipped counts ticks dropped because a run was still in flight.
func (j *Job) Skipped() int64 { return j.skipped.Load() }

// ParseEvery parses schedules of the form "@every <duration>".
func ParseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("unsupported schedule: %s (only @every <duration> supported)", expr)
	}
	d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(expr, "@every ")))
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, errors.New("@every duration must be > 0")
	}
	return d, nil
}

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Run == nil {
		return fmt.Errorf("cron job %s has no Run func", j.Name)
	}
	d, err := ParseEvery(j.Schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	j.period = d
	return nil
}

// Scheduler owns a set of jobs and their tickers.
type Scheduler struct {
	log  *slog.Logger
	mu   sync.Mutex
	jobs []*Job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{log: log}
}

// Add registers job. Names must be unique and jobs must be added before
// Start.
func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("duplicate cron job %s", job.Name)
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Len is the number of registered jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Start launches one ticker per job. Jobs receive a context that is
// cancelled by Stop or when ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, j *Job) {
	defer s.wg.Done()
	t := time.NewTicker(j.period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !j.running.CompareAndSwap(false, true) && !j.AllowOverlap {
				j.skipped.Add(1)
				continue
			}
			s.wg.Add(1)
			// run off the ticker goroutine so a slow job does not delay the next tick
			go func() {
				defer s.wg.Done()
				defer j.running.Store(false)
				j.runs.Add(1)
				if err := j.Run(ctx); err != nil && ctx.Err() == nil {
					s.log.Warn("cron job failed", "job", j.Name, "error", err)
				}
			}()
		}
	}
}

// Stop cancels every job and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}
