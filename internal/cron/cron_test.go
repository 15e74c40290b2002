package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tether/internal/logger"
)

func TestParseEvery(t *testing.T) {
	d, err := ParseEvery(" @every 1m30s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	for _, bad := range []string{"", "*/5 * * * *", "@every", "@every soon", "@every -1s", "@every 0s"} {
		_, err := ParseEvery(bad)
		assert.Error(t, err, bad)
	}
}

func TestScheduler_AddValidation(t *testing.T) {
	s := NewScheduler(logger.Discard())
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add(&Job{Schedule: "@every 1s", Run: noop}))
	assert.Error(t, s.Add(&Job{Name: "a", Schedule: "@every 1s"}))
	assert.Error(t, s.Add(&Job{Name: "a", Schedule: "daily", Run: noop}))
	require.NoError(t, s.Add(&Job{Name: "a", Schedule: "@every 1s", Run: noop}))
	assert.ErrorContains(t, s.Add(&Job{Name: "a", Schedule: "@every 2s", Run: noop}), "duplicate")
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Error(t, s.Start(context.Background()))
	assert.Error(t, s.Add(&Job{Name: "b", Schedule: "@every 1s", Run: noop}))
}

func TestScheduler_RunsJobs(t *testing.T) {
	s := NewScheduler(logger.Discard())
	var n atomic.Int32
	job := &Job{Name: "tick", Schedule: "@every 20ms", Run: func(context.Context) error {
		n.Add(1)
		return errors.New("logged, not fatal")
	}}
	require.NoError(t, s.Add(job))
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return n.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()

	after := n.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, n.Load(), "no runs after Stop")
	assert.EqualValues(t, after, job.Runs())
}

func TestScheduler_SkipsOverlappingTicks(t *testing.T) {
	s := NewScheduler(logger.Discard())
	release := make(chan struct{})
	job := &Job{Name: "slow", Schedule: "@every 10ms", Run: func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}
	require.NoError(t, s.Add(job))
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return job.Skipped() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, job.Runs())
	close(release)
	s.Stop()
}

func TestScheduler_StopCancelsRunningJob(t *testing.T) {
	s := NewScheduler(logger.Discard())
	started := make(chan struct{})
	var once atomic.Bool
	require.NoError(t, s.Add(&Job{Name: "block", Schedule: "@every 10ms", Run: func(ctx context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}}))
	require.NoError(t, s.Start(context.Background()))
	<-started

	done := make(chan struct{})
	go func() { s.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	s.Stop()
}
