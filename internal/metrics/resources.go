package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is one CPU/memory reading of a supervised backend.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig controls backend resource sampling.
type ResourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ResourceCollector periodically samples the backends' pids via gopsutil and
// exports per-profile gauges. It keeps a bounded history per profile.
type ResourceCollector struct {
	interval   time.Duration
	maxHistory int
	log        *slog.Logger

	mu      sync.RWMutex
	history map[string][]ResourceSample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpu     *prometheus.GaugeVec
	mem     *prometheus.GaugeVec
	threads *prometheus.GaugeVec
	fds     *prometheus.GaugeVec
}

func NewResourceCollector(cfg ResourceConfig, log *slog.Logger) *ResourceCollector {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 120
	}
	if log == nil {
		log = slog.Default()
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tether",
			Subsystem: "backend",
			Name:      name,
			Help:      help,
		}, []string{"profile"})
	}
	return &ResourceCollector{
		interval:   cfg.Interval,
		maxHistory: cfg.MaxHistory,
		log:        log.With("component", "resources"),
		history:    make(map[string][]ResourceSample),
		stopCh:     make(chan struct{}),
		cpu:        gauge("cpu_percent", "CPU usage of the backend process."),
		mem:        gauge("memory_mb", "Resident memory of the backend process in MB."),
		threads:    gauge("num_threads", "Thread count of the backend process."),
		fds:        gauge("num_fds", "Open file descriptors of the backend process (Unix only)."),
	}
}

// Register registers the collector's gauges, ignoring duplicates.
func (c *ResourceCollector) Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{c.cpu, c.mem, c.threads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.fds)
	}
	for _, col := range cs {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pids() every interval until ctx is done or Stop is called.
// pids maps profile name to the live backend pid (0 when not running).
func (c *ResourceCollector) Start(ctx context.Context, pids func() map[string]int) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(pids())
			}
		}
	}()
}

// Stop ends sampling and waits for the sampling goroutine.
func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every profile with a positive pid and drops
// gauges and history of profiles that are no longer running.
func (c *ResourceCollector) Collect(pids map[string]int) {
	now := time.Now()
	for profile, pid := range pids {
		if pid <= 0 {
			c.forget(profile)
			continue
		}
		s, err := Sample(int32(pid), now)
		if err != nil {
			c.log.Debug("resource sample failed", "profile", profile, "pid", pid, "error", err)
			c.forget(profile)
			continue
		}
		c.cpu.WithLabelValues(profile).Set(s.CPUPercent)
		c.mem.WithLabelValues(profile).Set(s.MemoryMB)
		c.threads.WithLabelValues(profile).Set(float64(s.NumThreads))
		if runtime.GOOS != "windows" {
			c.fds.WithLabelValues(profile).Set(float64(s.NumFDs))
		}
		c.record(profile, s)
	}
}

// Latest returns the most recent sample for profile.
func (c *ResourceCollector) Latest(profile string) (ResourceSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.history[profile]
	if len(h) == 0 {
		return ResourceSample{}, false
	}
	return h[len(h)-1], true
}

// History returns a copy of the retained samples for profile, oldest first.
func (c *ResourceCollector) History(profile string) []ResourceSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ResourceSample(nil), c.history[profile]...)
}

func (c *ResourceCollector) record(profile string, s ResourceSample) {
	c.mu.Lock()
	h := append(c.history[profile], s)
	if len(h) > c.maxHistory {
		h = h[len(h)-c.maxHistory:]
	}
	c.history[profile] = h
	c.mu.Unlock()
}

func (c *ResourceCollector) forget(profile string) {
	c.mu.Lock()
	delete(c.history, profile)
	c.mu.Unlock()
	c.cpu.DeleteLabelValues(profile)
	c.mem.DeleteLabelValues(profile)
	c.threads.DeleteLabelValues(profile)
	c.fds.DeleteLabelValues(profile)
}

// Sample reads CPU, memory, thread and fd counts for pid.
func Sample(pid int32, at time.Time) (ResourceSample, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("open process %d: %w", pid, err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("memory info: %w", err)
	}
	s := ResourceSample{PID: pid, MemoryMB: float64(mem.RSS) / 1024 / 1024, Timestamp: at}
	if cpu, err := p.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDs(); err == nil {
			s.NumFDs = n
		}
	}
	return s, nil
}
