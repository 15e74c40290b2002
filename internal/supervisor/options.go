package supervisor

import (
	"log/slog"
	"time"

	"github.com/loykin/tether/internal/history"
)

// Options tunes a Supervisor. Zero fields take the defaults below.
type Options struct {
	StartTimeout  time.Duration `mapstructure:"start_timeout"`
	ReadyInterval time.Duration `mapstructure:"ready_interval"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
	PortRangeSize int           `mapstructure:"port_range_size"`
	Host          string        `mapstructure:"host"`
	HealthPath    string        `mapstructure:"health_path"`

	// Detached backends run in their own session and write their log file
	// directly, so they survive the supervising process.
	Detached bool `mapstructure:"detached"`

	Logger  *slog.Logger `mapstructure:"-"`
	History history.Sink `mapstructure:"-"`
}

// DefaultOptions returns the stock tunables.
func DefaultOptions() Options {
	return Options{
		StartTimeout:  30 * time.Second,
		ReadyInterval: 500 * time.Millisecond,
		PollInterval:  5 * time.Second,
		ProbeTimeout:  2 * time.Second,
		StopTimeout:   5 * time.Second,
		PortRangeSize: 100,
		Host:          "127.0.0.1",
		HealthPath:    "/health",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.StartTimeout <= 0 {
		o.StartTimeout = d.StartTimeout
	}
	if o.ReadyInterval <= 0 {
		o.ReadyInterval = d.ReadyInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = d.ProbeTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	if o.PortRangeSize <= 0 {
		o.PortRangeSize = d.PortRangeSize
	}
	if o.Host == "" {
		o.Host = d.Host
	}
	if o.HealthPath == "" {
		o.HealthPath = d.HealthPath
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
