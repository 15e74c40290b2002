// Package config loads tether's TOML configuration through viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/tether/internal/auth"
	"github.com/loykin/tether/internal/cron"
	"github.com/loykin/tether/internal/env"
	"github.com/loykin/tether/internal/logger"
	"github.com/loykin/tether/internal/metrics"
	"github.com/loykin/tether/internal/profile"
	"github.com/loykin/tether/internal/supervisor"
	"github.com/loykin/tether/internal/tls"
)

// EnvPrefix is the prefix of environment variables that override scalar
// config keys, e.g. TETHER_SUPERVISOR_START_TIMEOUT=10s.
const EnvPrefix = "TETHER"

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	BaseDir    string                 `mapstructure:"base_dir"`
	Env        []string               `mapstructure:"env"`
	EnvFiles   []string               `mapstructure:"env_files"`
	Log        logger.Config          `mapstructure:"log"`
	Supervisor supervisor.Options     `mapstructure:"supervisor"`
	History    HistoryConfig          `mapstructure:"history"`
	Server     ServerConfig           `mapstructure:"server"`
	Resources  metrics.ResourceConfig `mapstructure:"resources"`
	Profiles   []ProfileConfig        `mapstructure:"profiles"`
}

// HistoryConfig lists lifecycle history sinks by DSN. DSN and DSNs are
// merged; see factory.NewSinkFromDSN for accepted schemes.
type HistoryConfig struct {
	DSN  string   `mapstructure:"dsn"`
	DSNs []string `mapstructure:"dsns"`
}

// All returns every configured DSN, DSN first.
func (h HistoryConfig) All() []string {
	var out []string
	if strings.TrimSpace(h.DSN) != "" {
		out = append(out, h.DSN)
	}
	for _, d := range h.DSNs {
		if strings.TrimSpace(d) != "" {
			out = append(out, d)
		}
	}
	return out
}

// ServerConfig configures the HTTP control API.
type ServerConfig struct {
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	TLS      tls.Options `mapstructure:"tls"`
	Auth     auth.Config `mapstructure:"auth"`
}

// ProfileConfig is one [[profiles]] entry. Env is a list of K=V pairs
// because viper folds map keys to lower case.
type ProfileConfig struct {
	Name     string   `mapstructure:"name"`
	BaseDir  string   `mapstructure:"base_dir"`
	Port     int      `mapstructure:"port"`
	LogLevel string   `mapstructure:"log_level"`
	LogFile  string   `mapstructure:"log_file"`
	PIDFile  string   `mapstructure:"pid_file"`
	Command  string   `mapstructure:"command"`
	Args     []string `mapstructure:"args"`
	WorkDir  string   `mapstructure:"work_dir"`
	Env      []string `mapstructure:"env"`

	RestartOnCrash     bool          `mapstructure:"restart_on_crash"`
	RestartDelay       time.Duration `mapstructure:"restart_delay"`
	RestartMaxAttempts int           `mapstructure:"restart_max_attempts"`
	RestartSchedule    string        `mapstructure:"restart_schedule"`
}

// RestartPolicy is what 'tether serve' does for a profile beyond plain
// supervision. The supervisor itself never restarts on its own.
type RestartPolicy struct {
	// OnCrash restarts a crashed backend after Delay, at most MaxAttempts
	// times in a row (0 means no limit).
	OnCrash     bool
	Delay       time.Duration
	MaxAttempts int
	// Schedule restarts a running backend periodically ("@every 24h").
	Schedule string
}

// Config is the loaded, validated configuration.
type Config struct {
	Path       string
	Log        logger.Config
	Supervisor supervisor.Options
	History    HistoryConfig
	Server     ServerConfig
	Resources  metrics.ResourceConfig
	Profiles   []profile.Profile
	// Restarts is keyed by profile name; profiles without a policy are absent.
	Restarts map[string]RestartPolicy
}

// DefaultBaseDir is where profile data lives when base_dir is not set.
func DefaultBaseDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".tether")
	}
	return filepath.Join(os.TempDir(), "tether")
}

func setDefaults(v *viper.Viper) {
	d := supervisor.DefaultOptions()
	v.SetDefault("base_dir", DefaultBaseDir())
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("supervisor.start_timeout", d.StartTimeout)
	v.SetDefault("supervisor.ready_interval", d.ReadyInterval)
	v.SetDefault("supervisor.poll_interval", d.PollInterval)
	v.SetDefault("supervisor.probe_timeout", d.ProbeTimeout)
	v.SetDefault("supervisor.stop_timeout", d.StopTimeout)
	v.SetDefault("supervisor.port_range_size", d.PortRangeSize)
	v.SetDefault("supervisor.host", d.Host)
	v.SetDefault("supervisor.health_path", d.HealthPath)
	v.SetDefault("supervisor.detached", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("server.listen", "127.0.0.1:7070")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.min_version", "1.3")
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.token_ttl", time.Hour)
	v.SetDefault("resources.enabled", false)
	v.SetDefault("resources.interval", 5*time.Second)
	v.SetDefault("resources.max_history", 120)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads path (when non-empty) and applies TETHER_* overrides on top of
// the defaults. An empty path yields the defaults with no profiles.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg, err := fc.build(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

func (fc FileConfig) build(cfgDir string) (*Config, error) {
	shared := make(env.Vars)
	for _, p := range fc.EnvFiles {
		if cfgDir != "" && !filepath.IsAbs(p) {
			p = filepath.Join(cfgDir, p)
		}
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			shared[k] = v
		}
	}
	for k, v := range env.Parse(fc.Env) {
		shared[k] = v
	}

	cfg := &Config{
		Log:        fc.Log,
		Supervisor: fc.Supervisor,
		History:    fc.History,
		Server:     fc.Server,
		Resources:  fc.Resources,
	}
	seen := make(map[string]bool, len(fc.Profiles))
	for _, pc := range fc.Profiles {
		p := pc.toProfile(fc.BaseDir, shared)
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate profile %q", p.Name)
		}
		seen[p.Name] = true
		cfg.Profiles = append(cfg.Profiles, p)
		rp, err := pc.restartPolicy()
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", p.Name, err)
		}
		if rp.OnCrash || rp.Schedule != "" {
			if cfg.Restarts == nil {
				cfg.Restarts = make(map[string]RestartPolicy)
			}
			cfg.Restarts[p.Name] = rp
		}
	}
	return cfg, nil
}

func (pc ProfileConfig) restartPolicy() (RestartPolicy, error) {
	rp := RestartPolicy{
		OnCrash:     pc.RestartOnCrash,
		Delay:       pc.RestartDelay,
		MaxAttempts: pc.RestartMaxAttempts,
		Schedule:    strings.TrimSpace(pc.RestartSchedule),
	}
	if rp.Delay < 0 || rp.MaxAttempts < 0 {
		return rp, fmt.Errorf("restart_delay and restart_max_attempts must not be negative")
	}
	if rp.OnCrash && rp.Delay == 0 {
		rp.Delay = time.Second
	}
	if rp.Schedule != "" {
		if _, err := cron.ParseEvery(rp.Schedule); err != nil {
			return rp, fmt.Errorf("restart_schedule: %w", err)
		}
	}
	return rp, nil
}

func (pc ProfileConfig) toProfile(baseDir string, shared env.Vars) profile.Profile {
	p := profile.Profile{
		Name:     strings.TrimSpace(pc.Name),
		BaseDir:  pc.BaseDir,
		Port:     pc.Port,
		LogLevel: pc.LogLevel,
		LogFile:  pc.LogFile,
		PIDFile:  pc.PIDFile,
		Command:  pc.Command,
		Args:     pc.Args,
		WorkDir:  pc.WorkDir,
	}
	if p.BaseDir == "" {
		p.BaseDir = baseDir
	}
	if len(shared)+len(pc.Env) > 0 {
		p.Env = make(map[string]string, len(shared)+len(pc.Env))
		for k, v := range shared {
			p.Env[k] = v
		}
		for k, v := range env.Parse(pc.Env) {
			p.Env[k] = v
		}
	}
	p.ApplyDefaults()
	return p
}

// Profile returns the named profile. With an empty name it returns the only
// profile, or an error when there are several.
func (c *Config) Profile(name string) (profile.Profile, error) {
	if name == "" {
		switch len(c.Profiles) {
		case 0:
			return profile.Profile{}, fmt.Errorf("no profiles configured")
		case 1:
			return c.Profiles[0], nil
		default:
			return profile.Profile{}, fmt.Errorf("several profiles configured (%s): choose one with --profile", strings.Join(c.ProfileNames(), ", "))
		}
	}
	for _, p := range c.Profiles {
		if p.Name == name {
			return p, nil
		}
	}
	return profile.Profile{}, fmt.Errorf("unknown profile %q", name)
}

// ProfileNames returns the configured profile names, sorted.
func (c *Config) ProfileNames() []string {
	out := make([]string, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		out = append(out, p.Name)
	}
	sort.Strings(out)
	return out
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting
// with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			if k = strings.TrimSpace(k); k != "" {
				m[k] = strings.TrimSpace(v)
			}
		}
	}
	return m, nil
}
