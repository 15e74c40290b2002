// Package profile describes one isolated backend instance.
package profile

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/loykin/tether/internal/process"
)

const (
	DefaultPort     = 8080
	DefaultLogLevel = "info"

	logFileName = "backend.log"
	pidFileName = "backend.pid"
)

// Profile names a backend instance together with its data directory and the
// command that runs it. A supervisor copies the profile it is given.
type Profile struct {
	Name     string            `mapstructure:"name" json:"name"`
	BaseDir  string            `mapstructure:"base_dir" json:"base_dir"`
	Port     int               `mapstructure:"port" json:"port"`
	LogLevel string            `mapstructure:"log_level" json:"log_level"`
	LogFile  string            `mapstructure:"log_file" json:"log_file"`
	PIDFile  string            `mapstructure:"pid_file" json:"pid_file"`
	Command  string            `mapstructure:"command" json:"command"`
	Args     []string          `mapstructure:"args" json:"args"`
	WorkDir  string            `mapstructure:"work_dir" json:"work_dir"`
	Env      map[string]string `mapstructure:"env" json:"env"`
}

// New returns a profile rooted at <baseDir>/<name> with default port and
// log level.
func New(name, baseDir string) Profile {
	p := Profile{Name: name, BaseDir: baseDir}
	p.ApplyDefaults()
	return p
}

// ApplyDefaults fills unset fields. Paths derive from BaseDir and Name.
func (p *Profile) ApplyDefaults() {
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if p.LogLevel == "" {
		p.LogLevel = DefaultLogLevel
	}
	dir := p.Dir()
	if p.LogFile == "" {
		p.LogFile = filepath.Join(dir, logFileName)
	}
	if p.PIDFile == "" {
		p.PIDFile = filepath.Join(dir, pidFileName)
	}
}

// Dir is the profile's private data directory.
func (p Profile) Dir() string {
	return filepath.Join(p.BaseDir, p.Name)
}

// Validate reports the first problem that would stop the profile from being
// supervised.
func (p Profile) Validate() error {
	if !IsSafeName(p.Name) {
		return fmt.Errorf("profile %q: name must use [A-Za-z0-9._-] without '..'", p.Name)
	}
	if strings.TrimSpace(p.BaseDir) == "" {
		return fmt.Errorf("profile %q requires base_dir", p.Name)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("profile %q: port %d out of range", p.Name, p.Port)
	}
	if strings.TrimSpace(p.Command) == "" {
		return fmt.Errorf("profile %q requires command", p.Name)
	}
	if p.LogFile == "" || p.PIDFile == "" {
		return fmt.Errorf("profile %q: log_file and pid_file must be set", p.Name)
	}
	for k := range p.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("profile %q: invalid env key %q", p.Name, k)
		}
	}
	return nil
}

// IsSafeName accepts names that are usable as a single path segment.
func IsSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// ProcessSpec turns the profile into a spawn spec listening on port. PORT and
// LOG_LEVEL are injected after the profile's own env so they always win.
func (p Profile) ProcessSpec(port int) process.Spec {
	env := make([]string, 0, len(p.Env)+2)
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, fmt.Sprintf("PORT=%d", port), "LOG_LEVEL="+p.LogLevel)
	return process.Spec{
		Name:    p.Name,
		Command: p.Command,
		Args:    append([]string(nil), p.Args...),
		WorkDir: p.WorkDir,
		Env:     env,
		LogFile: p.LogFile,
		PIDFile: p.PIDFile,
		Port:    port,
	}
}
