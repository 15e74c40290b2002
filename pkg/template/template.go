// Package template generates starter tether.toml files for common kinds of
// backends.
package template

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// TemplateType represents the type of template to generate
type TemplateType string

const (
	TypeDevBackend TemplateType = "devbackend"
	TypePython     TemplateType = "python"
	TypeNode       TemplateType = "node"
	TypeBinary     TemplateType = "binary"
)

// File mirrors the subset of tether.toml a template fills in.
type File struct {
	BaseDir    string            `toml:"base_dir,omitempty"`
	Log        LogSection        `toml:"log"`
	Supervisor SupervisorSection `toml:"supervisor"`
	Server     ServerSection     `toml:"server"`
	Profiles   []ProfileTemplate `toml:"profiles"`
}

type LogSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type SupervisorSection struct {
	StartTimeout string `toml:"start_timeout"`
	StopTimeout  string `toml:"stop_timeout"`
	HealthPath   string `toml:"health_path"`
}

type ServerSection struct {
	Listen   string `toml:"listen"`
	BasePath string `toml:"base_path"`
}

// ProfileTemplate is one generated [[profiles]] entry.
type ProfileTemplate struct {
	Name     string   `toml:"name"`
	Port     int      `toml:"port"`
	LogLevel string   `toml:"log_level,omitempty"`
	Command  string   `toml:"command"`
	Args     []string `toml:"args,omitempty"`
	WorkDir  string   `toml:"work_dir,omitempty"`
	Env      []string `toml:"env,omitempty"`
}

// Generator provides template generation functionality
type Generator struct {
	// Executable is the command used by the devbackend template, normally
	// the running tether binary.
	Executable string
}

// NewGenerator creates a new template generator
func NewGenerator(executable string) *Generator {
	if executable == "" {
		executable = "tether"
	}
	return &Generator{Executable: executable}
}

// Generate creates a profile template based on the specified type and name
func (g *Generator) Generate(templateType TemplateType, name string) (*ProfileTemplate, error) {
	if name == "" {
		name = "default"
	}
	switch templateType {
	case TypeDevBackend:
		return &ProfileTemplate{Name: name, Port: 8080, Command: g.Executable, Args: []string{"devbackend"}}, nil
	case TypePython:
		return &ProfileTemplate{
			Name:    name,
			Port:    8000,
			Command: "python",
			Args:    []string{"-m", "app"},
			WorkDir: ".",
			Env:     []string{"PYTHONUNBUFFERED=1"},
		}, nil
	case TypeNode:
		return &ProfileTemplate{
			Name:    name,
			Port:    3000,
			Command: "node",
			Args:    []string{"server.js"},
			WorkDir: ".",
			Env:     []string{"NODE_ENV=development"},
		}, nil
	case TypeBinary:
		return &ProfileTemplate{Name: name, Port: 8080, LogLevel: "info", Command: "./backend"}, nil
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: devbackend, python, node, binary)", templateType)
	}
}

// GenerateFile wraps a profile template in a complete config with the
// default sections spelled out.
func (g *Generator) GenerateFile(templateType TemplateType, name string) (*File, error) {
	p, err := g.Generate(templateType, name)
	if err != nil {
		return nil, err
	}
	return &File{
		Log:        LogSection{Level: "info", Format: "text"},
		Supervisor: SupervisorSection{StartTimeout: "30s", StopTimeout: "5s", HealthPath: "/health"},
		Server:     ServerSection{Listen: "127.0.0.1:7070", BasePath: "/api"},
		Profiles:   []ProfileTemplate{*p},
	}, nil
}

// GenerateTOML renders GenerateFile as TOML.
func (g *Generator) GenerateTOML(templateType TemplateType, name string) ([]byte, error) {
	f, err := g.GenerateFile(templateType, name)
	if err != nil {
		return nil, err
	}
	data, err := toml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return data, nil
}

// GetSupportedTypes returns a list of all supported template types
func (g *Generator) GetSupportedTypes() []string {
	return []string{string(TypeDevBackend), string(TypePython), string(TypeNode), string(TypeBinary)}
}
