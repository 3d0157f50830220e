// Package config loads server configuration from CODEX_HOME.
//
// CODEX_HOME is resolved from the environment (falling back to ~/.codex)
// and selects both the rollout root and the optional config.yaml file.
// A missing config file is not an error; missing fields take defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
)

// CLIVersion is recorded in every rollout's session meta.
const CLIVersion = "0.1.0"

const (
	envCodexHome      = "CODEX_HOME"
	configFileName    = "config.yaml"
	defaultOriginator = "codex"
	defaultModel      = "codex-default"
)

// Config carries the settings a conversation session needs.
type Config struct {
	// CodexHome is the root directory for rollouts and configuration.
	CodexHome string `yaml:"-"`

	// Model is the model identifier passed to the completer.
	Model string `yaml:"model"`

	// Cwd is the working directory recorded for new sessions.
	Cwd string `yaml:"cwd"`

	// Originator identifies the frontend that created the session.
	Originator string `yaml:"originator"`

	// Instructions are prepended to every new conversation's context.
	Instructions string `yaml:"instructions"`
}

// Overrides are caller-supplied values that take precedence over both the
// environment and the config file.
type Overrides struct {
	CodexHome string
	Cwd       string
}

// DefaultCodexHome resolves $CODEX_HOME, falling back to ~/.codex.
func DefaultCodexHome() (string, error) {
	if home := os.Getenv(envCodexHome); home != "" {
		return home, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(userHome, ".codex"), nil
}

// Load builds a Config from the environment, the optional config.yaml in
// CODEX_HOME, and the given overrides.
func Load(overrides Overrides) (*Config, error) {
	codexHome := overrides.CodexHome
	if codexHome == "" {
		var err error
		codexHome, err = DefaultCodexHome()
		if err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		CodexHome:  codexHome,
		Model:      defaultModel,
		Originator: defaultOriginator,
	}

	data, err := os.ReadFile(filepath.Join(codexHome, configFileName))
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configFileName, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", configFileName, err)
	}

	if overrides.Cwd != "" {
		cfg.Cwd = overrides.Cwd
	}
	if cfg.Cwd == "" {
		cfg.Cwd, _ = os.Getwd()
	}
	cfg.Cwd = resolveCwd(cfg.Cwd)
	if cfg.Originator == "" {
		cfg.Originator = defaultOriginator
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	return cfg, nil
}

// WithCwd returns a copy of the config with the working directory
// replaced. Relative paths resolve against the process cwd.
func (c *Config) WithCwd(dir string) *Config {
	clone := *c
	clone.Cwd = resolveCwd(dir)
	return &clone
}

func resolveCwd(dir string) string {
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	wd, err := os.Getwd()
	if err != nil {
		return dir
	}
	return filepath.Join(wd, dir)
}
