// Package config loads remedy.yaml and applies environment overrides.
// Every field has a working default so a missing file is not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "5m" or "2h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr        string  `yaml:"addr"`
	SubmitRate  float64 `yaml:"submit_rate"`
	SubmitBurst int     `yaml:"submit_burst"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	URL    string `yaml:"url"`
}

// WorkspaceConfig holds clone workspace settings.
type WorkspaceConfig struct {
	BaseDir      string   `yaml:"base_dir"`
	CloneTimeout Duration `yaml:"clone_timeout"`
}

// ExecConfig holds sandboxed execution settings.
type ExecConfig struct {
	Timeout          Duration `yaml:"timeout"`
	DisableIsolation bool     `yaml:"disable_isolation"`
}

// ScanConfig bounds the structural scan.
type ScanConfig struct {
	MaxFiles        int `yaml:"max_files"`
	MaxIssuesPerRun int `yaml:"max_issues_per_run"`
}

// JanitorConfig holds workspace sweep settings.
type JanitorConfig struct {
	Schedule string   `yaml:"schedule"`
	MaxAge   Duration `yaml:"max_age"`
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Exec      ExecConfig      `yaml:"exec"`
	Scan      ScanConfig      `yaml:"scan"`
	Janitor   JanitorConfig   `yaml:"janitor"`

	// PushToken is never read from the file. It comes from the
	// REMEDY_PUSH_TOKEN environment variable only, and is never logged
	// or persisted.
	PushToken string `yaml:"-"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			SubmitRate:  1,
			SubmitBurst: 5,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   ".remedy/remedy.db",
		},
		Exec: ExecConfig{
			Timeout: Duration(5 * time.Minute),
		},
		Janitor: JanitorConfig{
			Schedule: "*/30 * * * *",
			MaxAge:   Duration(2 * time.Hour),
		},
	}
}

// Load reads the YAML file at path, layered over defaults, then applies
// environment overrides. A missing file yields the defaults; a present
// but malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Store.Driver = "postgres"
		c.Store.URL = url
	}
	c.PushToken = os.Getenv("REMEDY_PUSH_TOKEN")

	c.Store.Path = expandPath(c.Store.Path)
	c.Workspace.BaseDir = expandPath(c.Workspace.BaseDir)
}

// expandPath resolves a leading "~/" against the user's home directory.
func expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.URL == "" {
		return fmt.Errorf("postgres driver requires a connection URL")
	}
	if c.Server.SubmitRate < 0 {
		return fmt.Errorf("submit_rate must not be negative")
	}
	return nil
}
