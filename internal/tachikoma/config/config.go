// Package config loads the daemon configuration file and applies
// environment overrides.
//
// The file is YAML with strict keys; unknown keys are rejected so typos
// fail at startup instead of silently falling back to defaults. Every
// field can be overridden through a TACHIKOMA_* environment variable, and
// the Matrix access token is only ever read from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Tachikoma/common/environment"
)

// Matrix holds the outbound notification settings.
type Matrix struct {
	Homeserver string
	UserID     string
	Room       string
	// Token comes exclusively from TACHIKOMA_MATRIX_TOKEN.
	Token string
}

// Enabled reports whether enough is configured to send notices.
func (m Matrix) Enabled() bool {
	return m.Homeserver != "" && m.UserID != "" && m.Room != "" && m.Token != ""
}

// GC holds the periodic sweep settings for daemon mode.
type GC struct {
	// Interval between automatic sweeps. Zero disables them.
	Interval time.Duration
	// MaxAge is the minimum resource age an automatic sweep reclaims.
	MaxAge time.Duration
}

// Config is the resolved daemon/CLI configuration.
type Config struct {
	DatabasePath      string
	LogLevel          string
	BlueprintDir      string
	DefaultBackend    string
	ReconcileInterval time.Duration
	RetryBudget       int
	HTTPAddr          string
	GC                GC
	Matrix            Matrix
	// Providers are the opaque backend configuration blocks. Each must
	// carry a "backend" key naming a registered backend; everything else
	// is validated by that backend's own schema.
	Providers []map[string]any
}

// fileConfig is the YAML shape of the configuration file. Durations are
// strings ("30s", "48h") parsed on load.
type fileConfig struct {
	DatabasePath      string `yaml:"database_path"`
	LogLevel          string `yaml:"log_level"`
	BlueprintDir      string `yaml:"blueprint_dir"`
	DefaultBackend    string `yaml:"default_backend"`
	ReconcileInterval string `yaml:"reconcile_interval"`
	RetryBudget       int    `yaml:"retry_budget"`
	HTTPAddr          string `yaml:"http_addr"`
	GC                struct {
		Interval string `yaml:"interval"`
		MaxAge   string `yaml:"max_age"`
	} `yaml:"gc"`
	Matrix struct {
		Homeserver string `yaml:"homeserver"`
		UserID     string `yaml:"user_id"`
		Room       string `yaml:"room"`
	} `yaml:"matrix"`
	Providers []map[string]any `yaml:"providers"`
}

// Default returns the built-in configuration: local backend, state under
// ~/.tachikoma.
func Default() *Config {
	stateDir := ".tachikoma"
	if home, err := os.UserHomeDir(); err == nil {
		stateDir = filepath.Join(home, ".tachikoma")
	}
	return &Config{
		DatabasePath:      filepath.Join(stateDir, "tachikoma.db"),
		LogLevel:          "info",
		DefaultBackend:    "local",
		ReconcileInterval: 30 * time.Second,
		RetryBudget:       3,
		GC:                GC{MaxAge: 48 * time.Hour},
		Providers:         []map[string]any{{"backend": "local"}},
	}
}

// Load reads the configuration file at path, applies environment
// overrides, and validates the result. An empty path skips the file and
// starts from Default; a named file that does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		var fc fileConfig
		dec := yaml.NewDecoder(strings.NewReader(string(raw)))
		dec.KnownFields(true)
		if err := dec.Decode(&fc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := cfg.applyFile(&fc); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(fc *fileConfig) error {
	if fc.DatabasePath != "" {
		c.DatabasePath = fc.DatabasePath
	}
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	if fc.BlueprintDir != "" {
		c.BlueprintDir = fc.BlueprintDir
	}
	if fc.DefaultBackend != "" {
		c.DefaultBackend = fc.DefaultBackend
	}
	if fc.RetryBudget != 0 {
		c.RetryBudget = fc.RetryBudget
	}
	if fc.HTTPAddr != "" {
		c.HTTPAddr = fc.HTTPAddr
	}
	if fc.Matrix.Homeserver != "" {
		c.Matrix.Homeserver = fc.Matrix.Homeserver
	}
	if fc.Matrix.UserID != "" {
		c.Matrix.UserID = fc.Matrix.UserID
	}
	if fc.Matrix.Room != "" {
		c.Matrix.Room = fc.Matrix.Room
	}
	if len(fc.Providers) > 0 {
		c.Providers = fc.Providers
	}

	var err error
	if c.ReconcileInterval, err = overrideDuration(fc.ReconcileInterval, c.ReconcileInterval); err != nil {
		return fmt.Errorf("reconcile_interval: %w", err)
	}
	if c.GC.Interval, err = overrideDuration(fc.GC.Interval, c.GC.Interval); err != nil {
		return fmt.Errorf("gc.interval: %w", err)
	}
	if c.GC.MaxAge, err = overrideDuration(fc.GC.MaxAge, c.GC.MaxAge); err != nil {
		return fmt.Errorf("gc.max_age: %w", err)
	}
	return nil
}

func overrideDuration(raw string, current time.Duration) (time.Duration, error) {
	if raw == "" {
		return current, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	return d, nil
}

func (c *Config) applyEnv() {
	c.DatabasePath = environment.StringOr("TACHIKOMA_DATABASE_PATH", c.DatabasePath)
	c.LogLevel = environment.StringOr("TACHIKOMA_LOG_LEVEL", c.LogLevel)
	c.BlueprintDir = environment.StringOr("TACHIKOMA_BLUEPRINT_DIR", c.BlueprintDir)
	c.DefaultBackend = environment.StringOr("TACHIKOMA_DEFAULT_BACKEND", c.DefaultBackend)
	c.ReconcileInterval = environment.DurationOr("TACHIKOMA_RECONCILE_INTERVAL", c.ReconcileInterval)
	c.RetryBudget = environment.IntOr("TACHIKOMA_RETRY_BUDGET", c.RetryBudget)
	c.HTTPAddr = environment.StringOr("TACHIKOMA_HTTP_ADDR", c.HTTPAddr)
	c.GC.Interval = environment.DurationOr("TACHIKOMA_GC_INTERVAL", c.GC.Interval)
	c.GC.MaxAge = environment.DurationOr("TACHIKOMA_GC_MAX_AGE", c.GC.MaxAge)
	c.Matrix.Homeserver = environment.StringOr("TACHIKOMA_MATRIX_HOMESERVER", c.Matrix.Homeserver)
	c.Matrix.UserID = environment.StringOr("TACHIKOMA_MATRIX_USER_ID", c.Matrix.UserID)
	c.Matrix.Room = environment.StringOr("TACHIKOMA_MATRIX_ROOM", c.Matrix.Room)
	c.Matrix.Token = environment.StringOr("TACHIKOMA_MATRIX_TOKEN", c.Matrix.Token)
}

func (c *Config) validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("reconcile_interval must not be negative")
	}
	if c.RetryBudget < 1 {
		return fmt.Errorf("retry_budget must be at least 1")
	}
	if c.GC.Interval < 0 || c.GC.MaxAge < 0 {
		return fmt.Errorf("gc intervals must not be negative")
	}

	names := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		name, ok := p["backend"].(string)
		if !ok || strings.TrimSpace(name) == "" {
			return fmt.Errorf("providers[%d] is missing the \"backend\" key", i)
		}
		if names[name] {
			return fmt.Errorf("providers[%d]: backend %q configured twice", i, name)
		}
		names[name] = true
	}
	if len(c.Providers) > 0 && !names[c.DefaultBackend] {
		return fmt.Errorf("default_backend %q has no provider block", c.DefaultBackend)
	}
	return nil
}
