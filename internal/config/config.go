// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads DevGodzilla's configuration from an optional YAML
// file with environment variables taking precedence, following the
// teacher's config-then-env-overlay pattern.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// LogConfig configures structured logging.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// DBConfig configures the persistent Store backend.
type DBConfig struct {
	// URL is a postgres connection string. When set, the postgres backend
	// is used; otherwise Path selects sqlite.
	URL string `yaml:"url,omitempty"`
	// Path is the sqlite database file path.
	Path string `yaml:"path,omitempty"`
	// PoolSize bounds concurrent connections against the Store.
	PoolSize int `yaml:"pool_size,omitempty"`
}

// WindmillConfig configures the external executor client.
type WindmillConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url,omitempty"`
	Token     string `yaml:"token,omitempty"`
	Workspace string `yaml:"workspace,omitempty"`
}

// QAConfig configures the quality-gate pipeline's policy defaults.
type QAConfig struct {
	MaxAutoFixAttempts int `yaml:"max_auto_fix_attempts"`
}

// OTelConfig configures tracing export, wired but not defaulted on.
type OTelConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name,omitempty"`
	ExporterOTLP   string `yaml:"exporter_otlp_endpoint,omitempty"`
	TracesSampleFraction float64 `yaml:"traces_sample_fraction,omitempty"`
}

// Config is DevGodzilla's complete runtime configuration.
type Config struct {
	Log             LogConfig      `yaml:"log"`
	DB              DBConfig       `yaml:"db"`
	APIToken        string         `yaml:"api_token,omitempty"`
	WebhookToken    string         `yaml:"webhook_token,omitempty"`
	CORSAllowOrigins []string      `yaml:"cors_allow_origins,omitempty"`
	Windmill        WindmillConfig `yaml:"windmill"`
	DefaultEngineID string         `yaml:"default_engine_id,omitempty"`
	QA              QAConfig       `yaml:"qa"`
	OTel            OTelConfig     `yaml:"otel"`
}

// Default returns a Config with sensible defaults matching the teacher's
// Default() convention.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		DB: DBConfig{
			Path:     "./devgodzilla.db",
			PoolSize: 10,
		},
		Windmill: WindmillConfig{
			Enabled:   false,
			Workspace: "devgodzilla",
		},
		DefaultEngineID: "opencode",
		QA: QAConfig{
			MaxAutoFixAttempts: 0,
		},
		OTel: OTelConfig{
			Enabled:              false,
			ServiceName:          "devgodzilla",
			TracesSampleFraction: 1.0,
		},
	}
}

// Load loads configuration from an optional YAML file, applies defaults
// to unset fields, overlays environment variables, and validates the
// result. Environment variables always take precedence over the file.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("config: failed to load %s: %w", configPath, err)
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.DB.Path == "" && c.DB.URL == "" {
		c.DB.Path = d.DB.Path
	}
	if c.DB.PoolSize == 0 {
		c.DB.PoolSize = d.DB.PoolSize
	}
	if c.Windmill.Workspace == "" {
		c.Windmill.Workspace = d.Windmill.Workspace
	}
	if c.DefaultEngineID == "" {
		c.DefaultEngineID = d.DefaultEngineID
	}
	if c.OTel.ServiceName == "" {
		c.OTel.ServiceName = d.OTel.ServiceName
	}
	if c.OTel.TracesSampleFraction == 0 {
		c.OTel.TracesSampleFraction = d.OTel.TracesSampleFraction
	}
}

// loadFromEnv overlays the DEVGODZILLA_* and OTEL_* environment variables
// named in spec.md §6.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("DEVGODZILLA_DB_URL"); v != "" {
		c.DB.URL = v
	}
	if v := os.Getenv("DEVGODZILLA_DB_PATH"); v != "" {
		c.DB.Path = v
	}
	if v := os.Getenv("DEVGODZILLA_DB_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DB.PoolSize = n
		}
	}
	if v := os.Getenv("DEVGODZILLA_API_TOKEN"); v != "" {
		c.APIToken = v
	}
	if v := os.Getenv("DEVGODZILLA_WEBHOOK_TOKEN"); v != "" {
		c.WebhookToken = v
	}
	if v := os.Getenv("DEVGODZILLA_CORS_ALLOW_ORIGINS"); v != "" {
		c.CORSAllowOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("DEVGODZILLA_WINDMILL_ENABLED"); v != "" {
		c.Windmill.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("DEVGODZILLA_WINDMILL_URL"); v != "" {
		c.Windmill.URL = v
	}
	if v := os.Getenv("DEVGODZILLA_WINDMILL_TOKEN"); v != "" {
		c.Windmill.Token = v
	}
	if v := os.Getenv("DEVGODZILLA_WINDMILL_WORKSPACE"); v != "" {
		c.Windmill.Workspace = v
	}
	if v := os.Getenv("DEVGODZILLA_DEFAULT_ENGINE_ID"); v != "" {
		c.DefaultEngineID = v
	}
	if v := os.Getenv("DEVGODZILLA_QA_MAX_AUTO_FIX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.QA.MaxAutoFixAttempts = n
		}
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.OTel.ServiceName = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.OTel.ExporterOTLP = v
		c.OTel.Enabled = true
	}
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.OTel.TracesSampleFraction = f
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.DB.URL == "" && c.DB.Path == "" {
		errs = append(errs, "db.url or db.path must be set")
	}
	if c.DB.PoolSize <= 0 {
		errs = append(errs, "db.pool_size must be positive")
	}

	if c.Windmill.Enabled && c.Windmill.URL == "" {
		errs = append(errs, "windmill.url is required when windmill.enabled is true")
	}

	if c.QA.MaxAutoFixAttempts < 0 {
		errs = append(errs, "qa.max_auto_fix_attempts must be non-negative")
	}

	if c.OTel.Enabled {
		if c.OTel.TracesSampleFraction < 0.0 || c.OTel.TracesSampleFraction > 1.0 {
			errs = append(errs, "otel.traces_sample_fraction must be between 0.0 and 1.0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

// UsesPostgres reports whether the configured backend is postgres rather
// than sqlite.
func (c *Config) UsesPostgres() bool {
	return c.DB.URL != ""
}

// DefaultTimeout is the Execution adapter's fallback wall-clock timeout
// when no per-engine override is configured (spec.md §5).
const DefaultTimeout = 900 * time.Second
