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

// Package log provides the structured logger used across the core. Every
// component logs through slog with a small set of standard field keys so
// log lines stay greppable across Store, Bus, Orchestrator and friends.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format is the log output encoding.
type Format string

const (
	// FormatJSON outputs machine-parseable JSON lines. Default.
	FormatJSON Format = "json"
	// FormatText outputs human-readable text, useful for local development.
	FormatText Format = "text"
)

// LevelTrace is more verbose than Debug; used for engine stdin/stdout
// payload tracing in the execution adapter.
const LevelTrace = slog.Level(-8)

// Standard field keys, shared across every package that logs.
const (
	ProjectIDKey      = "project_id"
	ProtocolRunIDKey  = "protocol_run_id"
	StepRunIDKey      = "step_run_id"
	JobRunIDKey       = "job_run_id"
	EventTypeKey      = "event_type"
	EngineIDKey       = "engine_id"
	GateIDKey         = "gate_id"
	VerdictKey        = "verdict"
	DurationKey       = "duration_ms"
	WindmillJobIDKey  = "windmill_job_id"
	CorrelationIDKey  = "correlation_id"
)

// Config holds logger construction options.
type Config struct {
	Level     string
	Format    Format
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns sensible defaults: info level, JSON, stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// FromEnv builds a Config from the environment:
//   - DEVGODZILLA_DEBUG: true/1 forces debug level + source info
//   - DEVGODZILLA_LOG_LEVEL / LOG_LEVEL: trace, debug, info, warn, error
//   - DEVGODZILLA_LOG_FORMAT / LOG_FORMAT: json, text
//   - DEVGODZILLA_LOG_SOURCE: 1 enables source file/line
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := os.Getenv("DEVGODZILLA_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	}

	if debug == "" {
		if level := firstNonEmpty(os.Getenv("DEVGODZILLA_LOG_LEVEL"), os.Getenv("LOG_LEVEL")); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}

	if format := firstNonEmpty(os.Getenv("DEVGODZILLA_LOG_FORMAT"), os.Getenv("LOG_FORMAT")); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	if os.Getenv("DEVGODZILLA_LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}

	return cfg
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// New builds a structured logger from cfg. A nil cfg uses DefaultConfig.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithProtocol returns logger annotated with protocol run context.
func WithProtocol(logger *slog.Logger, projectID, protocolRunID int64) *slog.Logger {
	return logger.With(slog.Int64(ProjectIDKey, projectID), slog.Int64(ProtocolRunIDKey, protocolRunID))
}

// WithStep returns logger annotated with step run context.
func WithStep(logger *slog.Logger, protocolRunID, stepRunID int64) *slog.Logger {
	return logger.With(slog.Int64(ProtocolRunIDKey, protocolRunID), slog.Int64(StepRunIDKey, stepRunID))
}

// Error creates an error attribute.
func Error(err error) slog.Attr { return slog.Any("error", err) }

// Duration creates a millisecond-duration attribute.
func Duration(ms int64) slog.Attr { return slog.Int64(DurationKey, ms) }
