package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
)

// Settings holds environment configuration.
type Settings struct {
	LogLevel   string `env:"TRACEMERGE_LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"TRACEMERGE_LOG_FORMAT" envDefault:"text"`
	AnchorExpr string `env:"TRACEMERGE_ANCHOR_EXPR" envDefault:""`
	// SerialRead decodes the guest and host traces one after the other.
	SerialRead bool `env:"TRACEMERGE_SERIAL_READ" envDefault:"false"`

	OTEL OTELConfig
}

// ParseSettings parses settings from environment variables.
func ParseSettings() (*Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	switch s.LogFormat {
	case "text", "json":
	default:
		return nil, fmt.Errorf("invalid TRACEMERGE_LOG_FORMAT %q (want text or json)", s.LogFormat)
	}
	return &s, nil
}

// BuildLogger returns the logger described by the settings. Logs go to
// stderr; stdout is left to the tool's output.
func BuildLogger(s *Settings) *slog.Logger {
	level := slog.LevelInfo
	switch s.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hOpts := &slog.HandlerOptions{Level: level}
	if s.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, hOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hOpts))
}
