package config

import (
	"log/slog"
	"strings"
)

type Config struct {
	Version int     `toml:"version"`
	Tracker Tracker `toml:"tracker"`
	History History `toml:"history"`
	Query   Query   `toml:"query"`
	Project Project `toml:"project"`
	Logging Logging `toml:"logging"`
	Tracing Tracing `toml:"tracing"`
}

type Tracker struct {
	StrictRedefinition bool              `toml:"strict_redefinition"`
	RecordAbsentChecks *bool             `toml:"record_absent_checks"`
	Protected          []string          `toml:"protected"`
	Predefined         map[string]string `toml:"predefined"`
}

type History struct {
	Enabled    bool    `toml:"enabled"`
	Path       string  `toml:"path"`
	WriteRate  float64 `toml:"write_rate"` // snapshots per second; 0 = unlimited
	WriteBurst int     `toml:"write_burst"`
}

type Query struct {
	Include []string `toml:"include"` // Name globs; empty means all
	Exclude []string `toml:"exclude"`
}

type Project struct {
	Workers int `toml:"workers"`
}

type Logging struct {
	Level string `toml:"level"`
}

type Tracing struct {
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
}

func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// AbsentChecksEnabled reports whether conditional checks on undefined names
// are recorded. Unset means enabled.
func (t Tracker) AbsentChecksEnabled() bool {
	return t.RecordAbsentChecks == nil || *t.RecordAbsentChecks
}

// SlogLevel maps the configured level name onto slog. "trace" is below Debug.
func (l Logging) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "trace":
		return slog.Level(-8)
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
