package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateVersion(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version %d; supported version is 1", cfg.Version)
	}
	return nil
}

func validateTracker(cfg *Config) error {
	for i, name := range cfg.Tracker.Protected {
		if !identifierPattern.MatchString(name) {
			return fmt.Errorf("tracker.protected[%d] %q is not a valid macro name", i, name)
		}
	}
	for name := range cfg.Tracker.Predefined {
		if !identifierPattern.MatchString(name) {
			return fmt.Errorf("tracker.predefined key %q is not a valid macro name", name)
		}
		if name == "defined" {
			return fmt.Errorf("tracker.predefined must not define %q", name)
		}
	}
	return nil
}

func validateHistory(cfg *Config) error {
	if cfg.History.Enabled && strings.TrimSpace(cfg.History.Path) == "" {
		return fmt.Errorf("history.path must not be empty when history is enabled")
	}
	if cfg.History.WriteRate < 0 {
		return fmt.Errorf("history.write_rate must be >= 0, got %g", cfg.History.WriteRate)
	}
	if cfg.History.WriteBurst < 0 {
		return fmt.Errorf("history.write_burst must be >= 0, got %d", cfg.History.WriteBurst)
	}
	return nil
}

func validateQuery(cfg *Config) error {
	for field, patterns := range map[string][]string{"include": cfg.Query.Include, "exclude": cfg.Query.Exclude} {
		for i, p := range patterns {
			if strings.TrimSpace(p) == "" {
				return fmt.Errorf("query.%s[%d] must not be empty", field, i)
			}
			if _, err := glob.Compile(p); err != nil {
				return fmt.Errorf("query.%s[%d] invalid pattern %q: %w", field, i, p, err)
			}
		}
	}
	return nil
}

func validateProject(cfg *Config) error {
	if cfg.Project.Workers < 1 {
		return fmt.Errorf("project.workers must be >= 1, got %d", cfg.Project.Workers)
	}
	return nil
}

func validateLogging(cfg *Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "trace", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
}
