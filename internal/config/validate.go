package config

import (
	"fmt"
	"slices"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(path, format string, args ...any) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	// Gateway validation
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add("gateway.port", "port must be 0-65535, got %d", cfg.Gateway.Port)
	}

	validBinds := []string{"loopback", "lan", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		add("gateway.bind", "must be one of %v, got %q", validBinds, cfg.Gateway.Bind)
	}
	if cfg.Gateway.Bind != "" && cfg.Gateway.Bind != "loopback" && cfg.Gateway.Auth.Token == "" {
		add("gateway.auth.token", "required when bind is %q", cfg.Gateway.Bind)
	}
	if cfg.Gateway.TLS.Enabled && (cfg.Gateway.TLS.CertPath == "" || cfg.Gateway.TLS.KeyPath == "") {
		add("gateway.tls", "certPath and keyPath are required when TLS is enabled")
	}
	if cfg.Gateway.MaxMessageLen < 0 {
		add("gateway.maxMessageLen", "must be positive, got %d", cfg.Gateway.MaxMessageLen)
	}

	// Logging validation
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		add("logging.level", "must be one of %v, got %q", validLogLevels, cfg.Logging.Level)
	}
	validConsoleStyles := []string{"pretty", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		add("logging.consoleStyle", "must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle)
	}

	// Store validation
	validDrivers := []string{"sqlite", "memory"}
	if cfg.Store.Driver != "" && !slices.Contains(validDrivers, cfg.Store.Driver) {
		add("store.driver", "must be one of %v, got %q", validDrivers, cfg.Store.Driver)
	}

	if cfg.Session.IdleMinutes < 0 {
		add("session.idleMinutes", "must not be negative, got %d", cfg.Session.IdleMinutes)
	}

	// Compaction must strictly reduce the active turn count.
	c := cfg.Compaction
	if c.Threshold < 1 {
		add("compaction.threshold", "must be at least 1, got %d", c.Threshold)
	}
	if c.KeepRecent < 0 {
		add("compaction.keepRecent", "must not be negative, got %d", c.KeepRecent)
	}
	if c.KeepRecent >= c.Threshold {
		add("compaction.keepRecent", "must be less than threshold (%d), got %d", c.Threshold, c.KeepRecent)
	}
	if c.TimeoutSeconds < 0 {
		add("compaction.timeoutSeconds", "must not be negative, got %d", c.TimeoutSeconds)
	}

	// LLM validation
	validAPIs := []string{"anthropic", "gemini", "ollama"}
	for name, p := range cfg.LLM.Providers {
		path := "llm.providers." + name
		if !slices.Contains(validAPIs, p.API) {
			add(path+".api", "must be one of %v, got %q", validAPIs, p.API)
		}
		if p.Model == "" {
			add(path+".model", "model is required")
		}
		if p.APIKey == "" && p.API != "ollama" {
			add(path+".apiKey", "apiKey is required")
		}
	}
	if cfg.LLM.Primary != "" {
		if _, ok := cfg.LLM.Providers[cfg.LLM.Primary]; !ok {
			add("llm.primary", "unknown provider %q", cfg.LLM.Primary)
		}
	}
	for _, fb := range cfg.LLM.Fallbacks {
		if _, ok := cfg.LLM.Providers[fb]; !ok {
			add("llm.fallbacks", "unknown provider %q", fb)
		}
	}
	if cfg.LLM.TimeoutSeconds < 0 {
		add("llm.timeoutSeconds", "must not be negative, got %d", cfg.LLM.TimeoutSeconds)
	}

	// Reminders validation
	if cfg.Reminders.Enabled {
		if _, err := cron.ParseStandard(cfg.Reminders.Schedule); err != nil {
			add("reminders.schedule", "invalid cron expression %q: %v", cfg.Reminders.Schedule, err)
		}
	}
	if tz := cfg.Reminders.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("reminders.timezone", "unknown time zone %q", tz)
		}
	}

	return issues
}
