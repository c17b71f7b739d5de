package config

import "fmt"

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Default values shared by Defaults and applyDefaults.
const (
	DefaultPort              = 18790
	DefaultMaxMessageLen     = 5000
	DefaultIdleMinutes       = 30
	DefaultThreshold         = 20
	DefaultKeepRecent        = 10
	DefaultCompactionTimeout = 30
	DefaultSummaryMaxTokens  = 800
	DefaultMaxTokens         = 1024
	DefaultGenerationTimeout = 60
	DefaultReminderSchedule  = "0 9 * * *"
)

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	summaryTemp := 0.1
	return Config{
		Gateway: GatewayConfig{
			Port:          DefaultPort,
			Bind:          "loopback",
			MaxMessageLen: DefaultMaxMessageLen,
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Session: SessionConfig{
			IdleMinutes: DefaultIdleMinutes,
		},
		Compaction: CompactionConfig{
			Threshold:      DefaultThreshold,
			KeepRecent:     DefaultKeepRecent,
			TimeoutSeconds: DefaultCompactionTimeout,
			MaxTokens:      DefaultSummaryMaxTokens,
			Temperature:    &summaryTemp,
		},
		LLM: LLMConfig{
			MaxTokens:      DefaultMaxTokens,
			TimeoutSeconds: DefaultGenerationTimeout,
		},
		Reminders: RemindersConfig{
			Schedule: DefaultReminderSchedule,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}
