package config

// Config is the root configuration for the companion service.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway,omitempty"`
	Logging    LoggingConfig    `yaml:"logging,omitempty"`
	Store      StoreConfig      `yaml:"store,omitempty"`
	Session    SessionConfig    `yaml:"session,omitempty"`
	Compaction CompactionConfig `yaml:"compaction,omitempty"`
	LLM        LLMConfig        `yaml:"llm,omitempty"`
	Reminders  RemindersConfig  `yaml:"reminders,omitempty"`
	Metrics    MetricsConfig    `yaml:"metrics,omitempty"`
}

// GatewayConfig controls the HTTP/WebSocket server.
type GatewayConfig struct {
	Port           int         `yaml:"port,omitempty"`
	Bind           string      `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string      `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth `yaml:"auth,omitempty"`
	TLS            GatewayTLS  `yaml:"tls,omitempty"`
	AllowedOrigins []string    `yaml:"allowedOrigins,omitempty"`
	MaxMessageLen  int         `yaml:"maxMessageLen,omitempty"`
}

// GatewayAuth configures bearer-token authentication. An empty token
// disables auth, which is only accepted on loopback binds.
type GatewayAuth struct {
	Token string `yaml:"token,omitempty"`
}

// GatewayTLS configures TLS for the gateway.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
}

// StoreConfig selects the session and record store.
type StoreConfig struct {
	Driver string `yaml:"driver,omitempty"` // "sqlite" | "memory"
	Path   string `yaml:"path,omitempty"`   // sqlite file; defaults to <data>/companion.db
}

// SessionConfig defines session manager behavior.
type SessionConfig struct {
	IdleMinutes int `yaml:"idleMinutes,omitempty"` // evict idle tenant arenas after this long
}

// CompactionConfig bounds the amount of history handed to the generator.
type CompactionConfig struct {
	Threshold      int      `yaml:"threshold,omitempty"`
	KeepRecent     int      `yaml:"keepRecent,omitempty"`
	TimeoutSeconds int      `yaml:"timeoutSeconds,omitempty"`
	MaxTokens      int      `yaml:"maxTokens,omitempty"`
	Temperature    *float64 `yaml:"temperature,omitempty"`
}

// LLMConfig configures generation and summarization providers.
type LLMConfig struct {
	Primary        string                   `yaml:"primary,omitempty"`
	Fallbacks      []string                 `yaml:"fallbacks,omitempty"`
	MaxTokens      int                      `yaml:"maxTokens,omitempty"`
	Temperature    *float64                 `yaml:"temperature,omitempty"`
	TimeoutSeconds int                      `yaml:"timeoutSeconds,omitempty"`
	Providers      map[string]ProviderEntry `yaml:"providers,omitempty"`
}

// ProviderEntry defines a single LLM provider.
type ProviderEntry struct {
	API     string `yaml:"api"` // "anthropic" | "gemini" | "ollama"
	APIKey  string `yaml:"apiKey,omitempty"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"baseUrl,omitempty"`
}

// RemindersConfig configures the visit reminder scheduler.
type RemindersConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	Schedule string `yaml:"schedule,omitempty"` // cron expression
	Timezone string `yaml:"timezone,omitempty"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}
