// Package config provides unified configuration for the code execution
// server.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (AICODEEXEC_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the code execution server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	AutoFix   AutoFixConfig   `yaml:"autofix"`
	Providers ProvidersConfig `yaml:"providers"`
	Storage   StorageConfig   `yaml:"storage"`
	Limits    LimitsConfig    `yaml:"limits"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`             // default: "" (all interfaces)
	Port            int           `yaml:"port"`             // default: 8080
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
	Auth            AuthConfig    `yaml:"auth"`
}

// AuthConfig holds authentication settings. Auth is disabled by default;
// the server is expected to sit behind a trusted frontend in that mode.
type AuthConfig struct {
	Mode         string         `yaml:"mode"`           // "none", "apikey", "jwt", default: "none"
	APIKeys      []APIKeyConfig `yaml:"api_keys"`       // key entries for mode=apikey
	JWT          JWTConfig      `yaml:"jwt"`            // settings for mode=jwt
	RateLimitRPM int            `yaml:"rate_limit_rpm"` // per-subject requests per minute, 0 disables
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key     string `yaml:"key"`
	KeyFile string `yaml:"key_file"` // _file variant for key
	Subject string `yaml:"subject"`
}

// JWTConfig holds JWT bearer validation settings.
type JWTConfig struct {
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	JWKSURL  string `yaml:"jwks_url"`
}

// SandboxConfig holds container runtime settings.
type SandboxConfig struct {
	Backend         string        `yaml:"backend"`          // "docker" or "kubernetes", default: "docker"
	Image           string        `yaml:"image"`            // default: "ai-code-executor:latest"
	CPUs            float64       `yaml:"cpus"`             // default: 2
	Memory          string        `yaml:"memory"`           // default: "8g"
	Storage         string        `yaml:"storage"`          // default: "10g"
	NetworkDisabled bool          `yaml:"network_disabled"` // default: false
	TimeoutSeconds  int           `yaml:"timeout_seconds"`  // per-unit deadline, 0 = unlimited, default: 30
	IdleTTL         time.Duration `yaml:"idle_ttl"`         // default: 2h
	ReclaimInterval time.Duration `yaml:"reclaim_interval"` // default: 10m, 0 disables the sweep

	Kubernetes KubernetesConfig `yaml:"kubernetes"`
}

// KubernetesConfig holds settings for the agent-sandbox backend.
type KubernetesConfig struct {
	Namespace    string        `yaml:"namespace"`     // default: "default"
	Template     string        `yaml:"template"`      // SandboxTemplate name, optional
	ReadyTimeout time.Duration `yaml:"ready_timeout"` // default: 2m
}

// AutoFixConfig holds the bounded repair loop settings.
type AutoFixConfig struct {
	EnabledDefault bool `yaml:"enabled_default"` // default: true
	MaxAttempts    int  `yaml:"max_attempts"`    // default: 10, 0 disables fix rounds
}

// ProvidersConfig holds AI backend settings. The default provider serves
// models no prefix rule claims.
type ProvidersConfig struct {
	Default      string         `yaml:"default"`       // "openai" or "anthropic", default: "openai"
	DefaultModel string         `yaml:"default_model"` // used when a request omits the model
	OpenAI       EndpointConfig `yaml:"openai"`
	Anthropic    EndpointConfig `yaml:"anthropic"`
	Ollama       OllamaConfig   `yaml:"ollama"`
}

// EndpointConfig describes one HTTP AI backend.
type EndpointConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	APIKeyFile string `yaml:"api_key_file"` // _file variant for api_key
}

// OllamaConfig describes a local Ollama endpoint, reached through the
// OpenAI-compatible adapter without credentials.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"` // default: "http://localhost:11434"
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	Type     string         `yaml:"type"` // "memory", "postgres", or "none", default: "memory"
	Memory   MemoryConfig   `yaml:"memory"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// MemoryConfig holds in-memory store settings.
type MemoryConfig struct {
	MaxConversations int `yaml:"max_conversations"` // default: 1000, 0 = unlimited
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`        // default: 25
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: true
}

// LimitsConfig holds request and output size ceilings.
type LimitsConfig struct {
	MaxBodyBytes     int64 `yaml:"max_body_bytes"`      // default: 10 MiB
	MaxOutputBytes   int   `yaml:"max_output_bytes"`    // default: 1 MiB
	MaxFileViewBytes int64 `yaml:"max_file_view_bytes"` // default: 1 MiB
}

// LoggingConfig holds log level and debug category settings, consumed by
// pkg/debug at startup. Environment variables override both.
type LoggingConfig struct {
	Level string `yaml:"level"` // ERROR/WARN/INFO/DEBUG/TRACE, default: INFO
	Debug string `yaml:"debug"` // comma-separated debug categories
}

// Defaults returns a Config with all default values filled in. The
// sandbox defaults mirror the settings surface: 2 CPUs, 8g memory,
// 10g storage, 30s per-unit timeout, 10 fix attempts.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
			Auth: AuthConfig{
				Mode: "none",
			},
		},
		Sandbox: SandboxConfig{
			Backend:         "docker",
			Image:           "ai-code-executor:latest",
			CPUs:            2,
			Memory:          "8g",
			Storage:         "10g",
			TimeoutSeconds:  30,
			IdleTTL:         2 * time.Hour,
			ReclaimInterval: 10 * time.Minute,
			Kubernetes: KubernetesConfig{
				Namespace:    "default",
				ReadyTimeout: 2 * time.Minute,
			},
		},
		AutoFix: AutoFixConfig{
			EnabledDefault: true,
			MaxAttempts:    10,
		},
		Providers: ProvidersConfig{
			Default: "openai",
			OpenAI: EndpointConfig{
				BaseURL: "https://api.openai.com",
			},
			Anthropic: EndpointConfig{
				BaseURL: "https://api.anthropic.com",
			},
			Ollama: OllamaConfig{
				BaseURL: "http://localhost:11434",
			},
		},
		Storage: StorageConfig{
			Type: "memory",
			Memory: MemoryConfig{
				MaxConversations: 1000,
			},
			Postgres: PostgresConfig{
				MaxConns:       25,
				MigrateOnStart: true,
			},
		},
		Limits: LimitsConfig{
			MaxBodyBytes:     10 << 20,
			MaxOutputBytes:   1 << 20,
			MaxFileViewBytes: 1 << 20,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}
