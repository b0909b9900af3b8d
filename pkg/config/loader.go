package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, AICODEEXEC_CONFIG env,
//     ./config.yaml, /etc/ai-code-executor/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. AICODEEXEC_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/ai-code-executor/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("AICODEEXEC_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/ai-code-executor/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps environment variables to config fields. These
// mirror the env vars the original single-binary deployment used, so a
// containerized install needs no config file at all.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AICODEEXEC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AICODEEXEC_AUTH_MODE"); v != "" {
		cfg.Server.Auth.Mode = v
	}
	if v := os.Getenv("AICODEEXEC_API_KEYS"); v != "" {
		keys, err := parseAPIKeysJSON(v)
		if err == nil && len(keys) > 0 {
			cfg.Server.Auth.APIKeys = keys
		}
	}
	if v := os.Getenv("AICODEEXEC_RATE_LIMIT_RPM"); v != "" {
		if rpm, err := strconv.Atoi(v); err == nil {
			cfg.Server.Auth.RateLimitRPM = rpm
		}
	}

	if v := os.Getenv("AICODEEXEC_SANDBOX_BACKEND"); v != "" {
		cfg.Sandbox.Backend = v
	}
	if v := os.Getenv("AICODEEXEC_SANDBOX_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}
	if v := os.Getenv("DOCKER_CPUS"); v != "" {
		if cpus, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sandbox.CPUs = cpus
		}
	}
	if v := os.Getenv("DOCKER_MEMORY"); v != "" {
		cfg.Sandbox.Memory = v
	}
	if v := os.Getenv("DOCKER_STORAGE"); v != "" {
		cfg.Sandbox.Storage = v
	}
	if v := os.Getenv("DOCKER_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Sandbox.TimeoutSeconds = secs
		}
	}
	if v := os.Getenv("AICODEEXEC_IDLE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sandbox.IdleTTL = d
		}
	}

	if v := os.Getenv("AUTO_FIX_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AutoFix.MaxAttempts = n
		}
	}

	if v := os.Getenv("AICODEEXEC_DEFAULT_PROVIDER"); v != "" {
		cfg.Providers.Default = v
	}
	if v := os.Getenv("AICODEEXEC_DEFAULT_MODEL"); v != "" {
		cfg.Providers.DefaultModel = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Providers.OpenAI.BaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_BASE_URL"); v != "" {
		cfg.Providers.Anthropic.BaseURL = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		cfg.Providers.Ollama.BaseURL = v
	}

	if v := os.Getenv("AICODEEXEC_STORAGE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("AICODEEXEC_POSTGRES_DSN"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}

	if v := os.Getenv("AICODEEXEC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AICODEEXEC_DEBUG"); v != "" {
		cfg.Logging.Debug = v
	}
}

// parseAPIKeysJSON parses a JSON array of API key configurations.
func parseAPIKeysJSON(jsonStr string) ([]APIKeyConfig, error) {
	var keys []APIKeyConfig
	if err := json.Unmarshal([]byte(jsonStr), &keys); err != nil {
		return nil, fmt.Errorf("parsing API keys JSON: %w", err)
	}
	return keys, nil
}

// resolveFileReferences reads _file fields and populates the corresponding
// value fields. For each field ending in _file, if the value field is empty
// and the file field is set, the file is read, whitespace is trimmed, and
// the value field is populated.
func resolveFileReferences(cfg *Config) error {
	// providers.openai.api_key_file -> providers.openai.api_key
	if cfg.Providers.OpenAI.APIKeyFile != "" && cfg.Providers.OpenAI.APIKey == "" {
		val, err := readSecretFile(cfg.Providers.OpenAI.APIKeyFile)
		if err != nil {
			return fmt.Errorf("providers.openai.api_key_file: %w", err)
		}
		cfg.Providers.OpenAI.APIKey = val
	}

	// providers.anthropic.api_key_file -> providers.anthropic.api_key
	if cfg.Providers.Anthropic.APIKeyFile != "" && cfg.Providers.Anthropic.APIKey == "" {
		val, err := readSecretFile(cfg.Providers.Anthropic.APIKeyFile)
		if err != nil {
			return fmt.Errorf("providers.anthropic.api_key_file: %w", err)
		}
		cfg.Providers.Anthropic.APIKey = val
	}

	// storage.postgres.dsn_file -> storage.postgres.dsn
	if cfg.Storage.Postgres.DSNFile != "" && cfg.Storage.Postgres.DSN == "" {
		val, err := readSecretFile(cfg.Storage.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("storage.postgres.dsn_file: %w", err)
		}
		cfg.Storage.Postgres.DSN = val
	}

	// server.auth.api_keys[*].key_file -> server.auth.api_keys[*].key
	for i := range cfg.Server.Auth.APIKeys {
		if cfg.Server.Auth.APIKeys[i].KeyFile != "" && cfg.Server.Auth.APIKeys[i].Key == "" {
			val, err := readSecretFile(cfg.Server.Auth.APIKeys[i].KeyFile)
			if err != nil {
				return fmt.Errorf("server.auth.api_keys[%d].key_file: %w", i, err)
			}
			cfg.Server.Auth.APIKeys[i].Key = val
		}
	}

	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
