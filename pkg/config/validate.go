package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	switch c.Server.Auth.Mode {
	case "none", "apikey", "jwt":
		// valid
	default:
		errs = append(errs, fmt.Errorf("server.auth.mode must be \"none\", \"apikey\", or \"jwt\", got %q", c.Server.Auth.Mode))
	}
	if c.Server.Auth.Mode == "apikey" && len(c.Server.Auth.APIKeys) == 0 {
		errs = append(errs, fmt.Errorf("server.auth.api_keys is required when server.auth.mode is \"apikey\""))
	}
	if c.Server.Auth.Mode == "jwt" && c.Server.Auth.JWT.JWKSURL == "" {
		errs = append(errs, fmt.Errorf("server.auth.jwt.jwks_url is required when server.auth.mode is \"jwt\""))
	}

	switch c.Sandbox.Backend {
	case "docker", "kubernetes":
		// valid
	default:
		errs = append(errs, fmt.Errorf("sandbox.backend must be \"docker\" or \"kubernetes\", got %q", c.Sandbox.Backend))
	}
	if c.Sandbox.CPUs <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.cpus must be > 0, got %g", c.Sandbox.CPUs))
	}
	if c.Sandbox.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("sandbox.timeout_seconds must be >= 0, got %d", c.Sandbox.TimeoutSeconds))
	}
	if c.Sandbox.IdleTTL < 0 {
		errs = append(errs, fmt.Errorf("sandbox.idle_ttl must be >= 0, got %s", c.Sandbox.IdleTTL))
	}

	if c.AutoFix.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("autofix.max_attempts must be >= 0, got %d", c.AutoFix.MaxAttempts))
	}

	switch c.Providers.Default {
	case "openai", "anthropic", "ollama":
		// valid
	default:
		errs = append(errs, fmt.Errorf("providers.default must be \"openai\", \"anthropic\", or \"ollama\", got %q", c.Providers.Default))
	}

	switch c.Storage.Type {
	case "memory", "postgres", "none":
		// valid
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\", \"postgres\", or \"none\", got %q", c.Storage.Type))
	}
	if c.Storage.Type == "postgres" {
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
	}

	if c.Limits.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("limits.max_body_bytes must be > 0, got %d", c.Limits.MaxBodyBytes))
	}

	return errors.Join(errs...)
}
