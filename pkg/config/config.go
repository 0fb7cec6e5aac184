// Package config provides configuration structures and loading logic for the
// trust subsystem.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable that overrides a file value.
const EnvPrefix = "POLIS_"

// Trust policy names accepted in configuration.
const (
	PolicySystem       = "system"
	PolicyPinned       = "pinned"
	PolicyKnownService = "known_service"
	PolicyEveryone     = "everyone"
)

// Config holds the global configuration.
type Config struct {
	Trust     TrustConfig     `yaml:"trust" envPrefix:"TRUST_"`
	Admission AdmissionConfig `yaml:"admission" envPrefix:"TRUST_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"OTLP_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOG_"`
}

// TrustConfig selects the trust policy applied at startup and on reload.
type TrustConfig struct {
	Policy        string     `yaml:"policy" env:"POLICY" validate:"required,oneof=system pinned known_service everyone"`
	Authority     *Authority `yaml:"authority,omitempty" envPrefix:"CA_"`
	AllowInsecure bool       `yaml:"allow_insecure" env:"ALLOW_INSECURE"`
}

// AdmissionConfig configures the Rego admission guard.
type AdmissionConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Environment string `yaml:"environment" env:"ENVIRONMENT" validate:"omitempty,max=64,printascii"`
	PolicyFile  string `yaml:"policy_file" validate:"omitempty,file"`
	Entrypoint  string `yaml:"entrypoint" validate:"omitempty,decision_path"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"ENDPOINT" validate:"omitempty,hostname_port"`
	Insecure     bool   `yaml:"insecure" env:"INSECURE"`
	ServiceName  string `yaml:"service_name" validate:"omitempty,max=128"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" env:"FORMAT" validate:"oneof=json text pretty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Trust: TrustConfig{Policy: PolicySystem},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-trust",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides overlays the POLIS_* variables that are set and non-empty.
// POLIS_TRUST_CA_FILE creates an authority when the file configured none and
// replaces any inline or vault source.
func applyEnvOverrides(cfg *Config) error {
	configured := cfg.Trust.Authority
	authority := &Authority{}
	if configured != nil {
		copied := *configured
		authority = &copied
	}
	cfg.Trust.Authority = authority

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		cfg.Trust.Authority = configured
		return fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	switch {
	case configured == nil && *authority == (Authority{}):
		cfg.Trust.Authority = nil
	case configured == nil:
		authority.Name = "env"
	}
	if configured != nil && authority.Path != configured.Path {
		authority.Inline = ""
		authority.Vault = nil
	}
	return nil
}

// Validate normalises the configuration and checks field and cross-field rules.
func (c *Config) Validate() error {
	c.Trust.Policy = strings.ToLower(strings.TrimSpace(c.Trust.Policy))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if err := validateStruct(c); err != nil {
		return err
	}

	if err := c.Trust.Validate(); err != nil {
		return fmt.Errorf("trust configuration: %w", err)
	}

	return nil
}

// Validate performs the cross-field checks of the trust section.
func (c *TrustConfig) Validate() error {
	switch c.Policy {
	case PolicyPinned:
		if c.Authority == nil {
			return fmt.Errorf("policy %q requires an authority", c.Policy)
		}
		if err := c.Authority.Validate(); err != nil {
			return err
		}
	case PolicyEveryone:
		if !c.AllowInsecure {
			return fmt.Errorf("policy %q disables certificate verification and requires allow_insecure: true", c.Policy)
		}
	}
	return nil
}
