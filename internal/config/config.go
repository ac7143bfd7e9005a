// Package config loads server configuration from an optional YAML file
// with environment-variable overrides. Secrets (API key, private key path)
// are normally supplied through the environment.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Port           string `yaml:"port"`
	Domain         string `yaml:"domain"`
	LnBitsURL      string `yaml:"ln_bits_url"`
	LnBitsAPIKey   string `yaml:"ln_bits_api_key"`
	SatsAmount     string `yaml:"sats_amount"`
	PrivateKeyPath string `yaml:"private_key"`
	DatabaseDriver string `yaml:"database_driver"`
	DatabaseURL    string `yaml:"database_url"`
}

// Load reads the YAML file at path (missing file is fine), applies
// environment overrides and defaults, and validates that required values
// are present.
func Load(path string) (*Config, error) {
	var c Config

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config load: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("config unmarshal: %w", err)
		}
	}

	applyEnvOverrides(&c)

	if c.Port == "" {
		c.Port = "8080"
	}
	if c.DatabaseDriver == "" {
		c.DatabaseDriver = "sqlite3"
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = "donation.db"
	}

	var missing []string
	for name, value := range map[string]string{
		"DOMAIN":          c.Domain,
		"LN_BITS_URL":     c.LnBitsURL,
		"LN_BITS_API_KEY": c.LnBitsAPIKey,
		"SATS_AMOUNT":     c.SatsAmount,
		"PRIVATE_KEY":     c.PrivateKeyPath,
	} {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing configuration: %s", strings.Join(missing, ", "))
	}

	return &c, nil
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("DOMAIN"); v != "" {
		c.Domain = v
	}
	if v := os.Getenv("LN_BITS_URL"); v != "" {
		c.LnBitsURL = v
	}
	if v := os.Getenv("LN_BITS_API_KEY"); v != "" {
		c.LnBitsAPIKey = v
	}
	if v := os.Getenv("SATS_AMOUNT"); v != "" {
		c.SatsAmount = v
	}
	if v := os.Getenv("PRIVATE_KEY"); v != "" {
		c.PrivateKeyPath = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.DatabaseDriver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
}
