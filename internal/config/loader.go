package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Load builds a Config by layering defaults, an optional YAML file, and
// environment variables. Precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if IMPACT_CONFIG is set
//  3. env (prefix IMPACT_)
func Load() (*Config, error) {
	k := koanf.New(".")

	if path := os.Getenv("IMPACT_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// IMPACT_MQTT_BROKER -> mqtt_broker, IMPACT_PEAK_THRESHOLD -> peak_threshold, ...
	envProvider := env.Provider("IMPACT_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "IMPACT_"))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	cfg := New()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
