package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads the Strata configuration using viper. Search order: explicit
// STRATA_CONFIG path, then ./strata.toml, then ~/.strata/config.toml.
// Environment variables override file values with a STRATA_ prefix
// (e.g. STRATA_DATABASE_PATH).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("strata")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.strata")

	v.SetEnvPrefix("STRATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return LoadWithViper(v)
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	return LoadWithViper(v)
}

// LoadWithViper loads configuration using a provided viper instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

// Default returns a Config populated with defaults only. Used by tests and
// one-shot CLI commands that do not read a config file.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	if err != nil {
		// Defaults always unmarshal; a failure here is a programming error.
		panic(err)
	}
	return cfg
}
