// Package config loads vaultnode's process-level configuration: the
// vault image path, replication listen address, and host key material.
// This sits at the interface boundary spec.md §6 names; it is not a
// general settings system (spec.md §1 Non-goals).
package config

import (
	"fmt"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config mirrors the teacher's unified config shape, scoped down to the
// fields vaultnode actually needs.
type Config struct {
	Vault struct {
		Path      string `mapstructure:"path"`
		BlockSize int    `mapstructure:"block_size"`
	} `mapstructure:"vault"`

	Replication struct {
		ListenAddr  string `mapstructure:"listen_addr"`
		HostKeyPath string `mapstructure:"host_key_path"`
	} `mapstructure:"replication"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

// AppConfig holds the configuration loaded via Load.
var AppConfig Config

// Load reads vaultnode.yaml from the given directories, merging
// environment-specific overrides and environment variables prefixed
// VAULTNODE_.
func Load(configDir, env string) (*Config, error) {
	envFile := ".env"
	if configDir != "" {
		envFile = filepath.Join(configDir, ".env")
	}
	_ = godotenv.Load(envFile)

	viper.SetConfigName("vaultnode")
	if configDir != "" {
		viper.AddConfigPath(configDir)
	}
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: load vaultnode config: %w", err)
	}

	if env != "" {
		viper.SetConfigName("vaultnode." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("config: merge %s config: %w", env, err)
		}
	}

	viper.SetEnvPrefix("VAULTNODE")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &AppConfig, nil
}
