// Package config provides a reusable loader for tokenforge configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"tokenforge/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a forge or pocket daemon.
// It mirrors the structure of the YAML files Load reads (default.yaml and an
// optional <env>.yaml overlay, from config/ or the working directory).
type Config struct {
	Relay struct {
		URLs            []string `mapstructure:"urls" json:"urls"`
		LookbackSeconds int      `mapstructure:"lookback_seconds" json:"lookback_seconds"`
	} `mapstructure:"relay" json:"relay"`

	Storage struct {
		Backend string `mapstructure:"backend" json:"backend"`
		Path    string `mapstructure:"path" json:"path"`
	} `mapstructure:"storage" json:"storage"`

	Forge struct {
		OwnerPubkeyHex    string   `mapstructure:"owner_pubkey_hex" json:"owner_pubkey_hex"`
		AuthorizedForgers []string `mapstructure:"authorized_forgers" json:"authorized_forgers"`
		TotalSupply       uint64   `mapstructure:"total_supply" json:"total_supply"`
	} `mapstructure:"forge" json:"forge"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // consults process environment variables on lookup

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the TOKENFORGE_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("TOKENFORGE_ENV", ""))
}
