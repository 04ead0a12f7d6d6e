package config

// Package config provides a reusable loader for node configuration files
// and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"dagledger-core/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// NodeConfig is the unified configuration for a node: network tag,
// witness list, storage paths and the HTTP request-server bind address.
type NodeConfig struct {
	Network struct {
		Alt           string   `mapstructure:"alt" json:"alt"`
		Witnesses     []string `mapstructure:"witnesses" json:"witnesses"`
		ListenAddr    string   `mapstructure:"listen_addr" json:"listen_addr"`
		IsLightClient bool     `mapstructure:"is_light_client" json:"is_light_client"`
	} `mapstructure:"network" json:"network"`

	Storage struct {
		HomeDir  string `mapstructure:"home_dir" json:"home_dir"`
		WALFile  string `mapstructure:"wal_file" json:"wal_file"`
		PoolSize int    `mapstructure:"pool_size" json:"pool_size"`
	} `mapstructure:"storage" json:"storage"`

	AAEngine struct {
		GetterCacheSize int `mapstructure:"getter_cache_size" json:"getter_cache_size"`
	} `mapstructure:"aa_engine" json:"aa_engine"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig NodeConfig

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. The function uses the provided environment name to merge
// additional config files. If env is empty, only the default
// configuration is loaded.
func Load(env string) (*NodeConfig, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
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

	viper.AutomaticEnv() // reads process environment variables; no .env file is loaded

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	if err := ValidateHomeDir(AppConfig.Storage.HomeDir); err != nil {
		return nil, err
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the DAGNODE_ENV environment
// variable.
func LoadFromEnv() (*NodeConfig, error) {
	return Load(utils.EnvOrDefault("DAGNODE_ENV", ""))
}

// ValidateHomeDir enforces the environment-input rule that the
// home/config directory must be non-empty, absolute, and free of null
// bytes. Missing or invalid environment fails loudly at startup, never
// silently using a relative fallback.
func ValidateHomeDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("config: storage.home_dir must not be empty")
	}
	if strings.ContainsRune(dir, 0) {
		return fmt.Errorf("config: storage.home_dir must not contain null bytes")
	}
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("config: storage.home_dir must be an absolute path, got %q", dir)
	}
	return nil
}
