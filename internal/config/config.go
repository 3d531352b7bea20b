// Package config loads pool configuration through viper.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-lcfs/internal/types"
)

// Config holds the tunables of a pool.
type Config struct {
	TotalBlocks    uint64 `mapstructure:"total_blocks" yaml:"total_blocks" json:"total_blocks"`
	ReservePercent uint64 `mapstructure:"reserve_percent" yaml:"reserve_percent" json:"reserve_percent"`
	MaxLayers      int    `mapstructure:"max_layers" yaml:"max_layers" json:"max_layers"`
	ICacheSize     int    `mapstructure:"icache_size" yaml:"icache_size" json:"icache_size"`
	ICacheSizeMin  int    `mapstructure:"icache_size_min" yaml:"icache_size_min" json:"icache_size_min"`
	ICacheSizeMax  int    `mapstructure:"icache_size_max" yaml:"icache_size_max" json:"icache_size_max"`
	PageCacheSize  int    `mapstructure:"page_cache_size" yaml:"page_cache_size" json:"page_cache_size"`
	StatsEnabled   bool   `mapstructure:"stats_enabled" yaml:"stats_enabled" json:"stats_enabled"`
	DevicePath     string `mapstructure:"device_path" yaml:"device_path" json:"device_path"`
	StorePath      string `mapstructure:"store_path" yaml:"store_path" json:"store_path"`
	LogLevel       string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
}

var defaults = map[string]interface{}{
	"total_blocks":    65536,
	"reserve_percent": 5,
	"max_layers":      1024,
	"icache_size":     1024,
	"icache_size_min": 64,
	"icache_size_max": 4096,
	"page_cache_size": 1024,
	"stats_enabled":   true,
	"device_path":     "lcfs.img",
	"store_path":      "lcfs.db",
	"log_level":       "info",
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		TotalBlocks:    65536,
		ReservePercent: 5,
		MaxLayers:      1024,
		ICacheSize:     1024,
		ICacheSizeMin:  64,
		ICacheSizeMax:  4096,
		PageCacheSize:  1024,
		StatsEnabled:   true,
		DevicePath:     "lcfs.img",
		StorePath:      "lcfs.db",
		LogLevel:       "info",
	}
}

// Load reads configuration from path, or searches the usual locations for
// lcfs-config.yaml when path is empty. Environment variables prefixed LCFS_
// override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("lcfs-config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.lcfs")
		v.AddConfigPath("/etc/lcfs")
	}

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("LCFS")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the configuration for values the pool cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.TotalBlocks < 16:
		return fmt.Errorf("total_blocks must be at least 16, got %d", c.TotalBlocks)
	case c.ReservePercent >= 100:
		return fmt.Errorf("reserve_percent must be below 100, got %d", c.ReservePercent)
	case c.MaxLayers < 2 || c.MaxLayers > types.MaxLayers:
		return fmt.Errorf("max_layers must be between 2 and %d, got %d", types.MaxLayers, c.MaxLayers)
	case c.ICacheSizeMin <= 0 || c.ICacheSizeMin > c.ICacheSize || c.ICacheSize > c.ICacheSizeMax:
		return fmt.Errorf("icache sizes must satisfy 0 < min <= size <= max, got %d/%d/%d",
			c.ICacheSizeMin, c.ICacheSize, c.ICacheSizeMax)
	case c.PageCacheSize <= 0:
		return fmt.Errorf("page_cache_size must be positive, got %d", c.PageCacheSize)
	}
	return nil
}
