package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Port int `mapstructure:"PORT"`

	// Database configuration
	DBPath         string `mapstructure:"DB_PATH"`
	AutoUpdate     bool   `mapstructure:"AUTO_UPDATE"`
	UpdateInterval string `mapstructure:"UPDATE_INTERVAL"`

	// Cache configuration
	CacheEnabled    bool          `mapstructure:"CACHE_ENABLED"`
	CacheTTL        time.Duration `mapstructure:"CACHE_TTL"`
	CacheMaxEntries int           `mapstructure:"CACHE_MAX_ENTRIES"`

	// Resolver configuration
	ResolveTimeout time.Duration `mapstructure:"RESOLVE_TIMEOUT"`

	// Logging configuration
	LogLevel string `mapstructure:"LOG_LEVEL"`
}

// LoadConfig loads configuration from environment variables with defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetDefault("PORT", 8080)
	v.SetDefault("DB_PATH", "./data")
	v.SetDefault("AUTO_UPDATE", true)
	v.SetDefault("UPDATE_INTERVAL", "0 4 * * *") // Daily at 04:00
	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CACHE_TTL", time.Hour)
	v.SetDefault("CACHE_MAX_ENTRIES", 10000)
	v.SetDefault("RESOLVE_TIMEOUT", 5*time.Second)
	v.SetDefault("LOG_LEVEL", "info")

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return &cfg, nil
}
