package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StartupMode defines how the server handles initialization failures
type StartupMode string

const (
	// StartupModeStrict fails fast on any initialization error (default)
	StartupModeStrict StartupMode = "strict"
	// StartupModeGraceful starts without optional components (tree cache), logging warnings
	StartupModeGraceful StartupMode = "graceful"
)

// DataPaths holds all data directory and file path configuration
// These paths can be overridden via environment variables
type DataPaths struct {
	// DataDir is the base data directory (AMS_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the SQLite database file path (AMS_SQLITE_PATH, default: ${DataDir}/ams.db)
	SQLitePath string `mapstructure:"sqlite_path"`
}

// Config holds all configuration for the analysis management service
type Config struct {
	StartupMode StartupMode `mapstructure:"startup_mode"`

	DataPaths DataPaths `mapstructure:"data_paths"`

	API struct {
		Port           int      `mapstructure:"port"`
		TLS            bool     `mapstructure:"tls"`
		CertFile       string   `mapstructure:"cert_file"`
		KeyFile        string   `mapstructure:"key_file"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
		TrustProxy     bool     `mapstructure:"trust_proxy"`
		// TrustedProxyNetworks limits which peers may set X-Forwarded-For
		TrustedProxyNetworks []string `mapstructure:"trusted_proxy_networks"`
		MaxBodyBytes         int64    `mapstructure:"max_body_bytes"`
		RateLimit            struct {
			RequestsPerSecond int `mapstructure:"requests_per_second"`
			Burst             int `mapstructure:"burst"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"api"`

	// Redis backs the submission tree cache
	Redis struct {
		Enabled  bool          `mapstructure:"enabled"`
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		PoolSize int           `mapstructure:"pool_size"`
		TreeTTL  time.Duration `mapstructure:"tree_ttl"`
	} `mapstructure:"redis"`

	Storage struct {
		ReferenceCacheSize int `mapstructure:"reference_cache_size"`
	} `mapstructure:"storage"`

	History struct {
		// DefaultActor is the username the admin CLI records history under
		DefaultActor string `mapstructure:"default_actor"`
	} `mapstructure:"history"`
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("startup_mode", string(StartupModeStrict))

	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "") // Empty = derive from data_dir

	viper.SetDefault("api.port", 8081)
	viper.SetDefault("api.tls", false)
	viper.SetDefault("api.cert_file", "server.crt")
	viper.SetDefault("api.key_file", "server.key")
	viper.SetDefault("api.allowed_origins", []string{"http://localhost:3000", "https://localhost:3000"})
	viper.SetDefault("api.trust_proxy", false)
	viper.SetDefault("api.trusted_proxy_networks", []string{})
	viper.SetDefault("api.max_body_bytes", 10<<20) // 10MB
	viper.SetDefault("api.rate_limit.requests_per_second", 100)
	viper.SetDefault("api.rate_limit.burst", 100)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.tree_ttl", 10*time.Minute)

	viper.SetDefault("storage.reference_cache_size", 1024)

	viper.SetDefault("history.default_actor", "admin")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv() {
	viper.SetEnvPrefix("AMS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Shorter names for the path settings
	_ = viper.BindEnv("startup_mode", "AMS_STARTUP_MODE")
	_ = viper.BindEnv("data_paths.data_dir", "AMS_DATA_DIR")
	_ = viper.BindEnv("data_paths.sqlite_path", "AMS_SQLITE_PATH")
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	config.ResolveDataPaths()

	return &config, nil
}

// ResolveDataPaths resolves all data paths, deriving from DataDir if not explicitly set
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "ams.db")
	} else if !filepath.IsAbs(c.DataPaths.SQLitePath) {
		// Relative to the current directory, not data_dir
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}

	c.DataPaths.DataDir = dataDir
}

// GetDataDir returns the resolved base data directory
func (c *Config) GetDataDir() string {
	if c.DataPaths.DataDir == "" {
		return "./data"
	}
	return c.DataPaths.DataDir
}

// GetSQLitePath returns the resolved SQLite database path
func (c *Config) GetSQLitePath() string {
	if c.DataPaths.SQLitePath == "" {
		return filepath.Join(c.GetDataDir(), "ams.db")
	}
	return c.DataPaths.SQLitePath
}

// IsGracefulMode returns true if the startup mode is graceful
func (c *Config) IsGracefulMode() bool {
	return c.StartupMode == StartupModeGraceful
}

// validateConfig validates the configuration for security and correctness
func validateConfig(config *Config) error {
	switch config.StartupMode {
	case "", StartupModeStrict, StartupModeGraceful:
	default:
		return fmt.Errorf("invalid startup_mode %q (must be %q or %q)", config.StartupMode, StartupModeStrict, StartupModeGraceful)
	}

	if config.API.Port < 1 || config.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d (must be 1-65535)", config.API.Port)
	}
	if config.API.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("api.rate_limit.requests_per_second must be positive, got %d", config.API.RateLimit.RequestsPerSecond)
	}
	if config.API.RateLimit.Burst <= 0 {
		return fmt.Errorf("api.rate_limit.burst must be positive, got %d", config.API.RateLimit.Burst)
	}
	if config.API.MaxBodyBytes <= 0 {
		return fmt.Errorf("api.max_body_bytes must be positive, got %d", config.API.MaxBodyBytes)
	}

	if config.Redis.Enabled {
		if config.Redis.Addr == "" {
			return fmt.Errorf("redis.addr cannot be empty when redis is enabled")
		}
		if config.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be positive, got %d", config.Redis.PoolSize)
		}
		if config.Redis.TreeTTL < time.Second {
			return fmt.Errorf("redis.tree_ttl must be at least 1s, got %v", config.Redis.TreeTTL)
		}
	}

	if config.Storage.ReferenceCacheSize < 1 {
		return fmt.Errorf("storage.reference_cache_size must be positive, got %d", config.Storage.ReferenceCacheSize)
	}

	// SECURITY: Enforce HTTPS in production mode
	if os.Getenv("AMS_ENV") == "production" && !config.API.TLS {
		return fmt.Errorf("CRITICAL SECURITY ERROR: TLS must be enabled for API in production (AMS_ENV=production, api.tls=false)")
	}

	return nil
}
