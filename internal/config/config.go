// Package config handles configuration loading and validation for the indexer.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the indexer.
type Config struct {
	RPC      RPCConfig      `mapstructure:"rpc"`
	Database DatabaseConfig `mapstructure:"database"`
	Node     NodeConfig     `mapstructure:"node"`
	API      APIConfig      `mapstructure:"api"`
	Log      LogConfig      `mapstructure:"log"`
	NewRelic NewRelicConfig `mapstructure:"newrelic"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
}

// RPCConfig names the validator endpoint and the fixed addresses the poller
// reads every tick.
type RPCConfig struct {
	URL             string `mapstructure:"url"`
	ProgramID       string `mapstructure:"program_id"`
	TreasuryAddress string `mapstructure:"treasury_address"`
	BoardAddress    string `mapstructure:"board_address"`
}

// DatabaseConfig names the persisted-state DSN.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// NodeConfig bounds every individual RPC call.
type NodeConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// APIConfig defines the HTTP API server settings.
type APIConfig struct {
	Bind string `mapstructure:"bind"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// NewRelicConfig defines application performance monitoring settings.
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	LicenseKey string `mapstructure:"license_key"`
	AppName    string `mapstructure:"app_name"`
}

// ProfilingConfig defines the pprof debug server settings.
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// Load reads configuration from an optional file, then environment
// variables, applying defaults for everything not set.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/indexer")
	}

	v.SetEnvPrefix("INDEXER")
	v.AutomaticEnv()

	// RPC_URL and DATABASE_URL are the two unprefixed, directly named
	// environment variables every deployment sets.
	_ = v.BindEnv("rpc.url", "RPC_URL")
	_ = v.BindEnv("database.url", "DATABASE_URL")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.url", "sqlite://data/app.db")

	v.SetDefault("node.timeout", "10s")

	v.SetDefault("api.bind", "0.0.0.0:8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "oreboard-indexer")

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.RPC.URL == "" {
		return fmt.Errorf("rpc.url (RPC_URL) is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url (DATABASE_URL) is required")
	}
	if c.Node.Timeout <= 0 {
		return fmt.Errorf("node.timeout must be positive")
	}
	if c.NewRelic.Enabled && c.NewRelic.LicenseKey == "" {
		return fmt.Errorf("newrelic.license_key is required when newrelic is enabled")
	}
	return nil
}
