// Package config loads server configuration from environment variables and
// optional config files via viper.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the server configuration.
type Config struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	MCPAddr         string        `mapstructure:"mcp_addr"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	InactivityTTL   time.Duration `mapstructure:"inactivity_ttl"`
	WorkflowTimeout time.Duration `mapstructure:"workflow_timeout"`
	ErrorRingSize   int           `mapstructure:"error_ring_size"`
	GlobalRingSize  int           `mapstructure:"global_ring_size"`
}

// Load reads configuration with STEPFLOW_* env overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("mcp_addr", ":8081")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("sweep_interval", 5*time.Second)
	v.SetDefault("inactivity_ttl", time.Hour)
	v.SetDefault("workflow_timeout", time.Duration(0))
	v.SetDefault("error_ring_size", 100)
	v.SetDefault("global_ring_size", 1000)

	v.SetEnvPrefix("STEPFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("stepflow")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/stepflow")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
