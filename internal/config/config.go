// Package config loads runtime configuration for the HAL remote component
// bridge: component identity, transport endpoints, heartbeat tuning, and
// the ports for the ambient REST/observability surfaces.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Component     ComponentConfig     `mapstructure:"component"`
	REST          RESTConfig          `mapstructure:"rest"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ComponentConfig struct {
	Name               string        `mapstructure:"name"`
	HalrcmdURI         string        `mapstructure:"halrcmd_uri"`
	HalrcompURI        string        `mapstructure:"halrcomp_uri"`
	HeartbeatPeriod    time.Duration `mapstructure:"heartbeat_period"`
	PingErrorThreshold int           `mapstructure:"ping_error_threshold"`
	Create             bool          `mapstructure:"create"`
	Ready              bool          `mapstructure:"ready"`
}

type RESTConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ObservabilityConfig struct {
	Port int `mapstructure:"port"`
}

// Load reads the YAML file at path, applying this package's built-in
// defaults and HALBR_-prefixed environment variable overrides.
func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	viper.SetDefault("component.name", "halremote")
	viper.SetDefault("component.halrcmd_uri", "tcp://127.0.0.1:5705")
	viper.SetDefault("component.halrcomp_uri", "tcp://127.0.0.1:5706")
	viper.SetDefault("component.heartbeat_period", "3s")
	viper.SetDefault("component.ping_error_threshold", 2)
	viper.SetDefault("component.create", true)
	viper.SetDefault("component.ready", false)

	viper.SetDefault("rest.port", 8080)
	viper.SetDefault("rest.shutdown_timeout", "10s")

	viper.SetDefault("observability.port", 8081)

	viper.AutomaticEnv()
	viper.SetEnvPrefix("HALBR")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
