// Package config loads KIRO's runtime configuration from flags, environment
// variables, and an optional YAML file, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the static configuration shared by the demo CLIs and by
// embedders of the library. Values here configure the ambient stack
// (logging, ports, timeouts); protocol behavior itself is not configurable.
type Config struct {
	// Logging controls the zap logger built by internal/logging.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Address is the host the server listens on / the client connects to.
	Address string `mapstructure:"address" yaml:"address"`

	// Port is the TCP port used for RDMA connection-manager handshakes.
	Port int `mapstructure:"port" yaml:"port"`

	// PingTimeout bounds how long Client.Ping waits for a PONG.
	PingTimeout time.Duration `mapstructure:"ping_timeout" yaml:"ping_timeout"`

	// ShutdownTimeout bounds how long Stop/Disconnect wait for the event
	// loop to exit before giving up.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`

	// Development enables human-readable console output instead of JSON.
	Development bool `mapstructure:"development" yaml:"development"`
}

// Defaults returns the configuration used when no flags, environment
// variables, or file override a field.
func Defaults() Config {
	return Config{
		Logging: LoggingConfig{
			Level:       "info",
			Development: false,
		},
		Address:         "0.0.0.0",
		Port:            60010,
		PingTimeout:     2 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Load builds a Config from defaults, an optional config file, and
// KIRO_-prefixed environment variables, in ascending precedence. Flags
// should be bound into v by the caller (typically a cobra command) before
// Load is called.
func Load(v *viper.Viper, configFile string) (Config, error) {
	cfg := Defaults()

	v.SetEnvPrefix("KIRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", configFile, err)
		}
	}

	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.PingTimeout <= 0 {
		return Config{}, fmt.Errorf("ping_timeout must be positive")
	}

	return cfg, nil
}
