// Package config holds application configuration: struct-tag defaults
// overlaid with an optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// ConnectTimeout bounds the transport-level dial.
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"10s"`

	// OperationTimeout, when non-zero, layers a timeout policy over queued
	// operations. Zero leaves completion entirely to the transport.
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"0s"`

	// ListenerBuffer is the per-observer event buffer capacity.
	ListenerBuffer int `yaml:"listener_buffer" default:"64"`

	// SignalBuffer is the transport signal channel capacity.
	SignalBuffer int `yaml:"signal_buffer" default:"256"`
}

// DefaultConfig returns configuration with struct-tag defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file over the defaults. A missing path returns
// defaults; a present but unreadable or invalid file is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid log_level %q in %s", cfg.LogLevel, path)
	}
	return cfg, nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}

	logger := logrus.New()
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
