// Package config loads the session manager configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/manager"
	"gopkg.in/yaml.v3"
)

// SubscriptionConfig is one entry of the subscriptions list.
// An empty characteristic subscribes to every characteristic of the service.
type SubscriptionConfig struct {
	Service        string `yaml:"service"`
	Characteristic string `yaml:"characteristic,omitempty"`
}

// Config holds application configuration
type Config struct {
	LogLevel     string `yaml:"log_level" default:"info"`
	OutputFormat string `yaml:"output_format" default:"table"`

	ScanMode         string        `yaml:"scan_mode" default:"duplicates"`
	EvictionInterval time.Duration `yaml:"eviction_interval" default:"10s"`
	RefreshInterval  time.Duration `yaml:"refresh_interval" default:"30s"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"30s"`
	PersistCooldown  time.Duration `yaml:"persist_cooldown" default:"30s"`

	// StorePath is the SQLite database file; empty keeps records in memory.
	StorePath   string `yaml:"store_path"`
	MetricsAddr string `yaml:"metrics_addr"`

	IdentityService        string `yaml:"identity_service" default:"180a"`
	IdentityCharacteristic string `yaml:"identity_characteristic" default:"2a25"`

	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file. Keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and fills unset keys with defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	defaults.SetDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that can only be checked after decoding.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.OutputFormat {
	case "table", "json":
	default:
		errs = append(errs, fmt.Errorf("output_format: unsupported format %q (valid: table, json)", c.OutputFormat))
	}
	if _, err := manager.ParseScanMode(c.ScanMode); err != nil {
		errs = append(errs, fmt.Errorf("scan_mode: %w", err))
	}
	if _, err := device.ValidateUUID(c.IdentityService, c.IdentityCharacteristic); err != nil {
		errs = append(errs, fmt.Errorf("identity characteristic: %w", err))
	}
	if _, err := c.GlobalSubscriptions(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// GlobalSubscriptions converts the subscriptions list.
func (c *Config) GlobalSubscriptions() ([]device.Subscription, error) {
	subs := make([]device.Subscription, 0, len(c.Subscriptions))
	for i, s := range c.Subscriptions {
		uuids := []string{s.Service}
		if strings.TrimSpace(s.Characteristic) != "" {
			uuids = append(uuids, s.Characteristic)
		}
		if _, err := device.ValidateUUID(uuids...); err != nil {
			return nil, fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
		subs = append(subs, device.NewSubscription(s.Service, s.Characteristic))
	}
	return subs, nil
}

// ManagerOptions returns the manager options described by the configuration.
// The caller supplies the transport, store, metrics and logger.
func (c *Config) ManagerOptions() (manager.Options, error) {
	mode, err := manager.ParseScanMode(c.ScanMode)
	if err != nil {
		return manager.Options{}, err
	}
	subs, err := c.GlobalSubscriptions()
	if err != nil {
		return manager.Options{}, err
	}
	return manager.Options{
		ScanMode:               mode,
		EvictionInterval:       c.EvictionInterval,
		RefreshInterval:        c.RefreshInterval,
		ConnectTimeout:         c.ConnectTimeout,
		PersistCooldown:        c.PersistCooldown,
		IdentityService:        c.IdentityService,
		IdentityCharacteristic: c.IdentityCharacteristic,
		Subscriptions:          subs,
	}, nil
}
