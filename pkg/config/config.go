// Package config holds application configuration for the oximeter core.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultServiceUUID is the transparent-UART service the supported oximeter
// family advertises.
const DefaultServiceUUID = "49535343-fe7d-4ae5-8fa9-9fafd205e455"

// Config holds application configuration.
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"info"`
	DBPath         string        `yaml:"db_path" default:"oxi.db"`
	FallbackPath   string        `yaml:"fallback_path" default:"oxi-last-reading.yaml"`
	ServiceUUID    string        `yaml:"service_uuid" default:"49535343-fe7d-4ae5-8fa9-9fafd205e455"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	WaveformWindow int           `yaml:"waveform_window" default:"200"`
	SyncBatchLimit int           `yaml:"sync_batch_limit" default:"100"`
}

// Default returns the configuration with all defaults applied.
func Default() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	return c
}

// Load overlays the YAML file at path on top of the defaults. A missing file
// is not an error: the defaults stand.
func Load(path string) (*Config, error) {
	c := Default()

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return c, nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
