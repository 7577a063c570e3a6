// Package config loads the daemon configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// LoggingConfig holds the configuration for the logging system.
type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"LEVEL"`
}

// Config holds the daemon configuration.
type Config struct {
	// Scrape endpoint
	Listen       string        `yaml:"listen" envconfig:"LISTEN"`
	ReadTimeout  time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`

	// Aggregation
	AggregationInterval time.Duration `yaml:"aggregation_interval" envconfig:"AGGREGATION_INTERVAL"`
	StalenessThreshold  time.Duration `yaml:"staleness_threshold" envconfig:"STALENESS_THRESHOLD"`

	// Metrics engine
	SketchAccuracy float64   `yaml:"sketch_accuracy" envconfig:"SKETCH_ACCURACY"`
	GaugePolicy    string    `yaml:"gauge_policy" envconfig:"GAUGE_POLICY"`
	BucketBounds   []float64 `yaml:"bucket_bounds" envconfig:"BUCKET_BOUNDS"`

	// Exposition
	Compression bool `yaml:"compression" envconfig:"COMPRESSION"`

	// Rate limiting of scrape clients
	RateLimitEnabled bool    `yaml:"rate_limit_enabled" envconfig:"RATE_LIMIT_ENABLED"`
	RateLimit        float64 `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	RateLimitBurst   int     `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST"`

	Logging LoggingConfig `yaml:"logging"`
}

// Load reads the configuration file at path, applies environment overrides
// with the TELEMETRY prefix (e.g. TELEMETRY_LISTEN), fills in defaults, and
// validates the result. A missing file is not an error: everything can be
// supplied through the environment.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
		}
	}

	if err := envconfig.Process("telemetry", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":9090"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.AggregationInterval == 0 {
		c.AggregationInterval = 5 * time.Second
	}
	if c.StalenessThreshold == 0 {
		c.StalenessThreshold = 10 * time.Second
	}
	if c.SketchAccuracy == 0 {
		c.SketchAccuracy = 0.01
	}
	if c.GaugePolicy == "" {
		c.GaugePolicy = "sum"
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = 10
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.SketchAccuracy <= 0 || c.SketchAccuracy >= 1 {
		return fmt.Errorf("sketch_accuracy %v out of (0, 1)", c.SketchAccuracy)
	}
	if c.AggregationInterval <= 0 {
		return fmt.Errorf("aggregation_interval must be positive, got %v", c.AggregationInterval)
	}
	if c.StalenessThreshold <= 0 {
		return fmt.Errorf("staleness_threshold must be positive, got %v", c.StalenessThreshold)
	}
	switch c.GaugePolicy {
	case "sum", "last", "max":
	default:
		return fmt.Errorf("unknown gauge_policy %q", c.GaugePolicy)
	}
	if len(c.BucketBounds) > 0 && !sort.Float64sAreSorted(c.BucketBounds) {
		return fmt.Errorf("bucket_bounds must be sorted ascending")
	}
	return nil
}
