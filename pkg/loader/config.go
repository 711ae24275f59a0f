package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/video-system/go-video-loader/pkg/framequeue"
	"github.com/video-system/go-video-loader/pkg/prefetch"
)

// Config holds loader configuration as read from a file
type Config struct {
	Locator       string   `yaml:"locator" toml:"locator"`
	Threading     *bool    `yaml:"threading" toml:"threading"` // Default true
	Capacity      int      `yaml:"capacity" toml:"capacity"`   // Prefetch queue size (20)
	Width         int      `yaml:"width" toml:"width"`         // 0 = source width
	Height        int      `yaml:"height" toml:"height"`       // 0 = source height
	PopTimeout    Duration `yaml:"pop_timeout" toml:"pop_timeout"`
	RetryInterval Duration `yaml:"retry_interval" toml:"retry_interval"`
	LogLevel      string   `yaml:"log_level" toml:"log_level"` // debug, info, warn, error
}

// Duration is a time.Duration written as a string ("250ms", "30s")
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// LoadConfig loads configuration from a YAML file, or TOML if the file
// name ends in .toml
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.Threading == nil {
		enabled := true
		c.Threading = &enabled
	}
	if c.Capacity == 0 {
		c.Capacity = framequeue.DefaultCapacity
	}
	if c.PopTimeout == 0 {
		c.PopTimeout = Duration(DefaultPopTimeout)
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = Duration(prefetch.DefaultRetryInterval)
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Locator) == "" {
		return fmt.Errorf("config: locator is required")
	}
	if c.Capacity < 1 {
		return fmt.Errorf("config: capacity must be at least 1, got %d", c.Capacity)
	}
	if c.Width < 0 || c.Height < 0 {
		return fmt.Errorf("config: invalid size %dx%d", c.Width, c.Height)
	}
	if c.PopTimeout < 0 {
		return fmt.Errorf("config: pop_timeout must not be negative")
	}
	if c.RetryInterval < 0 {
		return fmt.Errorf("config: retry_interval must not be negative")
	}
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// Options converts the configuration to loader options. A log level gives
// the loader its own logger at that level.
func (c *Config) Options() []Option {
	var opts []Option
	if c.Threading != nil {
		opts = append(opts, WithThreading(*c.Threading))
	}
	if c.Capacity != 0 {
		opts = append(opts, WithCapacity(c.Capacity))
	}
	if c.Width != 0 || c.Height != 0 {
		opts = append(opts, WithSize(c.Width, c.Height))
	}
	if c.PopTimeout != 0 {
		opts = append(opts, WithPopTimeout(time.Duration(c.PopTimeout)))
	}
	if c.RetryInterval != 0 {
		opts = append(opts, WithRetryInterval(time.Duration(c.RetryInterval)))
	}
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil && c.LogLevel != "" {
		logger := logrus.New()
		logger.SetLevel(level)
		opts = append(opts, WithLogger(logger))
	}
	return opts
}

// NewFromConfig creates a loader from configuration, filling unset fields
// with defaults. Options given here take precedence over the configuration.
func NewFromConfig(cfg *Config, opts ...Option) (*Loader, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return New(cfg.Locator, append(cfg.Options(), opts...)...)
}
