package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ardnew/softpipe/pkg"
)

// DefaultEnvPrefix prefixes every environment override, e.g.
// SOFTPIPE_LOG_LEVEL.
const DefaultEnvPrefix = "SOFTPIPE"

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the complete softpipe configuration.
type Config struct {
	Log      LogConfig      `yaml:"log" env:"LOG"`
	Device   DeviceConfig   `yaml:"device" env:"DEVICE"`
	Pipes    []PipeConfig   `yaml:"pipes" env:"-"`
	Metrics  MetricsConfig  `yaml:"metrics" env:"METRICS"`
	Shutdown ShutdownConfig `yaml:"shutdown" env:"SHUTDOWN"`
}

// LogConfig selects log verbosity and output format.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // text, json
}

// DeviceConfig locates the transfer device.
type DeviceConfig struct {
	// Path is a usbfs node (/dev/bus/usb/BBB/DDD) or a FIFO directory.
	Path      string `yaml:"path" env:"PATH"`
	Interface uint8  `yaml:"interface" env:"INTERFACE"`

	// TransferTimeout is applied to every configured pipe. Zero keeps the
	// device default.
	TransferTimeout time.Duration `yaml:"transfer_timeout" env:"TRANSFER_TIMEOUT"`
}

// PipeConfig enables buffered reads on one IN pipe. Zero values select the
// engine defaults.
type PipeConfig struct {
	Address        uint8         `yaml:"address"`
	Mode           string        `yaml:"mode"` // stream or packet
	BufferCount    int           `yaml:"buffer_count"`
	BufferSize     int           `yaml:"buffer_size"`
	HighWaterMark  int           `yaml:"high_water_mark"`
	NotifyInterval time.Duration `yaml:"notify_interval"`
	EmptyTickLimit int           `yaml:"empty_tick_limit"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Address   string `yaml:"address" env:"ADDRESS"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// ShutdownConfig bounds teardown.
type ShutdownConfig struct {
	JoinTimeout time.Duration `yaml:"join_timeout" env:"JOIN_TIMEOUT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Address:   ":9464",
			Namespace: "softpipe",
		},
		Shutdown: ShutdownConfig{
			JoinTimeout: 500 * time.Millisecond,
		},
	}
}

// Apply configures the package logger from c.
func (c LogConfig) Apply() {
	pkg.SetLogFormat(pkg.ParseLogFormat(c.Format))
	pkg.SetLogLevel(pkg.ParseLogLevel(c.Level))
}

// =============================================================================
// Loader
// =============================================================================

// Loader builds a Config from defaults, an optional YAML file, and
// environment overrides, in that order of precedence.
type Loader struct {
	path       string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the default environment prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: DefaultEnvPrefix}
}

// WithPath sets the YAML file to read. A missing file is not an error.
func (l *Loader) WithPath(path string) *Loader {
	l.path = path
	return l
}

// WithEnvPrefix changes the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a check run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.path != "" {
		if err := l.loadFile(cfg); err != nil {
			return nil, err
		}
	}
	if err := setFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
	}

	pkg.LogDebug(pkg.ComponentConfig, "configuration loaded",
		"path", l.path, "pipes", len(cfg.Pipes))
	return cfg, nil
}

// Load reads path (if it exists) on top of the defaults and applies
// SOFTPIPE_* environment overrides.
func Load(path string) (*Config, error) {
	return NewLoader().WithPath(path).Load()
}

func (l *Loader) loadFile(cfg *Config) error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			pkg.LogDebug(pkg.ComponentConfig, "config file not found, using defaults", "path", l.path)
			return nil
		}
		return fmt.Errorf("config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config file %s: %w", l.path, err)
	}
	return nil
}

// setFromEnv walks struct fields tagged with env and overrides them from
// PREFIX_TAG variables, recursing into nested structs.
func setFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct {
			if err := setFromEnv(field, key); err != nil {
				return err
			}
			continue
		}

		value, ok := os.LookupEnv(key)
		if !ok || value == "" {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 0, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 0, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	}
	return nil
}

// =============================================================================
// Validation
// =============================================================================

// Validate reports every problem found in c.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log format %q", c.Log.Format))
	}

	seen := make(map[uint8]bool, len(c.Pipes))
	for i, p := range c.Pipes {
		switch {
		case p.Address&0x80 == 0:
			errs = append(errs, fmt.Sprintf("pipes[%d]: address 0x%02x is not an IN pipe", i, p.Address))
		case seen[p.Address]:
			errs = append(errs, fmt.Sprintf("pipes[%d]: duplicate address 0x%02x", i, p.Address))
		}
		seen[p.Address] = true

		switch strings.ToLower(strings.TrimSpace(p.Mode)) {
		case "", "stream", "packet":
		default:
			errs = append(errs, fmt.Sprintf("pipes[%d]: mode %q", i, p.Mode))
		}
		if p.BufferCount < 0 || p.BufferSize < 0 || p.HighWaterMark < 0 || p.EmptyTickLimit < 0 {
			errs = append(errs, fmt.Sprintf("pipes[%d]: negative size", i))
		}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics enabled without an address")
	}
	if c.Shutdown.JoinTimeout < 0 {
		errs = append(errs, "negative join timeout")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s: %w", strings.Join(errs, "; "), pkg.ErrInvalidArgument)
	}
	return nil
}
