// Package config holds the pipeline configuration.
//
// Values are layered, later layers overriding earlier ones:
//
//  1. built-in defaults embedded from default.toml
//  2. the TOML config file, if it exists
//  3. BPF_PIPELINE_* environment variables
//  4. command-line flags, applied by the caller
//
// The TOML decoder and the environment parser only set fields that are
// present, so anything left unspecified keeps the value of the layer below.
// A config file that exists but cannot be parsed is an error.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

//go:embed default.toml
var defaultConfigTOML string

const (
	// DefaultConfigPath is read when no --config flag is given.
	DefaultConfigPath = "/etc/bpf-pipeline/config.toml"

	// EnvPrefix prefixes every environment variable read by Load.
	EnvPrefix = "BPF_PIPELINE_"
)

// Output formats.
const (
	OutputText = "text"
	OutputJSON = "json"
	OutputOTEL = "otel"
)

// Config is the top-level pipeline configuration.
type Config struct {
	Object  ObjectConfig  `toml:"object"`
	Stream  StreamConfig  `toml:"stream"`
	Output  OutputConfig  `toml:"output"`
	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
}

// ObjectConfig locates the compiled program and its event buffers.
type ObjectConfig struct {
	// Path of the compiled .bpf.o object.
	Path string `toml:"path" env:"OBJECT"`
	// Buffers names the ring buffer or perf event array maps to consume.
	Buffers []string `toml:"buffers" env:"BUFFERS" envSeparator:","`
	// PerfPages sizes per-CPU perf buffers. Ignored for ring buffers.
	PerfPages int `toml:"perf_pages" env:"PERF_PAGES"`
}

// StreamConfig tunes the polling loop.
type StreamConfig struct {
	PollInterval time.Duration `toml:"poll_interval" env:"POLL_INTERVAL"`
	BatchSize    int           `toml:"batch_size" env:"BATCH_SIZE"`
	// Duration stops the run after it elapses. Zero runs until signalled.
	Duration time.Duration `toml:"duration" env:"DURATION"`
}

// OutputConfig selects how events are rendered.
type OutputConfig struct {
	Format string `toml:"format" env:"OUTPUT"`
	// TraceID is an expression or literal for the otel trace ID.
	TraceID string `toml:"trace_id" env:"TRACE_ID"`
	// ParentID is an expression or literal for the parent span of the
	// session span.
	ParentID string `toml:"parent_id" env:"PARENT_ID"`
	// Attributes are NAME=EXPR custom attribute definitions.
	Attributes []string `toml:"attributes"`
	// EnvAttributes holds semicolon separated NAME=EXPR pairs from the
	// environment. They are evaluated before Attributes from flags.
	EnvAttributes string `toml:"-" env:"ATTRIBUTES"`
}

// LoggingConfig controls the diagnostic log.
type LoggingConfig struct {
	Level  string `toml:"level" env:"LOG_LEVEL"`
	Format string `toml:"format" env:"LOG_FORMAT"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Address to serve /metrics on. Empty disables the endpoint.
	Address string `toml:"address" env:"METRICS_ADDRESS"`
}

// Default returns the configuration embedded from default.toml.
func Default() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		panic(fmt.Sprintf("embedded default.toml: %v", err))
	}
	return cfg
}

// Load overlays the file at path and then the process environment onto
// the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := ApplyEnv(&cfg, nil); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile overlays the TOML file at path onto the defaults.
func LoadFile(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays BPF_PIPELINE_* variables onto cfg. A nil environ reads
// the process environment.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix, Environment: environ}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// CustomAttributes returns the environment attributes followed by the
// file and flag attributes.
func (c *Config) CustomAttributes() ([]CustomAttribute, error) {
	attrs, err := ParseAttributeString(c.Output.EnvAttributes)
	if err != nil {
		return nil, fmt.Errorf("%sATTRIBUTES: %w", EnvPrefix, err)
	}
	for _, s := range c.Output.Attributes {
		a, err := ParseCustomAttribute(s)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, a)
	}
	return attrs, nil
}

// Validate checks field ranges and cross-field consistency.
func (c *Config) Validate() error {
	var errs []error
	if c.Object.Path == "" {
		errs = append(errs, errors.New("object path is required"))
	}
	if len(c.Object.Buffers) == 0 {
		errs = append(errs, errors.New("at least one buffer name is required"))
	}
	if c.Object.PerfPages < 0 {
		errs = append(errs, fmt.Errorf("perf_pages must not be negative, got %d", c.Object.PerfPages))
	}
	if c.Stream.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.Stream.PollInterval))
	}
	if c.Stream.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be positive, got %d", c.Stream.BatchSize))
	}
	if c.Stream.Duration < 0 {
		errs = append(errs, fmt.Errorf("duration must not be negative, got %s", c.Stream.Duration))
	}
	if !slices.Contains([]string{OutputText, OutputJSON, OutputOTEL}, strings.ToLower(c.Output.Format)) {
		errs = append(errs, fmt.Errorf("unknown output format %q (want text, json or otel)", c.Output.Format))
	}
	if _, err := c.CustomAttributes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
