package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Transport selects the backend store implementation.
const (
	TransportHTTP = "http"
	TransportOTLP = "otlp"
)

// Config holds all tracing subsystem configuration.
type Config struct {
	Export  ExportConfig
	Timeout TimeoutConfig
	Backend BackendConfig
	Logging LogConfig

	// ShutdownTimeout bounds the final flush at Close so a slow backend
	// cannot hang process exit.
	ShutdownTimeout time.Duration
}

// ExportConfig holds queue, worker pool, and retry configuration.
type ExportConfig struct {
	MaxWorkers   int
	MaxQueueSize int
	RetryTimeout time.Duration
}

// TimeoutConfig holds trace timeout supervision configuration.
type TimeoutConfig struct {
	// TraceTimeout is the maximum lifetime of a trace before forced ERROR
	// closure. Zero disables supervision entirely.
	TraceTimeout  time.Duration
	CheckInterval time.Duration
	// IdleGrace is how long the supervisor keeps polling an empty registry
	// before stopping itself.
	IdleGrace time.Duration
}

// BackendConfig holds trace store connection configuration.
type BackendConfig struct {
	URL            string
	Token          string
	Transport      string
	Compression    bool
	RequestTimeout time.Duration
}

// LogConfig holds built-in logger configuration.
type LogConfig struct {
	Level       string
	Development bool
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Export: ExportConfig{
			MaxWorkers:   10,
			MaxQueueSize: 1000,
			RetryTimeout: 500 * time.Second,
		},
		Timeout: TimeoutConfig{
			TraceTimeout:  0, // disabled
			CheckInterval: time.Second,
			IdleGrace:     30 * time.Second,
		},
		Backend: BackendConfig{
			URL:            "http://localhost:5000",
			Transport:      TransportHTTP,
			Compression:    true,
			RequestTimeout: 30 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load resolves configuration from defaults, an optional config file named
// by FLOWTRACE_CONFIG_FILE, and FLOWTRACE_* environment variables, in that
// precedence order. Both overlays use pointer fields, so a key absent from
// the file or the environment leaves the lower-precedence value untouched.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("FLOWTRACE_CONFIG_FILE"); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := loadEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

// LoadOrDefault loads configuration, falling back to defaults on error.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Export.MaxWorkers < 1 {
		return fmt.Errorf("max export workers must be at least 1, got %d", c.Export.MaxWorkers)
	}
	if c.Export.MaxQueueSize < 1 {
		return fmt.Errorf("max queue size must be at least 1, got %d", c.Export.MaxQueueSize)
	}
	if c.Timeout.CheckInterval <= 0 {
		return fmt.Errorf("timeout check interval must be positive, got %s", c.Timeout.CheckInterval)
	}
	if c.Timeout.TraceTimeout < 0 {
		return fmt.Errorf("trace timeout cannot be negative, got %s", c.Timeout.TraceTimeout)
	}
	switch c.Backend.Transport {
	case TransportHTTP, TransportOTLP:
	default:
		return fmt.Errorf("unknown backend transport %q", c.Backend.Transport)
	}
	return nil
}

// envOverrides flattens every environment variable onto one struct so that
// envconfig resolves exactly the documented FLOWTRACE_<NAME> keys. A nested
// Config would make envconfig prepend the section name to each key and also
// accept the bare, unprefixed name as a fallback; neither is wanted. The
// split_words tag derives <NAME> from the field name, and pointer fields
// distinguish an unset variable from a zero value.
type envOverrides struct {
	MaxExportWorkers      *int           `split_words:"true"`
	MaxQueueSize          *int           `split_words:"true"`
	ExportRetryTimeout    *time.Duration `split_words:"true"`
	TraceTimeout          *time.Duration `split_words:"true"`
	TimeoutCheckInterval  *time.Duration `split_words:"true"`
	TimeoutIdleGrace      *time.Duration `split_words:"true"`
	BackendURL            *string        `split_words:"true"`
	BackendToken          *string        `split_words:"true"`
	BackendTransport      *string        `split_words:"true"`
	BackendCompression    *bool          `split_words:"true"`
	BackendRequestTimeout *time.Duration `split_words:"true"`
	LogLevel              *string        `split_words:"true"`
	LogDev                *bool          `split_words:"true"`
	ShutdownTimeout       *time.Duration `split_words:"true"`
}

// loadEnv overlays FLOWTRACE_* environment variables onto cfg.
func loadEnv(cfg *Config) error {
	var ov envOverrides
	if err := envconfig.Process("flowtrace", &ov); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}

	override(&cfg.Export.MaxWorkers, ov.MaxExportWorkers)
	override(&cfg.Export.MaxQueueSize, ov.MaxQueueSize)
	override(&cfg.Export.RetryTimeout, ov.ExportRetryTimeout)
	override(&cfg.Timeout.TraceTimeout, ov.TraceTimeout)
	override(&cfg.Timeout.CheckInterval, ov.TimeoutCheckInterval)
	override(&cfg.Timeout.IdleGrace, ov.TimeoutIdleGrace)
	override(&cfg.Backend.URL, ov.BackendURL)
	override(&cfg.Backend.Token, ov.BackendToken)
	override(&cfg.Backend.Transport, ov.BackendTransport)
	override(&cfg.Backend.Compression, ov.BackendCompression)
	override(&cfg.Backend.RequestTimeout, ov.BackendRequestTimeout)
	override(&cfg.Logging.Level, ov.LogLevel)
	override(&cfg.Logging.Development, ov.LogDev)
	override(&cfg.ShutdownTimeout, ov.ShutdownTimeout)
	return nil
}

// fileDuration accepts Go duration strings ("30s", "2m") in config files.
// go-toml has no native time.Duration support, so both file formats decode
// durations through this text unmarshaler.
type fileDuration time.Duration

func (d *fileDuration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = fileDuration(parsed)
	return nil
}

// fileConfig mirrors Config with pointer fields for the file overlay.
type fileConfig struct {
	Export          *fileExport   `yaml:"export" toml:"export"`
	Timeout         *fileTimeout  `yaml:"timeout" toml:"timeout"`
	Backend         *fileBackend  `yaml:"backend" toml:"backend"`
	Logging         *fileLogging  `yaml:"logging" toml:"logging"`
	ShutdownTimeout *fileDuration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type fileExport struct {
	MaxWorkers   *int          `yaml:"max_workers" toml:"max_workers"`
	MaxQueueSize *int          `yaml:"max_queue_size" toml:"max_queue_size"`
	RetryTimeout *fileDuration `yaml:"retry_timeout" toml:"retry_timeout"`
}

type fileTimeout struct {
	TraceTimeout  *fileDuration `yaml:"trace_timeout" toml:"trace_timeout"`
	CheckInterval *fileDuration `yaml:"check_interval" toml:"check_interval"`
	IdleGrace     *fileDuration `yaml:"idle_grace" toml:"idle_grace"`
}

type fileBackend struct {
	URL            *string       `yaml:"url" toml:"url"`
	Token          *string       `yaml:"token" toml:"token"`
	Transport      *string       `yaml:"transport" toml:"transport"`
	Compression    *bool         `yaml:"compression" toml:"compression"`
	RequestTimeout *fileDuration `yaml:"request_timeout" toml:"request_timeout"`
}

type fileLogging struct {
	Level       *string `yaml:"level" toml:"level"`
	Development *bool   `yaml:"development" toml:"development"`
}

func (f *fileConfig) apply(cfg *Config) {
	if f.Export != nil {
		override(&cfg.Export.MaxWorkers, f.Export.MaxWorkers)
		override(&cfg.Export.MaxQueueSize, f.Export.MaxQueueSize)
		overrideDuration(&cfg.Export.RetryTimeout, f.Export.RetryTimeout)
	}
	if f.Timeout != nil {
		overrideDuration(&cfg.Timeout.TraceTimeout, f.Timeout.TraceTimeout)
		overrideDuration(&cfg.Timeout.CheckInterval, f.Timeout.CheckInterval)
		overrideDuration(&cfg.Timeout.IdleGrace, f.Timeout.IdleGrace)
	}
	if f.Backend != nil {
		override(&cfg.Backend.URL, f.Backend.URL)
		override(&cfg.Backend.Token, f.Backend.Token)
		override(&cfg.Backend.Transport, f.Backend.Transport)
		override(&cfg.Backend.Compression, f.Backend.Compression)
		overrideDuration(&cfg.Backend.RequestTimeout, f.Backend.RequestTimeout)
	}
	if f.Logging != nil {
		override(&cfg.Logging.Level, f.Logging.Level)
		override(&cfg.Logging.Development, f.Logging.Development)
	}
	overrideDuration(&cfg.ShutdownTimeout, f.ShutdownTimeout)
}

// loadFile overlays a YAML or TOML file onto cfg, chosen by extension.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("failed to parse YAML config %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("failed to parse TOML config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file extension %q (want .yaml, .yml, or .toml)", filepath.Ext(path))
	}

	fc.apply(cfg)
	return nil
}

// override copies src over dst when the overlay set it.
func override[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func overrideDuration(dst *time.Duration, src *fileDuration) {
	if src != nil {
		*dst = time.Duration(*src)
	}
}
