// Package config loads and validates the opsdeck configuration from YAML,
// applies environment overrides, and supports hot reload via file watching.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for "30s"-style strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root opsdeck configuration.
type Config struct {
	// Server configures the HTTP status surface.
	Server ServerConfig `yaml:"server"`

	// Database configures the sqlite persistence layer.
	Database DatabaseConfig `yaml:"database"`

	// Orchestrator configures execution admission and concurrency.
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// Stream configures the live-output broadcaster.
	Stream StreamConfig `yaml:"stream"`

	// Aggregator configures multi-source query fan-out.
	Aggregator AggregatorConfig `yaml:"aggregator"`

	// Policy configures OPA-based submission admission.
	Policy PolicyConfig `yaml:"policy"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Integrations lists the backend plugins to register, in declaration
	// order. Declaration order breaks priority ties.
	Integrations []IntegrationConfig `yaml:"integrations" validate:"dive"`
}

// ServerConfig configures the HTTP status surface.
type ServerConfig struct {
	// ListenAddress is the bind address for the status endpoints.
	ListenAddress string `yaml:"listen_address"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the sqlite persistence layer.
type DatabaseConfig struct {
	// Path is the sqlite database file. ":memory:" is accepted for tests.
	Path string `yaml:"path" validate:"required"`

	// MaxOpenConns caps the connection pool.
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns caps idle pooled connections.
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// RetryConfig configures pre-output transport retries.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts" validate:"min=0,max=10"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

// OrchestratorConfig configures execution admission and concurrency.
type OrchestratorConfig struct {
	// Workers is the concurrency ceiling.
	Workers int `yaml:"workers" validate:"min=0,max=256"`

	// QueueSize is the bounded admission queue capacity.
	QueueSize int `yaml:"queue_size" validate:"min=0"`

	// ExecutionTimeout is the default per-execution wall-clock limit.
	ExecutionTimeout Duration `yaml:"execution_timeout"`

	// MaxTargets caps targets per submission.
	MaxTargets int `yaml:"max_targets" validate:"min=0"`

	// Retry controls transport retries before output streams.
	Retry RetryConfig `yaml:"retry"`
}

// StreamConfig configures the live-output broadcaster.
type StreamConfig struct {
	// RingSize is the per-execution replay buffer length.
	RingSize int `yaml:"ring_size" validate:"min=0"`

	// SubscriberBuffer is the per-subscriber channel depth.
	SubscriberBuffer int `yaml:"subscriber_buffer" validate:"min=0"`

	// Retention is how long finished streams stay live for late subscribers.
	Retention Duration `yaml:"retention"`
}

// AggregatorConfig configures multi-source query fan-out.
type AggregatorConfig struct {
	// SourceTimeout bounds each source query.
	SourceTimeout Duration `yaml:"source_timeout"`

	// HealthInterval is how often plugin health checks run.
	HealthInterval Duration `yaml:"health_interval"`
}

// PolicyConfig configures OPA-based submission admission.
type PolicyConfig struct {
	// Enabled turns policy evaluation on.
	Enabled bool `yaml:"enabled"`

	// Paths are .rego files or directories to load.
	Paths []string `yaml:"paths"`
}

// TelemetryConfig configures logging, tracing, and metrics.
type TelemetryConfig struct {
	Environment string `yaml:"environment"`

	Logging struct {
		Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
		Format string `yaml:"format" validate:"omitempty,oneof=console json"`
		Output string `yaml:"output"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled      bool    `yaml:"enabled"`
		Exporter     string  `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
		Endpoint     string  `yaml:"endpoint"`
		SamplingRate float64 `yaml:"sampling_rate" validate:"min=0,max=1"`
		Insecure     bool    `yaml:"insecure"`
	} `yaml:"tracing"`

	Metrics struct {
		Enabled       bool   `yaml:"enabled"`
		ListenAddress string `yaml:"listen_address"`
		Path          string `yaml:"path"`
	} `yaml:"metrics"`
}

// IntegrationConfig declares one backend plugin.
type IntegrationConfig struct {
	// Name is the unique plugin name.
	Name string `yaml:"name" validate:"required"`

	// Kind selects the plugin implementation (bolt, sshexec, puppetdb,
	// puppetserver).
	Kind string `yaml:"kind" validate:"required,oneof=bolt sshexec puppetdb puppetserver"`

	// Priority orders resolution; lower values are tried first.
	Priority int `yaml:"priority"`

	// CacheTTL is how long information query answers are cached.
	CacheTTL Duration `yaml:"cache_ttl"`

	// Breaker tunes the circuit breaker for this plugin.
	Breaker struct {
		Threshold      int      `yaml:"threshold" validate:"min=0"`
		OpenTimeout    Duration `yaml:"open_timeout"`
		MaxOpenTimeout Duration `yaml:"max_open_timeout"`
	} `yaml:"breaker"`

	// Settings carries plugin-specific options (endpoints, credentials
	// references, binary paths).
	Settings map[string]string `yaml:"settings"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.ListenAddress = ":8080"
	cfg.Server.ShutdownTimeout = Duration(30 * time.Second)
	cfg.Database.Path = "opsdeck.db"
	cfg.Orchestrator.Workers = 4
	cfg.Orchestrator.QueueSize = 64
	cfg.Orchestrator.ExecutionTimeout = Duration(10 * time.Minute)
	cfg.Orchestrator.MaxTargets = 500
	cfg.Orchestrator.Retry.MaxAttempts = 3
	cfg.Orchestrator.Retry.BaseDelay = Duration(500 * time.Millisecond)
	cfg.Orchestrator.Retry.MaxDelay = Duration(5 * time.Second)
	cfg.Stream.RingSize = 256
	cfg.Stream.SubscriberBuffer = 64
	cfg.Stream.Retention = Duration(2 * time.Minute)
	cfg.Aggregator.SourceTimeout = Duration(15 * time.Second)
	cfg.Aggregator.HealthInterval = Duration(30 * time.Second)
	cfg.Telemetry.Environment = "development"
	cfg.Telemetry.Logging.Level = "info"
	cfg.Telemetry.Logging.Format = "console"
	cfg.Telemetry.Logging.Output = "stdout"
	cfg.Telemetry.Tracing.Enabled = false
	cfg.Telemetry.Tracing.Exporter = "stdout"
	cfg.Telemetry.Tracing.SamplingRate = 1.0
	cfg.Telemetry.Metrics.Enabled = true
	cfg.Telemetry.Metrics.ListenAddress = ":9090"
	cfg.Telemetry.Metrics.Path = "/metrics"
	return cfg
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies OPSDECK_* environment variables over the file
// values. Only the commonly deployment-specific settings are overridable.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPSDECK_LISTEN_ADDRESS"); v != "" {
		cfg.Server.ListenAddress = v
	}
	if v := os.Getenv("OPSDECK_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("OPSDECK_LOG_LEVEL"); v != "" {
		cfg.Telemetry.Logging.Level = v
	}
	if v := os.Getenv("OPSDECK_LOG_FORMAT"); v != "" {
		cfg.Telemetry.Logging.Format = v
	}
	if v := os.Getenv("OPSDECK_METRICS_ADDRESS"); v != "" {
		cfg.Telemetry.Metrics.ListenAddress = v
	}
	if v := os.Getenv("OPSDECK_TRACE_ENDPOINT"); v != "" {
		cfg.Telemetry.Tracing.Endpoint = v
		cfg.Telemetry.Tracing.Enabled = true
		cfg.Telemetry.Tracing.Exporter = "otlp"
	}
}

// Validate checks the configuration for structural and semantic errors.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Integrations))
	for _, integ := range c.Integrations {
		if _, dup := seen[integ.Name]; dup {
			return fmt.Errorf("invalid configuration: duplicate integration name %q", integ.Name)
		}
		seen[integ.Name] = struct{}{}
	}

	if c.Policy.Enabled && len(c.Policy.Paths) == 0 {
		return fmt.Errorf("invalid configuration: policy enabled but no policy paths given")
	}

	return nil
}
