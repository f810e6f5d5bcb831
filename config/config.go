// Package config loads the runtime configuration from YAML with environment
// variable overrides. Precedence: defaults, then file, then environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/serveflow/queue"
)

// Config is the complete runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Queue     QueueConfig     `yaml:"queue"`
	Redis     RedisConfig     `yaml:"redis"`
	Worker    WorkerConfig    `yaml:"worker"`
	Models    []ModelConfig   `yaml:"models"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig configures the optional JWT bearer authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
	Issuer  string `yaml:"issuer"`
}

// QueueConfig selects the job queue backend. Backend is "memory" or "redis".
type QueueConfig struct {
	Backend string `yaml:"backend"`
}

// RedisConfig configures the Redis-backed queue.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// WorkerConfig configures worker connectivity.
type WorkerConfig struct {
	// Endpoint is the websocket URL template workers listen on; the model
	// name is appended as a query parameter.
	Endpoint    string        `yaml:"endpoint"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ModelConfig describes one model served at startup.
type ModelConfig struct {
	Name          string        `yaml:"name"`
	Device        string        `yaml:"device"`
	MinWorkers    int           `yaml:"min_workers"`
	BatchSize     int           `yaml:"batch_size"`
	MaxBatchDelay time.Duration `yaml:"max_batch_delay"`
	QueueCapacity int           `yaml:"queue_capacity"`
	RateLimit     float64       `yaml:"rate_limit"`
	RateBurst     int           `yaml:"rate_burst"`
	LoadTimeout   time.Duration `yaml:"load_timeout"`
}

// QueueSettings converts the model's batch policy to a queue.Config.
func (m ModelConfig) QueueSettings() queue.Config {
	return queue.Config{
		Capacity:      m.QueueCapacity,
		MaxBatchSize:  m.BatchSize,
		MaxBatchDelay: m.MaxBatchDelay,
	}
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TelemetryConfig configures the OTel SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			IdleTimeout:     120 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Queue: QueueConfig{Backend: "memory"},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Worker: WorkerConfig{
			Endpoint:    "ws://localhost:9000/worker",
			DialTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "serveflow",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   0.1,
		},
	}
}

// Load reads the config file (optional) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides scalar settings from SERVEFLOW_* variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SERVEFLOW_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SERVEFLOW_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("SERVEFLOW_QUEUE_BACKEND"); v != "" {
		cfg.Queue.Backend = v
	}
	if v := os.Getenv("SERVEFLOW_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SERVEFLOW_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("SERVEFLOW_WORKER_ENDPOINT"); v != "" {
		cfg.Worker.Endpoint = v
	}
	if v := os.Getenv("SERVEFLOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SERVEFLOW_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("auth enabled without a secret")
	}
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("model with empty name")
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate model %q", m.Name)
		}
		seen[m.Name] = true
		if m.MinWorkers < 0 {
			return fmt.Errorf("model %q: negative min_workers", m.Name)
		}
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}
