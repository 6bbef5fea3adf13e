// Package config loads the process configuration from YAML with
// environment overrides. Every field has a workable default so a bare
// `arbor` invocation runs against a local Redis.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML scalars like "90s" or "2m" through
// time.ParseDuration.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the whole process configuration.
type Config struct {
	Redis   RedisConfig   `yaml:"redis"`
	AWS     AWSConfig     `yaml:"aws"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// RedisConfig locates the shared coordination store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AWSConfig selects the Bedrock region and optional explicit
// credentials. When AccessKeyID is empty the default chain applies.
type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// RuntimeConfig tunes the task runtime.
type RuntimeConfig struct {
	// DefaultModel is the model short name used when a caller does not
	// pick one. Resolved through the shared catalog.
	DefaultModel string `yaml:"default_model"`

	// MaxIterations bounds a single process's work loop.
	MaxIterations int `yaml:"max_iterations"`

	// BashTimeout caps bash tool commands.
	BashTimeout Duration `yaml:"bash_timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		Runtime: RuntimeConfig{
			DefaultModel:  "sonnet45",
			MaxIterations: 250,
			BashTimeout:   Duration(60 * time.Second),
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		expanded := os.ExpandEnv(string(data))
		decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		if err := decoder.Decode(cfg); err != nil && err != io.EOF {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays the ARBOR_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ARBOR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ARBOR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ARBOR_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.AWS.Region = v
	}
	if v := os.Getenv("ARBOR_DEFAULT_MODEL"); v != "" {
		cfg.Runtime.DefaultModel = v
	}
	if v := os.Getenv("ARBOR_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runtime.MaxIterations = n
		}
	}
	if v := os.Getenv("ARBOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ARBOR_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("ARBOR_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
		cfg.Metrics.Enabled = true
	}
}
