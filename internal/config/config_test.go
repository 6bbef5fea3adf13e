package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
	if cfg.AWS.Region != "us-east-1" {
		t.Errorf("region = %q", cfg.AWS.Region)
	}
	if cfg.Runtime.DefaultModel != "sonnet45" {
		t.Errorf("default model = %q", cfg.Runtime.DefaultModel)
	}
	if cfg.Runtime.MaxIterations != 250 {
		t.Errorf("max iterations = %d", cfg.Runtime.MaxIterations)
	}
	if cfg.Runtime.BashTimeout.Std() != 60*time.Second {
		t.Errorf("bash timeout = %v", cfg.Runtime.BashTimeout)
	}
	if cfg.Metrics.Enabled {
		t.Error("metrics should default off")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbor.yaml")
	content := `
redis:
  addr: redis.internal:6380
  db: 2
runtime:
  default_model: haiku35
  max_iterations: 50
  bash_timeout: 90s
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Redis.Addr != "redis.internal:6380" || cfg.Redis.DB != 2 {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.Runtime.DefaultModel != "haiku35" || cfg.Runtime.MaxIterations != 50 {
		t.Errorf("runtime = %+v", cfg.Runtime)
	}
	if cfg.Runtime.BashTimeout.Std() != 90*time.Second {
		t.Errorf("bash timeout = %v", cfg.Runtime.BashTimeout)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	// Untouched sections keep their defaults.
	if cfg.AWS.Region != "us-east-1" {
		t.Errorf("region = %q, want default", cfg.AWS.Region)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_REDIS_HOST", "expanded.example")
	path := filepath.Join(t.TempDir(), "arbor.yaml")
	content := "redis:\n  addr: ${TEST_REDIS_HOST}:6379\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.Addr != "expanded.example:6379" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ARBOR_REDIS_ADDR", "env.redis:7000")
	t.Setenv("ARBOR_DEFAULT_MODEL", "opus41")
	t.Setenv("ARBOR_MAX_ITERATIONS", "17")
	t.Setenv("ARBOR_LOG_LEVEL", "warn")
	t.Setenv("ARBOR_METRICS_ADDR", ":9999")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.Addr != "env.redis:7000" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
	if cfg.Runtime.DefaultModel != "opus41" {
		t.Errorf("default model = %q", cfg.Runtime.DefaultModel)
	}
	if cfg.Runtime.MaxIterations != 17 {
		t.Errorf("max iterations = %d", cfg.Runtime.MaxIterations)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Addr != ":9999" {
		t.Errorf("metrics = %+v, want enabled at :9999", cfg.Metrics)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("loading a missing file should fail")
	}
}

func TestBadMaxIterationsIgnored(t *testing.T) {
	t.Setenv("ARBOR_MAX_ITERATIONS", "not-a-number")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Runtime.MaxIterations != 250 {
		t.Errorf("max iterations = %d, want default 250", cfg.Runtime.MaxIterations)
	}
}
