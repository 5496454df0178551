package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Loader.Attempts != 5 {
		t.Errorf("loader attempts = %d, want 5", cfg.Loader.Attempts)
	}
	if cfg.Loader.Pause != 200*time.Millisecond {
		t.Errorf("loader pause = %v, want 200ms", cfg.Loader.Pause)
	}
	if cfg.Planner.MaxParallelism != 1000 {
		t.Errorf("max parallelism = %d, want 1000", cfg.Planner.MaxParallelism)
	}
	if cfg.Gradient.PoolSize != 4 {
		t.Errorf("gradient pool size = %d, want 4", cfg.Gradient.PoolSize)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "config.yaml")
	yamlData := `
loader:
  attempts: 7
  pause: 50ms
tasks:
  backend: redis
  redis_addr: localhost:6379
dispatch:
  workers: 8
`
	if err := os.WriteFile(path, []byte(yamlData), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DISPATCH_WORKERS", "16")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Loader.Attempts != 7 || cfg.Loader.Pause != 50*time.Millisecond {
		t.Errorf("loader = %+v, want yaml values", cfg.Loader)
	}
	if cfg.Tasks.Backend != "redis" || cfg.Tasks.RedisAddr != "localhost:6379" {
		t.Errorf("tasks = %+v", cfg.Tasks)
	}
	if cfg.Dispatch.Workers != 16 {
		t.Errorf("dispatch workers = %d, env should override yaml", cfg.Dispatch.Workers)
	}
	// untouched sections keep defaults
	if cfg.Planner.DefaultBatchSize != 40 {
		t.Errorf("default batch size = %d, want 40", cfg.Planner.DefaultBatchSize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"unknown tasks backend", func(c *Config) { c.Tasks.Backend = "etcd" }, true},
		{"kafka without brokers", func(c *Config) { c.Dispatch.Mode = "kafka" }, true},
		{"kafka with brokers", func(c *Config) {
			c.Dispatch.Mode = "kafka"
			c.Dispatch.Brokers = []string{"localhost:9092"}
		}, false},
		{"zstd tasks", func(c *Config) { c.Tasks.Compression = "zstd" }, false},
		{"unknown compression", func(c *Config) { c.Tasks.Compression = "lz4" }, true},
		{"zero attempts", func(c *Config) { c.Loader.Attempts = 0 }, true},
		{"zero parallelism", func(c *Config) { c.Planner.MaxParallelism = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a:1, b:2 ,,c:3")
	if len(got) != 3 || got[0] != "a:1" || got[2] != "c:3" {
		t.Errorf("splitList = %v", got)
	}
}
