package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "negative parallelism",
			mutate: func(cfg *Config) {
				cfg.Parallelism = -1
			},
			wantErr: "parallelism",
		},
		{
			name: "zero batch size",
			mutate: func(cfg *Config) {
				cfg.BatchSize = 0
			},
			wantErr: "batch size",
		},
		{
			name: "empty base url",
			mutate: func(cfg *Config) {
				cfg.BaseURL = ""
			},
			wantErr: "base URL",
		},
		{
			name: "invalid url format",
			mutate: func(cfg *Config) {
				cfg.BaseURL = "http://"
			},
			wantErr: "base URL",
		},
		{
			name: "negative timeout",
			mutate: func(cfg *Config) {
				cfg.Timeout = -1 * time.Second
			},
			wantErr: "timeout",
		},
		{
			name: "zero attempts",
			mutate: func(cfg *Config) {
				cfg.MaxAttempts = 0
			},
			wantErr: "max attempts",
		},
		{
			name: "backoff above max",
			mutate: func(cfg *Config) {
				cfg.RetryBackoff = 10 * time.Second
				cfg.RetryBackoffMax = time.Second
			},
			wantErr: "retry backoff",
		},
		{
			name: "negative sample",
			mutate: func(cfg *Config) {
				cfg.SampleSize = -3
			},
			wantErr: "sample size",
		},
		{
			name: "nested subdir",
			mutate: func(cfg *Config) {
				cfg.OutputSubdir = "a/b"
			},
			wantErr: "output subdir",
		},
		{
			name: "current dir subdir",
			mutate: func(cfg *Config) {
				cfg.OutputSubdir = "."
			},
			wantErr: "output subdir",
		},
		{
			name: "parent dir subdir",
			mutate: func(cfg *Config) {
				cfg.OutputSubdir = ".."
			},
			wantErr: "output subdir",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
	if cfg.Seed != 42 {
		t.Fatalf("default seed = %d, want 42", cfg.Seed)
	}
}

func TestValidateCredentials(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.ValidateCredentials(); err == nil {
		t.Fatalf("expected missing credentials error")
	}
	cfg.Username = "user"
	cfg.Password = "secret"
	if err := cfg.ValidateCredentials(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResolveOutputSubdir(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Date(2026, 10, 18, 9, 5, 7, 0, time.UTC)
	if got := cfg.ResolveOutputSubdir(now); got != "run_20261018_090507" {
		t.Fatalf("subdir = %q", got)
	}
	cfg.OutputSubdir = "demo"
	if got := cfg.ResolveOutputSubdir(now); got != "demo" {
		t.Fatalf("subdir = %q, want demo", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvester.yml")
	content := "parallelism: 4\ntimeout: 3s\nseed: 123\nmirror_dir: /tmp/mirror\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := DefaultConfig()
	if err := LoadFile(cfg, path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Parallelism != 4 || cfg.Timeout != 3*time.Second || cfg.Seed != 123 || cfg.MirrorDir != "/tmp/mirror" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.BatchSize != 1000 {
		t.Fatalf("unset fields should keep defaults, batch size = %d", cfg.BatchSize)
	}
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvester.yml")
	if err := os.WriteFile(path, []byte("paralelism: 4\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := LoadFile(DefaultConfig(), path); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("ICECAT_USER", "alice")
	t.Setenv("ICECAT_PASS", "pw")
	t.Setenv("HARVEST_PARALLEL", "3")
	t.Setenv("HARVEST_SEED", "7")

	cfg := DefaultConfig()
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Username != "alice" || cfg.Password != "pw" || cfg.Parallelism != 3 || cfg.Seed != 7 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	t.Setenv("HARVEST_PARALLEL", "many")
	if err := ApplyEnv(cfg); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("missing .env should be ignored, got %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("HARVEST_TEST_DOTENV=loaded\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("HARVEST_TEST_DOTENV") })

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if v, ok := EnvString("HARVEST_TEST_DOTENV"); !ok || v != "loaded" {
		t.Fatalf("env = %q/%v", v, ok)
	}
}
