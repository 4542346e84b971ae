package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

const sampleYAML = `
api:
  base_url: "https://api.example.com"
  timeout: "5s"
storage:
  backend: "sqlite"
  path: "/tmp/session.db"
  namespace: "myapp"
monitor:
  interval: "30s"
  horizon: "2m"
log:
  level: "debug"
fallback_lifetime: "10m"
`

func TestLoad_WithExplicitPath(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	// validate file values
	if cfg.API.BaseURL != "https://api.example.com" || cfg.API.Timeout != 5*time.Second {
		t.Errorf("unexpected api config: %+v", cfg.API)
	}
	if cfg.Storage.Backend != BackendSQLite || cfg.Storage.Path != "/tmp/session.db" || cfg.Storage.Namespace != "myapp" {
		t.Errorf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Monitor.Interval != 30*time.Second || cfg.Monitor.Horizon != 2*time.Minute {
		t.Errorf("unexpected monitor config: %+v", cfg.Monitor)
	}
	if cfg.Log.Level != "debug" || cfg.FallbackLifetime != 10*time.Minute {
		t.Errorf("unexpected config: %+v", cfg)
	}

	// validate defaults for omitted fields
	if cfg.CSRFHeader != "X-CSRF-Token" {
		t.Errorf("expected default csrf header, got %q", cfg.CSRFHeader)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	t.Setenv("AUTHSESSION_LOG_LEVEL", "warn")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	// validate env wins
	if cfg.Log.Level != "warn" {
		t.Errorf("expected env log level, got %q", cfg.Log.Level)
	}
}

func TestLoad_FromConfigPathEnv(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	t.Setenv("CONFIG_PATH", cfgPath)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	// validate file was read
	if cfg.Storage.Namespace != "myapp" {
		t.Errorf("expected namespace from file, got %q", cfg.Storage.Namespace)
	}
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("AUTHSESSION_API_URL", "http://localhost:8080")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	// validate env and defaults
	if cfg.API.BaseURL != "http://localhost:8080" || cfg.API.Timeout != 30*time.Second {
		t.Errorf("unexpected api config: %+v", cfg.API)
	}
	if cfg.Storage.Backend != BackendMemory || cfg.Storage.Namespace != "authsession" {
		t.Errorf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Monitor.Interval != time.Minute || cfg.Monitor.Horizon != 5*time.Minute {
		t.Errorf("unexpected monitor config: %+v", cfg.Monitor)
	}
}

func TestLoad_MissingBaseURL(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("AUTHSESSION_API_URL", "")
	os.Unsetenv("AUTHSESSION_API_URL")

	_, err := Load("")

	// validate required field
	if err == nil {
		t.Fatal("expected error for missing api url")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))

	// validate stat error
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		storage StorageConfig
		valid   bool
	}{
		{name: "memory", storage: StorageConfig{Backend: BackendMemory}, valid: true},
		{name: "file with path", storage: StorageConfig{Backend: BackendFile, Path: "/tmp/s"}, valid: true},
		{name: "file without path", storage: StorageConfig{Backend: BackendFile}},
		{name: "sqlite without path", storage: StorageConfig{Backend: BackendSQLite}},
		{name: "redis with url", storage: StorageConfig{Backend: BackendRedis, RedisURL: "redis://localhost"}, valid: true},
		{name: "redis without url", storage: StorageConfig{Backend: BackendRedis}},
		{name: "unknown", storage: StorageConfig{Backend: "floppy"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Config{Storage: tc.storage, Monitor: MonitorConfig{Interval: time.Minute}}

			err := cfg.Validate()

			// validate outcome
			if tc.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tc.valid && !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}
