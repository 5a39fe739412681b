package config_test

import (
	"strings"
	"testing"

	"github.com/auralis-ai/auralis/internal/config"
)

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info

idle:
  mode: balanced
  tick_seconds: 1
  profiles_path: /var/lib/auralis/profiles.yaml
  thresholds:
    warm: 30
    cool: 300
    cold: 1800
    dormant: 7200

audio:
  cache_dir: /var/cache/auralis/segments
  sample_rate: 24000
  prefetch_count: 2

harness:
  unit_timeout_seconds: 30
  max_retries: 2
  mock_clients:
    - id: mock-1
      mean_ms: 400
      std_dev_ms: 30

storage:
  backend: file
  data_dir: /var/lib/auralis/data
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Idle.Thresholds == nil || cfg.Idle.Thresholds.Cool != 300 {
		t.Errorf("idle.thresholds: got %+v", cfg.Idle.Thresholds)
	}
	if cfg.Audio.SampleRate != 24000 {
		t.Errorf("audio.sample_rate: got %d, want 24000", cfg.Audio.SampleRate)
	}
	if len(cfg.Harness.MockClients) != 1 || cfg.Harness.MockClients[0].MeanMS != 400 {
		t.Errorf("harness.mock_clients: got %+v", cfg.Harness.MockClients)
	}
	if cfg.Storage.Backend != config.StorageFile {
		t.Errorf("storage.backend: got %q, want file", cfg.Storage.Backend)
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	// An empty config should succeed (no required top-level fields).
	_, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_NonMonotoneIdleThresholds(t *testing.T) {
	yaml := `
idle:
  thresholds:
    warm: 300
    cool: 30
    cold: 1800
    dormant: 7200
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for non-monotone thresholds, got nil")
	}
	if !strings.Contains(err.Error(), "idle.thresholds") {
		t.Errorf("error should mention idle.thresholds, got: %v", err)
	}
}

func TestValidate_PostgresRequiresDSN(t *testing.T) {
	yaml := `
storage:
  backend: postgres
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing postgres_dsn, got nil")
	}
	if !strings.Contains(err.Error(), "postgres_dsn") {
		t.Errorf("error should mention postgres_dsn, got: %v", err)
	}
}

func TestValidate_InvalidStorageBackend(t *testing.T) {
	yaml := `
storage:
  backend: s3
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid backend, got nil")
	}
}

func TestValidate_DuplicateMockClientIDs(t *testing.T) {
	yaml := `
harness:
  mock_clients:
    - id: mock-1
    - id: mock-1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate mock client ids, got nil")
	}
}

func TestValidate_IncompleteTLS(t *testing.T) {
	yaml := `
server:
  tls:
    cert_file: /etc/auralis/cert.pem
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for incomplete tls, got nil")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(config.EnvPostgresDSN, "postgres://env-override/auralis")
	t.Setenv(config.EnvDataDir, "/tmp/env-data")

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.PostgresDSN != "postgres://env-override/auralis" {
		t.Errorf("postgres_dsn: got %q", cfg.Storage.PostgresDSN)
	}
	if cfg.Storage.DataDir != "/tmp/env-data" {
		t.Errorf("data_dir: got %q", cfg.Storage.DataDir)
	}
}
