package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables that override their config file counterparts.
const (
	EnvPostgresDSN = "AURALIS_POSTGRES_DSN"
	EnvDataDir     = "AURALIS_DATA_DIR"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if dsn := os.Getenv(EnvPostgresDSN); dsn != "" {
		cfg.Storage.PostgresDSN = dsn
	}
	if dir := os.Getenv(EnvDataDir); dir != "" {
		cfg.Storage.DataDir = dir
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Idle
	if cfg.Idle.Thresholds != nil {
		if err := cfg.Idle.Thresholds.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("idle.thresholds: %w", err))
		}
	}
	if cfg.Idle.TickSeconds < 0 {
		errs = append(errs, fmt.Errorf("idle.tick_seconds %d must not be negative", cfg.Idle.TickSeconds))
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.PrefetchCount < 0 {
		errs = append(errs, fmt.Errorf("audio.prefetch_count %d must not be negative", cfg.Audio.PrefetchCount))
	}

	// Harness
	if cfg.Harness.UnitTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("harness.unit_timeout_seconds %d must not be negative", cfg.Harness.UnitTimeoutSeconds))
	}
	if cfg.Harness.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("harness.max_retries %d must not be negative", cfg.Harness.MaxRetries))
	}
	seen := make(map[string]int, len(cfg.Harness.MockClients))
	for i, mc := range cfg.Harness.MockClients {
		prefix := fmt.Sprintf("harness.mock_clients[%d]", i)
		if mc.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[mc.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of harness.mock_clients[%d]", prefix, mc.ID, prev))
			}
			seen[mc.ID] = i
		}
		if mc.StdDevMS < 0 {
			errs = append(errs, fmt.Errorf("%s.std_dev_ms %.2f must not be negative", prefix, mc.StdDevMS))
		}
	}

	// Storage
	if cfg.Storage.Backend != "" && !cfg.Storage.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: file, postgres", cfg.Storage.Backend))
	}
	if cfg.Storage.Backend == StoragePostgres && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required when storage.backend is postgres"))
	}

	return errors.Join(errs...)
}
