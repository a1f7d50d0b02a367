package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fds.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func noEnv() envconfig.Lookuper {
	return envconfig.MapLookuper(map[string]string{})
}

func TestLoad_DefaultsAndFile(t *testing.T) {
	path := writeConfig(t, `{
		"version": "1.0",
		"secret_key": "s3cret",
		"fds_http_address": "0.0.0.0:9000",
		"modules_base_pull_port": 7000,
		"message_timeouts": {"orb_propagation_tle": 5},
		"store": {"driver": "memory"}
	}`)

	cfg, err := LoadWith(context.Background(), path, noEnv())
	if err != nil {
		t.Fatalf("LoadWith: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:9000" || cfg.ModulesBasePort != 7000 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.ExecutionTimeout() != 60*time.Second || cfg.ExecutionTTL() != 120*time.Second {
		t.Fatalf("unexpected timeouts %v / %v", cfg.ExecutionTimeout(), cfg.ExecutionTTL())
	}
	if cfg.RestartLimit != 2 || cfg.DialAttempts != 3 {
		t.Fatalf("unexpected supervisor defaults %+v", cfg)
	}
	if got := cfg.MessageTimeoutMap()["orb_propagation_tle"]; got != 5*time.Second {
		t.Fatalf("per-code timeout = %v, want 5s", got)
	}
	if lic := cfg.Licenses(); len(lic) != 1 || lic[0] != "Demo" {
		t.Fatalf("unexpected permitted licenses %v", lic)
	}
	timings := cfg.SupervisorTimings()
	if timings.DialBackoff != 200*time.Millisecond || timings.SendDeadline != 250*time.Millisecond {
		t.Fatalf("unexpected timings %+v", timings)
	}
}

func TestLoad_EnvironmentWins(t *testing.T) {
	path := writeConfig(t, `{"secret_key": "from-file", "stop_word": "halt"}`)
	env := envconfig.MapLookuper(map[string]string{
		"FDS_SECRET_KEY":   "from-env",
		"FDS_HTTP_ADDRESS": "127.0.0.1:1234",
		"FDS_REDIS_ADDR":   "127.0.0.1:6379",
	})

	cfg, err := LoadWith(context.Background(), path, env)
	if err != nil {
		t.Fatalf("LoadWith: %v", err)
	}
	if cfg.SecretKey != "from-env" || cfg.HTTPAddress != "127.0.0.1:1234" || cfg.Redis.Addr != "127.0.0.1:6379" {
		t.Fatalf("environment overrides not applied: %+v", cfg)
	}
	if cfg.StopWord != "halt" {
		t.Fatalf("file value without env override must be kept, got %q", cfg.StopWord)
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := writeConfig(t, `{"version": "2.0", "store": {"driver": "postgres"}, "modules_base_pull_port": -1}`)
	_, err := LoadWith(context.Background(), path, noEnv())
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	for _, want := range []string{"version", "secret_key", "postgres_dsn", "modules_base_pull_port"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error should mention %s: %v", want, err)
		}
	}
}

func TestLoad_MissingOrMalformedFile(t *testing.T) {
	if _, err := LoadWith(context.Background(), filepath.Join(t.TempDir(), "nope.json"), noEnv()); err == nil {
		t.Fatalf("expected error for missing file")
	}
	path := writeConfig(t, `{not json`)
	if _, err := LoadWith(context.Background(), path, noEnv()); err == nil {
		t.Fatalf("expected error for malformed file")
	}
}

func TestValidate_UnknownDriverAndLicense(t *testing.T) {
	cfg := Config{
		Version:           "1.0",
		SecretKey:         "k",
		HTTPAddress:       ":8080",
		ModulesBasePort:   5600,
		Store:             StoreConfig{Driver: "sqlite"},
		PermittedLicenses: []string{"Gold"},
		DefaultLicense:    "Demo",
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "sqlite") || !strings.Contains(err.Error(), "Gold") {
		t.Fatalf("unexpected error %v", err)
	}
}
