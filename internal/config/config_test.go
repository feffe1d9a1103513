package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rideflow/internal/modules/policy"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DISPATCH_AUTH_INSECURE_DEV_TOKENS", "true")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Storage.Backend != StoragePostgres {
		t.Fatalf("defaults: %+v", cfg.HTTP)
	}
	if cfg.Notify.Workers != 4 || !cfg.SinkEnabled(SinkLog) || cfg.SinkEnabled(SinkAMQP) {
		t.Fatalf("notify defaults: %+v", cfg.Notify)
	}
	want := policy.Default()
	if cfg.Policy.MaxRematchAttempts != want.MaxRematchAttempts || cfg.Policy.DriverResponseTimeout != want.DriverResponseTimeout || cfg.Policy.DisputeWindow != want.DisputeWindow {
		t.Fatalf("policy defaults: %+v", cfg.Policy)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DISPATCH_AUTH_INSECURE_DEV_TOKENS", "true")
	t.Setenv("DISPATCH_STORAGE_BACKEND", "memory")
	t.Setenv("DISPATCH_HTTP_ADDR", ":9090")
	t.Setenv("DISPATCH_POLICY_DRIVER_RESPONSE_TIMEOUT_SEC", "45")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.Storage.Backend != StorageMemory {
		t.Fatalf("env not applied: %s %s", cfg.HTTP.Addr, cfg.Storage.Backend)
	}
	if cfg.Policy.DriverResponseTimeout != 45*time.Second {
		t.Fatalf("policy override: %s", cfg.Policy.DriverResponseTimeout)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	body := []byte(`
storage:
  backend: memory
firebase:
  project_id: demo
notify:
  sinks: [log, fcm]
policy:
  max_rematch_attempts: 5
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Firebase.ProjectID != "demo" || !cfg.SinkEnabled(SinkFCM) || cfg.Policy.MaxRematchAttempts != 5 {
		t.Fatalf("file not applied: %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"no auth":        {},
		"bad backend":    {"DISPATCH_AUTH_INSECURE_DEV_TOKENS": "true", "DISPATCH_STORAGE_BACKEND": "sqlite"},
		"policy bounds":  {"DISPATCH_AUTH_INSECURE_DEV_TOKENS": "true", "DISPATCH_POLICY_MAX_REMATCH_ATTEMPTS": "11"},
		"amqp needs url": {"DISPATCH_AUTH_INSECURE_DEV_TOKENS": "true", "DISPATCH_NOTIFY_SINKS": "amqp"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
	t.Run("policy error is typed", func(t *testing.T) {
		t.Setenv("DISPATCH_AUTH_INSECURE_DEV_TOKENS", "true")
		t.Setenv("DISPATCH_POLICY_NO_SHOW_WAIT_TIME_SEC", "10")
		_, err := Load("")
		if !errors.Is(err, policy.ErrPolicyOutOfRange) {
			t.Fatalf("expected ErrPolicyOutOfRange, got %v", err)
		}
	})
}
