package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadRejectsNonPositiveTimeouts(t *testing.T) {
	t.Setenv("DEVICE_PRINT_TIMEOUT_SECONDS", "0")
	t.Setenv("DEVICE_STATUS_TIMEOUT_SECONDS", "-5")

	cfg := Load()
	if cfg.PrintTimeoutSeconds != 30 {
		t.Fatalf("expected print timeout fallback 30, got %d", cfg.PrintTimeoutSeconds)
	}
	if cfg.StatusTimeoutSeconds != 10 {
		t.Fatalf("expected status timeout fallback 10, got %d", cfg.StatusTimeoutSeconds)
	}
}
