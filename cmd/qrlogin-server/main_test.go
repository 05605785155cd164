package main

import (
	"path/filepath"
	"testing"
)

// startup failures must surface as errors from run, not exit the process,
// so deferred cleanup inside run always executes.
func TestRunReturnsErrorOnBadConfig(t *testing.T) {
	t.Setenv("QRLOGIN_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("QRLOGIN_HMAC_SECRET", "")

	if err := run(); err == nil {
		t.Fatal("expected an error without a configured secret")
	}
}

func TestLoadConfigEnvFallback(t *testing.T) {
	t.Setenv("QRLOGIN_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("QRLOGIN_HMAC_SECRET", "from-env")
	t.Setenv("QRLOGIN_SESSION_TTL", "60")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HMACSecret != "from-env" || cfg.SessionTTLSeconds != 60 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.StoreBackend != "memory" {
		t.Fatalf("expected memory backend by default, got %q", cfg.StoreBackend)
	}
}
