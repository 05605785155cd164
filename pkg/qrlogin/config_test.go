package qrlogin

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qrlogin.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigFileDefaults(t *testing.T) {
	path := writeConfigFile(t, `
base_url: https://idp.example.com/qr-login
hmac_secret: s3cret
`)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.SessionTTLSeconds != DefaultSessionTTLSeconds {
		t.Fatalf("ttl default: got %d", cfg.SessionTTLSeconds)
	}
	if cfg.TimeWindowSeconds != DefaultTimeWindowSeconds {
		t.Fatalf("window default: got %d", cfg.TimeWindowSeconds)
	}
	if cfg.PollIntervalMillis != DefaultPollIntervalMillis {
		t.Fatalf("interval default: got %d", cfg.PollIntervalMillis)
	}
	if cfg.StoreBackend != "memory" {
		t.Fatalf("backend default: got %s", cfg.StoreBackend)
	}
	if cfg.Algorithm != "HS256" {
		t.Fatalf("algorithm default: got %s", cfg.Algorithm)
	}
}

func TestLoadConfigFileRejectsMissingSecret(t *testing.T) {
	path := writeConfigFile(t, `
base_url: https://idp.example.com/qr-login
`)
	if _, err := LoadConfigFile(path); err == nil {
		t.Fatal("expected error on missing secret")
	}
}

func TestLoadConfigFileRejectsUnknownBackend(t *testing.T) {
	path := writeConfigFile(t, `
base_url: https://idp.example.com/qr-login
hmac_secret: s3cret
store_backend: cassandra
`)
	if _, err := LoadConfigFile(path); err == nil {
		t.Fatal("expected error on unknown store backend")
	}
}

func TestUnknownAlgorithmFallsBack(t *testing.T) {
	path := writeConfigFile(t, `
base_url: https://idp.example.com/qr-login
hmac_secret: s3cret
algorithm: HmacMD5
`)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Algorithm != "HS256" {
		t.Fatalf("expected fallback to HS256, got %s", cfg.Algorithm)
	}
}

func TestJavaStyleAlgorithmNameAccepted(t *testing.T) {
	path := writeConfigFile(t, `
base_url: https://idp.example.com/qr-login
hmac_secret: s3cret
algorithm: HmacSHA512
`)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Algorithm != "HmacSHA512" {
		t.Fatalf("unexpected algorithm: %s", cfg.Algorithm)
	}
}
