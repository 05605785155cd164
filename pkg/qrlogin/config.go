package qrlogin

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gematik/qrlogin-lab/pkg/qrlogin/introspect"
	"github.com/gematik/qrlogin-lab/pkg/qrlogin/signature"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSessionTTLSeconds  = 120
	DefaultTimeWindowSeconds  = 5
	DefaultPollIntervalMillis = 1500
	DefaultReaperSeconds      = 30
)

type Config struct {
	// BaseURL is the externally visible base of this service, used to build
	// the status and callback URLs that end up inside QR payloads.
	BaseURL    string `yaml:"base_url" validate:"required,url"`
	HMACSecret string `yaml:"hmac_secret" validate:"required"`
	// Algorithm is one of HS1, HS256, HS384, HS512. Default HS256.
	Algorithm             string `yaml:"algorithm"`
	SessionTTLSeconds     int    `yaml:"session_ttl_seconds"`
	TimeWindowSeconds     int    `yaml:"time_window_seconds"`
	PollIntervalMillis    int    `yaml:"poll_interval_ms"`
	ReaperIntervalSeconds int    `yaml:"reaper_interval_seconds"`

	StoreBackend  string `yaml:"store_backend" validate:"omitempty,oneof=memory redis"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	Introspection introspect.Config `yaml:"introspection"`
}

func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config file: %w", err)
	}
	cfg := new(Config)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unable to parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyDefaults falls back to safe defaults for everything except the
// secret, which has no sane default and stays a startup failure.
func (c *Config) applyDefaults() {
	if c.SessionTTLSeconds <= 0 {
		c.SessionTTLSeconds = DefaultSessionTTLSeconds
	}
	if c.TimeWindowSeconds <= 0 {
		c.TimeWindowSeconds = DefaultTimeWindowSeconds
	}
	if c.PollIntervalMillis <= 0 {
		c.PollIntervalMillis = DefaultPollIntervalMillis
	}
	if c.ReaperIntervalSeconds <= 0 {
		c.ReaperIntervalSeconds = DefaultReaperSeconds
	}
	if c.StoreBackend == "" {
		c.StoreBackend = "memory"
	}
	if c.Algorithm == "" {
		c.Algorithm = string(signature.HS256)
	} else if _, err := signature.ParseAlgorithm(c.Algorithm); err != nil {
		slog.Warn("unknown signature algorithm, falling back to HS256", "algorithm", c.Algorithm)
		c.Algorithm = string(signature.HS256)
	}
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

func (c *Config) TimeWindow() time.Duration {
	return time.Duration(c.TimeWindowSeconds) * time.Second
}

func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSeconds) * time.Second
}
