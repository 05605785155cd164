package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gematik/qrlogin-lab/pkg/broker"
	"github.com/gematik/qrlogin-lab/pkg/prettylog"
	"github.com/gematik/qrlogin-lab/pkg/qrlogin"
	"github.com/gematik/qrlogin-lab/pkg/qrlogin/introspect"
	"github.com/gematik/qrlogin-lab/pkg/util"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func loadConfig() (*qrlogin.Config, error) {
	path := util.GetEnv("QRLOGIN_CONFIG_PATH", "config/qrlogin.yaml")
	cfg, err := qrlogin.LoadConfigFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		slog.Warn("config file not found, using environment", "path", path)
		cfg = &qrlogin.Config{
			BaseURL:           util.GetEnv("QRLOGIN_BASE_URL", "http://localhost:8080/qr-login"),
			SessionTTLSeconds: util.GetEnvInt("QRLOGIN_SESSION_TTL", qrlogin.DefaultSessionTTLSeconds),
			TimeWindowSeconds: util.GetEnvInt("QRLOGIN_TIME_WINDOW", qrlogin.DefaultTimeWindowSeconds),
			StoreBackend:      util.GetEnv("QRLOGIN_STORE_BACKEND", "memory"),
			RedisAddr:         util.GetEnv("QRLOGIN_REDIS_ADDR", "localhost:6379"),
			Introspection: introspect.Config{
				BaseURL:      os.Getenv("QRLOGIN_IDP_BASE_URL"),
				Realm:        os.Getenv("QRLOGIN_IDP_REALM"),
				ClientID:     os.Getenv("QRLOGIN_IDP_CLIENT_ID"),
				ClientSecret: os.Getenv("QRLOGIN_IDP_CLIENT_SECRET"),
			},
		}
	}

	// the secret never comes with a default; env wins over the file
	if secret := os.Getenv("QRLOGIN_HMAC_SECRET"); secret != "" {
		cfg.HMACSecret = secret
	}
	if cfg.HMACSecret == "" {
		return nil, errors.New("hmac secret is not configured")
	}
	return cfg, nil
}

func newSessionStore(cfg *qrlogin.Config) qrlogin.SessionStore {
	if cfg.StoreBackend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		slog.Info("using redis session store", "addr", cfg.RedisAddr)
		return qrlogin.NewRedisSessionStore(client, cfg.SessionTTL())
	}
	slog.Info("using in-memory session store", "ttl", cfg.SessionTTL(), "reaper_interval", cfg.ReaperInterval())
	return qrlogin.NewMemorySessionStore(cfg.SessionTTL(), cfg.ReaperInterval())
}

func main() {
	godotenv.Load()

	if util.GetEnv("PRETTY_LOG", "true") == "true" {
		slog.SetDefault(slog.New(prettylog.NewHandler(slog.LevelDebug)))
	} else {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}

	// deferred cleanup lives in run; a fatal here would skip it
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store := newSessionStore(cfg)
	defer store.Close()

	tokenValidator, err := introspect.NewClient(cfg.Introspection)
	if err != nil {
		return err
	}

	server, err := qrlogin.NewServer(
		qrlogin.WithConfig(cfg),
		qrlogin.WithSessionStore(store),
		qrlogin.WithTokenValidator(tokenValidator),
		qrlogin.WithBroker(broker.NewMockBroker()),
	)
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.Validator = &CustomValidator{validator: validator.New()}
	e.Use(
		middleware.Recover(),
		middleware.Logger(),
	)

	server.MountRoutes(e.Group("/qr-login"))

	addr := util.GetEnv("SERVER_ADDR", ":8080")
	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
	return nil
}
