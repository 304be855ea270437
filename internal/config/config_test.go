package config_test

import (
	"strings"
	"testing"

	"github.com/example/notification-dispatch/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error loading defaults: %v", err)
	}

	if cfg.App.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.App.Port)
	}
	if cfg.Redis.Host != "localhost" || cfg.Redis.Port != 6379 {
		t.Fatalf("unexpected redis defaults: %s:%d", cfg.Redis.Host, cfg.Redis.Port)
	}
	if cfg.Redis.MaxConnRetries != 5 {
		t.Fatalf("expected 5 connection retries, got %d", cfg.Redis.MaxConnRetries)
	}
	if cfg.Queues.Verification != "email-verification" || cfg.Queues.PasswordReset != "password-reset" {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queues)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("expected 3 max attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Templates.Locale != "ru-RU" {
		t.Fatalf("unexpected default locale %q", cfg.Templates.Locale)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_PORT", "9090")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("MAX_ATTEMPTS", "5")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Port != 9090 {
		t.Fatalf("expected overridden port 9090, got %d", cfg.App.Port)
	}
	if cfg.Redis.Host != "redis.internal" {
		t.Fatalf("expected overridden redis host, got %q", cfg.Redis.Host)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Fatalf("expected overridden max attempts, got %d", cfg.Retry.MaxAttempts)
	}
}

func TestLoadRejectsMalformedInt(t *testing.T) {
	t.Setenv("REDIS_PORT", "not-a-number")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected error for malformed integer")
	}
	if !strings.Contains(err.Error(), "REDIS_PORT") {
		t.Fatalf("expected error naming REDIS_PORT, got %v", err)
	}
}

func TestTransportSelection(t *testing.T) {
	t.Setenv("EMAIL_TRANSPORT", "")
	kind, err := config.Transport()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kind != config.TransportSMTP {
		t.Fatalf("expected smtp default, got %q", kind)
	}

	t.Setenv("EMAIL_TRANSPORT", "API")
	kind, err = config.Transport()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kind != config.TransportAPI {
		t.Fatalf("expected api transport, got %q", kind)
	}

	t.Setenv("EMAIL_TRANSPORT", "carrier-pigeon")
	if _, err := config.Transport(); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}
