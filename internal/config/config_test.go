package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CIRCLECHAT_API_BASE_URL", "https://api.example.com/")
	t.Setenv("CIRCLECHAT_USER_ID", "u1")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("CIRCLECHAT_ADDR", "")
	t.Setenv("PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8787" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if cfg.API.BaseURL != "https://api.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.API.BaseURL)
	}
	if cfg.Live.InitialDelay != 200*time.Millisecond || cfg.Live.MaxDelay != 5*time.Second {
		t.Fatalf("unexpected backoff defaults: %+v", cfg.Live)
	}
	if cfg.Live.HandshakeTimeout != 10*time.Second || cfg.Live.WriteTimeout != 10*time.Second {
		t.Fatalf("unexpected socket timeouts: %+v", cfg.Live)
	}
	if cfg.Live.Scheme != "wss" || cfg.Live.Path != "/comments" {
		t.Fatalf("unexpected live endpoint defaults: %+v", cfg.Live)
	}
	if cfg.Store.Maintenance != "0 4 * * *" {
		t.Fatalf("unexpected maintenance schedule %q", cfg.Store.Maintenance)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "*" {
		t.Fatalf("unexpected cors origins %v", cfg.Server.CORSOrigins)
	}
}

func TestLoadRequiresBaseURL(t *testing.T) {
	t.Setenv("CIRCLECHAT_API_BASE_URL", "")
	t.Setenv("CIRCLECHAT_USER_ID", "u1")

	if _, err := Load(); err == nil {
		t.Fatalf("expected missing base url to fail")
	}
}

func TestLoadPortFallback(t *testing.T) {
	setRequired(t)
	t.Setenv("CIRCLECHAT_ADDR", "")

	t.Setenv("PORT", "9000")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}

	t.Setenv("PORT", "90 00")
	if _, err := Load(); err == nil {
		t.Fatalf("expected invalid PORT to fail")
	}
}

func TestLoadDurationsAcceptMilliseconds(t *testing.T) {
	setRequired(t)
	t.Setenv("CIRCLECHAT_LIVE_INITIAL_DELAY", "50")
	t.Setenv("CIRCLECHAT_LIVE_MAX_DELAY", "2s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Live.InitialDelay != 50*time.Millisecond || cfg.Live.MaxDelay != 2*time.Second {
		t.Fatalf("unexpected delays: %+v", cfg.Live)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	setRequired(t)
	t.Setenv("CIRCLECHAT_API_TIMEOUT", "soon")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "CIRCLECHAT_API_TIMEOUT") {
		t.Fatalf("expected error naming the variable, got %v", err)
	}
}

func TestValidateRejectsInvertedBackoff(t *testing.T) {
	setRequired(t)
	t.Setenv("CIRCLECHAT_LIVE_INITIAL_DELAY", "10s")
	t.Setenv("CIRCLECHAT_LIVE_MAX_DELAY", "1s")

	if _, err := Load(); err == nil {
		t.Fatalf("expected max delay below initial delay to fail")
	}
}

func TestValidateRejectsUnknownScheme(t *testing.T) {
	setRequired(t)
	t.Setenv("CIRCLECHAT_LIVE_SCHEME", "http")

	if _, err := Load(); err == nil {
		t.Fatalf("expected unknown scheme to fail")
	}
}

func TestCORSOriginsList(t *testing.T) {
	setRequired(t)
	t.Setenv("CIRCLECHAT_CORS_ORIGINS", "http://localhost:3000, https://app.example.com ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://app.example.com" {
		t.Fatalf("unexpected origins %v", cfg.Server.CORSOrigins)
	}
}

func TestLoadWriteTimeout(t *testing.T) {
	setRequired(t)
	t.Setenv("CIRCLECHAT_LIVE_WRITE_TIMEOUT", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Live.WriteTimeout != 3*time.Second {
		t.Fatalf("unexpected write timeout %v", cfg.Live.WriteTimeout)
	}

	t.Setenv("CIRCLECHAT_LIVE_WRITE_TIMEOUT", "100ms")
	if _, err := Load(); err == nil {
		t.Fatalf("expected sub-second write timeout to fail validation")
	}
}
