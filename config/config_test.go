package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NOTIFY_INTERVAL", "")
	t.Setenv("NOTIFY_WORKERS", "")
	t.Setenv("DB_DSN", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.NotifyInterval != 60*time.Second {
		t.Errorf("NotifyInterval = %v, want 60s", cfg.NotifyInterval)
	}
	if cfg.NotifyWorkers != 5 {
		t.Errorf("NotifyWorkers = %d, want 5", cfg.NotifyWorkers)
	}
	if cfg.DBDsn == "" {
		t.Errorf("expected default DSN, got empty")
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
}

func TestLoadRejectsBadInterval(t *testing.T) {
	t.Setenv("NOTIFY_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Errorf("expected error for invalid NOTIFY_INTERVAL")
	}
	t.Setenv("NOTIFY_INTERVAL", "-5s")
	if _, err := Load(); err == nil {
		t.Errorf("expected error for negative NOTIFY_INTERVAL")
	}
}

func TestLoadRejectsBadWorkers(t *testing.T) {
	t.Setenv("NOTIFY_WORKERS", "0")
	if _, err := Load(); err == nil {
		t.Errorf("expected error for zero NOTIFY_WORKERS")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("TWITCH_CLIENT_ID", "id")
	t.Setenv("TWITCH_CLIENT_SECRET", "secret")
	t.Setenv("DISCORD_BOT_TOKEN", "token")
	cfg, _ := Load()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
	t.Setenv("DISCORD_BOT_TOKEN", "")
	cfg, _ = Load()
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected error when DISCORD_BOT_TOKEN missing")
	}
}

func TestTunnelConfigured(t *testing.T) {
	t.Setenv("DB_TUNNEL_SSH_ADDR", "")
	t.Setenv("DB_TUNNEL_SSH_USER", "")
	cfg, _ := Load()
	if cfg.TunnelConfigured() {
		t.Errorf("tunnel should not be configured by default")
	}
	t.Setenv("DB_TUNNEL_SSH_ADDR", "db.example.com:22")
	t.Setenv("DB_TUNNEL_SSH_USER", "deploy")
	cfg, _ = Load()
	if !cfg.TunnelConfigured() {
		t.Errorf("tunnel should be configured")
	}
	if cfg.TunnelRemoteAddr != "127.0.0.1:5432" {
		t.Errorf("TunnelRemoteAddr = %q, want default 127.0.0.1:5432", cfg.TunnelRemoteAddr)
	}
}
