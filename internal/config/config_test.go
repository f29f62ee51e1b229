package config

import (
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"COUCHCAST_LISTEN", "COUCHCAST_SETTINGS_PATH", "COUCHCAST_TOKEN",
		"COUCHCAST_CHANNEL", "COUCHCAST_HTTP_RATE", "COUCHCAST_HTTP_BURST",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Listen != defaultListen {
		t.Errorf("listen %q", cfg.Listen)
	}
	if cfg.Settings.Path != defaultSettingsPath {
		t.Errorf("settings path %q", cfg.Settings.Path)
	}
	if cfg.HTTP.RateRPS != 50 || cfg.HTTP.RateBurst != 100 {
		t.Errorf("http rate %d/%d", cfg.HTTP.RateRPS, cfg.HTTP.RateBurst)
	}
	if cfg.ReconnectDelay() != 0 {
		t.Errorf("reconnect delay %v", cfg.ReconnectDelay())
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("COUCHCAST_LISTEN", "0.0.0.0:9999")
	t.Setenv("COUCHCAST_CHANNEL", "somestreamer")
	t.Setenv("COUCHCAST_CHAT_RECONNECT_MS", "500")
	t.Setenv("COUCHCAST_CHAT_HISTORY", "not-a-number")
	t.Setenv("COUCHCAST_HTTP_ORIGINS", "http://localhost:1420, tauri://localhost")

	cfg := Load()
	if cfg.Listen != "0.0.0.0:9999" {
		t.Errorf("listen %q", cfg.Listen)
	}
	if cfg.Chat.Channel != "somestreamer" {
		t.Errorf("channel %q", cfg.Chat.Channel)
	}
	if got := cfg.ReconnectDelay().Milliseconds(); got != 500 {
		t.Errorf("reconnect delay %dms", got)
	}
	if cfg.Chat.HistoryCap != 0 {
		t.Errorf("bad int should fall back, got %d", cfg.Chat.HistoryCap)
	}
	if len(cfg.HTTP.AllowOrigins) != 2 || cfg.HTTP.AllowOrigins[1] != "tauri://localhost" {
		t.Errorf("origins %v", cfg.HTTP.AllowOrigins)
	}
}

func TestRedactedHidesSecrets(t *testing.T) {
	t.Setenv("COUCHCAST_TOKEN", "supersecrettoken")
	cfg := Load()

	out := string(cfg.RedactedJSON())
	if strings.Contains(out, "supersecrettoken") {
		t.Fatal("token leaked into redacted config")
	}
	if !strings.Contains(out, "REDACTED") {
		t.Fatalf("redaction marker missing: %s", out)
	}
}
