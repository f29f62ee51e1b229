package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Listen   string
	Settings SettingsConfig
	Auth     AuthConfig
	Chat     ChatConfig
	HTTP     HTTPConfig
}

type SettingsConfig struct {
	Path string
}

type AuthConfig struct {
	Token     string
	TokenFile string
	DeviceID  string
}

type ChatConfig struct {
	ServerURL        string
	Channel          string
	HistoryCap       int
	DedupWindow      int
	ReconnectDelayMS int
	DeliveryRate     int
	DeliveryBurst    int
}

type HTTPConfig struct {
	RateRPS      int
	RateBurst    int
	AllowOrigins []string
}

const (
	defaultListen       = "127.0.0.1:47420"
	defaultSettingsPath = "couchcast.db"
)

func Load() Config {
	cfg := Config{}

	cfg.Listen = strings.TrimSpace(os.Getenv("COUCHCAST_LISTEN"))
	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}

	cfg.Settings.Path = strings.TrimSpace(os.Getenv("COUCHCAST_SETTINGS_PATH"))
	if cfg.Settings.Path == "" {
		cfg.Settings.Path = defaultSettingsPath
	}

	cfg.Auth.Token = strings.TrimSpace(os.Getenv("COUCHCAST_TOKEN"))
	cfg.Auth.TokenFile = strings.TrimSpace(os.Getenv("COUCHCAST_TOKEN_FILE"))
	cfg.Auth.DeviceID = strings.TrimSpace(os.Getenv("COUCHCAST_DEVICE_ID"))

	cfg.Chat.ServerURL = strings.TrimSpace(os.Getenv("COUCHCAST_CHAT_SERVER"))
	cfg.Chat.Channel = strings.TrimSpace(os.Getenv("COUCHCAST_CHANNEL"))
	cfg.Chat.HistoryCap = readInt("COUCHCAST_CHAT_HISTORY", 0)
	cfg.Chat.DedupWindow = readInt("COUCHCAST_CHAT_DEDUP_WINDOW", 0)
	cfg.Chat.ReconnectDelayMS = readInt("COUCHCAST_CHAT_RECONNECT_MS", 0)
	cfg.Chat.DeliveryRate = readInt("COUCHCAST_CHAT_RATE", 0)
	cfg.Chat.DeliveryBurst = readInt("COUCHCAST_CHAT_BURST", 0)

	cfg.HTTP.RateRPS = readInt("COUCHCAST_HTTP_RATE", 50)
	cfg.HTTP.RateBurst = readInt("COUCHCAST_HTTP_BURST", 100)
	cfg.HTTP.AllowOrigins = splitList(os.Getenv("COUCHCAST_HTTP_ORIGINS"))

	return cfg
}

func (c Config) ReconnectDelay() time.Duration {
	if c.Chat.ReconnectDelayMS <= 0 {
		return 0
	}
	return time.Duration(c.Chat.ReconnectDelayMS) * time.Millisecond
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"listen":        c.Listen,
		"settings_path": c.Settings.Path,
		"auth": map[string]any{
			"token":      redactString(c.Auth.Token),
			"token_file": c.Auth.TokenFile,
			"device_id":  redactString(c.Auth.DeviceID),
		},
		"chat": map[string]any{
			"server":         c.Chat.ServerURL,
			"channel":        c.Chat.Channel,
			"history":        c.Chat.HistoryCap,
			"dedup_window":   c.Chat.DedupWindow,
			"reconnect_ms":   c.Chat.ReconnectDelayMS,
			"delivery_rate":  c.Chat.DeliveryRate,
			"delivery_burst": c.Chat.DeliveryBurst,
		},
		"http": map[string]any{
			"rate_rps":   c.HTTP.RateRPS,
			"rate_burst": c.HTTP.RateBurst,
			"origins":    append([]string(nil), c.HTTP.AllowOrigins...),
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
