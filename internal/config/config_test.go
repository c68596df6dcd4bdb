package config

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv blanks every variable Load reads, so ambient shell state cannot
// leak into assertions. t.Setenv restores the originals on cleanup.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"POMOSYNC_CONFIG", "PORT", "LOG_LEVEL", "NATS_URL", "MAX_PARTICIPANTS", "MAX_CHAT_HISTORY"} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.LogLevel != "info" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.MaxParticipants != 16 || cfg.MaxChatHistory != 200 {
		t.Fatalf("unexpected limits: %+v", cfg)
	}
	if cfg.NATSURL != "" {
		t.Fatalf("expected no NATS by default, got %q", cfg.NATSURL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9999")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	t.Setenv("MAX_PARTICIPANTS", "4")
	t.Setenv("MAX_CHAT_HISTORY", "notanumber")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9999" || cfg.LogLevel != "debug" || cfg.NATSURL != "nats://localhost:4222" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.MaxParticipants != 4 {
		t.Fatalf("expected MAX_PARTICIPANTS=4, got %d", cfg.MaxParticipants)
	}
	if cfg.MaxChatHistory != 200 {
		t.Fatalf("unparsable int must keep the default, got %d", cfg.MaxChatHistory)
	}
}

func TestLoadYAMLFileWithEnvPrecedence(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "pomosync.yaml")
	yaml := `
port: "7000"
log_level: warn
allowed_origins:
  - https://pomosync.app
max_participants: 8
ping_interval_sec: 5
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("POMOSYNC_CONFIG", path)
	t.Setenv("PORT", "7001") // env wins over the file

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "7001" {
		t.Fatalf("expected env to override yaml port, got %q", cfg.Port)
	}
	if cfg.LogLevel != "warn" || cfg.MaxParticipants != 8 || cfg.PingIntervalSec != 5 {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://pomosync.app" {
		t.Fatalf("unexpected origins: %+v", cfg.AllowedOrigins)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("POMOSYNC_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadMalformedConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("port: [oops"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("POMOSYNC_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestRegistryConfigTranslation(t *testing.T) {
	clearEnv(t)

	cfg := Default()
	cfg.MaxParticipants = 3
	cfg.PingIntervalSec = 7
	cfg.ReadTimeoutSec = 30
	cfg.WriteTimeoutSec = 5
	cfg.AllowedOrigins = []string{"https://pomosync.app"}

	rc := cfg.RegistryConfig()
	if rc.MaxParticipants != 3 {
		t.Fatalf("expected participant cap 3, got %d", rc.MaxParticipants)
	}
	if rc.Connection.PingInterval != 7*time.Second || rc.Connection.ReadTimeout != 30*time.Second {
		t.Fatalf("timeouts not translated: %+v", rc.Connection)
	}

	allowed := httptest.NewRequest(http.MethodGet, "/ws/session", nil)
	allowed.Header.Set("Origin", "https://pomosync.app")
	if !rc.Connection.CheckOrigin(allowed) {
		t.Fatal("listed origin rejected")
	}
	denied := httptest.NewRequest(http.MethodGet, "/ws/session", nil)
	denied.Header.Set("Origin", "https://evil.example")
	if rc.Connection.CheckOrigin(denied) {
		t.Fatal("unlisted origin accepted")
	}
}
