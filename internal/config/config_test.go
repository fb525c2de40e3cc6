package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

var envKeys = []string{
	"GNASTY_CONFIG_FILE",
	"GNASTY_SINKS",
	"GNASTY_RECEIVERS",
	"GNASTY_SINK_SQLITE_PATH",
	"GNASTY_SINK_BATCH_SIZE",
	"GNASTY_SINK_FLUSH_MAX_MS",
	"GNASTY_VIEWER_POLL_SECS",
	"GNASTY_LOG_LEVEL",
	"GNASTY_HTTP_ADDR",
	"GNASTY_TWITCH_ENABLED",
	"GNASTY_TWITCH_CHANNEL",
	"GNASTY_TWITCH_CHANNELS",
	"GNASTY_YT_URL",
	"GNASTY_YT_ENABLED",
	"GNASTY_TIKTOK_USERNAME",
	"GNASTY_TIKTOK_ENABLED",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gnasty.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.HasSink("sqlite") {
		t.Fatalf("expected sqlite sink by default, got %v", cfg.Sinks)
	}
	if cfg.Sink.SQLite.Path != "chat.db" {
		t.Fatalf("unexpected sqlite path: %q", cfg.Sink.SQLite.Path)
	}
	if cfg.Batch() != 1 || cfg.FlushInterval() != 0 {
		t.Fatalf("unexpected batching %d %s", cfg.Batch(), cfg.FlushInterval())
	}
	if cfg.ViewerPollInterval() != 60*time.Second {
		t.Fatalf("expected 60s viewer polling, got %s", cfg.ViewerPollInterval())
	}
	if cfg.Twitch.Enabled || cfg.YouTube.Enabled || cfg.TikTok.Enabled {
		t.Fatalf("platforms must default to disabled")
	}
	if !cfg.Twitch.TLS || !cfg.Twitch.EventSubEnabled {
		t.Fatalf("expected twitch tls and eventsub on by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GNASTY_SINK_SQLITE_PATH", "/data/elora.db")
	t.Setenv("GNASTY_SINK_BATCH_SIZE", "25")
	t.Setenv("GNASTY_SINK_FLUSH_MAX_MS", "250")
	t.Setenv("GNASTY_TWITCH_CHANNELS", "elora, gnasty")
	t.Setenv("GNASTY_TWITCH_NICK", "elora_bot")
	t.Setenv("GNASTY_TWITCH_CLIENT_SECRET", "secret")
	t.Setenv("GNASTY_TWITCH_TLS", "false")
	t.Setenv("GNASTY_TWITCH_EVENTSUB", "false")
	t.Setenv("GNASTY_YT_URL", "https://www.youtube.com/@elora/live")
	t.Setenv("GNASTY_TIKTOK_USERNAME", "elora.tt")
	t.Setenv("GNASTY_VIEWER_POLL_SECS", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sink.SQLite.Path != "/data/elora.db" || cfg.Batch() != 25 || cfg.FlushInterval() != 250*time.Millisecond {
		t.Fatalf("unexpected sink config %+v", cfg.Sink)
	}
	if !cfg.Twitch.Enabled || cfg.Twitch.Channel != "elora" || cfg.Twitch.Username != "elora_bot" {
		t.Fatalf("unexpected twitch config %+v", cfg.Twitch)
	}
	if cfg.Twitch.TLS || cfg.Twitch.EventSubEnabled {
		t.Fatalf("expected tls and eventsub disabled")
	}
	if !cfg.YouTube.Enabled || cfg.YouTube.Adapter().Identity() != "https://www.youtube.com/@elora/live" {
		t.Fatalf("unexpected youtube config %+v", cfg.YouTube)
	}
	if !cfg.TikTok.Enabled || cfg.TikTok.Adapter().Identity() != "elora.tt" {
		t.Fatalf("unexpected tiktok config %+v", cfg.TikTok)
	}
	if cfg.ViewerPollInterval() != 0 {
		t.Fatalf("zero seconds should disable polling")
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
general:
  viewerCountPollingIntervalSeconds: 30
sink:
  sqlitePath: /var/lib/gnasty/events.db
  batchSize: 10
http:
  addr: ":8765"
  corsOrigins: ["https://overlay.example"]
twitch:
  enabled: true
  channel: elora
  username: elora_bot
  eventsubEnabled: false
  clientId: abc
  tokenFile: /run/secrets/twitch
youtube:
  enabled: true
  channel: "@elora"
tiktok:
  enabled: true
  username: elora.tt
  relayUrl: ws://relay:21213/
  dataLoggingEnabled: true
`)
	t.Setenv("GNASTY_CONFIG_FILE", path)
	t.Setenv("GNASTY_SINK_BATCH_SIZE", "50")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.File != path {
		t.Fatalf("expected file recorded, got %q", cfg.File)
	}
	if cfg.ViewerPollInterval() != 30*time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.ViewerPollInterval())
	}
	if cfg.Sink.SQLite.Path != "/var/lib/gnasty/events.db" {
		t.Fatalf("unexpected sqlite path %q", cfg.Sink.SQLite.Path)
	}
	if cfg.Batch() != 50 {
		t.Fatalf("env must override file, got batch %d", cfg.Batch())
	}
	if cfg.HTTP.Addr != ":8765" || len(cfg.HTTP.CORSOrigins) != 1 {
		t.Fatalf("unexpected http config %+v", cfg.HTTP)
	}
	tw := cfg.Twitch
	if !tw.Enabled || tw.Channel != "elora" || tw.EventSubEnabled || tw.ClientID != "abc" || tw.TokenFile != "/run/secrets/twitch" {
		t.Fatalf("unexpected twitch config %+v", tw)
	}
	if !tw.TLS {
		t.Fatalf("tls should keep its default when absent from the file")
	}
	if !cfg.YouTube.Enabled || cfg.YouTube.Channel != "@elora" {
		t.Fatalf("unexpected youtube config %+v", cfg.YouTube)
	}
	if !cfg.TikTok.DataLoggingEnabled || cfg.TikTok.RelayURL != "ws://relay:21213/" {
		t.Fatalf("unexpected tiktok config %+v", cfg.TikTok)
	}
}

func TestUnknownKeys(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantSubstr string
	}{
		{"snake case twitch key", "twitch:\n  client_id: abc\n", `did you mean "clientId"`},
		{"snake case youtube key", "youtube:\n  live_url: x\n", `did you mean "liveUrl"`},
		{"snake case general key", "general:\n  viewer_count_polling_interval_seconds: 5\n", `did you mean "viewerCountPollingIntervalSeconds"`},
		{"unknown key", "tiktok:\n  password: x\n", `unknown key "tiktok.password"`},
		{"unknown section", "discord:\n  enabled: true\n", `unknown key "discord"`},
		{"wrong case", "twitch:\n  ClientID: x\n", `did you mean "clientId"`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("GNASTY_CONFIG_FILE", writeFile(t, tc.body))
			_, err := Load()
			if !errors.Is(err, ErrUnknownKey) {
				t.Fatalf("expected ErrUnknownKey, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantSubstr) {
				t.Fatalf("error %q does not contain %q", err, tc.wantSubstr)
			}
		})
	}
}

func TestUnknownKeysAreAllReported(t *testing.T) {
	cfg := Defaults()
	err := cfg.applyYAML([]byte("twitch:\n  token_file: a\n  refresh_token_file: b\n"))
	var keyErr *KeyError
	if !errors.As(err, &keyErr) {
		t.Fatalf("expected KeyError, got %v", err)
	}
	if !strings.Contains(err.Error(), "refreshTokenFile") || !strings.Contains(err.Error(), "tokenFile") {
		t.Fatalf("expected both keys reported, got %v", err)
	}
}

func TestMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("GNASTY_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil || errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestRedactedSnapshot(t *testing.T) {
	cfg := Defaults()
	cfg.Twitch.ClientID = "client-id-value"
	cfg.Twitch.ClientSecret = "super-secret"
	cfg.Twitch.RefreshTokenFile = "/run/refresh"
	cfg.TikTok.RelayURL = "wss://relay.example/?token=abc"

	data := cfg.RedactedJSON()
	if strings.Contains(string(data), "super-secret") || strings.Contains(string(data), "token=abc") {
		t.Fatalf("secrets leaked: %s", data)
	}
	var snapshot map[string]any
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	twitch, ok := snapshot["twitch"].(map[string]any)
	if !ok {
		t.Fatalf("missing twitch section: %s", data)
	}
	if twitch["refreshEnabled"] != true {
		t.Fatalf("expected refresh enabled, got %v", twitch["refreshEnabled"])
	}
	if !strings.HasPrefix(twitch["clientSecret"].(string), "***REDACTED***") {
		t.Fatalf("client secret not redacted: %v", twitch["clientSecret"])
	}
}

func TestSummaryJSON(t *testing.T) {
	cfg := Defaults()
	cfg.Twitch.ClientSecret = "super-secret"
	data := cfg.SummaryJSON()
	if !strings.Contains(string(data), `"config_summary"`) || strings.Contains(string(data), "super-secret") {
		t.Fatalf("unexpected summary %s", data)
	}
}

func TestSnakeToCamel(t *testing.T) {
	tests := map[string]string{
		"client_id":        "clientId",
		"eventsub_enabled": "eventsubEnabled",
		"_leading":         "leading",
		"plain":            "plain",
	}
	for in, want := range tests {
		if got := snakeToCamel(in); got != want {
			t.Fatalf("snakeToCamel(%q) = %q, want %q", in, got, want)
		}
	}
}
