package config

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/you/gnasty-live/internal/adapter"
)

type Config struct {
	General GeneralConfig
	Sinks   []string
	Sink    SinkConfig
	HTTP    HTTPConfig
	Twitch  TwitchConfig
	YouTube YouTubeConfig
	TikTok  TikTokConfig

	// File is the YAML document the config was read from, if any.
	File string
}

type GeneralConfig struct {
	// ViewerCountPollingIntervalSeconds <= 0 disables viewer polling.
	ViewerCountPollingIntervalSeconds int
	LogLevel                          string
	IRCDebugDrops                     bool
}

type SinkConfig struct {
	SQLite     SQLiteConfig
	BatchSize  int
	FlushMaxMS int
}

type SQLiteConfig struct {
	Path string
}

type HTTPConfig struct {
	Addr           string
	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int
	Metrics        bool
	AccessLog      bool
}

// PlatformConfig holds the keys every platform section understands.
type PlatformConfig struct {
	Enabled            bool
	Channel            string
	Username           string
	EventSubEnabled    bool
	DataLoggingEnabled bool
}

// Adapter converts the section into the adapter option set.
func (p PlatformConfig) Adapter() adapter.Config {
	return adapter.Config{
		Enabled:            p.Enabled,
		Channel:            strings.TrimSpace(p.Channel),
		Username:           strings.TrimSpace(p.Username),
		EventSubEnabled:    p.EventSubEnabled,
		DataLoggingEnabled: p.DataLoggingEnabled,
	}
}

type TwitchConfig struct {
	PlatformConfig
	ClientID         string
	ClientSecret     string
	TokenFile        string
	RefreshTokenFile string
	TLS              bool
}

type YouTubeConfig struct {
	PlatformConfig
	LiveURL string
}

type TikTokConfig struct {
	PlatformConfig
	RelayURL string
}

const (
	defaultSQLitePath     = "chat.db"
	defaultBatchSize      = 1
	defaultFlushMS        = 0
	defaultViewerPollSecs = 60
	defaultHTTPRateRPS    = 20
	defaultHTTPRateBurst  = 40
	defaultTikTokRelayURL = "ws://127.0.0.1:21213/"
	defaultLogLevel       = "info"
	configFileEnv         = "GNASTY_CONFIG_FILE"
)

// Defaults returns the configuration used when neither a file nor the
// environment sets a value.
func Defaults() Config {
	cfg := Config{
		General: GeneralConfig{
			ViewerCountPollingIntervalSeconds: defaultViewerPollSecs,
			LogLevel:                          defaultLogLevel,
		},
		Sinks: []string{"sqlite"},
		Sink: SinkConfig{
			SQLite:     SQLiteConfig{Path: defaultSQLitePath},
			BatchSize:  defaultBatchSize,
			FlushMaxMS: defaultFlushMS,
		},
		HTTP: HTTPConfig{
			RateLimitRPS:   defaultHTTPRateRPS,
			RateLimitBurst: defaultHTTPRateBurst,
			Metrics:        true,
			AccessLog:      true,
		},
		TikTok: TikTokConfig{RelayURL: defaultTikTokRelayURL},
	}
	cfg.Twitch.TLS = true
	cfg.Twitch.EventSubEnabled = true
	return cfg
}

// Load reads the YAML file named by GNASTY_CONFIG_FILE, when set, and then
// applies GNASTY_* environment overrides.
func Load() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv(configFileEnv)); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
		cfg.File = path
	}
	cfg.applyEnv()
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	if raw := firstEnv("GNASTY_SINKS", "GNASTY_RECEIVERS"); raw != "" {
		cfg.Sinks = splitList(raw)
	}
	cfg.Sink.SQLite.Path = readString("GNASTY_SINK_SQLITE_PATH", cfg.Sink.SQLite.Path)
	cfg.Sink.BatchSize = readInt("GNASTY_SINK_BATCH_SIZE", cfg.Sink.BatchSize)
	cfg.Sink.FlushMaxMS = readInt("GNASTY_SINK_FLUSH_MAX_MS", cfg.Sink.FlushMaxMS)

	cfg.General.ViewerCountPollingIntervalSeconds = readSignedInt("GNASTY_VIEWER_POLL_SECS", cfg.General.ViewerCountPollingIntervalSeconds)
	cfg.General.LogLevel = strings.ToLower(readString("GNASTY_LOG_LEVEL", cfg.General.LogLevel))
	cfg.General.IRCDebugDrops = readBool("GNASTY_IRC_DEBUG_DROPS", cfg.General.IRCDebugDrops)

	cfg.HTTP.Addr = readString("GNASTY_HTTP_ADDR", cfg.HTTP.Addr)
	if raw := strings.TrimSpace(os.Getenv("GNASTY_HTTP_CORS_ORIGINS")); raw != "" {
		cfg.HTTP.CORSOrigins = splitList(raw)
	}
	cfg.HTTP.RateLimitRPS = readInt("GNASTY_HTTP_RATE_RPS", cfg.HTTP.RateLimitRPS)
	cfg.HTTP.RateLimitBurst = readInt("GNASTY_HTTP_RATE_BURST", cfg.HTTP.RateLimitBurst)
	cfg.HTTP.Metrics = readBool("GNASTY_HTTP_METRICS", cfg.HTTP.Metrics)
	cfg.HTTP.AccessLog = readBool("GNASTY_HTTP_ACCESS_LOG", cfg.HTTP.AccessLog)

	tw := &cfg.Twitch
	if channels := splitList(os.Getenv("GNASTY_TWITCH_CHANNELS")); len(channels) > 0 {
		tw.Channel = channels[0]
	}
	tw.Channel = readString("GNASTY_TWITCH_CHANNEL", tw.Channel)
	tw.Username = readString("GNASTY_TWITCH_NICK", tw.Username)
	tw.TokenFile = readString("GNASTY_TWITCH_TOKEN_FILE", tw.TokenFile)
	tw.RefreshTokenFile = readString("GNASTY_TWITCH_REFRESH_TOKEN_FILE", tw.RefreshTokenFile)
	tw.ClientID = readString("GNASTY_TWITCH_CLIENT_ID", tw.ClientID)
	tw.ClientSecret = readString("GNASTY_TWITCH_CLIENT_SECRET", tw.ClientSecret)
	tw.TLS = readBool("GNASTY_TWITCH_TLS", tw.TLS)
	tw.EventSubEnabled = readBool("GNASTY_TWITCH_EVENTSUB", tw.EventSubEnabled)
	tw.DataLoggingEnabled = readBool("GNASTY_TWITCH_DATA_LOGGING", tw.DataLoggingEnabled)
	if envExists("GNASTY_TWITCH_ENABLED") {
		tw.Enabled = readBool("GNASTY_TWITCH_ENABLED", tw.Enabled)
	} else if envExists("GNASTY_TWITCH_CHANNEL") || envExists("GNASTY_TWITCH_CHANNELS") {
		tw.Enabled = tw.Channel != ""
	}

	yt := &cfg.YouTube
	yt.LiveURL = readString("GNASTY_YT_URL", yt.LiveURL)
	yt.DataLoggingEnabled = readBool("GNASTY_YT_DATA_LOGGING", yt.DataLoggingEnabled)
	if envExists("GNASTY_YT_ENABLED") {
		yt.Enabled = readBool("GNASTY_YT_ENABLED", yt.Enabled)
	} else if envExists("GNASTY_YT_URL") {
		yt.Enabled = yt.LiveURL != ""
	}
	if yt.Channel == "" {
		yt.Channel = yt.LiveURL
	}

	tt := &cfg.TikTok
	tt.Username = readString("GNASTY_TIKTOK_USERNAME", tt.Username)
	tt.RelayURL = readString("GNASTY_TIKTOK_RELAY_URL", tt.RelayURL)
	tt.DataLoggingEnabled = readBool("GNASTY_TIKTOK_DATA_LOGGING", tt.DataLoggingEnabled)
	if envExists("GNASTY_TIKTOK_ENABLED") {
		tt.Enabled = readBool("GNASTY_TIKTOK_ENABLED", tt.Enabled)
	} else if envExists("GNASTY_TIKTOK_USERNAME") {
		tt.Enabled = tt.Username != ""
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
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
	return dedupe(out)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func readString(name, def string) string {
	if !envExists(name) {
		return def
	}
	return strings.TrimSpace(os.Getenv(name))
}

// readInt keeps def for unset, malformed or non-positive values.
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

// readSignedInt accepts zero and negative values, which switch features off.
func readSignedInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func envExists(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}

// ViewerPollInterval is zero when polling is disabled.
func (c Config) ViewerPollInterval() time.Duration {
	if c.General.ViewerCountPollingIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.General.ViewerCountPollingIntervalSeconds) * time.Second
}

func (c Config) refreshEnabled() bool {
	return c.Twitch.ClientID != "" && c.Twitch.ClientSecret != "" && c.Twitch.RefreshTokenFile != ""
}

func (c Config) Summary() Summary {
	return Summary{
		Sinks:          append([]string(nil), c.Sinks...),
		SQLitePath:     c.Sink.SQLite.Path,
		BatchSize:      c.Sink.BatchSize,
		FlushMaxMS:     c.Sink.FlushMaxMS,
		ViewerPollSecs: c.General.ViewerCountPollingIntervalSeconds,
		HTTPAddr:       c.HTTP.Addr,
		File:           c.File,
		Twitch: TwitchSummary{
			Enabled:          c.Twitch.Enabled,
			Channel:          c.Twitch.Channel,
			Nick:             c.Twitch.Username,
			EventSub:         c.Twitch.EventSubEnabled,
			TokenFile:        c.Twitch.TokenFile,
			ClientID:         redactString(c.Twitch.ClientID),
			ClientSecret:     redactString(c.Twitch.ClientSecret),
			RefreshTokenFile: c.Twitch.RefreshTokenFile,
			RefreshEnabled:   c.refreshEnabled(),
		},
		YouTube: YouTubeSummary{
			Enabled: c.YouTube.Enabled,
			LiveURL: c.YouTube.LiveURL,
		},
		TikTok: TikTokSummary{
			Enabled:  c.TikTok.Enabled,
			Username: c.TikTok.Username,
			RelayURL: redactURL(c.TikTok.RelayURL),
		},
	}
}

type Summary struct {
	Sinks          []string       `json:"sinks"`
	SQLitePath     string         `json:"sqlite_path"`
	BatchSize      int            `json:"batch"`
	FlushMaxMS     int            `json:"flush_ms"`
	ViewerPollSecs int            `json:"viewer_poll_secs"`
	HTTPAddr       string         `json:"http_addr,omitempty"`
	File           string         `json:"file,omitempty"`
	Twitch         TwitchSummary  `json:"twitch"`
	YouTube        YouTubeSummary `json:"yt"`
	TikTok         TikTokSummary  `json:"tiktok"`
}

type TwitchSummary struct {
	Enabled          bool   `json:"enabled"`
	Channel          string `json:"channel,omitempty"`
	Nick             string `json:"nick,omitempty"`
	EventSub         bool   `json:"eventsub"`
	TokenFile        string `json:"token_file,omitempty"`
	ClientID         string `json:"client_id,omitempty"`
	ClientSecret     string `json:"client_secret,omitempty"`
	RefreshTokenFile string `json:"refresh_token_file,omitempty"`
	RefreshEnabled   bool   `json:"refresh_enabled"`
}

type YouTubeSummary struct {
	Enabled bool   `json:"enabled"`
	LiveURL string `json:"live_url,omitempty"`
}

type TikTokSummary struct {
	Enabled  bool   `json:"enabled"`
	Username string `json:"username,omitempty"`
	RelayURL string `json:"relay_url,omitempty"`
}

// Redacted is the effective configuration with secrets masked, in the
// same camelCase shape the YAML file uses.
func (c Config) Redacted() map[string]any {
	platform := func(p PlatformConfig) map[string]any {
		return map[string]any{
			"enabled":            p.Enabled,
			"channel":            p.Channel,
			"username":           p.Username,
			"dataLoggingEnabled": p.DataLoggingEnabled,
		}
	}
	twitch := platform(c.Twitch.PlatformConfig)
	twitch["eventsubEnabled"] = c.Twitch.EventSubEnabled
	twitch["clientId"] = redactString(c.Twitch.ClientID)
	twitch["clientSecret"] = redactString(c.Twitch.ClientSecret)
	twitch["tokenFile"] = c.Twitch.TokenFile
	twitch["refreshTokenFile"] = c.Twitch.RefreshTokenFile
	twitch["tls"] = c.Twitch.TLS
	twitch["refreshEnabled"] = c.refreshEnabled()

	youtube := platform(c.YouTube.PlatformConfig)
	youtube["liveUrl"] = c.YouTube.LiveURL

	tiktok := platform(c.TikTok.PlatformConfig)
	tiktok["relayUrl"] = redactURL(c.TikTok.RelayURL)

	return map[string]any{
		"general": map[string]any{
			"viewerCountPollingIntervalSeconds": c.General.ViewerCountPollingIntervalSeconds,
			"logLevel":                          c.General.LogLevel,
			"ircDebugDrops":                     c.General.IRCDebugDrops,
		},
		"sinks": append([]string(nil), c.Sinks...),
		"sink": map[string]any{
			"sqlitePath": c.Sink.SQLite.Path,
			"batchSize":  c.Sink.BatchSize,
			"flushMaxMs": c.Sink.FlushMaxMS,
		},
		"http": map[string]any{
			"addr":           c.HTTP.Addr,
			"corsOrigins":    append([]string(nil), c.HTTP.CORSOrigins...),
			"rateLimitRps":   c.HTTP.RateLimitRPS,
			"rateLimitBurst": c.HTTP.RateLimitBurst,
			"metrics":        c.HTTP.Metrics,
			"accessLog":      c.HTTP.AccessLog,
		},
		"twitch":  twitch,
		"youtube": youtube,
		"tiktok":  tiktok,
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

// redactURL masks query strings, which relays use for access tokens.
func redactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i] + "?***REDACTED***"
	}
	return raw
}

func (c Config) HasSink(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, s := range c.Sinks {
		if strings.ToLower(strings.TrimSpace(s)) == name {
			return true
		}
	}
	return false
}

func (c Config) FlushInterval() time.Duration {
	if c.Sink.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Sink.FlushMaxMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Sink.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Sink.BatchSize
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}
