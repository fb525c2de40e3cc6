package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// ErrUnknownKey is matched by every KeyError.
var ErrUnknownKey = errors.New("config: unknown key")

// KeyError names a key the YAML document may not contain.
type KeyError struct {
	Section    string
	Key        string
	Suggestion string
}

func (e *KeyError) Error() string {
	where := e.Key
	if e.Section != "" {
		where = e.Section + "." + e.Key
	}
	if e.Suggestion != "" {
		return fmt.Sprintf("config: unknown key %q (did you mean %q?)", where, e.Suggestion)
	}
	return fmt.Sprintf("config: unknown key %q", where)
}

func (e *KeyError) Is(target error) bool { return target == ErrUnknownKey }

type platformFile struct {
	Enabled            *bool   `yaml:"enabled"`
	Channel            *string `yaml:"channel"`
	Username           *string `yaml:"username"`
	EventSubEnabled    *bool   `yaml:"eventsubEnabled"`
	DataLoggingEnabled *bool   `yaml:"dataLoggingEnabled"`
}

type twitchFile struct {
	platformFile     `yaml:",inline"`
	ClientID         *string `yaml:"clientId"`
	ClientSecret     *string `yaml:"clientSecret"`
	TokenFile        *string `yaml:"tokenFile"`
	RefreshTokenFile *string `yaml:"refreshTokenFile"`
	TLS              *bool   `yaml:"tls"`
}

type youtubeFile struct {
	platformFile `yaml:",inline"`
	LiveURL      *string `yaml:"liveUrl"`
}

type tiktokFile struct {
	platformFile `yaml:",inline"`
	RelayURL     *string `yaml:"relayUrl"`
}

type fileDoc struct {
	General struct {
		ViewerCountPollingIntervalSeconds *int    `yaml:"viewerCountPollingIntervalSeconds"`
		LogLevel                          *string `yaml:"logLevel"`
		IRCDebugDrops                     *bool   `yaml:"ircDebugDrops"`
	} `yaml:"general"`
	Sink struct {
		Outputs    []string `yaml:"outputs"`
		SQLitePath *string  `yaml:"sqlitePath"`
		BatchSize  *int     `yaml:"batchSize"`
		FlushMaxMS *int     `yaml:"flushMaxMs"`
	} `yaml:"sink"`
	HTTP struct {
		Addr           *string  `yaml:"addr"`
		CORSOrigins    []string `yaml:"corsOrigins"`
		RateLimitRPS   *int     `yaml:"rateLimitRps"`
		RateLimitBurst *int     `yaml:"rateLimitBurst"`
		Metrics        *bool    `yaml:"metrics"`
		AccessLog      *bool    `yaml:"accessLog"`
	} `yaml:"http"`
	Twitch  twitchFile  `yaml:"twitch"`
	YouTube youtubeFile `yaml:"youtube"`
	TikTok  tiktokFile  `yaml:"tiktok"`
}

var platformKeys = []string{"enabled", "channel", "username", "eventsubEnabled", "dataLoggingEnabled"}

// knownKeys lists the accepted keys of each top-level section.
var knownKeys = map[string][]string{
	"general": {"viewerCountPollingIntervalSeconds", "logLevel", "ircDebugDrops"},
	"sink":    {"outputs", "sqlitePath", "batchSize", "flushMaxMs"},
	"http":    {"addr", "corsOrigins", "rateLimitRps", "rateLimitBurst", "metrics", "accessLog"},
	"twitch":  append([]string{"clientId", "clientSecret", "tokenFile", "refreshTokenFile", "tls"}, platformKeys...),
	"youtube": append([]string{"liveUrl"}, platformKeys...),
	"tiktok":  append([]string{"relayUrl"}, platformKeys...),
}

func (cfg *Config) applyFile(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := cfg.applyYAML(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func (cfg *Config) applyYAML(data []byte) error {
	var sections map[string]map[string]any
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := checkKeys(sections); err != nil {
		return err
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: decode yaml: %w", err)
	}

	g := doc.General
	setInt(&cfg.General.ViewerCountPollingIntervalSeconds, g.ViewerCountPollingIntervalSeconds)
	setString(&cfg.General.LogLevel, g.LogLevel)
	setBool(&cfg.General.IRCDebugDrops, g.IRCDebugDrops)

	if doc.Sink.Outputs != nil {
		cfg.Sinks = dedupe(doc.Sink.Outputs)
	}
	setString(&cfg.Sink.SQLite.Path, doc.Sink.SQLitePath)
	setInt(&cfg.Sink.BatchSize, doc.Sink.BatchSize)
	setInt(&cfg.Sink.FlushMaxMS, doc.Sink.FlushMaxMS)

	setString(&cfg.HTTP.Addr, doc.HTTP.Addr)
	if doc.HTTP.CORSOrigins != nil {
		cfg.HTTP.CORSOrigins = dedupe(doc.HTTP.CORSOrigins)
	}
	setInt(&cfg.HTTP.RateLimitRPS, doc.HTTP.RateLimitRPS)
	setInt(&cfg.HTTP.RateLimitBurst, doc.HTTP.RateLimitBurst)
	setBool(&cfg.HTTP.Metrics, doc.HTTP.Metrics)
	setBool(&cfg.HTTP.AccessLog, doc.HTTP.AccessLog)

	doc.Twitch.apply(&cfg.Twitch.PlatformConfig)
	setString(&cfg.Twitch.ClientID, doc.Twitch.ClientID)
	setString(&cfg.Twitch.ClientSecret, doc.Twitch.ClientSecret)
	setString(&cfg.Twitch.TokenFile, doc.Twitch.TokenFile)
	setString(&cfg.Twitch.RefreshTokenFile, doc.Twitch.RefreshTokenFile)
	setBool(&cfg.Twitch.TLS, doc.Twitch.TLS)

	doc.YouTube.apply(&cfg.YouTube.PlatformConfig)
	setString(&cfg.YouTube.LiveURL, doc.YouTube.LiveURL)

	doc.TikTok.apply(&cfg.TikTok.PlatformConfig)
	setString(&cfg.TikTok.RelayURL, doc.TikTok.RelayURL)
	return nil
}

func (p platformFile) apply(dst *PlatformConfig) {
	setBool(&dst.Enabled, p.Enabled)
	setString(&dst.Channel, p.Channel)
	setString(&dst.Username, p.Username)
	setBool(&dst.EventSubEnabled, p.EventSubEnabled)
	setBool(&dst.DataLoggingEnabled, p.DataLoggingEnabled)
}

// checkKeys rejects unknown sections and keys. A snake_case key whose
// camelCase form is accepted carries that form as a suggestion.
func checkKeys(sections map[string]map[string]any) error {
	var errs []error
	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		known, ok := knownKeys[name]
		if !ok {
			errs = append(errs, &KeyError{Key: name, Suggestion: suggest(name, sectionNames())})
			continue
		}
		keys := make([]string, 0, len(sections[name]))
		for key := range sections[name] {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if contains(known, key) {
				continue
			}
			errs = append(errs, &KeyError{Section: name, Key: key, Suggestion: suggest(key, known)})
		}
	}
	return errors.Join(errs...)
}

func sectionNames() []string {
	out := make([]string, 0, len(knownKeys))
	for name := range knownKeys {
		out = append(out, name)
	}
	return out
}

func suggest(key string, known []string) string {
	if !strings.Contains(key, "_") {
		for _, k := range known {
			if strings.EqualFold(k, key) {
				return k
			}
		}
		return ""
	}
	camel := snakeToCamel(key)
	for _, k := range known {
		if strings.EqualFold(k, camel) {
			return k
		}
	}
	return ""
}

func snakeToCamel(s string) string {
	parts := strings.Split(strings.ToLower(s), "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 || b.Len() == 0 {
			b.WriteString(p)
			continue
		}
		r := []rune(p)
		r[0] = unicode.ToUpper(r[0])
		b.WriteString(string(r))
	}
	return b.String()
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
