// Package adapter holds what every platform adapter shares: the
// connection state machine, listener wiring, the standard event handler
// and the capability interfaces adapters consume.
package adapter

import (
	"context"
	"errors"

	"github.com/you/gnasty-live/internal/core"
)

// AuthProvider supplies credentials for authenticated platforms.
type AuthProvider interface {
	IsReady() bool
	GetUserID() string
	GetAccessToken() string
	GetScopes() []string
}

// TimestampService extracts a canonical timestamp from raw platform data.
type TimestampService interface {
	ExtractTimestamp(platform core.Platform, raw map[string]any) (string, bool)
}

// LoggingSink receives raw platform frames when data logging is enabled.
type LoggingSink interface {
	LogRawPlatformData(ctx context.Context, platform core.Platform, eventType string, data any) error
}

// SelfMessageDetector decides whether a chat message is the bot's own and
// should be filtered.
type SelfMessageDetector interface {
	ShouldFilterMessage(platform core.Platform, msg core.ChatMessage, cfg Config) bool
}

// ViewerCountSource is exposed by every adapter for the viewer-count
// scheduler.
type ViewerCountSource interface {
	GetViewerCount(ctx context.Context) (float64, error)
}

// ErrNoViewerCount is returned when the platform reported no count.
var ErrNoViewerCount = errors.New("adapter: viewer count unavailable")

// PollingController stops viewer polling for a platform on cleanup.
type PollingController interface {
	StopPlatformPolling(platform core.Platform)
}

// Config is the per-platform option set adapters understand.
type Config struct {
	Enabled            bool
	Channel            string
	Username           string
	EventSubEnabled    bool
	DataLoggingEnabled bool
}

// Identity returns the configured broadcaster identity, preferring Channel.
func (c Config) Identity() string {
	if c.Channel != "" {
		return c.Channel
	}
	return c.Username
}
