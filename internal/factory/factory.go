// Package factory builds canonical events from adapter-local payloads.
// Factories copy the caller's timestamp verbatim and never validate.
package factory

import "github.com/you/gnasty-live/internal/core"

// Factory builds events for a single platform.
type Factory struct {
	platform core.Platform
	newID    func() string
}

// New returns a Factory stamping events with platform.
func New(platform core.Platform) *Factory {
	return &Factory{platform: platform, newID: core.NewCorrelationID}
}

// Platform returns the platform the factory is bound to.
func (f *Factory) Platform() core.Platform { return f.platform }

// Build wraps payload in a canonical envelope. The event type comes from
// the payload itself.
func (f *Factory) Build(timestamp string, payload core.Payload) core.Event {
	return core.Event{
		Type:      payload.EventType(),
		Platform:  f.platform,
		Timestamp: timestamp,
		Metadata:  core.Metadata{CorrelationID: f.newID()},
		Data:      payload,
	}
}

func (f *Factory) CreateChatMessageEvent(timestamp string, in core.ChatMessage) core.Event {
	return f.Build(timestamp, in)
}

func (f *Factory) CreateFollowEvent(timestamp string, in core.Follow) core.Event {
	return f.Build(timestamp, in)
}

func (f *Factory) CreatePaypiggyEvent(timestamp string, in core.Paypiggy) core.Event {
	return f.Build(timestamp, in)
}

func (f *Factory) CreateGiftEvent(timestamp string, in core.Gift) core.Event {
	return f.Build(timestamp, in)
}

func (f *Factory) CreateGiftPaypiggyEvent(timestamp string, in core.GiftPaypiggy) core.Event {
	return f.Build(timestamp, in)
}

func (f *Factory) CreateRaidEvent(timestamp string, in core.Raid) core.Event {
	return f.Build(timestamp, in)
}

func (f *Factory) CreateEnvelopeEvent(timestamp string, in core.Envelope) core.Event {
	return f.Build(timestamp, in)
}

// CreateStreamOnlineEvent uses startedAt as both the event timestamp and
// the payload's start time.
func (f *Factory) CreateStreamOnlineEvent(startedAt string) core.Event {
	return f.Build(startedAt, core.StreamStatus{IsLive: true, StartedAt: startedAt})
}

// CreateStreamOfflineEvent uses the offline notification's own timestamp.
func (f *Factory) CreateStreamOfflineEvent(timestamp string) core.Event {
	return f.Build(timestamp, core.StreamStatus{IsLive: false, EndedAt: timestamp})
}

// CreatePlatformConnectionEvent stamps the current time.
func (f *Factory) CreatePlatformConnectionEvent(status, reason string, willReconnect bool) core.Event {
	return f.Build(core.Now(), core.PlatformConnection{
		Status:        status,
		Reason:        reason,
		WillReconnect: willReconnect,
	})
}
