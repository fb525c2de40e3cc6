package core

import "time"

// Platform identifies the streaming service an event came from.
type Platform string

const (
	PlatformTwitch  Platform = "twitch"
	PlatformYouTube Platform = "youtube"
	PlatformTikTok  Platform = "tiktok"
)

// Platforms lists every supported platform in a stable order.
var Platforms = []Platform{PlatformTwitch, PlatformYouTube, PlatformTikTok}

// Known reports whether p is one of the supported platforms.
func (p Platform) Known() bool {
	switch p {
	case PlatformTwitch, PlatformYouTube, PlatformTikTok:
		return true
	}
	return false
}

// EventType is the canonical event discriminator.
type EventType string

const (
	TypeChatMessage        EventType = "chat-message"
	TypeFollow             EventType = "follow"
	TypePaypiggy           EventType = "paypiggy"
	TypeGift               EventType = "gift"
	TypeGiftPaypiggy       EventType = "giftpaypiggy"
	TypeRaid               EventType = "raid"
	TypeStreamStatus       EventType = "stream-status"
	TypePlatformConnection EventType = "platform-connection"

	// TypeEnvelope is the TikTok treasure chest. It is not part of the
	// canonical enumeration but flows through the same pipeline.
	TypeEnvelope EventType = "envelope"
)

// IsMonetization reports whether failures for t must surface as error payloads.
func (t EventType) IsMonetization() bool {
	switch t {
	case TypeGift, TypePaypiggy, TypeGiftPaypiggy, TypeEnvelope:
		return true
	}
	return false
}

// Metadata travels with every event.
type Metadata struct {
	CorrelationID string `json:"correlationId"`
}

// Event is the canonical envelope published to downstream consumers.
// Data holds one of the payload structs below, or a *MonetizationError
// when IsError is set.
type Event struct {
	Type      EventType `json:"type"`
	Platform  Platform  `json:"platform"`
	Timestamp string    `json:"timestamp"`
	IsError   bool      `json:"isError"`
	Metadata  Metadata  `json:"metadata"`
	Data      Payload   `json:"data"`
}

// Payload is implemented by every variant body.
type Payload interface {
	EventType() EventType
}

// Identity is embedded by variants attributed to a viewer.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type MessageText struct {
	Text string `json:"text"`
}

type ChatMessage struct {
	Identity
	Message       MessageText       `json:"message"`
	IsMod         bool              `json:"isMod"`
	IsSubscriber  bool              `json:"isSubscriber"`
	IsBroadcaster bool              `json:"isBroadcaster"`
	Badges        map[string]string `json:"badges,omitempty"`
	Color         string            `json:"color,omitempty"`
	Emotes        []string          `json:"emotes,omitempty"`
	MessageID     string            `json:"messageId,omitempty"`
}

func (ChatMessage) EventType() EventType { return TypeChatMessage }

type Follow struct {
	Identity
}

func (Follow) EventType() EventType { return TypeFollow }

// Paypiggy is a recurring paid supporter event. Tier is kept in the
// platform's own string form ("1000", "2000", "3000" on Twitch).
type Paypiggy struct {
	Identity
	Tier            string `json:"tier"`
	Months          int    `json:"months"`
	MembershipLevel string `json:"membershipLevel,omitempty"`
	Message         string `json:"message,omitempty"`
}

func (Paypiggy) EventType() EventType { return TypePaypiggy }

type Gift struct {
	Identity
	GiftType     string  `json:"giftType"`
	GiftCount    int     `json:"giftCount"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency"`
	DiamondCount int     `json:"diamondCount,omitempty"`
	IsAnonymous  bool    `json:"isAnonymous,omitempty"`
	Message      string  `json:"message,omitempty"`
}

func (Gift) EventType() EventType { return TypeGift }

type GiftPaypiggy struct {
	Identity
	GiftCount   int    `json:"giftCount"`
	Tier        string `json:"tier,omitempty"`
	IsAnonymous bool   `json:"isAnonymous,omitempty"`
}

func (GiftPaypiggy) EventType() EventType { return TypeGiftPaypiggy }

type Raid struct {
	Identity
	ViewerCount int `json:"viewerCount"`
}

func (Raid) EventType() EventType { return TypeRaid }

// StreamStatus carries whichever timestamp the platform emitted:
// StartedAt for online, EndedAt for offline.
type StreamStatus struct {
	IsLive    bool   `json:"isLive"`
	StartedAt string `json:"startedAt,omitempty"`
	EndedAt   string `json:"endedAt,omitempty"`
}

func (StreamStatus) EventType() EventType { return TypeStreamStatus }

const (
	ConnectionConnected    = "connected"
	ConnectionDisconnected = "disconnected"
)

type PlatformConnection struct {
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	WillReconnect bool   `json:"willReconnect"`
}

func (PlatformConnection) EventType() EventType { return TypePlatformConnection }

// Envelope is the TikTok treasure chest.
type Envelope struct {
	Identity
	GiftType  string  `json:"giftType,omitempty"`
	GiftCount int     `json:"giftCount,omitempty"`
	Amount    float64 `json:"amount,omitempty"`
	Currency  string  `json:"currency,omitempty"`
}

func (Envelope) EventType() EventType { return TypeEnvelope }

// UserIdentity returns the viewer attached to the event payload, if any.
func (e Event) UserIdentity() (Identity, bool) {
	switch p := e.Data.(type) {
	case ChatMessage:
		return p.Identity, true
	case Follow:
		return p.Identity, true
	case Paypiggy:
		return p.Identity, true
	case Gift:
		return p.Identity, true
	case GiftPaypiggy:
		return p.Identity, true
	case Raid:
		return p.Identity, true
	case Envelope:
		return p.Identity, true
	case *MonetizationError:
		return Identity{UserID: p.UserID, Username: p.Username}, true
	}
	return Identity{}, false
}

// Now returns the current time formatted the way canonical timestamps are.
func Now() string {
	return FormatTimestamp(time.Now())
}

// FormatTimestamp renders t as an ISO-8601 UTC string with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ParseTimestamp accepts RFC 3339 with or without fractional seconds.
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
