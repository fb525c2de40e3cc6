package adapter

import (
	"context"

	"github.com/you/gnasty-live/internal/core"
)

// Adapter event names.
const (
	EventChatMessage     = "chatMessage"
	EventFollow          = "follow"
	EventPaypiggy        = "paypiggy"
	EventPaypiggyMessage = "paypiggyMessage"
	EventPaypiggyGift    = "paypiggyGift"
	EventGift            = "gift"
	EventRaid            = "raid"
	EventStreamOnline    = "streamOnline"
	EventStreamOffline   = "streamOffline"
	EventEnvelope        = "envelope"
)

// AdapterEvents lists every adapter event name in binding order.
var AdapterEvents = []string{
	EventChatMessage,
	EventFollow,
	EventPaypiggy,
	EventPaypiggyMessage,
	EventPaypiggyGift,
	EventGift,
	EventRaid,
	EventStreamOnline,
	EventStreamOffline,
	EventEnvelope,
}

// Event is what a platform parser emits before normalization. Payload
// carries the extracted fields; Raw is the decoded platform body used for
// timestamp extraction and raw-data logging. Timestamp, when set by the
// parser, wins over the timestamp service.
type Event struct {
	Name      string
	Payload   core.Payload
	Timestamp string
	Raw       map[string]any
}

// canonicalType maps an adapter event name to its canonical type.
func canonicalType(name string) (core.EventType, bool) {
	switch name {
	case EventChatMessage:
		return core.TypeChatMessage, true
	case EventFollow:
		return core.TypeFollow, true
	case EventPaypiggy, EventPaypiggyMessage:
		return core.TypePaypiggy, true
	case EventPaypiggyGift:
		return core.TypeGiftPaypiggy, true
	case EventGift:
		return core.TypeGift, true
	case EventRaid:
		return core.TypeRaid, true
	case EventStreamOnline, EventStreamOffline:
		return core.TypeStreamStatus, true
	case EventEnvelope:
		return core.TypeEnvelope, true
	}
	return "", false
}

// HandlerFunc receives canonical events.
type HandlerFunc func(ctx context.Context, ev core.Event) error

// Handlers is the handler map adapters forward canonical events to.
type Handlers struct {
	OnChat               HandlerFunc
	OnFollow             HandlerFunc
	OnPaypiggy           HandlerFunc
	OnGift               HandlerFunc
	OnGiftPaypiggy       HandlerFunc
	OnRaid               HandlerFunc
	OnStreamStatus       HandlerFunc
	OnPlatformConnection HandlerFunc
	OnEnvelope           HandlerFunc
}

// Lookup returns the handler name and function registered for t.
func (h Handlers) Lookup(t core.EventType) (string, HandlerFunc) {
	switch t {
	case core.TypeChatMessage:
		return "onChat", h.OnChat
	case core.TypeFollow:
		return "onFollow", h.OnFollow
	case core.TypePaypiggy:
		return "onPaypiggy", h.OnPaypiggy
	case core.TypeGift:
		return "onGift", h.OnGift
	case core.TypeGiftPaypiggy:
		return "onGiftPaypiggy", h.OnGiftPaypiggy
	case core.TypeRaid:
		return "onRaid", h.OnRaid
	case core.TypeStreamStatus:
		return "onStreamStatus", h.OnStreamStatus
	case core.TypePlatformConnection:
		return "onPlatformConnection", h.OnPlatformConnection
	case core.TypeEnvelope:
		return "onEnvelope", h.OnEnvelope
	}
	return "", nil
}

// All returns a Handlers where every slot calls fn.
func All(fn HandlerFunc) Handlers {
	return Handlers{
		OnChat:               fn,
		OnFollow:             fn,
		OnPaypiggy:           fn,
		OnGift:               fn,
		OnGiftPaypiggy:       fn,
		OnRaid:               fn,
		OnStreamStatus:       fn,
		OnPlatformConnection: fn,
		OnEnvelope:           fn,
	}
}
