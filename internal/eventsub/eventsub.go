// Package eventsub is the Twitch EventSub websocket transport. It handles
// the session handshake, keepalives and server-initiated reconnects, and
// emits one message frame per notification with the subscription type as
// the frame type and the notification event as the frame data.
package eventsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/you/gnasty-live/internal/helix"
	"github.com/you/gnasty-live/internal/transport"
)

// DefaultURL is Twitch's EventSub websocket endpoint.
const DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

const (
	messageWelcome      = "session_welcome"
	messageKeepalive    = "session_keepalive"
	messageReconnect    = "session_reconnect"
	messageNotification = "notification"
	messageRevocation   = "revocation"

	recentMessageIDs = 256
)

// Subscriber creates subscriptions against a websocket session.
type Subscriber interface {
	CreateEventSubSubscription(ctx context.Context, sessionID string, sub helix.Subscription) (string, error)
}

// Options configures a Transport.
type Options struct {
	URL           string
	Subscriber    Subscriber
	Subscriptions []helix.Subscription
	// Chat sends outbound chat; EventSub itself is receive-only.
	Chat       func(ctx context.Context, text string) error
	Logger     *slog.Logger
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Transport is an EventSub session over a reconnecting websocket.
type Transport struct {
	*transport.WSRelay

	opts   Options
	logger *slog.Logger

	mu           sync.Mutex
	sessionID    string
	reconnecting bool
	subscribed   int
	seen         map[string]struct{}
	seenOrder    []string
}

type envelope struct {
	Metadata struct {
		MessageID        string `json:"message_id"`
		MessageType      string `json:"message_type"`
		MessageTimestamp string `json:"message_timestamp"`
		SubscriptionType string `json:"subscription_type"`
	} `json:"metadata"`
	Payload struct {
		Session *struct {
			ID           string `json:"id"`
			Status       string `json:"status"`
			ReconnectURL string `json:"reconnect_url"`
		} `json:"session"`
		Subscription *struct {
			Type   string `json:"type"`
			Status string `json:"status"`
		} `json:"subscription"`
		Event json.RawMessage `json:"event"`
	} `json:"payload"`
}

// New builds a Transport. Nothing is dialed until Initialize.
func New(opts Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	t := &Transport{opts: opts, logger: logger, seen: map[string]struct{}{}}
	t.WSRelay = transport.NewWSRelay(transport.WSRelayOptions{
		Name:       "eventsub",
		URL:        opts.URL,
		Logger:     logger,
		MinBackoff: opts.MinBackoff,
		MaxBackoff: opts.MaxBackoff,
		Classify:   t.classify,
	})
	return t
}

// SessionID returns the current session, empty before the welcome.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Subscribed returns how many subscriptions the last handshake created.
func (t *Transport) Subscribed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribed
}

// SendMessage routes chat through the configured sender.
func (t *Transport) SendMessage(ctx context.Context, text string) error {
	if t.opts.Chat == nil || !t.IsConnected() {
		return transport.ErrNotConnected
	}
	return t.opts.Chat(ctx, text)
}

func (t *Transport) classify(data []byte) (transport.Frame, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.logger.Warn("eventsub: undecodable message", "err", err)
		return transport.Frame{}, false
	}
	meta := env.Metadata

	switch meta.MessageType {
	case messageWelcome:
		if env.Payload.Session != nil {
			t.welcome(env.Payload.Session.ID)
		}
		return transport.Frame{}, false
	case messageKeepalive:
		return transport.Frame{}, false
	case messageReconnect:
		if s := env.Payload.Session; s != nil && s.ReconnectURL != "" {
			t.mu.Lock()
			t.reconnecting = true
			t.mu.Unlock()
			t.logger.Info("eventsub: server requested reconnect")
			t.SetURL(s.ReconnectURL)
			go t.Reconnect("session_reconnect")
		}
		return transport.Frame{}, false
	case messageRevocation:
		typ := meta.SubscriptionType
		status := ""
		if s := env.Payload.Subscription; s != nil {
			status = s.Status
		}
		t.logger.Warn("eventsub: subscription revoked", "type", typ, "status", status)
		return transport.Frame{}, false
	case messageNotification:
		if t.duplicate(meta.MessageID) {
			return transport.Frame{}, false
		}
		ts, _ := time.Parse(time.RFC3339Nano, meta.MessageTimestamp)
		return transport.Frame{
			Type:      meta.SubscriptionType,
			Data:      []byte(env.Payload.Event),
			Timestamp: ts,
		}, len(env.Payload.Event) > 0
	}
	t.logger.Debug("eventsub: ignoring message", "type", meta.MessageType)
	return transport.Frame{}, false
}

// welcome records the session and, unless this is a server-requested
// reconnect (subscriptions carry over), creates every subscription.
func (t *Transport) welcome(sessionID string) {
	t.mu.Lock()
	t.sessionID = sessionID
	carried := t.reconnecting
	t.reconnecting = false
	t.mu.Unlock()

	if carried {
		t.SetURL(t.opts.URL)
		t.logger.Info("eventsub: reconnected, subscriptions carried over", "session_id", sessionID)
		return
	}
	if t.opts.Subscriber == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	created := 0
	for _, sub := range t.opts.Subscriptions {
		if _, err := t.opts.Subscriber.CreateEventSubSubscription(ctx, sessionID, sub); err != nil {
			t.logger.Warn("eventsub: subscribe failed", "type", sub.Type, "err", err)
			continue
		}
		created++
	}
	t.mu.Lock()
	t.subscribed = created
	t.mu.Unlock()
	t.logger.Info(fmt.Sprintf("eventsub: session ready (%d/%d subscriptions)", created, len(t.opts.Subscriptions)), "session_id", sessionID)
}

func (t *Transport) duplicate(id string) bool {
	if id == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[id]; ok {
		return true
	}
	t.seen[id] = struct{}{}
	t.seenOrder = append(t.seenOrder, id)
	if len(t.seenOrder) > recentMessageIDs {
		delete(t.seen, t.seenOrder[0])
		t.seenOrder = t.seenOrder[1:]
	}
	return false
}
