// Package twitch is the Twitch platform adapter. It consumes EventSub
// notification bodies, delivered either by the EventSub websocket or by
// the IRC transport's translation, and emits canonical events.
package twitch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/you/gnasty-live/internal/adapter"
	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/eventsub"
	"github.com/you/gnasty-live/internal/helix"
	"github.com/you/gnasty-live/internal/transport"
	"github.com/you/gnasty-live/internal/twitchauth"
	"github.com/you/gnasty-live/internal/twitchirc"
)

var channelNameRe = regexp.MustCompile(`^[A-Za-z0-9_]{3,25}$`)

// API is the Helix surface the adapter uses.
type API interface {
	LookupUserID(ctx context.Context, login string) (string, error)
	GetStream(ctx context.Context, broadcasterID string) (helix.Stream, error)
	SendChatMessage(ctx context.Context, broadcasterID, senderID, text string) error
	CreateEventSubSubscription(ctx context.Context, sessionID string, sub helix.Subscription) (string, error)
}

// TransportFactory builds the transport once the broadcaster is known.
type TransportFactory func(ctx context.Context, broadcasterID string) (transport.Transport, error)

// IRCOptions tunes the IRC transport used when EventSub is disabled.
type IRCOptions struct {
	Addr       string
	UseTLS     bool
	DebugDrops bool
}

type Options struct {
	adapter.Options
	API          API
	IRC          IRCOptions
	NewTransport TransportFactory
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

// Adapter is the Twitch adapter.
type Adapter struct {
	*adapter.Base
	d *driver
}

type driver struct {
	base *adapter.Base
	opts Options
}

type loginer interface{ Login() string }
type ircTokener interface{ IRCToken() string }
type refresher interface {
	Refresh(ctx context.Context) error
}

func New(opts Options) *Adapter {
	opts.Platform = core.PlatformTwitch
	d := &driver{opts: opts}
	d.base = adapter.NewBase(opts.Options, d)
	return &Adapter{Base: d.base, d: d}
}

// Connect resolves the broadcaster id and builds the transport.
func (d *driver) Connect(ctx context.Context) (string, transport.Transport, error) {
	channel := strings.TrimPrefix(strings.TrimSpace(d.base.Config().Identity()), "#")
	broadcasterID := ""
	switch {
	case isNumeric(channel):
		broadcasterID = channel
	case d.opts.API != nil:
		id, err := d.opts.API.LookupUserID(ctx, channel)
		if err != nil {
			return "", nil, fmt.Errorf("resolve broadcaster %s: %w", channel, err)
		}
		broadcasterID = id
	default:
		return "", nil, errors.New("twitch: helix client required to resolve broadcaster")
	}

	factory := d.opts.NewTransport
	if factory == nil {
		factory = d.defaultTransport
	}
	tr, err := factory(ctx, broadcasterID)
	if err != nil {
		return "", nil, err
	}
	return broadcasterID, tr, nil
}

func (d *driver) defaultTransport(_ context.Context, broadcasterID string) (transport.Transport, error) {
	cfg := d.base.Config()
	auth := d.opts.Auth
	if cfg.EventSubEnabled {
		if d.opts.API == nil {
			return nil, errors.New("twitch: eventsub requires a helix client")
		}
		userID := ""
		if auth != nil {
			userID = auth.GetUserID()
		}
		return eventsub.New(eventsub.Options{
			Subscriber:    d.opts.API,
			Subscriptions: Subscriptions(broadcasterID, userID),
			Chat: func(ctx context.Context, text string) error {
				return d.opts.API.SendChatMessage(ctx, broadcasterID, userID, text)
			},
			Logger:     d.base.Logger(),
			MinBackoff: d.opts.MinBackoff,
			MaxBackoff: d.opts.MaxBackoff,
		}), nil
	}

	nick := cfg.Username
	if l, ok := auth.(loginer); ok && l.Login() != "" {
		nick = l.Login()
	}
	ircCfg := twitchirc.Config{
		Channel:    cfg.Channel,
		Nick:       nick,
		UseTLS:     d.opts.IRC.UseTLS,
		Addr:       d.opts.IRC.Addr,
		DebugDrops: d.opts.IRC.DebugDrops,
		Logger:     d.base.Logger(),
		MinBackoff: d.opts.MinBackoff,
		MaxBackoff: d.opts.MaxBackoff,
	}
	if ircCfg.Channel == "" {
		ircCfg.Channel = cfg.Username
	}
	if auth != nil {
		ircCfg.TokenProvider = func() string {
			if t, ok := auth.(ircTokener); ok {
				return t.IRCToken()
			}
			return twitchauth.NormalizeToken(auth.GetAccessToken())
		}
	}
	if r, ok := auth.(refresher); ok {
		ircCfg.RefreshNow = r.Refresh
	}
	return twitchirc.New(ircCfg), nil
}

// GetViewerCount reports current viewers; an offline stream counts 0.
func (d *driver) GetViewerCount(ctx context.Context) (float64, error) {
	bid := d.base.BroadcasterID()
	if bid == "" || d.opts.API == nil {
		return 0, adapter.ErrNoViewerCount
	}
	s, err := d.opts.API.GetStream(ctx, bid)
	if err != nil {
		return 0, err
	}
	if !s.Live {
		return 0, nil
	}
	return float64(s.ViewerCount), nil
}

// ValidateConfig adds Twitch-specific rules to the base checks.
func (d *driver) ValidateConfig(cfg adapter.Config) []string {
	if !cfg.Enabled {
		return nil
	}
	var issues []string
	channel := strings.TrimPrefix(strings.TrimSpace(cfg.Identity()), "#")
	if channel != "" && !isNumeric(channel) && !channelNameRe.MatchString(channel) {
		issues = append(issues, fmt.Sprintf("channel %q is not a valid Twitch login", channel))
	}
	if cfg.EventSubEnabled && d.opts.API == nil && d.opts.NewTransport == nil {
		issues = append(issues, "eventsubEnabled requires Twitch API credentials")
	}
	return issues
}

// Subscriptions lists the EventSub subscriptions the adapter consumes.
func Subscriptions(broadcasterID, userID string) []helix.Subscription {
	b := map[string]string{"broadcaster_user_id": broadcasterID}
	return []helix.Subscription{
		{Type: TypeChatMessage, Version: "1", Condition: map[string]string{"broadcaster_user_id": broadcasterID, "user_id": userID}},
		{Type: TypeFollow, Version: "2", Condition: map[string]string{"broadcaster_user_id": broadcasterID, "moderator_user_id": userID}},
		{Type: TypeSubscribe, Version: "1", Condition: b},
		{Type: TypeSubscriptionMessage, Version: "1", Condition: b},
		{Type: TypeSubscriptionGift, Version: "1", Condition: b},
		{Type: TypeCheer, Version: "1", Condition: b},
		{Type: TypeRaid, Version: "1", Condition: map[string]string{"to_broadcaster_user_id": broadcasterID}},
		{Type: TypeStreamOnline, Version: "1", Condition: b},
		{Type: TypeStreamOffline, Version: "1", Condition: b},
	}
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}
