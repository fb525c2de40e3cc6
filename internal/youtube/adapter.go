// Package youtube is the YouTube platform adapter. It consumes live chat
// renderer frames from the innertube poller and emits canonical events.
package youtube

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/you/gnasty-live/internal/adapter"
	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/httpclient"
	"github.com/you/gnasty-live/internal/transport"
	"github.com/you/gnasty-live/internal/ytlive"
)

// Resolver reports the live state of a channel.
type Resolver interface {
	Resolve(ctx context.Context, raw string) (ytlive.ResolveResult, error)
}

// TransportFactory builds the chat transport for identity, the configured
// handle, channel id or URL.
type TransportFactory func(ctx context.Context, identity string) (transport.Transport, error)

type Options struct {
	adapter.Options
	Resolver     Resolver
	HTTP         httpclient.Client
	NewTransport TransportFactory
	PollDelay    time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

// Adapter is the YouTube adapter.
type Adapter struct {
	*adapter.Base
	d *driver
}

type driver struct {
	base *adapter.Base
	opts Options
}

func New(opts Options) *Adapter {
	opts.Platform = core.PlatformYouTube
	if opts.Resolver == nil {
		opts.Resolver = ytlive.NewResolver(opts.HTTP)
	}
	d := &driver{opts: opts}
	d.base = adapter.NewBase(opts.Options, d)
	return &Adapter{Base: d.base, d: d}
}

func (d *driver) identity() string {
	return strings.TrimSpace(d.base.Config().Identity())
}

// Connect resolves the channel id used for self-message filtering and
// builds the poller. An offline channel is not an error: the poller waits
// for the broadcast to start.
func (d *driver) Connect(ctx context.Context) (string, transport.Transport, error) {
	identity := d.identity()
	res, err := d.opts.Resolver.Resolve(ctx, identity)
	if err != nil {
		return "", nil, fmt.Errorf("resolve %s: %w", identity, err)
	}
	broadcasterID := res.ChannelID
	if broadcasterID == "" && ytlive.IsChannelID(identity) {
		broadcasterID = identity
	}
	if broadcasterID == "" {
		d.base.Logger().Warn("youtube: channel id unresolved; self messages will not be filtered", "identity", identity, "live", res.Live)
	}

	factory := d.opts.NewTransport
	if factory == nil {
		factory = d.defaultTransport
	}
	tr, err := factory(ctx, identity)
	if err != nil {
		return "", nil, err
	}
	return broadcasterID, tr, nil
}

func (d *driver) defaultTransport(_ context.Context, identity string) (transport.Transport, error) {
	return ytlive.New(ytlive.Config{
		LiveURL:    identity,
		HTTP:       d.opts.HTTP,
		Logger:     d.base.Logger(),
		PollDelay:  d.opts.PollDelay,
		MinBackoff: d.opts.MinBackoff,
		MaxBackoff: d.opts.MaxBackoff,
	}), nil
}

// GetViewerCount reads the concurrent viewer counter from the watch page.
func (d *driver) GetViewerCount(ctx context.Context) (float64, error) {
	res, err := d.opts.Resolver.Resolve(ctx, d.identity())
	if err != nil {
		return 0, err
	}
	if !res.Live {
		return 0, nil
	}
	return float64(res.Viewers), nil
}

func (d *driver) ValidateConfig(cfg adapter.Config) []string {
	if !cfg.Enabled {
		return nil
	}
	identity := strings.TrimSpace(cfg.Identity())
	if identity == "" {
		return nil
	}
	if _, err := ytlive.NormalizeURL(identity); err != nil {
		return []string{fmt.Sprintf("channel %q is not a YouTube handle, channel id or URL", identity)}
	}
	return nil
}
