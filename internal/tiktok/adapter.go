// Package tiktok is the TikTok platform adapter. TikTok has no public chat
// API, so the adapter reads events from a websocket relay that speaks the
// JSON format in relay.go.
package tiktok

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/you/gnasty-live/internal/adapter"
	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/transport"
)

var uniqueIDRe = regexp.MustCompile(`^[A-Za-z0-9_.]{2,24}$`)

// TransportFactory builds the relay transport for a streamer's unique id.
type TransportFactory func(ctx context.Context, uniqueID string) (transport.Transport, error)

type Options struct {
	adapter.Options
	RelayURL     string
	Header       http.Header
	NewTransport TransportFactory
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

// Adapter is the TikTok adapter.
type Adapter struct {
	*adapter.Base
	d *driver
}

type driver struct {
	base *adapter.Base
	opts Options

	mu      sync.Mutex
	ownerID string
	viewers int
	live    bool
}

func New(opts Options) *Adapter {
	opts.Platform = core.PlatformTikTok
	d := &driver{opts: opts}
	d.base = adapter.NewBase(opts.Options, d)
	return &Adapter{Base: d.base, d: d}
}

func normalizeUniqueID(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "@")
}

func (d *driver) uniqueID() string {
	return normalizeUniqueID(d.base.Config().Identity())
}

// Connect builds the relay transport. The numeric room owner id is not
// known until the relay reports the room, so the broadcaster id starts
// empty.
func (d *driver) Connect(ctx context.Context) (string, transport.Transport, error) {
	d.mu.Lock()
	d.ownerID, d.viewers, d.live = "", 0, false
	d.mu.Unlock()

	id := d.uniqueID()
	factory := d.opts.NewTransport
	if factory == nil {
		factory = d.defaultTransport
	}
	tr, err := factory(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return "", tr, nil
}

func (d *driver) defaultTransport(_ context.Context, uniqueID string) (transport.Transport, error) {
	target, err := relayURL(d.opts.RelayURL, uniqueID)
	if err != nil {
		return nil, err
	}
	return transport.NewWSRelay(transport.WSRelayOptions{
		Name:       "tiktok",
		URL:        target,
		Header:     d.opts.Header,
		Logger:     d.base.Logger(),
		MinBackoff: d.opts.MinBackoff,
		MaxBackoff: d.opts.MaxBackoff,
		Classify:   classify,
		Encode:     encodeChat,
	}), nil
}

// GetViewerCount returns the last roomUser count the relay pushed. An
// offline room counts zero.
func (d *driver) GetViewerCount(context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.live {
		return 0, nil
	}
	return float64(d.viewers), nil
}

func (d *driver) owner() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ownerID
}

func (d *driver) ValidateConfig(cfg adapter.Config) []string {
	if !cfg.Enabled {
		return nil
	}
	var issues []string
	id := normalizeUniqueID(cfg.Identity())
	if id != "" && !uniqueIDRe.MatchString(id) {
		issues = append(issues, fmt.Sprintf("username %q is not a valid TikTok unique id", id))
	}
	if d.opts.NewTransport == nil {
		if _, err := relayURL(d.opts.RelayURL, "check"); err != nil {
			issues = append(issues, "relayUrl: "+err.Error())
		}
	}
	return issues
}
