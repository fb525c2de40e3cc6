// Package transport defines the frame-level capability adapters consume
// and ships a reconnecting websocket implementation of it.
package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/you/gnasty-live/internal/emitter"
)

// Event names emitted by transports.
const (
	EventOpen    = "open"
	EventClose   = "close"
	EventMessage = "message"
)

// Frame is one transport-level occurrence. For EventMessage, Type names the
// logical kind when the transport knows it and Data holds the raw body.
type Frame struct {
	Event     string
	Type      string
	Data      []byte
	Timestamp time.Time
	Reason    string
	Planned   bool
}

// Transport is the capability adapters drive.
type Transport interface {
	Initialize(ctx context.Context) error
	On(event, id string, fn func(Frame)) bool
	SendMessage(ctx context.Context, text string) error
	IsConnected() bool
	IsActive() bool
	Disconnect(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// Offer is implemented by transports that can unregister listeners.
type Offer interface {
	Off(event, id string) bool
}

// Remover is the alternate spelling some transports expose.
type Remover interface {
	RemoveListener(event, id string) bool
}

// Listeners is embedded by transports to provide On/Off/Emit.
type Listeners struct {
	em emitter.Emitter[Frame]
}

func (l *Listeners) On(event, id string, fn func(Frame)) bool { return l.em.On(event, id, fn) }
func (l *Listeners) Off(event, id string) bool               { return l.em.Off(event, id) }

// Emit delivers f to listeners of f.Event. Timestamp is left as the
// transport set it; a zero value means the platform sent none.
func (l *Listeners) Emit(f Frame) int {
	return l.em.Emit(f.Event, f)
}

// ListenerCount returns the number of registrations.
func (l *Listeners) ListenerCount() int { return l.em.Len() }

// ClearListeners drops every registration.
func (l *Listeners) ClearListeners() { l.em.Clear() }

// Reconnect defaults shared by the bundled transports.
const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 60 * time.Second
)

// NewBackoff returns an exponential policy bounded by min and max.
func NewBackoff(min, max time.Duration) *backoff.ExponentialBackOff {
	if min <= 0 {
		min = DefaultMinBackoff
	}
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min
	b.MaxInterval = max
	b.Reset()
	return b
}

// Wait sleeps for the next backoff interval. It returns false when ctx is
// done first.
func Wait(ctx context.Context, b *backoff.ExponentialBackOff) bool {
	sleep := b.NextBackOff()
	if sleep == backoff.Stop {
		sleep = b.MaxInterval
	}
	t := time.NewTimer(sleep)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
