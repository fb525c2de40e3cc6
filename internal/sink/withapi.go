package sink

import (
	"context"

	"github.com/you/gnasty-live/internal/core"
)

type broadcaster interface {
	Broadcast(core.Event)
}

// WithBroadcast forwards every stored event to live API clients.
type WithBroadcast struct {
	*SQLiteSink
	api broadcaster
}

func WithAPI(base *SQLiteSink, api broadcaster) *WithBroadcast {
	return &WithBroadcast{SQLiteSink: base, api: api}
}

func (w *WithBroadcast) Write(ctx context.Context, ev core.Event) error {
	if err := w.SQLiteSink.Write(ctx, ev); err != nil {
		return err
	}
	if w.api != nil {
		w.api.Broadcast(ev)
	}
	return nil
}

// Record implements router.Recorder.
func (w *WithBroadcast) Record(ctx context.Context, ev core.Event) error {
	return w.Write(ctx, ev)
}
