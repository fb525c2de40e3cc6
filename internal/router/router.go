// Package router turns the canonical event stream into named bus topics,
// drives the viewer-count scheduler and feeds downstream services.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/you/gnasty-live/internal/bus"
	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/errhandler"
)

// StatusUpdater receives stream status transitions.
type StatusUpdater interface {
	UpdateStreamStatus(ctx context.Context, platform core.Platform, isLive bool)
}

// ChatLogger persists chat messages.
type ChatLogger interface {
	LogChat(ctx context.Context, ev core.Event) error
}

// NotificationDispatcher renders viewer-facing notifications.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, ev core.Event) error
}

// MonetizationPipeline handles paid events, including error payloads.
type MonetizationPipeline interface {
	Process(ctx context.Context, ev core.Event) error
}

// Recorder receives every canonical event.
type Recorder interface {
	Record(ctx context.Context, ev core.Event) error
}

// Services are the optional downstream collaborators.
type Services struct {
	ChatLogger   ChatLogger
	Notifier     NotificationDispatcher
	Monetization MonetizationPipeline
	Recorder     Recorder
}

// StatusPayload is published on bus.TopicStreamStatus.
type StatusPayload struct {
	Platform      core.Platform `json:"platform"`
	IsLive        bool          `json:"isLive"`
	Timestamp     string        `json:"timestamp"`
	CorrelationID string        `json:"correlationId"`
}

// ConnectionPayload is published on bus.TopicPlatformConnection.
type ConnectionPayload struct {
	Platform      core.Platform           `json:"platform"`
	Connection    core.PlatformConnection `json:"connection"`
	Timestamp     string                  `json:"timestamp"`
	CorrelationID string                  `json:"correlationId"`
}

// Options configures a Router.
type Options struct {
	Bus       *bus.Bus
	Scheduler StatusUpdater
	Services  Services
	Errors    *errhandler.Handler
	Logger    *slog.Logger
}

// Router subscribes to bus.TopicPlatformEvent between Start and Stop.
type Router struct {
	bus       *bus.Bus
	scheduler StatusUpdater
	services  Services
	errs      *errhandler.Scope
	logger    *slog.Logger

	mu    sync.Mutex
	unsub func()
}

// New constructs a Router.
func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		bus:       opts.Bus,
		scheduler: opts.Scheduler,
		services:  opts.Services,
		errs:      opts.Errors.For("router"),
		logger:    logger,
	}
}

// Start subscribes to the platform event stream. Calling it twice is a no-op.
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil || r.bus == nil {
		return
	}
	r.unsub = r.bus.Subscribe(bus.TopicPlatformEvent, r.handle)
	r.logger.Info("router: started")
}

// Stop unsubscribes. Calling it twice is a no-op.
func (r *Router) Stop() {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
		r.logger.Info("router: stopped")
	}
}

func (r *Router) handle(ctx context.Context, payload any) error {
	ev, ok := payload.(core.Event)
	if !ok {
		return fmt.Errorf("router: unexpected payload %T", payload)
	}
	r.Route(ctx, ev)
	return nil
}

// Route dispatches one canonical event. Downstream failures are recorded
// and never returned.
func (r *Router) Route(ctx context.Context, ev core.Event) {
	switch data := ev.Data.(type) {
	case core.StreamStatus:
		if r.scheduler != nil {
			r.call("scheduler", ev, func() error {
				r.scheduler.UpdateStreamStatus(ctx, ev.Platform, data.IsLive)
				return nil
			})
		}
		if r.bus != nil {
			r.bus.Publish(ctx, bus.TopicStreamStatus, StatusPayload{
				Platform:      ev.Platform,
				IsLive:        data.IsLive,
				Timestamp:     ev.Timestamp,
				CorrelationID: ev.Metadata.CorrelationID,
			})
		}
	case core.PlatformConnection:
		if r.bus != nil {
			r.bus.Publish(ctx, bus.TopicPlatformConnection, ConnectionPayload{
				Platform:      ev.Platform,
				Connection:    data,
				Timestamp:     ev.Timestamp,
				CorrelationID: ev.Metadata.CorrelationID,
			})
		}
	}

	if r.services.Recorder != nil {
		r.call("recorder", ev, func() error { return r.services.Recorder.Record(ctx, ev) })
	}

	switch {
	case ev.Type == core.TypeChatMessage:
		if r.services.ChatLogger != nil {
			r.call("chat_logger", ev, func() error { return r.services.ChatLogger.LogChat(ctx, ev) })
		}
	case ev.Type.IsMonetization():
		if r.services.Monetization != nil {
			r.call("monetization", ev, func() error { return r.services.Monetization.Process(ctx, ev) })
		}
		fallthrough
	case ev.Type == core.TypeFollow, ev.Type == core.TypeRaid:
		if r.services.Notifier != nil {
			r.call("notifier", ev, func() error { return r.services.Notifier.Dispatch(ctx, ev) })
		}
	}
}

func (r *Router) call(service string, ev core.Event, fn func() error) {
	var err error
	var pc panics.Catcher
	pc.Try(func() { err = fn() })
	if rec := pc.Recovered(); rec != nil {
		err = rec.AsError()
	}
	if err != nil {
		r.errs.Report(errhandler.KindDownstreamHandlerFault, err,
			"service", service,
			"event", string(ev.Type),
			"platform", string(ev.Platform),
			"correlation_id", ev.Metadata.CorrelationID,
		)
	}
}
