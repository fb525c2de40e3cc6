package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/you/gnasty-live/internal/bus"
	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/errhandler"
	"github.com/you/gnasty-live/internal/factory"
)

type statusCall struct {
	platform core.Platform
	live     bool
}

type stubScheduler struct{ calls []statusCall }

func (s *stubScheduler) UpdateStreamStatus(_ context.Context, p core.Platform, live bool) {
	s.calls = append(s.calls, statusCall{p, live})
}

type sinkFunc func(context.Context, core.Event) error

func (f sinkFunc) LogChat(ctx context.Context, ev core.Event) error  { return f(ctx, ev) }
func (f sinkFunc) Dispatch(ctx context.Context, ev core.Event) error { return f(ctx, ev) }
func (f sinkFunc) Process(ctx context.Context, ev core.Event) error  { return f(ctx, ev) }
func (f sinkFunc) Record(ctx context.Context, ev core.Event) error   { return f(ctx, ev) }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRouterStreamStatusDrivesScheduler(t *testing.T) {
	b := bus.New(bus.Options{Logger: quietLogger()})
	sched := &stubScheduler{}
	r := New(Options{Bus: b, Scheduler: sched, Logger: quietLogger()})
	r.Start()
	r.Start()
	defer r.Stop()

	var statuses []StatusPayload
	b.Subscribe(bus.TopicStreamStatus, func(_ context.Context, p any) error {
		statuses = append(statuses, p.(StatusPayload))
		return nil
	})

	f := factory.New(core.PlatformYouTube)
	b.Publish(context.Background(), bus.TopicPlatformEvent, f.CreateStreamOnlineEvent("2024-01-01T00:00:00Z"))

	if len(sched.calls) != 1 || sched.calls[0] != (statusCall{core.PlatformYouTube, true}) {
		t.Fatalf("unexpected scheduler calls %+v", sched.calls)
	}
	if len(statuses) != 1 || !statuses[0].IsLive || statuses[0].CorrelationID == "" {
		t.Fatalf("unexpected status topic payloads %+v", statuses)
	}
}

func TestRouterConnectionTopic(t *testing.T) {
	b := bus.New(bus.Options{Logger: quietLogger()})
	r := New(Options{Bus: b, Logger: quietLogger()})
	r.Start()
	defer r.Stop()

	var got []ConnectionPayload
	b.Subscribe(bus.TopicPlatformConnection, func(_ context.Context, p any) error {
		got = append(got, p.(ConnectionPayload))
		return nil
	})
	b.Publish(context.Background(), bus.TopicPlatformEvent, core.NewConnectionEvent(core.PlatformTikTok, core.ConnectionConnected, "", false))
	if len(got) != 1 || got[0].Connection.Status != core.ConnectionConnected || got[0].Platform != core.PlatformTikTok {
		t.Fatalf("unexpected connection payloads %+v", got)
	}
}

func TestRouterServicesAndFaultTolerance(t *testing.T) {
	errs := errhandler.New(errhandler.Options{Logger: quietLogger()})
	var chats, notes, money, recorded int
	r := New(Options{
		Errors: errs,
		Logger: quietLogger(),
		Services: Services{
			ChatLogger:   sinkFunc(func(context.Context, core.Event) error { chats++; return errors.New("disk full") }),
			Notifier:     sinkFunc(func(context.Context, core.Event) error { notes++; return nil }),
			Monetization: sinkFunc(func(context.Context, core.Event) error { money++; panic("pipeline bug") }),
			Recorder:     sinkFunc(func(context.Context, core.Event) error { recorded++; return nil }),
		},
	})
	f := factory.New(core.PlatformTwitch)
	ctx := context.Background()
	r.Route(ctx, f.CreateChatMessageEvent("2024-01-01T00:00:00Z", core.ChatMessage{}))
	r.Route(ctx, f.CreateFollowEvent("2024-01-01T00:00:00Z", core.Follow{}))
	r.Route(ctx, f.CreateGiftEvent("2024-01-01T00:00:00Z", core.Gift{}))

	if chats != 1 || notes != 2 || money != 1 || recorded != 3 {
		t.Fatalf("unexpected routing chats=%d notes=%d money=%d recorded=%d", chats, notes, money, recorded)
	}
	if n := errs.KindCount(errhandler.KindDownstreamHandlerFault); n != 2 {
		t.Fatalf("expected 2 downstream faults, got %d", n)
	}
}

func TestRouterStop(t *testing.T) {
	b := bus.New(bus.Options{Logger: quietLogger()})
	sched := &stubScheduler{}
	r := New(Options{Bus: b, Scheduler: sched, Logger: quietLogger()})
	r.Start()
	r.Stop()
	r.Stop()
	b.Publish(context.Background(), bus.TopicPlatformEvent, factory.New(core.PlatformTwitch).CreateStreamOfflineEvent("2024-01-01T00:00:00Z"))
	if len(sched.calls) != 0 {
		t.Fatalf("expected no routing after stop")
	}
}
