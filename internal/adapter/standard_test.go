package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/errhandler"
	"github.com/you/gnasty-live/internal/ingesttrace"
)

type rawSink struct {
	calls int
	err   error
}

func (r *rawSink) LogRawPlatformData(context.Context, core.Platform, string, any) error {
	r.calls++
	return r.err
}

func TestGiftMissingTimestampEmitsErrorPayload(t *testing.T) {
	f := newFixture(t, nil)
	f.init(t)

	f.base.EmitAdapterEvent(Event{
		Name: EventGift,
		Raw:  map[string]any{"userId": "g1"},
		Payload: core.Gift{
			Identity:  core.Identity{UserID: "g1"},
			GiftType:  "bits",
			GiftCount: 2,
			Amount:    250,
			Currency:  "bits",
		},
	})

	gifts := f.handled.byType(core.TypeGift)
	if len(gifts) != 1 {
		t.Fatalf("expected one onGift call, got %d", len(gifts))
	}
	ev := gifts[0]
	if !ev.IsError || ev.Platform != core.PlatformTwitch {
		t.Fatalf("expected error event, got %+v", ev)
	}
	if _, ok := core.ParseTimestamp(ev.Timestamp); !ok {
		t.Fatalf("expected synthesized ISO timestamp, got %q", ev.Timestamp)
	}
	p := ev.Data.(*core.MonetizationError)
	if p.UserID != "g1" || p.GiftType != "bits" || *p.GiftCount != 2 || *p.Amount != 250 || p.Currency != "bits" {
		t.Fatalf("unexpected error payload %+v", p)
	}
	if len(f.onBus.byType(core.TypeGift)) != 1 {
		t.Fatalf("expected error payload on bus")
	}
	if f.trace.Count("twitch", ingesttrace.StageDropped(ingesttrace.ReasonMissingTimestamp)) != 1 {
		t.Fatalf("expected missing timestamp counted")
	}
}

func TestNonMonetizationMissingTimestampDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.init(t)
	f.base.EmitAdapterEvent(Event{Name: EventFollow, Payload: core.Follow{Identity: core.Identity{UserID: "u", Username: "x"}}})
	if len(f.handled.events) != 0 || len(f.onBus.events) != 0 {
		t.Fatalf("expected no emission")
	}
	if f.errs.KindCount(errhandler.KindParseMissingField) != 1 {
		t.Fatalf("expected parse fault recorded")
	}
}

func TestValidateUser(t *testing.T) {
	f := newFixture(t, nil)
	f.init(t)
	ts := "2024-01-01T00:00:00Z"

	f.base.EmitAdapterEvent(Event{Name: EventFollow, Timestamp: ts, Payload: core.Follow{Identity: core.Identity{UserID: "u"}}})
	if len(f.handled.byType(core.TypeFollow)) != 0 {
		t.Fatalf("expected follow without username dropped")
	}

	f.base.EmitAdapterEvent(Event{Name: EventPaypiggy, Timestamp: ts, Payload: core.Paypiggy{Identity: core.Identity{UserID: "u"}, Tier: "1000", Months: 2}})
	subs := f.handled.byType(core.TypePaypiggy)
	if len(subs) != 1 || !subs[0].IsError {
		t.Fatalf("expected paypiggy error payload, got %+v", subs)
	}
	if subs[0].Timestamp != ts {
		t.Fatalf("expected original timestamp kept, got %q", subs[0].Timestamp)
	}

	f.base.EmitAdapterEvent(Event{Name: EventPaypiggyGift, Timestamp: ts, Payload: core.GiftPaypiggy{GiftCount: 5, IsAnonymous: true}})
	gifted := f.handled.byType(core.TypeGiftPaypiggy)
	if len(gifted) != 1 || gifted[0].IsError {
		t.Fatalf("expected anonymous gift accepted, got %+v", gifted)
	}
	if f.trace.Count("twitch", ingesttrace.StageDropped(ingesttrace.ReasonInvalidUser)) != 2 {
		t.Fatalf("expected two invalid user drops")
	}
}

func TestInvalidMonetizationBecomesErrorPayload(t *testing.T) {
	f := newFixture(t, nil)
	f.init(t)
	f.base.EmitAdapterEvent(Event{
		Name:      EventPaypiggyGift,
		Timestamp: "2024-01-01T00:00:00Z",
		Payload:   core.GiftPaypiggy{Identity: core.Identity{UserID: "u", Username: "x"}, GiftCount: 0, Tier: "1000"},
	})
	evs := f.handled.byType(core.TypeGiftPaypiggy)
	if len(evs) != 1 || !evs[0].IsError {
		t.Fatalf("expected error payload for zero gift count, got %+v", evs)
	}
	p := evs[0].Data.(*core.MonetizationError)
	if p.Tier != "1000" || p.GiftCount == nil || *p.GiftCount != 0 {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestHandlerFaultDoesNotBlockBus(t *testing.T) {
	f := newFixture(t, nil)
	f.handled.err = errors.New("downstream broke")
	f.init(t)
	f.base.EmitAdapterEvent(Event{
		Name:      EventChatMessage,
		Timestamp: "2024-01-01T00:00:00Z",
		Payload:   core.ChatMessage{Identity: core.Identity{UserID: "u1", Username: "Alice"}, Message: core.MessageText{Text: "hi"}},
	})
	if len(f.onBus.byType(core.TypeChatMessage)) != 1 {
		t.Fatalf("expected bus emission despite handler fault")
	}
	if len(f.handled.byType(core.TypeChatMessage)) != 1 {
		t.Fatalf("expected handler invoked exactly once")
	}
	if f.errs.KindCount(errhandler.KindDownstreamHandlerFault) != 1 {
		t.Fatalf("expected handler fault recorded")
	}
}

func TestHandlerPanicCaptured(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.base.Initialize(context.Background(), Handlers{OnRaid: func(context.Context, core.Event) error { panic("boom") }}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	f.base.EmitAdapterEvent(Event{
		Name:      EventRaid,
		Timestamp: "2024-01-01T00:00:00Z",
		Payload:   core.Raid{Identity: core.Identity{UserID: "r", Username: "raider"}, ViewerCount: 10},
	})
	if f.errs.KindCount(errhandler.KindDownstreamHandlerFault) != 1 {
		t.Fatalf("expected panic recorded as handler fault")
	}
	if len(f.onBus.byType(core.TypeRaid)) != 1 {
		t.Fatalf("expected raid on bus")
	}
}

func TestRawDataLogging(t *testing.T) {
	sink := &rawSink{err: errors.New("disk full")}
	f := newFixture(t, func(o *Options) {
		o.Config.DataLoggingEnabled = true
		o.LoggingSink = sink
	})
	f.init(t)
	f.base.EmitAdapterEvent(Event{
		Name:    EventFollow,
		Raw:     map[string]any{"timestamp": "2024-01-01T00:00:00Z"},
		Payload: core.Follow{Identity: core.Identity{UserID: "u", Username: "x"}},
	})
	if sink.calls != 1 {
		t.Fatalf("expected raw sink called once, got %d", sink.calls)
	}
	if len(f.handled.byType(core.TypeFollow)) != 1 {
		t.Fatalf("expected follow emitted despite sink failure")
	}
}

func TestStreamStatusTimestampsPreserved(t *testing.T) {
	f := newFixture(t, nil)
	f.init(t)
	f.base.EmitAdapterEvent(Event{Name: EventStreamOnline, Timestamp: "2024-01-01T10:00:00Z", Payload: core.StreamStatus{IsLive: true}})
	f.base.EmitAdapterEvent(Event{Name: EventStreamOffline, Timestamp: "2024-01-01T12:00:00Z"})
	evs := f.handled.byType(core.TypeStreamStatus)
	if len(evs) != 2 {
		t.Fatalf("expected 2 status events, got %d", len(evs))
	}
	on := evs[0].Data.(core.StreamStatus)
	off := evs[1].Data.(core.StreamStatus)
	if !on.IsLive || on.StartedAt != "2024-01-01T10:00:00Z" {
		t.Fatalf("unexpected online %+v", on)
	}
	if off.IsLive || off.EndedAt != "2024-01-01T12:00:00Z" {
		t.Fatalf("unexpected offline %+v", off)
	}
}
