package twitch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/you/gnasty-live/internal/adapter"
	"github.com/you/gnasty-live/internal/bus"
	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/errhandler"
	"github.com/you/gnasty-live/internal/helix"
	"github.com/you/gnasty-live/internal/ingesttrace"
	"github.com/you/gnasty-live/internal/transport"
)

type stubTransport struct {
	transport.Listeners
	mu        sync.Mutex
	connected bool
	sent      []string
}

func (s *stubTransport) Initialize(context.Context) error { return nil }
func (s *stubTransport) IsActive() bool                   { return true }
func (s *stubTransport) Disconnect(context.Context) error { return nil }
func (s *stubTransport) Cleanup(context.Context) error    { return nil }

func (s *stubTransport) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubTransport) SendMessage(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func (s *stubTransport) open() {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.Emit(transport.Frame{Event: transport.EventOpen})
}

func (s *stubTransport) message(typ, body string) {
	s.Emit(transport.Frame{Event: transport.EventMessage, Type: typ, Data: []byte(body)})
}

type stubAPI struct {
	stream    helix.Stream
	streamErr error
	lookups   []string
}

func (a *stubAPI) LookupUserID(_ context.Context, login string) (string, error) {
	a.lookups = append(a.lookups, login)
	if login == "missing" {
		return "", helix.ErrUserNotFound
	}
	return "b1", nil
}

func (a *stubAPI) GetStream(context.Context, string) (helix.Stream, error) {
	return a.stream, a.streamErr
}

func (a *stubAPI) SendChatMessage(context.Context, string, string, string) error { return nil }

func (a *stubAPI) CreateEventSubSubscription(context.Context, string, helix.Subscription) (string, error) {
	return "", nil
}

type stubAuth struct{}

func (stubAuth) IsReady() bool          { return true }
func (stubAuth) GetUserID() string      { return "bot" }
func (stubAuth) GetAccessToken() string { return "tok" }
func (stubAuth) GetScopes() []string    { return nil }

type recorder struct {
	mu     sync.Mutex
	calls  map[string]int
	events []core.Event
}

func (r *recorder) handlers() adapter.Handlers {
	wrap := func(name string) adapter.HandlerFunc {
		return func(_ context.Context, ev core.Event) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.calls == nil {
				r.calls = map[string]int{}
			}
			r.calls[name]++
			r.events = append(r.events, ev)
			return nil
		}
	}
	return adapter.Handlers{
		OnChat:               wrap("onChat"),
		OnFollow:             wrap("onFollow"),
		OnPaypiggy:           wrap("onPaypiggy"),
		OnGift:               wrap("onGift"),
		OnGiftPaypiggy:       wrap("onGiftPaypiggy"),
		OnRaid:               wrap("onRaid"),
		OnStreamStatus:       wrap("onStreamStatus"),
		OnPlatformConnection: wrap("onPlatformConnection"),
	}
}

func (r *recorder) ofType(t core.EventType) []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

type fixture struct {
	adapter *Adapter
	tr      *stubTransport
	api     *stubAPI
	trace   *ingesttrace.Tracker
	errs    *errhandler.Handler
	rec     *recorder
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	errs := errhandler.New(errhandler.Options{Logger: logger})
	f := &fixture{
		tr:    &stubTransport{},
		api:   &stubAPI{},
		trace: ingesttrace.NewTracker(),
		errs:  errs,
		rec:   &recorder{},
	}
	opts := Options{
		Options: adapter.Options{
			Config: adapter.Config{Enabled: true, Channel: "streamer", EventSubEnabled: true},
			Auth:   stubAuth{},
			Bus:    bus.New(bus.Options{Logger: logger, Errors: errs}),
			Errors: errs,
			Trace:  f.trace,
			Logger: logger,
		},
		API: f.api,
		NewTransport: func(context.Context, string) (transport.Transport, error) {
			return f.tr, nil
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.adapter = New(opts)
	if err := f.adapter.Initialize(context.Background(), f.rec.handlers()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	f.tr.open()
	return f
}

const chatFrame = `{"chatter_user_id":"u1","chatter_user_name":"Alice","broadcaster_user_id":"b1","message":{"text":"hi"},"badges":{"subscriber":"1"},"timestamp":"2024-01-01T00:00:00Z"}`

func TestChatHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.message(TypeChatMessage, chatFrame)

	events := f.rec.ofType(core.TypeChatMessage)
	if len(events) != 1 || f.rec.count("onChat") != 1 {
		t.Fatalf("expected one chat event, got %d (calls %d)", len(events), f.rec.count("onChat"))
	}
	ev := events[0]
	msg, ok := ev.Data.(core.ChatMessage)
	if !ok {
		t.Fatalf("unexpected payload %T", ev.Data)
	}
	if ev.Platform != core.PlatformTwitch || ev.Timestamp != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected envelope %+v", ev)
	}
	if msg.UserID != "u1" || msg.Username != "Alice" || msg.Message.Text != "hi" {
		t.Fatalf("unexpected identity %+v", msg)
	}
	if !msg.IsSubscriber || msg.IsMod || msg.IsBroadcaster {
		t.Fatalf("unexpected roles %+v", msg)
	}
	if ev.Metadata.CorrelationID == "" {
		t.Fatalf("expected correlation id")
	}
	if got := f.trace.Count("twitch", ingesttrace.StageNormalizedOK); got != 1 {
		t.Fatalf("expected normalized_ok=1, got %d", got)
	}
}

func TestSelfMessageDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.message(TypeChatMessage, `{"chatter_user_id":"b1","chatter_user_name":"Streamer","broadcaster_user_id":"b1","message":{"text":"hi"},"timestamp":"2024-01-01T00:00:00Z"}`)

	if n := len(f.rec.ofType(core.TypeChatMessage)); n != 0 {
		t.Fatalf("expected no chat events, got %d", n)
	}
	if f.rec.count("onChat") != 0 {
		t.Fatalf("onChat must not be invoked")
	}
	if got := f.trace.Count("twitch", ingesttrace.StageDropped(ingesttrace.ReasonSelfMessage)); got != 1 {
		t.Fatalf("expected self-message drop, got %d", got)
	}
}

type allowSelf struct{}

func (allowSelf) ShouldFilterMessage(core.Platform, core.ChatMessage, adapter.Config) bool {
	return false
}

func TestSelfMessageDetectorOverrides(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.SelfDetector = allowSelf{} })
	f.tr.message(TypeChatMessage, `{"chatter_user_id":"b1","chatter_user_name":"Streamer","broadcaster_user_id":"b1","message":{"text":"hi"},"timestamp":"2024-01-01T00:00:00Z"}`)
	if n := len(f.rec.ofType(core.TypeChatMessage)); n != 1 {
		t.Fatalf("detector should allow self message, got %d events", n)
	}
}

func TestBadgeCoercion(t *testing.T) {
	tests := []struct {
		name   string
		badges string
		mod    bool
		sub    bool
	}{
		{"string one", `{"moderator":"1","subscriber":"0"}`, true, false},
		{"numeric one", `{"moderator":1,"subscriber":1}`, true, true},
		{"boolean", `{"moderator":true,"subscriber":false}`, true, false},
		{"eventsub list", `[{"set_id":"subscriber","id":"6","info":"24"}]`, false, true},
		{"absent", `null`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.tr.message(TypeChatMessage, `{"chatter_user_id":"u1","chatter_user_name":"Alice","broadcaster_user_id":"b1","message":{"text":"hi"},"badges":`+tt.badges+`,"timestamp":"2024-01-01T00:00:00Z"}`)
			events := f.rec.ofType(core.TypeChatMessage)
			if len(events) != 1 {
				t.Fatalf("expected one event, got %d", len(events))
			}
			msg := events[0].Data.(core.ChatMessage)
			if msg.IsMod != tt.mod || msg.IsSubscriber != tt.sub {
				t.Fatalf("roles mismatch: mod=%v sub=%v", msg.IsMod, msg.IsSubscriber)
			}
		})
	}
}

func TestChatMissingFieldsDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.message(TypeChatMessage, `{"chatter_user_id":"u1","chatter_user_name":"Alice","broadcaster_user_id":"b1","message":{"text":"   "},"timestamp":"2024-01-01T00:00:00Z"}`)
	f.tr.message(TypeChatMessage, `{"chatter_user_name":"Alice","message":{"text":"hi"},"timestamp":"2024-01-01T00:00:00Z"}`)
	f.tr.message(TypeChatMessage, `not json`)

	if n := len(f.rec.ofType(core.TypeChatMessage)); n != 0 {
		t.Fatalf("expected no chat events, got %d", n)
	}
	if got := f.errs.KindCount(errhandler.KindParseMissingField); got != 3 {
		t.Fatalf("expected 3 parse errors, got %d", got)
	}
}

func TestChatWithoutTimestampDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.Emit(transport.Frame{
		Event: transport.EventMessage,
		Type:  TypeChatMessage,
		Data:  []byte(`{"chatter_user_id":"u1","chatter_user_name":"Alice","broadcaster_user_id":"b1","message":{"text":"hi"}}`),
	})
	// neither the body nor the frame carries a timestamp
	if n := len(f.rec.ofType(core.TypeChatMessage)); n != 0 {
		t.Fatalf("expected drop without timestamp, got %d", n)
	}
	if got := f.trace.Count("twitch", ingesttrace.StageDropped(ingesttrace.ReasonMissingTimestamp)); got != 1 {
		t.Fatalf("expected missing timestamp drop, got %d", got)
	}
}

func TestMonetizationAndLifecycleVariants(t *testing.T) {
	tests := []struct {
		name  string
		typ   string
		body  string
		event core.EventType
		check func(t *testing.T, ev core.Event)
	}{
		{
			name:  "follow",
			typ:   TypeFollow,
			body:  `{"user_id":"u2","user_name":"Bob","followed_at":"2024-01-01T00:00:05Z"}`,
			event: core.TypeFollow,
			check: func(t *testing.T, ev core.Event) {
				if ev.Timestamp != "2024-01-01T00:00:05Z" {
					t.Fatalf("expected followed_at timestamp, got %q", ev.Timestamp)
				}
			},
		},
		{
			name:  "resub keeps tier string",
			typ:   TypeSubscriptionMessage,
			body:  `{"user_id":"u3","user_name":"Cara","tier":"2000","cumulative_months":5,"message":{"text":"yay"},"timestamp":"2024-01-01T00:00:00Z"}`,
			event: core.TypePaypiggy,
			check: func(t *testing.T, ev core.Event) {
				p := ev.Data.(core.Paypiggy)
				if p.Tier != "2000" || p.Months != 5 || p.Message != "yay" {
					t.Fatalf("unexpected paypiggy %+v", p)
				}
			},
		},
		{
			name:  "anonymous gift bomb",
			typ:   TypeSubscriptionGift,
			body:  `{"total":5,"tier":"1000","is_anonymous":true,"timestamp":"2024-01-01T00:00:00Z"}`,
			event: core.TypeGiftPaypiggy,
			check: func(t *testing.T, ev core.Event) {
				p := ev.Data.(core.GiftPaypiggy)
				if p.GiftCount != 5 || !p.IsAnonymous || p.Tier != "1000" {
					t.Fatalf("unexpected gift paypiggy %+v", p)
				}
			},
		},
		{
			name:  "cheer",
			typ:   TypeCheer,
			body:  `{"user_id":"u4","user_name":"Dee","bits":250,"message":"cheer250","timestamp":"2024-01-01T00:00:00Z"}`,
			event: core.TypeGift,
			check: func(t *testing.T, ev core.Event) {
				p := ev.Data.(core.Gift)
				if p.Amount != 250 || p.Currency != "bits" || p.GiftCount != 1 {
					t.Fatalf("unexpected gift %+v", p)
				}
			},
		},
		{
			name:  "raid",
			typ:   TypeRaid,
			body:  `{"from_broadcaster_user_id":"r1","from_broadcaster_user_name":"Raider","viewers":42,"timestamp":"2024-01-01T00:00:00Z"}`,
			event: core.TypeRaid,
			check: func(t *testing.T, ev core.Event) {
				if p := ev.Data.(core.Raid); p.ViewerCount != 42 || p.Username != "Raider" {
					t.Fatalf("unexpected raid %+v", p)
				}
			},
		},
		{
			name:  "stream online",
			typ:   TypeStreamOnline,
			body:  `{"id":"s1","type":"live","started_at":"2024-01-01T01:00:00Z"}`,
			event: core.TypeStreamStatus,
			check: func(t *testing.T, ev core.Event) {
				p := ev.Data.(core.StreamStatus)
				if !p.IsLive || p.StartedAt != "2024-01-01T01:00:00Z" || ev.Timestamp != p.StartedAt {
					t.Fatalf("unexpected online %+v", ev)
				}
			},
		},
		{
			name:  "stream offline",
			typ:   TypeStreamOffline,
			body:  `{"broadcaster_user_id":"b1","timestamp":"2024-01-01T02:00:00Z"}`,
			event: core.TypeStreamStatus,
			check: func(t *testing.T, ev core.Event) {
				p := ev.Data.(core.StreamStatus)
				if p.IsLive || p.EndedAt != "2024-01-01T02:00:00Z" {
					t.Fatalf("unexpected offline %+v", p)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.tr.message(tt.typ, tt.body)
			events := f.rec.ofType(tt.event)
			if len(events) != 1 {
				t.Fatalf("expected one %s event, got %d", tt.event, len(events))
			}
			if events[0].IsError {
				t.Fatalf("unexpected error payload %+v", events[0])
			}
			tt.check(t, events[0])
		})
	}
}

func TestGiftedSubscribeSkipped(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.message(TypeSubscribe, `{"user_id":"u5","user_name":"Eve","tier":"1000","is_gift":true,"timestamp":"2024-01-01T00:00:00Z"}`)
	if n := len(f.rec.ofType(core.TypePaypiggy)); n != 0 {
		t.Fatalf("gifted subscribe must be skipped, got %d", n)
	}
}

func TestMonetizationFailuresEmitOneErrorPayload(t *testing.T) {
	tests := []struct {
		name  string
		typ   string
		body  string
		event core.EventType
	}{
		{"gift without total", TypeSubscriptionGift, `{"user_id":"u6","user_name":"Fay","total":0,"timestamp":"2024-01-01T00:00:00Z"}`, core.TypeGiftPaypiggy},
		{"gift total missing", TypeSubscriptionGift, `{"user_id":"u6","user_name":"Fay","timestamp":"2024-01-01T00:00:00Z"}`, core.TypeGiftPaypiggy},
		{"cheer without timestamp", TypeCheer, `{"user_id":"g1","user_name":"G","bits":250}`, core.TypeGift},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.tr.message(tt.typ, tt.body)
			events := f.rec.ofType(tt.event)
			if len(events) != 1 || !events[0].IsError {
				t.Fatalf("expected exactly one error payload, got %+v", events)
			}
		})
	}
}

func TestMonetizationMissingUserEmitsErrorPayload(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.message(TypeCheer, `{"bits":100,"timestamp":"2024-01-01T00:00:00Z"}`)
	events := f.rec.ofType(core.TypeGift)
	if len(events) != 1 || !events[0].IsError {
		t.Fatalf("expected one error payload, got %+v", events)
	}
}

func TestUnknownVariant(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.message("channel.hype_train.begin", `{}`)
	if got := f.errs.KindCount(errhandler.KindParseUnknownVariant); got != 1 {
		t.Fatalf("expected unknown variant, got %d", got)
	}
}

func TestViewerCount(t *testing.T) {
	f := newFixture(t, nil)
	f.api.stream = helix.Stream{Live: true, ViewerCount: 77}
	n, err := f.adapter.GetViewerCount(context.Background())
	if err != nil || n != 77 {
		t.Fatalf("unexpected count %v %v", n, err)
	}
	f.api.stream = helix.Stream{}
	if n, err := f.adapter.GetViewerCount(context.Background()); err != nil || n != 0 {
		t.Fatalf("offline should be 0, got %v %v", n, err)
	}
	f.api.streamErr = errors.New("boom")
	if _, err := f.adapter.GetViewerCount(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if got := f.errs.KindCount(errhandler.KindPollingFault); got != 1 {
		t.Fatalf("expected polling fault, got %d", got)
	}
}

func TestConnectResolvesBroadcaster(t *testing.T) {
	f := newFixture(t, nil)
	if f.adapter.BroadcasterID() != "b1" {
		t.Fatalf("unexpected broadcaster %q", f.adapter.BroadcasterID())
	}
	if len(f.api.lookups) != 1 || f.api.lookups[0] != "streamer" {
		t.Fatalf("unexpected lookups %v", f.api.lookups)
	}
	if f.adapter.State() != adapter.StateConnected {
		t.Fatalf("expected connected, got %s", f.adapter.State())
	}
}

func TestValidateConfig(t *testing.T) {
	a := New(Options{Options: adapter.Options{Config: adapter.Config{Enabled: true, Channel: "a b", EventSubEnabled: true}}})
	issues := a.ValidateConfig()
	if len(issues) != 2 {
		t.Fatalf("expected two issues, got %v", issues)
	}
	if !New(Options{Options: adapter.Options{Config: adapter.Config{Enabled: true, Channel: "12345"}}}).IsConfigured() {
		t.Fatalf("numeric channel should be valid")
	}
}

func TestSubscriptions(t *testing.T) {
	subs := Subscriptions("b1", "bot")
	if len(subs) != 9 {
		t.Fatalf("expected 9 subscriptions, got %d", len(subs))
	}
	for _, s := range subs {
		if s.Type == TypeRaid && s.Condition["to_broadcaster_user_id"] != "b1" {
			t.Fatalf("raid condition must target the broadcaster")
		}
		if s.Type == TypeFollow && s.Condition["moderator_user_id"] != "bot" {
			t.Fatalf("follow condition needs moderator id")
		}
	}
}
