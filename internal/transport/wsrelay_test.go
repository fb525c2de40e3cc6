package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []Frame
	ch     chan Frame
}

func newFrameRecorder() *frameRecorder {
	return &frameRecorder{ch: make(chan Frame, 32)}
}

func (r *frameRecorder) record(f Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	r.ch <- f
}

func (r *frameRecorder) next(t *testing.T, event string) Frame {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f := <-r.ch:
			if f.Event == event {
				return f
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s frame", event)
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSRelayOpenMessageSendAndPlannedClose(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"chat"}`))
		_, data, err := conn.Read(ctx)
		if err == nil {
			received <- string(data)
		}
		<-ctx.Done()
	}))
	defer srv.Close()

	relay := NewWSRelay(WSRelayOptions{
		Name:       "test",
		URL:        wsURL(srv),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		MinBackoff: 10 * time.Millisecond,
		Classify: func(data []byte) (Frame, bool) {
			return Frame{Type: "chat"}, true
		},
	})
	rec := newFrameRecorder()
	relay.On(EventOpen, "rec", rec.record)
	relay.On(EventMessage, "rec", rec.record)
	relay.On(EventClose, "rec", rec.record)

	if err := relay.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	rec.next(t, EventOpen)
	if !relay.IsConnected() || !relay.IsActive() {
		t.Fatalf("expected connected and active")
	}

	msg := rec.next(t, EventMessage)
	if msg.Type != "chat" || string(msg.Data) != `{"type":"chat"}` {
		t.Fatalf("unexpected message frame %+v", msg)
	}

	if err := relay.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-received:
		if got != "hello" {
			t.Fatalf("server got %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not receive message")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	if err := relay.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cleanup waited %v on a peer that never answers the close handshake", elapsed)
	}
	closed := rec.next(t, EventClose)
	if !closed.Planned {
		t.Fatalf("expected planned close, got %+v", closed)
	}
	if relay.IsActive() || relay.IsConnected() {
		t.Fatalf("expected inactive after cleanup")
	}
	if relay.ListenerCount() != 0 {
		t.Fatalf("expected listeners cleared")
	}
}

func TestWSRelayReconnectsAfterServerClose(t *testing.T) {
	var mu sync.Mutex
	accepts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		accepts++
		first := accepts == 1
		mu.Unlock()
		if first {
			conn.Close(websocket.StatusGoingAway, "bye")
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	relay := NewWSRelay(WSRelayOptions{
		URL:        wsURL(srv),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	})
	rec := newFrameRecorder()
	relay.On(EventOpen, "rec", rec.record)
	relay.On(EventClose, "rec", rec.record)

	if err := relay.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer relay.Cleanup(context.Background())

	rec.next(t, EventOpen)
	closed := rec.next(t, EventClose)
	if closed.Planned {
		t.Fatalf("expected unplanned close")
	}
	rec.next(t, EventOpen)
}

func TestListenersEmitKeepsZeroTimestamp(t *testing.T) {
	var l Listeners
	var got []Frame
	l.On(EventMessage, "rec", func(f Frame) { got = append(got, f) })
	l.Emit(Frame{Event: EventMessage, Type: "chat"})
	stamped := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.Emit(Frame{Event: EventMessage, Type: "chat", Timestamp: stamped})
	if len(got) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(got))
	}
	if !got[0].Timestamp.IsZero() {
		t.Fatalf("frame without a platform timestamp was stamped with %v", got[0].Timestamp)
	}
	if !got[1].Timestamp.Equal(stamped) {
		t.Fatalf("platform timestamp changed to %v", got[1].Timestamp)
	}
}

func TestWSRelaySendWhenDisconnected(t *testing.T) {
	relay := NewWSRelay(WSRelayOptions{URL: "ws://127.0.0.1:1"})
	if err := relay.SendMessage(context.Background(), "x"); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestWSRelayRequiresURL(t *testing.T) {
	relay := NewWSRelay(WSRelayOptions{})
	if err := relay.Initialize(context.Background()); err == nil {
		t.Fatalf("expected error without url")
	}
}
