package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// ErrNotConnected is returned by SendMessage when no socket is open.
var ErrNotConnected = errors.New("transport: not connected")

// Sender writes a raw text frame on the current connection.
type Sender func(ctx context.Context, data []byte) error

// WSRelayOptions configures a WSRelay.
type WSRelayOptions struct {
	Name      string
	URL       string
	Header    http.Header
	ReadLimit int64
	Logger    *slog.Logger

	MinBackoff time.Duration
	MaxBackoff time.Duration

	// OnOpen runs after each successful dial, before the open frame is
	// emitted. An error drops the connection and triggers a retry.
	OnOpen func(ctx context.Context, send Sender) error

	// Classify turns an inbound message into a frame. Returning false
	// swallows the message (keepalives, control traffic).
	Classify func(data []byte) (Frame, bool)

	// Encode converts outbound chat text into a wire message. When nil
	// SendMessage writes the text as-is.
	Encode func(text string) ([]byte, error)
}

// WSRelay is a websocket transport that reconnects with exponential
// backoff and reports open/close/message frames.
type WSRelay struct {
	Listeners

	opts   WSRelayOptions
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	url    string
	cancel context.CancelFunc
	done   chan struct{}

	active    atomic.Bool
	connected atomic.Bool
	planned   atomic.Bool
}

// NewWSRelay constructs a relay. Nothing is dialed until Initialize.
func NewWSRelay(opts WSRelayOptions) *WSRelay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "wsrelay"
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	return &WSRelay{opts: opts, logger: logger, url: opts.URL}
}

// Initialize starts the connection loop. It returns once the loop is
// running; the open frame follows asynchronously.
func (r *WSRelay) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}
	if r.url == "" {
		return fmt.Errorf("%s: url is required", r.opts.Name)
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.done = make(chan struct{})
	r.planned.Store(false)
	r.active.Store(true)
	go r.run(loopCtx)
	return nil
}

// SetURL changes the endpoint used by the next dial.
func (r *WSRelay) SetURL(url string) {
	r.mu.Lock()
	r.url = url
	r.mu.Unlock()
}

// Reconnect drops the current socket so the loop redials immediately
// against the current URL.
func (r *WSRelay) Reconnect(reason string) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusServiceRestart, reason)
	}
}

func (r *WSRelay) run(ctx context.Context) {
	defer close(r.done)
	defer r.active.Store(false)

	b := NewBackoff(r.opts.MinBackoff, r.opts.MaxBackoff)
	for {
		if ctx.Err() != nil {
			return
		}
		r.mu.Lock()
		url := r.url
		r.mu.Unlock()

		conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: r.opts.Header})
		if err != nil {
			r.logger.Warn(r.opts.Name+": dial failed", "url", url, "err", err)
			if !Wait(ctx, b) {
				return
			}
			continue
		}
		conn.SetReadLimit(r.opts.ReadLimit)

		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()

		if r.opts.OnOpen != nil {
			if err := r.opts.OnOpen(ctx, r.send(conn)); err != nil {
				r.logger.Warn(r.opts.Name+": open hook failed", "err", err)
				r.dropConn(conn)
				if !Wait(ctx, b) {
					return
				}
				continue
			}
		}

		b.Reset()
		r.connected.Store(true)
		r.Emit(Frame{Event: EventOpen})

		readErr := r.readLoop(ctx, conn)
		r.connected.Store(false)
		r.dropConn(conn)

		planned := r.planned.Load() || ctx.Err() != nil
		reason := "connection closed"
		if readErr != nil {
			reason = readErr.Error()
		}
		r.Emit(Frame{Event: EventClose, Reason: reason, Planned: planned})
		if planned {
			return
		}
		if websocket.CloseStatus(readErr) == websocket.StatusServiceRestart {
			continue
		}
		if !Wait(ctx, b) {
			return
		}
	}
}

func (r *WSRelay) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		frame := Frame{Event: EventMessage, Data: data}
		if r.opts.Classify != nil {
			var ok bool
			frame, ok = r.opts.Classify(data)
			if !ok {
				continue
			}
			frame.Event = EventMessage
			if frame.Data == nil {
				frame.Data = data
			}
		}
		r.Emit(frame)
	}
}

func (r *WSRelay) send(conn *websocket.Conn) Sender {
	return func(ctx context.Context, data []byte) error {
		return conn.Write(ctx, websocket.MessageText, data)
	}
}

func (r *WSRelay) dropConn(conn *websocket.Conn) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()
	if r.planned.Load() {
		_ = conn.CloseNow()
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// SendMessage writes text on the open socket.
func (r *WSRelay) SendMessage(ctx context.Context, text string) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil || !r.connected.Load() {
		return ErrNotConnected
	}
	data := []byte(text)
	if r.opts.Encode != nil {
		var err error
		if data, err = r.opts.Encode(text); err != nil {
			return fmt.Errorf("%s: encode: %w", r.opts.Name, err)
		}
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (r *WSRelay) IsConnected() bool { return r.connected.Load() }
func (r *WSRelay) IsActive() bool    { return r.active.Load() }

// Disconnect stops the loop. The resulting close frame is marked planned.
func (r *WSRelay) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	cancel, done, conn := r.cancel, r.done, r.conn
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	r.planned.Store(true)
	cancel()
	if conn != nil {
		// the peer may never answer a close handshake
		_ = conn.CloseNow()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cleanup disconnects and drops every listener.
func (r *WSRelay) Cleanup(ctx context.Context) error {
	err := r.Disconnect(ctx)
	r.ClearListeners()
	return err
}
