// Package twitchirc is the Twitch chat transport used when EventSub is
// disabled. IRC lines are translated into the same event bodies EventSub
// delivers so the Twitch adapter parses one shape.
package twitchirc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you/gnasty-live/internal/transport"
)

type Config struct {
	Channel       string
	Nick          string
	UseTLS        bool
	Addr          string
	TokenProvider func() string
	RefreshNow    func(context.Context) error
	Logger        *slog.Logger
	DebugDrops    bool
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
}

// Client is an IRC transport. It reconnects with exponential backoff and
// emits open/close/message frames.
type Client struct {
	transport.Listeners

	cfg     Config
	logger  *slog.Logger
	metrics ircMetrics

	mu     sync.Mutex
	w      *bufio.Writer
	conn   net.Conn
	cancel context.CancelFunc
	done   chan struct{}
	gifts  *giftTracker

	active    atomic.Bool
	connected atomic.Bool
	planned   atomic.Bool
}

var (
	errAuthFailed      = errors.New("twitchirc: authentication failed")
	errServerReconnect = errors.New("twitchirc: server requested reconnect")
	errMissingToken    = errors.New("twitchirc: token is required")
	errMissingChannel  = errors.New("twitchirc: channel and nick are required")
)

const (
	defaultAddr    = "irc.chat.twitch.tv:6667"
	defaultTLSAddr = "irc.chat.twitch.tv:6697"
)

var (
	readDeadline     = 2 * time.Minute
	pingInterval     = 4 * time.Minute
	statsLogInterval = 10 * time.Second
)

func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Channel = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(cfg.Channel)), "#")
	cfg.Nick = strings.ToLower(strings.TrimSpace(cfg.Nick))
	return &Client{cfg: cfg, logger: logger, gifts: newGiftTracker()}
}

// Initialize starts the connection loop.
func (c *Client) Initialize(ctx context.Context) error {
	if c.cfg.Channel == "" || c.cfg.Nick == "" {
		return errMissingChannel
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.planned.Store(false)
	c.active.Store(true)
	go c.run(loopCtx)
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.active.Store(false)

	b := transport.NewBackoff(c.cfg.MinBackoff, c.cfg.MaxBackoff)
	for {
		if ctx.Err() != nil {
			return
		}
		opened, err := c.runOnce(ctx)
		if opened {
			b.Reset()
			planned := c.planned.Load() || ctx.Err() != nil
			reason := "connection closed"
			if err != nil {
				reason = err.Error()
			}
			c.Emit(transport.Frame{Event: transport.EventClose, Reason: reason, Planned: planned})
			if planned {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		switch {
		case errors.Is(err, errServerReconnect):
			c.logger.Info("twitchirc: server requested reconnect")
			continue
		case errors.Is(err, errAuthFailed) && c.cfg.RefreshNow != nil:
			c.logger.Warn("twitchirc: authentication failed; refreshing token")
			if rerr := c.cfg.RefreshNow(ctx); rerr != nil {
				c.logger.Warn("twitchirc: refresh failed", "err", rerr)
			}
		default:
			c.logger.Warn("twitchirc: disconnected", "err", err)
		}
		if !transport.Wait(ctx, b) {
			return
		}
	}
}

// runOnce holds one connection. opened reports whether the server
// accepted the login, which is when the open frame was emitted.
func (c *Client) runOnce(ctx context.Context) (opened bool, err error) {
	token := ""
	if c.cfg.TokenProvider != nil {
		token = strings.TrimSpace(c.cfg.TokenProvider())
	}
	if token == "" {
		return false, errMissingToken
	}

	addr := defaultAddr
	if c.cfg.UseTLS {
		addr = defaultTLSAddr
	}
	if strings.TrimSpace(c.cfg.Addr) != "" {
		addr = strings.TrimSpace(c.cfg.Addr)
	}
	c.logger.Info("twitchirc: connecting", "addr", addr, "tls", c.cfg.UseTLS)

	d := &net.Dialer{Timeout: 10 * time.Second}
	var conn net.Conn
	if c.cfg.UseTLS {
		host, _, _ := net.SplitHostPort(addr)
		conn, err = (&tls.Dialer{NetDialer: d, Config: &tls.Config{ServerName: host}}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	c.mu.Lock()
	c.conn, c.w = conn, rw.Writer
	c.mu.Unlock()
	defer func() {
		c.connected.Store(false)
		c.mu.Lock()
		c.conn, c.w = nil, nil
		c.mu.Unlock()
	}()

	// unblock the reader when the loop is cancelled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for _, line := range []string{
		"PASS " + token,
		"NICK " + c.cfg.Nick,
		"CAP REQ :twitch.tv/tags twitch.tv/commands twitch.tv/membership",
		"JOIN #" + c.cfg.Channel,
	} {
		if err := c.writeLine(line); err != nil {
			return false, fmt.Errorf("send %s: %w", strings.Fields(line)[0], err)
		}
	}

	drops := newDropLogger(c.logger, time.Now(), c.cfg.DebugDrops, dropSummaryInterval)
	defer drops.flush(time.Now())

	var (
		window   int64
		nextTick = time.Now().Add(statsLogInterval)
		nextPing = time.Now().Add(pingInterval)
	)
	for {
		if ctx.Err() != nil {
			return opened, ctx.Err()
		}
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return opened, fmt.Errorf("set deadline: %w", err)
		}

		line, err := rw.ReadString('\n')
		now := time.Now()
		if !now.Before(nextTick) {
			if window > 0 {
				c.logger.Debug("twitchirc: recv", "window", window, "total", c.metrics.seen.Load())
			}
			window = 0
			nextTick = now.Add(statsLogInterval)
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if !now.Before(nextPing) {
					if err := c.writeLine("PING :keepalive"); err != nil {
						return opened, fmt.Errorf("send PING: %w", err)
					}
					nextPing = now.Add(pingInterval)
				}
				continue
			}
			return opened, fmt.Errorf("read: %w", err)
		}
		nextPing = now.Add(pingInterval)

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if authFailure(line) {
			return opened, errAuthFailed
		}

		msg, ok := parseLine(line)
		if !ok {
			c.metrics.incDropped(dropUnparseable)
			drops.note(now, dropUnparseable, line)
			continue
		}
		switch msg.command {
		case "PING":
			if err := c.writeLine("PONG :" + msg.trailing); err != nil {
				return opened, fmt.Errorf("send PONG: %w", err)
			}
		case "RECONNECT":
			return opened, errServerReconnect
		case "001":
			if !opened {
				opened = true
				c.connected.Store(true)
				c.logger.Info("twitchirc: joined", "channel", "#"+c.cfg.Channel, "nick", c.cfg.Nick)
				c.Emit(transport.Frame{Event: transport.EventOpen})
			}
		case "PRIVMSG", "USERNOTICE":
			frame, reason := c.translate(msg)
			if reason != "" {
				c.metrics.incDropped(reason)
				drops.note(now, reason, line)
				continue
			}
			c.metrics.incSeen()
			window++
			frame.Event = transport.EventMessage
			c.Emit(frame)
		default:
			c.metrics.incDropped(dropNotChat)
			drops.note(now, dropNotChat, line)
		}
	}
}

func (c *Client) writeLine(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return transport.ErrNotConnected
	}
	if _, err := c.w.WriteString(s + "\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// SendMessage sends a PRIVMSG to the joined channel.
func (c *Client) SendMessage(_ context.Context, text string) error {
	if !c.connected.Load() {
		return transport.ErrNotConnected
	}
	text = strings.ReplaceAll(strings.TrimSpace(text), "\n", " ")
	return c.writeLine("PRIVMSG #" + c.cfg.Channel + " :" + text)
}

func (c *Client) IsConnected() bool { return c.connected.Load() }
func (c *Client) IsActive() bool    { return c.active.Load() }

// Disconnect stops the loop; the close frame is marked planned.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	c.planned.Store(true)
	if conn != nil {
		_ = conn.Close()
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cleanup disconnects and drops every listener.
func (c *Client) Cleanup(ctx context.Context) error {
	err := c.Disconnect(ctx)
	c.ClearListeners()
	return err
}

// Stats returns the message counters for this client.
func (c *Client) Stats() Stats { return c.metrics.snapshot() }

func authFailure(line string) bool {
	lower := strings.ToLower(line)
	if strings.Contains(lower, "login authentication failed") {
		return true
	}
	if strings.Contains(lower, "improperly formatted auth") {
		return true
	}
	return strings.Contains(lower, "authentication failed")
}
