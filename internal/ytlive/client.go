// Package ytlive reads YouTube live chat through the innertube endpoints
// the web player uses, and resolves channels to their active broadcast.
package ytlive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/httpclient"
	"github.com/you/gnasty-live/internal/transport"
)

// Renderer frame types. Frame.Type is the renderer key; Frame.Data the
// renderer object.
const (
	RendererText           = "liveChatTextMessageRenderer"
	RendererPaid           = "liveChatPaidMessageRenderer"
	RendererSticker        = "liveChatPaidStickerRenderer"
	RendererMembership     = "liveChatMembershipItemRenderer"
	RendererGiftPurchase   = "liveChatSponsorshipsGiftPurchaseAnnouncementRenderer"
	RendererGiftRedemption = "liveChatSponsorshipsGiftRedemptionAnnouncementRenderer"

	// Synthetic frames emitted when the broadcast starts or stops
	// carrying a chat continuation. Data is {"videoId","timestamp"}.
	TypeStreamStarted = "ytlive.streamStarted"
	TypeStreamEnded   = "ytlive.streamEnded"
)

// ignoredRenderers carry no viewer content.
var ignoredRenderers = map[string]bool{
	"liveChatViewerEngagementMessageRenderer": true,
	"liveChatPlaceholderItemRenderer":         true,
	"liveChatModeChangeMessageRenderer":       true,
	"liveChatBannerRenderer":                  true,
}

// ErrSendUnsupported is returned by SendMessage; posting to YouTube chat
// needs OAuth credentials this poller does not hold.
var ErrSendUnsupported = errors.New("ytlive: sending chat is not supported")

var (
	innertubeBase    = "https://www.youtube.com"
	defaultPollDelay = 1500 * time.Millisecond
	maxPollDelay     = 10 * time.Second
	statsLogInterval = 10 * time.Second
	seenIDLimit      = 2048
	errChatEnded     = errors.New("ytlive: chat continuation ended")
)

type Config struct {
	// LiveURL is a watch or live_chat URL, @handle or channel id.
	LiveURL string
	HTTP    httpclient.Client
	Logger  *slog.Logger

	// PollDelay overrides the delay used when the server sends no
	// timeoutMs.
	PollDelay  time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Client polls one broadcast's chat and emits open/close/message frames.
type Client struct {
	transport.Listeners

	cfg    Config
	http   httpclient.Client
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	seen   *seenSet

	active    atomic.Bool
	connected atomic.Bool
	planned   atomic.Bool
	received  atomic.Int64
}

type session struct {
	apiKey        string
	clientVersion string
	continuation  string
	videoID       string
}

func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpc := cfg.HTTP
	if httpc == nil {
		httpc = httpclient.New()
	}
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = defaultPollDelay
	}
	return &Client{cfg: cfg, http: httpc, logger: logger, seen: newSeenSet(seenIDLimit)}
}

// Initialize validates the URL and starts the poll loop.
func (c *Client) Initialize(ctx context.Context) error {
	if _, err := NormalizeURL(c.cfg.LiveURL); err != nil {
		return err
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
	var (
		sess    session
		window  int
		nextLog = time.Now().Add(statsLogInterval)
	)
	for {
		if ctx.Err() != nil {
			c.closeSession(ctx, &sess, "")
			return
		}

		if sess.continuation == "" {
			next, err := c.bootstrap(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				c.logger.Warn("ytlive: bootstrap failed", "err", err)
				if !transport.Wait(ctx, b) {
					return
				}
				continue
			}
			sess = next
			b.Reset()
			c.logger.Info("ytlive: bootstrap succeeded", "version", sess.clientVersion, "video", sess.videoID)
			c.connected.Store(true)
			c.Emit(transport.Frame{Event: transport.EventOpen})
			c.emitSynthetic(TypeStreamStarted, sess.videoID)
		}

		delay, err := c.pollOnce(ctx, &sess, &window)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Warn("ytlive: poll error", "err", err)
			if errors.Is(err, errChatEnded) {
				c.emitSynthetic(TypeStreamEnded, sess.videoID)
			}
			c.closeSession(ctx, &sess, err.Error())
			if !transport.Wait(ctx, b) {
				return
			}
			continue
		}

		if now := time.Now(); !now.Before(nextLog) {
			if window > 0 {
				c.logger.Debug("ytlive: received", "window", window, "total", c.received.Load())
			}
			window = 0
			nextLog = now.Add(statsLogInterval)
		}
		if !sleepContext(ctx, delay) {
			continue
		}
	}
}

func (c *Client) closeSession(ctx context.Context, sess *session, reason string) {
	if !c.connected.Swap(false) {
		*sess = session{}
		return
	}
	*sess = session{}
	planned := c.planned.Load() || ctx.Err() != nil
	if reason == "" {
		reason = "poller stopped"
	}
	c.Emit(transport.Frame{Event: transport.EventClose, Reason: reason, Planned: planned})
}

func (c *Client) pollOnce(ctx context.Context, sess *session, window *int) (time.Duration, error) {
	payload, err := c.poll(ctx, sess)
	if err != nil {
		return 0, err
	}
	next, timeout := extractContinuation(payload)
	for _, f := range extractFrames(payload) {
		if f.id != "" && !c.seen.add(f.id) {
			continue
		}
		c.received.Add(1)
		*window++
		c.Emit(transport.Frame{
			Event:     transport.EventMessage,
			Type:      f.kind,
			Data:      f.data,
			Timestamp: f.ts,
		})
	}
	if next == "" {
		return 0, errChatEnded
	}
	sess.continuation = next
	return nextPollDelay(timeout, c.cfg.PollDelay), nil
}

func (c *Client) emitSynthetic(kind, videoID string) {
	data, err := json.Marshal(map[string]string{
		"videoId":   videoID,
		"timestamp": core.Now(),
	})
	if err != nil {
		return
	}
	c.Emit(transport.Frame{Event: transport.EventMessage, Type: kind, Data: data, Timestamp: time.Now()})
}

// bootstrap reads the api key, client version and initial continuation
// from the live chat page.
func (c *Client) bootstrap(ctx context.Context) (session, error) {
	target, err := NormalizeURL(c.cfg.LiveURL)
	if err != nil {
		return session{}, err
	}
	resp, err := c.http.Get(ctx, target.String(), httpclient.RequestOptions{})
	if err != nil {
		return session{}, err
	}
	text := string(resp.Data)

	sess := session{
		apiKey:        extractString(text, `"INNERTUBE_API_KEY":"`),
		clientVersion: extractString(text, `"INNERTUBE_CLIENT_VERSION":"`),
	}
	if sess.apiKey == "" || sess.clientVersion == "" {
		return session{}, errors.New("ytlive: could not locate api key or client version")
	}
	if st, ok := extractInitialPlayerState(text); ok {
		sess.videoID = st.videoID
	}
	if sess.videoID == "" && resp.URL != nil {
		sess.videoID = resp.URL.Query().Get("v")
	}

	initJSON, ok := extractJSONAssignment(text, "ytInitialData")
	if !ok {
		return session{}, errors.New("ytlive: could not locate initial data")
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(initJSON), &data); err != nil {
		return session{}, fmt.Errorf("ytlive: parse initial data: %w", err)
	}
	sess.continuation = findInitialContinuation(data)
	if sess.continuation == "" {
		return session{}, errors.New("ytlive: continuation not found in initial data")
	}
	return sess, nil
}

func (c *Client) poll(ctx context.Context, sess *session) (map[string]any, error) {
	endpoint := innertubeBase + "/youtubei/v1/live_chat/get_live_chat"
	body := map[string]any{
		"context": map[string]any{
			"client": map[string]any{
				"clientName":    "WEB",
				"clientVersion": sess.clientVersion,
				"hl":            "en",
			},
		},
		"continuation": sess.continuation,
	}
	resp, err := c.http.Post(ctx, endpoint, body, httpclient.RequestOptions{
		Query: url.Values{"key": []string{sess.apiKey}, "prettyPrint": []string{"false"}},
	})
	if err != nil {
		return nil, fmt.Errorf("ytlive: poll: %w", err)
	}
	var payload map[string]any
	if err := resp.Decode(&payload); err != nil {
		return nil, fmt.Errorf("ytlive: decode poll response: %w", err)
	}
	return payload, nil
}

// SendMessage always fails with ErrSendUnsupported.
func (c *Client) SendMessage(context.Context, string) error { return ErrSendUnsupported }

func (c *Client) IsConnected() bool { return c.connected.Load() }
func (c *Client) IsActive() bool    { return c.active.Load() }

// Disconnect stops the poll loop; the close frame is marked planned.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	c.planned.Store(true)
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

// Received is the number of renderer frames emitted so far.
func (c *Client) Received() int64 { return c.received.Load() }

// nextPollDelay honours the server's timeoutMs within [fallback/2, max].
func nextPollDelay(timeoutMs int, fallback time.Duration) time.Duration {
	if timeoutMs <= 0 {
		return fallback
	}
	d := time.Duration(timeoutMs) * time.Millisecond
	if floor := fallback / 2; d < floor {
		d = floor
	}
	if d > maxPollDelay {
		d = maxPollDelay
	}
	return d
}

func extractContinuation(payload map[string]any) (string, int) {
	lc := digMap(payload, "continuationContents", "liveChatContinuation")
	if lc == nil {
		return "", 0
	}
	conts, _ := lc["continuations"].([]any)
	for _, elem := range conts {
		m, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"invalidationContinuationData", "timedContinuationData", "reloadContinuationData", "liveChatReplayContinuationData"} {
			data := digMap(m, key)
			if data == nil {
				continue
			}
			cont, _ := data["continuation"].(string)
			if cont == "" {
				continue
			}
			return cont, intField(data["timeoutMs"])
		}
	}
	return "", 0
}

type rendererFrame struct {
	kind string
	id   string
	ts   time.Time
	data []byte
}

// extractFrames returns the chat item renderers added by a poll response,
// in order.
func extractFrames(payload map[string]any) []rendererFrame {
	var out []rendererFrame
	add := func(item map[string]any) {
		for kind, v := range item {
			renderer, ok := v.(map[string]any)
			if !ok || ignoredRenderers[kind] {
				continue
			}
			data, err := json.Marshal(renderer)
			if err != nil {
				continue
			}
			id, _ := renderer["id"].(string)
			out = append(out, rendererFrame{
				kind: kind,
				id:   id,
				ts:   timestampField(renderer, "timestampUsec"),
				data: data,
			})
		}
	}
	for _, action := range gatherActions(payload) {
		if item := digMap(action, "addChatItemAction", "item"); item != nil {
			add(item)
		}
		if appendAction := digMap(action, "appendContinuationItemsAction"); appendAction != nil {
			items, _ := appendAction["continuationItems"].([]any)
			for _, it := range items {
				m, ok := it.(map[string]any)
				if !ok {
					continue
				}
				if item := digMap(m, "addChatItemAction", "item"); item != nil {
					add(item)
					continue
				}
				add(m)
			}
		}
	}
	return out
}

func gatherActions(payload map[string]any) []map[string]any {
	var out []map[string]any
	collect := func(arr []any) {
		for _, item := range arr {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	if arr, ok := payload["actions"].([]any); ok {
		collect(arr)
	}
	if arr, ok := payload["onResponseReceivedActions"].([]any); ok {
		collect(arr)
	}
	if lc := digMap(payload, "continuationContents", "liveChatContinuation"); lc != nil {
		if arr, ok := lc["actions"].([]any); ok {
			collect(arr)
		}
	}
	return out
}

func timestampField(m map[string]any, key string) time.Time {
	var usec int64
	switch v := m[key].(type) {
	case string:
		usec, _ = strconv.ParseInt(v, 10, 64)
	case float64:
		usec = int64(v)
	}
	if usec <= 0 {
		return time.Time{}
	}
	return time.UnixMicro(usec).UTC()
}

func intField(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}

func extractString(text, marker string) string {
	idx := strings.Index(text, marker)
	if idx == -1 {
		return ""
	}
	start := idx + len(marker)
	end := strings.Index(text[start:], "\"")
	if end == -1 {
		return ""
	}
	return text[start : start+end]
}

func digMap(m map[string]any, keys ...string) map[string]any {
	current := m
	for _, key := range keys {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

// findInitialContinuation walks the initial data breadth first and
// returns the first continuation found beneath a live chat node.
func findInitialContinuation(data map[string]any) string {
	type queueItem struct {
		value      any
		inLiveChat bool
	}
	queue := []queueItem{{value: data}}
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		switch v := item.value.(type) {
		case map[string]any:
			inLiveChat := item.inLiveChat || mapHasLiveChatKey(v)
			if inLiveChat {
				if cont := continuationFromNode(v); cont != "" {
					return cont
				}
			}
			for key, child := range v {
				queue = append(queue, queueItem{value: child, inLiveChat: inLiveChat || isLiveChatKey(key)})
			}
		case []any:
			for _, child := range v {
				queue = append(queue, queueItem{value: child, inLiveChat: item.inLiveChat})
			}
		}
	}
	return ""
}

func isLiveChatKey(key string) bool {
	return strings.Contains(strings.ToLower(key), "livechat")
}

func mapHasLiveChatKey(m map[string]any) bool {
	for key := range m {
		if isLiveChatKey(key) {
			return true
		}
	}
	return false
}

func continuationFromNode(node map[string]any) string {
	if arr, ok := node["continuations"].([]any); ok {
		for _, elem := range arr {
			m, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			for _, key := range []string{"invalidationContinuationData", "timedContinuationData", "reloadContinuationData"} {
				if next := digMap(m, key); next != nil {
					if s, ok := next["continuation"].(string); ok && s != "" {
						return s
					}
				}
			}
		}
	}
	if endpoint := digMap(node, "continuationEndpoint", "continuationCommand"); endpoint != nil {
		if s, ok := endpoint["token"].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// seenSet remembers the most recent renderer ids so replayed items are
// not emitted twice.
type seenSet struct {
	limit int
	ids   map[string]struct{}
	order []string
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{limit: limit, ids: make(map[string]struct{}, limit)}
}

// add records id and reports whether it was new.
func (s *seenSet) add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.limit {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
