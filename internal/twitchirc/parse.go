package twitchirc

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/transport"
)

// EventSub subscription types the translated frames carry.
const (
	TypeChatMessage         = "channel.chat.message"
	TypeCheer               = "channel.cheer"
	TypeSubscribe           = "channel.subscribe"
	TypeSubscriptionMessage = "channel.subscription.message"
	TypeSubscriptionGift    = "channel.subscription.gift"
	TypeRaid                = "channel.raid"
)

const anonymousGifter = "ananonymousgifter"

type ircMessage struct {
	raw      string
	tags     map[string]string
	prefix   string
	command  string
	params   []string
	trailing string
}

func parseLine(line string) (ircMessage, bool) {
	msg := ircMessage{raw: line, tags: map[string]string{}}
	rest := line

	if strings.HasPrefix(rest, "@") {
		idx := strings.Index(rest, " ")
		if idx == -1 {
			return ircMessage{}, false
		}
		for _, kv := range strings.Split(rest[1:idx], ";") {
			if kv == "" {
				continue
			}
			key, val, _ := strings.Cut(kv, "=")
			msg.tags[key] = unescapeIRC(val)
		}
		rest = strings.TrimSpace(rest[idx+1:])
	}

	if strings.HasPrefix(rest, ":") {
		idx := strings.Index(rest, " ")
		if idx == -1 {
			return ircMessage{}, false
		}
		msg.prefix = rest[1:idx]
		rest = strings.TrimSpace(rest[idx+1:])
	}

	if idx := strings.Index(rest, " :"); idx != -1 {
		msg.trailing = rest[idx+2:]
		rest = rest[:idx]
	} else if strings.HasPrefix(rest, ":") {
		msg.trailing = rest[1:]
		rest = ""
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ircMessage{}, false
	}
	msg.command = strings.ToUpper(fields[0])
	msg.params = fields[1:]
	return msg, true
}

func (m ircMessage) channel() string {
	for _, p := range m.params {
		if strings.HasPrefix(p, "#") {
			return strings.ToLower(p[1:])
		}
	}
	return ""
}

// translate converts PRIVMSG/USERNOTICE into an EventSub-shaped frame. A
// non-empty reason means the line was dropped.
func (c *Client) translate(m ircMessage) (transport.Frame, string) {
	if ch := m.channel(); ch != c.cfg.Channel {
		return transport.Frame{}, dropOtherChannel
	}

	var ts time.Time
	if raw := m.tags["tmi-sent-ts"]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			ts = time.UnixMilli(ms).UTC()
		}
	}

	var (
		typ  string
		body map[string]any
	)
	switch m.command {
	case "PRIVMSG":
		typ, body = c.translatePrivmsg(m)
	case "USERNOTICE":
		if c.isGiftRecipient(m) {
			return transport.Frame{}, dropGiftRecipient
		}
		typ, body = c.translateUserNotice(m)
	}
	if typ == "" {
		return transport.Frame{}, dropUnsupportedNotice
	}
	if !ts.IsZero() {
		body["timestamp"] = core.FormatTimestamp(ts)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return transport.Frame{}, dropEncodeFailed
	}
	return transport.Frame{Type: typ, Data: data, Timestamp: ts}, ""
}

func (c *Client) translatePrivmsg(m ircMessage) (string, map[string]any) {
	login := extractUser(m.prefix)
	display := m.tags["display-name"]
	if display == "" {
		display = login
	}
	text := m.trailing
	// ACTION (/me) messages arrive wrapped in CTCP markers
	if strings.HasPrefix(text, "\x01ACTION ") && strings.HasSuffix(text, "\x01") {
		text = strings.TrimSuffix(strings.TrimPrefix(text, "\x01ACTION "), "\x01")
	}

	if bits, err := strconv.Atoi(m.tags["bits"]); err == nil && bits > 0 {
		return TypeCheer, map[string]any{
			"user_id":                m.tags["user-id"],
			"user_login":             login,
			"user_name":              display,
			"broadcaster_user_id":    m.tags["room-id"],
			"broadcaster_user_login": c.cfg.Channel,
			"is_anonymous":           false,
			"bits":                   bits,
			"message":                text,
		}
	}

	return TypeChatMessage, map[string]any{
		"broadcaster_user_id":    m.tags["room-id"],
		"broadcaster_user_login": c.cfg.Channel,
		"chatter_user_id":        m.tags["user-id"],
		"chatter_user_login":     login,
		"chatter_user_name":      display,
		"message_id":             m.tags["id"],
		"message":                map[string]any{"text": text},
		"color":                  m.tags["color"],
		"badges":                 badgeList(m.tags["badges"], m.tags["badge-info"]),
		"emotes":                 splitList(m.tags["emotes"], "/"),
	}
}

// isGiftRecipient reports whether m is one of the per-recipient subgift
// notices of a mystery gift that was already counted.
func (c *Client) isGiftRecipient(m ircMessage) bool {
	switch m.tags["msg-id"] {
	case "subgift", "anonsubgift":
		return c.gifts.consume(m.tags["login"])
	}
	return false
}

func (c *Client) translateUserNotice(m ircMessage) (string, map[string]any) {
	login := m.tags["login"]
	display := m.tags["display-name"]
	if display == "" {
		display = login
	}
	user := map[string]any{
		"user_id":                m.tags["user-id"],
		"user_login":             login,
		"user_name":              display,
		"broadcaster_user_id":    m.tags["room-id"],
		"broadcaster_user_login": c.cfg.Channel,
	}
	tier := planTier(m.tags["msg-param-sub-plan"])

	switch m.tags["msg-id"] {
	case "sub":
		user["tier"] = tier
		user["is_gift"] = false
		return TypeSubscribe, user
	case "resub":
		user["tier"] = tier
		user["cumulative_months"] = atoi(m.tags["msg-param-cumulative-months"])
		user["streak_months"] = atoi(m.tags["msg-param-streak-months"])
		user["message"] = map[string]any{"text": m.trailing}
		return TypeSubscriptionMessage, user
	case "submysterygift":
		total := atoi(m.tags["msg-param-mass-gift-count"])
		c.gifts.expect(login, total)
		user["tier"] = tier
		user["total"] = total
		user["is_anonymous"] = login == anonymousGifter
		return TypeSubscriptionGift, user
	case "subgift", "anonsubgift":
		user["tier"] = tier
		user["total"] = 1
		user["is_anonymous"] = login == anonymousGifter || m.tags["msg-id"] == "anonsubgift"
		return TypeSubscriptionGift, user
	case "raid":
		name := m.tags["msg-param-displayName"]
		if name == "" {
			name = display
		}
		return TypeRaid, map[string]any{
			"from_broadcaster_user_id":    m.tags["user-id"],
			"from_broadcaster_user_login": m.tags["msg-param-login"],
			"from_broadcaster_user_name":  name,
			"to_broadcaster_user_id":      m.tags["room-id"],
			"to_broadcaster_user_login":   c.cfg.Channel,
			"viewers":                     atoi(m.tags["msg-param-viewerCount"]),
		}
	}
	return "", nil
}

// planTier maps IRC sub plans onto EventSub tier strings.
func planTier(plan string) string {
	switch plan {
	case "", "Prime":
		return "1000"
	}
	return plan
}

// badgeList renders badges the way EventSub does: set_id and version,
// with badge-info (the precise subscriber month count) as info.
func badgeList(badges, info string) []map[string]string {
	infos := map[string]string{}
	for _, b := range splitList(info, ",") {
		name, value, _ := strings.Cut(b, "/")
		infos[name] = value
	}
	var out []map[string]string
	for _, b := range splitList(badges, ",") {
		name, version, _ := strings.Cut(b, "/")
		if name == "" {
			continue
		}
		out = append(out, map[string]string{"set_id": name, "id": version, "info": infos[name]})
	}
	return out
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

func extractUser(prefix string) string {
	prefix = strings.TrimPrefix(prefix, ":")
	if idx := strings.Index(prefix, "!"); idx != -1 {
		return prefix[:idx]
	}
	return prefix
}

func unescapeIRC(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 's':
			b.WriteByte(' ')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case ':':
			b.WriteByte(';')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func splitList(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// giftTracker suppresses the per-recipient subgift notices that follow a
// submysterygift from the same gifter.
type giftTracker struct {
	mu      sync.Mutex
	pending map[string]int
}

func newGiftTracker() *giftTracker {
	return &giftTracker{pending: map[string]int{}}
}

func (g *giftTracker) expect(gifter string, n int) {
	if n <= 0 {
		return
	}
	g.mu.Lock()
	g.pending[gifter] += n
	g.mu.Unlock()
}

func (g *giftTracker) consume(gifter string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending[gifter] <= 0 {
		return false
	}
	g.pending[gifter]--
	if g.pending[gifter] == 0 {
		delete(g.pending, gifter)
	}
	return true
}
