package youtube

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/goccy/go-json"

	"github.com/you/gnasty-live/internal/adapter"
	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/transport"
	"github.com/you/gnasty-live/internal/ytlive"
)

const (
	GiftTypeSuperChat    = "superchat"
	GiftTypeSuperSticker = "supersticker"
)

// HandleMessage parses one renderer frame.
func (d *driver) HandleMessage(_ context.Context, f transport.Frame) {
	var raw map[string]any
	if err := json.Unmarshal(f.Data, &raw); err != nil {
		d.base.ParseError(f.Type, fmt.Errorf("decode %s: %w", f.Type, err), string(f.Data))
		return
	}
	if _, ok := raw["timestamp"]; !ok && !f.Timestamp.IsZero() {
		raw["timestamp"] = core.FormatTimestamp(f.Timestamp)
	}

	switch f.Type {
	case ytlive.RendererText:
		d.chat(raw)
	case ytlive.RendererPaid:
		amount, currency := parseAmount(runsText(raw["purchaseAmountText"]))
		d.emit(adapter.EventGift, core.Gift{
			Identity:  author(raw),
			GiftType:  GiftTypeSuperChat,
			GiftCount: 1,
			Amount:    amount,
			Currency:  currency,
			Message:   runsText(raw["message"]),
		}, raw)
	case ytlive.RendererSticker:
		amount, currency := parseAmount(runsText(raw["purchaseAmountText"]))
		d.emit(adapter.EventGift, core.Gift{
			Identity:  author(raw),
			GiftType:  GiftTypeSuperSticker,
			GiftCount: 1,
			Amount:    amount,
			Currency:  currency,
			Message:   str(dig(raw, "sticker", "accessibility", "accessibilityData")["label"]),
		}, raw)
	case ytlive.RendererMembership:
		d.membership(raw)
	case ytlive.RendererGiftPurchase:
		header := dig(raw, "header", "liveChatSponsorshipsHeaderRenderer")
		count := firstInt(runsText(header["primaryText"]))
		id := core.Identity{
			UserID:   strings.TrimSpace(str(raw["authorExternalChannelId"])),
			Username: strings.TrimSpace(runsText(header["authorName"])),
		}
		d.emit(adapter.EventPaypiggyGift, core.GiftPaypiggy{Identity: id, GiftCount: count}, raw)
	case ytlive.RendererGiftRedemption:
		// recipients are counted once through the purchase announcement
		d.base.Logger().Debug("youtube: skipping gift redemption", "user", runsText(raw["authorName"]))
	case ytlive.TypeStreamStarted:
		ts := str(raw["timestamp"])
		d.base.EmitAdapterEvent(adapter.Event{
			Name:      adapter.EventStreamOnline,
			Payload:   core.StreamStatus{IsLive: true, StartedAt: ts},
			Timestamp: ts,
			Raw:       raw,
		})
	case ytlive.TypeStreamEnded:
		d.emit(adapter.EventStreamOffline, core.StreamStatus{IsLive: false}, raw)
	default:
		d.base.UnknownVariant(f.Type)
	}
}

func (d *driver) chat(raw map[string]any) {
	text, emotes := messageRuns(raw["message"])
	msg := core.ChatMessage{
		Identity:  author(raw),
		Message:   core.MessageText{Text: strings.TrimSpace(text)},
		MessageID: str(raw["id"]),
		Emotes:    emotes,
	}
	var missing []string
	if msg.UserID == "" {
		missing = append(missing, "authorExternalChannelId")
	}
	if msg.Username == "" {
		missing = append(missing, "authorName")
	}
	if msg.Message.Text == "" {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		d.base.ParseError(ytlive.RendererText, fmt.Errorf("chat message missing %s", strings.Join(missing, ", ")), raw)
		return
	}
	if d.base.FilterSelfMessage(msg, "") {
		return
	}

	badges, roles := parseBadges(raw["authorBadges"])
	msg.Badges = badges
	msg.IsMod = roles["moderator"]
	msg.IsSubscriber = roles["member"]
	msg.IsBroadcaster = roles["owner"]
	d.emit(adapter.EventChatMessage, msg, raw)
}

// membership handles both the welcome notice and the milestone chat a
// returning member posts.
func (d *driver) membership(raw map[string]any) {
	id := author(raw)
	primary := runsText(raw["headerPrimaryText"])
	subtext := runsText(raw["headerSubtext"])

	if primary != "" {
		d.emit(adapter.EventPaypiggyMessage, core.Paypiggy{
			Identity:        id,
			Months:          firstInt(primary),
			MembershipLevel: strings.TrimSpace(subtext),
			Message:         runsText(raw["message"]),
		}, raw)
		return
	}
	d.emit(adapter.EventPaypiggy, core.Paypiggy{
		Identity:        id,
		Months:          1,
		MembershipLevel: welcomeLevel(raw["headerSubtext"]),
	}, raw)
}

func (d *driver) emit(name string, p core.Payload, raw map[string]any) {
	d.base.EmitAdapterEvent(adapter.Event{Name: name, Payload: p, Raw: raw})
}

func author(raw map[string]any) core.Identity {
	return core.Identity{
		UserID:   strings.TrimSpace(str(raw["authorExternalChannelId"])),
		Username: strings.TrimSpace(runsText(raw["authorName"])),
	}
}

// parseBadges maps authorBadges to tooltip strings keyed by role.
func parseBadges(v any) (map[string]string, map[string]bool) {
	list, _ := v.([]any)
	badges := map[string]string{}
	roles := map[string]bool{}
	for _, item := range list {
		m, _ := item.(map[string]any)
		b := dig(m, "liveChatAuthorBadgeRenderer")
		if b == nil {
			continue
		}
		tooltip := str(b["tooltip"])
		var name string
		switch str(dig(b, "icon")["iconType"]) {
		case "OWNER":
			name = "owner"
		case "MODERATOR":
			name = "moderator"
		case "VERIFIED":
			name = "verified"
		default:
			if b["customThumbnail"] != nil {
				name = "member"
			}
		}
		if name == "" {
			continue
		}
		badges[name] = tooltip
		roles[name] = true
	}
	if len(badges) == 0 {
		badges = nil
	}
	return badges, roles
}

// messageRuns joins text and emoji runs. Custom channel emoji are also
// returned as emotes.
func messageRuns(v any) (string, []string) {
	m, _ := v.(map[string]any)
	if s, ok := m["simpleText"].(string); ok {
		return s, nil
	}
	runs, _ := m["runs"].([]any)
	var b strings.Builder
	var emotes []string
	for _, r := range runs {
		run, _ := r.(map[string]any)
		if text, ok := run["text"].(string); ok {
			b.WriteString(text)
			continue
		}
		emoji := dig(run, "emoji")
		if emoji == nil {
			continue
		}
		label := str(emoji["emojiId"])
		if shortcuts, ok := emoji["shortcuts"].([]any); ok && len(shortcuts) > 0 {
			label = str(shortcuts[0])
		}
		b.WriteString(label)
		if custom, _ := emoji["isCustomEmoji"].(bool); custom && label != "" {
			emotes = append(emotes, label)
		}
	}
	return b.String(), emotes
}

func runsText(v any) string {
	text, _ := messageRuns(v)
	return text
}

// welcomeLevel reads the level name out of "Welcome to <level>!".
func welcomeLevel(v any) string {
	m, _ := v.(map[string]any)
	if runs, ok := m["runs"].([]any); ok && len(runs) >= 2 {
		first, _ := runs[0].(map[string]any)
		if strings.HasPrefix(strings.ToLower(str(first["text"])), "welcome") {
			second, _ := runs[1].(map[string]any)
			return strings.TrimSpace(str(second["text"]))
		}
	}
	text := strings.TrimSpace(runsText(v))
	if strings.HasPrefix(strings.ToLower(text), "welcome to ") {
		text = strings.TrimSuffix(strings.TrimSpace(text[len("welcome to "):]), "!")
	}
	return text
}

var currencySymbols = map[string]string{
	"$":   "USD",
	"US$": "USD",
	"CA$": "CAD",
	"A$":  "AUD",
	"NZ$": "NZD",
	"HK$": "HKD",
	"NT$": "TWD",
	"MX$": "MXN",
	"R$":  "BRL",
	"€":   "EUR",
	"£":   "GBP",
	"¥":   "JPY",
	"CN¥": "CNY",
	"₩":   "KRW",
	"₹":   "INR",
	"₱":   "PHP",
	"₪":   "ILS",
	"₫":   "VND",
}

// parseAmount splits a display amount such as "$5.00", "CA$10.00" or
// "CHF 20.00" into a number and ISO currency code.
func parseAmount(s string) (float64, string) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\u00a0", " "))
	idx := strings.IndexFunc(s, unicode.IsDigit)
	if idx < 0 {
		return 0, ""
	}
	prefix := strings.TrimSpace(s[:idx])
	number := strings.ReplaceAll(strings.TrimSpace(s[idx:]), ",", "")
	amount, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, ""
	}
	if code, ok := currencySymbols[prefix]; ok {
		return amount, code
	}
	if len(prefix) == 3 && strings.ToUpper(prefix) == prefix {
		return amount, prefix
	}
	return amount, ""
}

func firstInt(s string) int {
	start := strings.IndexFunc(s, unicode.IsDigit)
	if start < 0 {
		return 0
	}
	end := start
	for end < len(s) && (unicode.IsDigit(rune(s[end])) || s[end] == ',') {
		end++
	}
	n, _ := strconv.Atoi(strings.ReplaceAll(s[start:end], ",", ""))
	return n
}

func dig(m map[string]any, keys ...string) map[string]any {
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

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return ""
}
