package twitch

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/you/gnasty-live/internal/adapter"
	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/transport"
	"github.com/you/gnasty-live/internal/twitchirc"
)

// EventSub subscription types.
const (
	TypeChatMessage         = twitchirc.TypeChatMessage
	TypeFollow              = "channel.follow"
	TypeSubscribe           = twitchirc.TypeSubscribe
	TypeSubscriptionMessage = twitchirc.TypeSubscriptionMessage
	TypeSubscriptionGift    = twitchirc.TypeSubscriptionGift
	TypeCheer               = twitchirc.TypeCheer
	TypeRaid                = twitchirc.TypeRaid
	TypeStreamOnline        = "stream.online"
	TypeStreamOffline       = "stream.offline"
)

// HandleMessage parses one EventSub notification body.
func (d *driver) HandleMessage(_ context.Context, f transport.Frame) {
	var raw map[string]any
	if err := json.Unmarshal(f.Data, &raw); err != nil {
		d.base.ParseError(f.Type, fmt.Errorf("decode %s: %w", f.Type, err), string(f.Data))
		return
	}
	if _, ok := raw["timestamp"]; !ok && !f.Timestamp.IsZero() {
		raw["message_timestamp"] = core.FormatTimestamp(f.Timestamp)
	}

	switch f.Type {
	case TypeChatMessage:
		d.chat(raw)
	case TypeFollow:
		d.emit(adapter.EventFollow, core.Follow{Identity: identity(raw, "user")}, raw)
	case TypeSubscribe:
		if truthy(raw["is_gift"]) {
			// gifted subs are reported once through the gift notification
			d.base.Logger().Debug("twitch: skipping gifted subscription", "user", str(raw["user_name"]))
			return
		}
		d.emit(adapter.EventPaypiggy, core.Paypiggy{
			Identity: identity(raw, "user"),
			Tier:     str(raw["tier"]),
			Months:   1,
		}, raw)
	case TypeSubscriptionMessage:
		d.emit(adapter.EventPaypiggyMessage, core.Paypiggy{
			Identity: identity(raw, "user"),
			Tier:     str(raw["tier"]),
			Months:   intValue(raw["cumulative_months"]),
			Message:  messageText(raw["message"]),
		}, raw)
	case TypeSubscriptionGift:
		// a missing or zero total fails validation and becomes an error payload
		d.emit(adapter.EventPaypiggyGift, core.GiftPaypiggy{
			Identity:    identity(raw, "user"),
			GiftCount:   intValue(raw["total"]),
			Tier:        str(raw["tier"]),
			IsAnonymous: truthy(raw["is_anonymous"]),
		}, raw)
	case TypeCheer:
		bits := intValue(raw["bits"])
		d.emit(adapter.EventGift, core.Gift{
			Identity:    identity(raw, "user"),
			GiftType:    "bits",
			GiftCount:   1,
			Amount:      float64(bits),
			Currency:    "bits",
			IsAnonymous: truthy(raw["is_anonymous"]),
			Message:     messageText(raw["message"]),
		}, raw)
	case TypeRaid:
		d.emit(adapter.EventRaid, core.Raid{
			Identity:    identity(raw, "from_broadcaster_user"),
			ViewerCount: intValue(raw["viewers"]),
		}, raw)
	case TypeStreamOnline:
		started := str(raw["started_at"])
		d.base.EmitAdapterEvent(adapter.Event{
			Name:      adapter.EventStreamOnline,
			Payload:   core.StreamStatus{IsLive: true, StartedAt: started},
			Timestamp: started,
			Raw:       raw,
		})
	case TypeStreamOffline:
		d.emit(adapter.EventStreamOffline, core.StreamStatus{IsLive: false}, raw)
	default:
		d.base.UnknownVariant(f.Type)
	}
}

func (d *driver) chat(raw map[string]any) {
	msg := core.ChatMessage{
		Identity:  identity(raw, "chatter_user"),
		Message:   core.MessageText{Text: strings.TrimSpace(messageText(raw["message"]))},
		Color:     str(raw["color"]),
		MessageID: str(raw["message_id"]),
		Emotes:    emotes(raw),
	}
	var missing []string
	if msg.UserID == "" {
		missing = append(missing, "chatter_user_id")
	}
	if msg.Username == "" {
		missing = append(missing, "chatter_user_name")
	}
	if msg.Message.Text == "" {
		missing = append(missing, "message.text")
	}
	if len(missing) > 0 {
		d.base.ParseError(TypeChatMessage, fmt.Errorf("chat message missing %s", strings.Join(missing, ", ")), raw)
		return
	}

	if d.base.FilterSelfMessage(msg, str(raw["broadcaster_user_id"])) {
		return
	}

	badges, roles := parseBadges(raw["badges"])
	msg.Badges = badges
	msg.IsMod = roles["moderator"]
	msg.IsSubscriber = roles["subscriber"] || roles["founder"]
	msg.IsBroadcaster = roles["broadcaster"]

	d.emit(adapter.EventChatMessage, msg, raw)
}

func (d *driver) emit(name string, p core.Payload, raw map[string]any) {
	d.base.EmitAdapterEvent(adapter.Event{Name: name, Payload: p, Raw: raw})
}

// identity reads <prefix>_id plus <prefix>_name, falling back to
// <prefix>_login for the name.
func identity(raw map[string]any, prefix string) core.Identity {
	name := strings.TrimSpace(str(raw[prefix+"_name"]))
	if name == "" {
		name = strings.TrimSpace(str(raw[prefix+"_login"]))
	}
	return core.Identity{UserID: strings.TrimSpace(str(raw[prefix+"_id"])), Username: name}
}

// parseBadges accepts a name → value map (values coerced via truthy) or
// EventSub's [{set_id, id, info}] list (presence means the role is held).
func parseBadges(v any) (map[string]string, map[string]bool) {
	badges := map[string]string{}
	roles := map[string]bool{}
	switch b := v.(type) {
	case map[string]any:
		for name, val := range b {
			badges[name] = str(val)
			roles[name] = truthy(val)
		}
	case []any:
		for _, item := range b {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name := str(m["set_id"])
			if name == "" {
				continue
			}
			badges[name] = str(m["id"])
			roles[name] = true
		}
	}
	if len(badges) == 0 {
		badges = nil
	}
	return badges, roles
}

func emotes(raw map[string]any) []string {
	var out []string
	if list, ok := raw["emotes"].([]any); ok {
		for _, e := range list {
			if s := str(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	msg, _ := raw["message"].(map[string]any)
	frags, _ := msg["fragments"].([]any)
	for _, f := range frags {
		frag, ok := f.(map[string]any)
		if !ok || str(frag["type"]) != "emote" {
			continue
		}
		if s := str(frag["text"]); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func messageText(v any) string {
	switch m := v.(type) {
	case string:
		return m
	case map[string]any:
		return str(m["text"])
	}
	return ""
}

// truthy matches the role flag encodings seen on the wire: "1", 1, true.
func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		s := strings.TrimSpace(b)
		return s == "1" || strings.EqualFold(s, "true")
	case float64:
		return b == 1
	case int:
		return b == 1
	case json.Number:
		return b.String() == "1"
	}
	return false
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case json.Number:
		return s.String()
	case bool:
		return strconv.FormatBool(s)
	}
	return ""
}

func intValue(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(n))
		return i
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}
