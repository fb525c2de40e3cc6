package tiktok

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/you/gnasty-live/internal/adapter"
	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/ingesttrace"
	"github.com/you/gnasty-live/internal/transport"
)

// Relay event names.
const (
	EventConnected    = "connected"
	EventChat         = "chat"
	EventGift         = "gift"
	EventFollow       = "follow"
	EventSocial       = "social"
	EventSubscribe    = "subscribe"
	EventEnvelope     = "envelope"
	EventRoomUser     = "roomUser"
	EventStreamEnd    = "streamEnd"
	EventDisconnected = "disconnected"
)

const (
	// CurrencyCoins is the unit of TikTok gift values.
	CurrencyCoins = "coins"

	GiftTypeTreasureChest = "treasure_chest"

	streakableGiftType = 1
)

// Relay events that carry nothing the canonical model represents.
var ignoredEvents = map[string]bool{
	"like":               true,
	"member":             true,
	"share":              true,
	"questionNew":        true,
	"linkMicBattle":      true,
	"linkMicArmies":      true,
	"liveIntro":          true,
	"emote":              true,
	"rawData":            true,
	"websocketConnected": true,
}

// HandleMessage parses one relay frame.
func (d *driver) HandleMessage(_ context.Context, f transport.Frame) {
	var raw map[string]any
	if err := json.Unmarshal(f.Data, &raw); err != nil {
		d.base.ParseError(f.Type, fmt.Errorf("decode %s: %w", f.Type, err), string(f.Data))
		return
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if _, ok := raw["createTime"]; !ok && !f.Timestamp.IsZero() {
		raw["timestamp"] = core.FormatTimestamp(f.Timestamp)
	}

	switch f.Type {
	case EventConnected:
		d.connected(raw)
	case EventChat:
		d.chat(raw)
	case EventGift:
		d.gift(raw)
	case EventFollow:
		d.follow(raw)
	case EventSocial:
		if strings.Contains(str(raw["displayType"]), "follow") {
			d.follow(raw)
			return
		}
		d.base.Logger().Debug("tiktok: ignoring social event", "displayType", str(raw["displayType"]))
	case EventSubscribe:
		d.subscribe(raw)
	case EventEnvelope:
		d.envelope(raw)
	case EventRoomUser:
		n, ok := intValue(raw["viewerCount"])
		if !ok {
			d.base.ParseError(f.Type, errors.New("roomUser missing viewerCount"), raw)
			return
		}
		d.mu.Lock()
		d.viewers = n
		d.live = true
		d.mu.Unlock()
	case EventStreamEnd:
		d.mu.Lock()
		d.viewers, d.live = 0, false
		d.mu.Unlock()
		d.emit(adapter.EventStreamOffline, core.StreamStatus{IsLive: false}, raw)
	case EventDisconnected:
		d.base.Logger().Warn("tiktok: relay lost the room connection", "reason", str(raw["reason"]))
	default:
		if ignoredEvents[f.Type] {
			return
		}
		d.base.UnknownVariant(f.Type)
	}
}

// connected carries the room snapshot the relay sends after joining.
func (d *driver) connected(raw map[string]any) {
	room, _ := raw["roomInfo"].(map[string]any)
	owner, _ := room["owner"].(map[string]any)
	ownerID := firstString(owner, "id_str", "userId", "id")

	isLive := true
	if v, ok := raw["isLive"].(bool); ok {
		isLive = v
	} else if status, ok := intValue(room["status"]); ok {
		// room status 2 is live, 4 is finished
		isLive = status == 2
	}

	d.mu.Lock()
	d.ownerID = ownerID
	d.live = isLive
	if n, ok := intValue(room["user_count"]); ok {
		d.viewers = n
	}
	d.mu.Unlock()

	if !isLive {
		d.emit(adapter.EventStreamOffline, core.StreamStatus{IsLive: false}, raw)
		return
	}
	ts, _ := adapter.DefaultTimestampService{}.ExtractTimestamp(core.PlatformTikTok, map[string]any{"create_time": room["create_time"]})
	status := core.StreamStatus{IsLive: true, StartedAt: ts}
	d.base.EmitAdapterEvent(adapter.Event{
		Name:      adapter.EventStreamOnline,
		Payload:   status,
		Timestamp: ts,
		Raw:       raw,
	})
}

func (d *driver) chat(raw map[string]any) {
	id := identity(raw)
	msg := core.ChatMessage{
		Identity:     id,
		Message:      core.MessageText{Text: strings.TrimSpace(str(raw["comment"]))},
		MessageID:    firstString(raw, "msgId", "messageId"),
		IsMod:        boolValue(raw["isModerator"]),
		IsSubscriber: boolValue(raw["isSubscriber"]),
	}
	var missing []string
	if msg.UserID == "" {
		missing = append(missing, "userId")
	}
	if msg.Username == "" {
		missing = append(missing, "uniqueId")
	}
	if msg.Message.Text == "" {
		missing = append(missing, "comment")
	}
	if len(missing) > 0 {
		d.base.ParseError(EventChat, fmt.Errorf("chat message missing %s", strings.Join(missing, ", ")), raw)
		return
	}

	owner := d.owner()
	if owner == "" && strings.EqualFold(msg.Username, d.uniqueID()) {
		owner = msg.UserID
	}
	msg.IsBroadcaster = owner != "" && msg.UserID == owner
	if d.base.FilterSelfMessage(msg, owner) {
		return
	}
	msg.Badges = parseBadges(raw["userBadges"])
	if msg.IsMod {
		msg.Badges = setBadge(msg.Badges, "moderator")
	}
	if msg.IsSubscriber {
		msg.Badges = setBadge(msg.Badges, "subscriber")
	}
	d.emit(adapter.EventChatMessage, msg, raw)
}

// gift emits streakable gifts only once the streak finishes, carrying the
// final repeat count.
func (d *driver) gift(raw map[string]any) {
	giftType, _ := intValue(raw["giftType"])
	if giftType == streakableGiftType && !boolValue(raw["repeatEnd"]) {
		d.base.Drop(ingesttrace.ReasonStreakPending)
		return
	}
	count, ok := intValue(raw["repeatCount"])
	if !ok || count <= 0 {
		count = 1
	}
	diamonds, _ := intValue(raw["diamondCount"])
	name := firstString(raw, "giftName", "describe")
	if name == "" {
		if giftID, ok := intValue(raw["giftId"]); ok {
			name = "gift_" + strconv.Itoa(giftID)
		}
	}
	d.emit(adapter.EventGift, core.Gift{
		Identity:     identity(raw),
		GiftType:     name,
		GiftCount:    count,
		Amount:       float64(diamonds * count),
		Currency:     CurrencyCoins,
		DiamondCount: diamonds,
	}, raw)
}

func (d *driver) follow(raw map[string]any) {
	d.emit(adapter.EventFollow, core.Follow{Identity: identity(raw)}, raw)
}

func (d *driver) subscribe(raw map[string]any) {
	months, ok := intValue(raw["subMonth"])
	if !ok || months <= 0 {
		months = 1
	}
	name := adapter.EventPaypiggy
	if months > 1 {
		name = adapter.EventPaypiggyMessage
	}
	d.emit(name, core.Paypiggy{Identity: identity(raw), Months: months}, raw)
}

// envelope is a treasure chest dropped into the room.
func (d *driver) envelope(raw map[string]any) {
	info, _ := raw["envelopeInfo"].(map[string]any)
	if info == nil {
		info = raw
	}
	id := core.Identity{
		UserID:   firstString(info, "sendUserId", "userId"),
		Username: firstString(info, "sendUserName", "uniqueId"),
	}
	if id.UserID == "" && id.Username == "" {
		id = identity(raw)
	}
	diamonds, _ := intValue(info["diamondCount"])
	people, ok := intValue(info["peopleCount"])
	if !ok || people <= 0 {
		people = 1
	}
	d.emit(adapter.EventEnvelope, core.Envelope{
		Identity:  id,
		GiftType:  GiftTypeTreasureChest,
		GiftCount: people,
		Amount:    float64(diamonds),
		Currency:  CurrencyCoins,
	}, raw)
}

func (d *driver) emit(name string, p core.Payload, raw map[string]any) {
	d.base.EmitAdapterEvent(adapter.Event{Name: name, Payload: p, Raw: raw})
}

// identity reads the sender from the flat relay fields, falling back to a
// nested user object.
func identity(raw map[string]any) core.Identity {
	id := core.Identity{
		UserID:   firstString(raw, "userId"),
		Username: firstString(raw, "uniqueId", "nickname"),
	}
	if user, ok := raw["user"].(map[string]any); ok {
		if id.UserID == "" {
			id.UserID = firstString(user, "userId", "id_str", "id")
		}
		if id.Username == "" {
			id.Username = firstString(user, "uniqueId", "nickname")
		}
	}
	return id
}

func parseBadges(v any) map[string]string {
	list, _ := v.([]any)
	var badges map[string]string
	for _, item := range list {
		b, _ := item.(map[string]any)
		name := strings.ToLower(firstString(b, "type", "name"))
		if name == "" {
			continue
		}
		badges = setBadge(badges, name)
		if label := firstString(b, "label", "displayType"); label != "" {
			badges[name] = label
		}
	}
	return badges
}

func setBadge(badges map[string]string, name string) map[string]string {
	if badges == nil {
		badges = map[string]string{}
	}
	if _, ok := badges[name]; !ok {
		badges[name] = "1"
	}
	return badges
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := strings.TrimSpace(str(m[key])); s != "" {
			return s
		}
	}
	return ""
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

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

func boolValue(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	case string:
		ok, _ := strconv.ParseBool(b)
		return ok
	}
	return false
}
