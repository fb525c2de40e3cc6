package tiktok

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/you/gnasty-live/internal/transport"
)

// Relay wire format. The relay pushes one JSON object per websocket text
// message:
//
//	{"event":"gift","data":{...}}
//
// and accepts {"action":"chat","text":"..."} for outbound chat.
type relayMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type relayCommand struct {
	Action string `json:"action"`
	Text   string `json:"text"`
}

const uniqueIDPlaceholder = "{uniqueId}"

var relayControl = map[string]bool{
	"ping":      true,
	"pong":      true,
	"keepalive": true,
	"heartbeat": true,
}

// classify turns a relay message into a frame typed by its event name.
func classify(data []byte) (transport.Frame, bool) {
	var msg relayMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return transport.Frame{}, false
	}
	event := strings.TrimSpace(msg.Event)
	if event == "" || relayControl[event] {
		return transport.Frame{}, false
	}
	body := []byte(msg.Data)
	if len(body) == 0 || string(body) == "null" {
		body = []byte("{}")
	}
	return transport.Frame{Type: event, Data: body}, true
}

func encodeChat(text string) ([]byte, error) {
	return json.Marshal(relayCommand{Action: "chat", Text: text})
}

// relayURL fills the streamer's unique id into the relay address, either
// by replacing {uniqueId} or by adding a uniqueId query parameter.
func relayURL(base, uniqueID string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", errors.New("relay url is empty")
	}
	if strings.Contains(base, uniqueIDPlaceholder) {
		base = strings.ReplaceAll(base, uniqueIDPlaceholder, url.PathEscape(uniqueID))
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relay url scheme %q must be ws or wss", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("relay url has no host")
	}
	if !strings.Contains(u.Path+u.RawQuery, url.PathEscape(uniqueID)) {
		q := u.Query()
		q.Set("uniqueId", uniqueID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
