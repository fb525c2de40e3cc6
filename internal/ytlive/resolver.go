package ytlive

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/goccy/go-json"

	"github.com/you/gnasty-live/internal/httpclient"
)

// ResolveResult captures the outcome of a YouTube livestream lookup.
type ResolveResult struct {
	Live      bool
	VideoID   string
	ChannelID string
	WatchURL  string
	ChatURL   string
	// Viewers is the concurrent viewer count shown on the watch page; 0
	// when the page did not report one.
	Viewers int
}

// Resolver locates the active livestream for a configured YouTube URL,
// handle or channel id.
type Resolver struct {
	http httpclient.Client
}

// NewResolver creates a resolver backed by client. A nil client gets
// httpclient.New().
func NewResolver(client httpclient.Client) *Resolver {
	if client == nil {
		client = httpclient.New()
	}
	return &Resolver{http: client}
}

// Resolve normalizes raw, fetches the page and reports whether a
// livestream is active. When one is, the watch and live-chat URLs are
// returned along with the concurrent viewer count.
func (r *Resolver) Resolve(ctx context.Context, raw string) (ResolveResult, error) {
	normalized, err := NormalizeURL(raw)
	if err != nil {
		return ResolveResult{}, err
	}

	resp, err := r.http.Get(ctx, normalized.String(), httpclient.RequestOptions{
		Headers: map[string]string{"Accept-Language": "en-US,en;q=0.8"},
	})
	if err != nil {
		return ResolveResult{}, fmt.Errorf("ytlive: resolve %s: %w", normalized, err)
	}

	finalURL := resp.URL
	if finalURL == nil {
		finalURL = normalized
	}
	watchURL := canonicalWatchURL(finalURL)
	body := string(resp.Data)

	res := ResolveResult{WatchURL: watchURL, Viewers: extractConcurrentViewers(body)}
	if st, ok := extractInitialPlayerState(body); ok {
		res.VideoID = st.videoID
		res.ChannelID = st.channelID
		res.WatchURL = canonicalWatchFromVideoID(st.videoID)
		if !st.live {
			res.Viewers = 0
			return res, nil
		}
		res.Live = true
		res.ChatURL = canonicalChatFromVideoID(st.videoID)
		return res, nil
	}

	text := decodePage(body)
	chatURL := extractChatURL(text)
	switch {
	case chatURL != "" && watchURL != "":
		res.Live = true
	case watchURL != "" && containsLiveIndicator(text):
		res.Live = true
		if chatURL == "" {
			chatURL = defaultChatURL(finalURL)
		}
	}
	if !res.Live {
		res.Viewers = 0
		return res, nil
	}
	res.ChatURL = chatURL
	res.VideoID = finalURL.Query().Get("v")
	return res, nil
}

// NormalizeURL coerces YouTube URLs, @handles and UC… channel ids into
// fetchable https://www.youtube.com endpoints. Handles and channels are
// pointed at their /live page.
func NormalizeURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("ytlive: empty url")
	}

	switch {
	case strings.HasPrefix(trimmed, "@"):
		trimmed = "https://www.youtube.com/" + trimmed
	case IsChannelID(trimmed):
		trimmed = "https://www.youtube.com/channel/" + trimmed + "/live"
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("ytlive: parse url: %w", err)
	}
	u.Fragment = ""

	switch strings.ToLower(u.Host) {
	case "youtu.be":
		id := strings.Trim(u.Path, "/")
		if id == "" {
			return nil, errors.New("ytlive: missing video id in youtu.be url")
		}
		return &url.URL{
			Scheme:   "https",
			Host:     "www.youtube.com",
			Path:     "/watch",
			RawQuery: url.Values{"v": []string{id}}.Encode(),
		}, nil
	case "youtube.com", "www.youtube.com", "m.youtube.com":
		u.Scheme = "https"
		u.Host = "www.youtube.com"

		if strings.HasPrefix(u.Path, "/@") {
			u.Path = liveSuffix(u.Path)
			u.RawQuery = ""
			return u, nil
		}
		if strings.EqualFold(u.Path, "/watch") {
			videoID := strings.TrimSpace(u.Query().Get("v"))
			if videoID == "" {
				return nil, errors.New("ytlive: watch url missing video id")
			}
			u.RawQuery = url.Values{"v": []string{videoID}}.Encode()
			return u, nil
		}
		u.Path = path.Clean(u.Path)
		return u, nil
	default:
		return nil, fmt.Errorf("ytlive: unsupported host %q", u.Host)
	}
}

var channelIDRe = regexp.MustCompile(`^UC[A-Za-z0-9_-]{22}$`)

// IsChannelID reports whether s looks like a YouTube channel id.
func IsChannelID(s string) bool { return channelIDRe.MatchString(s) }

func liveSuffix(p string) string {
	trimmed := strings.TrimSuffix(p, "/")
	trimmed = strings.TrimSuffix(trimmed, "/live")
	return trimmed + "/live"
}

func canonicalWatchURL(u *url.URL) string {
	if u == nil || !strings.EqualFold(u.Path, "/watch") {
		return ""
	}
	return canonicalWatchFromVideoID(u.Query().Get("v"))
}

func defaultChatURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	return canonicalChatFromVideoID(u.Query().Get("v"))
}

type playerState struct {
	videoID   string
	channelID string
	live      bool
}

func extractInitialPlayerState(body string) (playerState, bool) {
	for _, marker := range []string{"ytInitialPlayerResponse", "ytInitialData"} {
		raw, ok := extractJSONAssignment(body, marker)
		if !ok {
			continue
		}
		st, err := parseInitialPlayerJSON(raw)
		if err != nil || st.videoID == "" {
			continue
		}
		return st, true
	}
	return playerState{}, false
}

// extractJSONAssignment finds `marker = {...}` (with optional quoting and
// brackets around the marker) and returns the balanced JSON value.
func extractJSONAssignment(body, marker string) (string, bool) {
	search := 0
	for {
		idx := strings.Index(body[search:], marker)
		if idx == -1 {
			return "", false
		}
		idx += search
		search = idx + len(marker)

		pos := idx + len(marker)
		for pos < len(body) {
			ch := body[pos]
			if ch == '=' {
				pos++
				break
			}
			if unicode.IsSpace(rune(ch)) || ch == ']' || ch == '"' || ch == '\'' || ch == '.' || ch == ')' {
				pos++
				continue
			}
			pos = -1
			break
		}
		if pos == -1 || pos >= len(body) {
			continue
		}
		for pos < len(body) && unicode.IsSpace(rune(body[pos])) {
			pos++
		}
		if pos >= len(body) {
			return "", false
		}
		if body[pos] != '{' && body[pos] != '[' {
			continue
		}
		if s, ok := sliceBalancedJSON(body[pos:]); ok {
			return s, true
		}
	}
}

func sliceBalancedJSON(s string) (string, bool) {
	stack := make([]rune, 0, 8)
	inString, escape := false, false
	for i, r := range s {
		if inString {
			switch {
			case escape:
				escape = false
			case r == '\\':
				escape = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, r)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			open := stack[len(stack)-1]
			if (open == '{' && r != '}') || (open == '[' && r != ']') {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

type playerResponsePayload struct {
	StreamingData *struct {
		HLSManifestURL string `json:"hlsManifestUrl"`
	} `json:"streamingData"`
	VideoDetails struct {
		VideoID       string `json:"videoId"`
		ChannelID     string `json:"channelId"`
		IsLive        bool   `json:"isLive"`
		IsLiveContent bool   `json:"isLiveContent"`
	} `json:"videoDetails"`
	Microformat struct {
		Renderer struct {
			LiveBroadcastDetails *struct {
				IsLiveNow bool   `json:"isLiveNow"`
				EndTime   string `json:"endTimestamp"`
			} `json:"liveBroadcastDetails"`
		} `json:"playerMicroformatRenderer"`
	} `json:"microformat"`
}

func parseInitialPlayerJSON(raw string) (playerState, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &root); err != nil {
		return playerState{}, err
	}

	var payload playerResponsePayload
	src := []byte(raw)
	if nested, ok := root["playerResponse"]; ok {
		src = nested
	}
	if err := json.Unmarshal(src, &payload); err != nil {
		return playerState{}, err
	}

	st := playerState{
		videoID:   strings.TrimSpace(payload.VideoDetails.VideoID),
		channelID: strings.TrimSpace(payload.VideoDetails.ChannelID),
	}
	if st.videoID == "" {
		return st, nil
	}
	st.live = payload.VideoDetails.IsLive
	if lb := payload.Microformat.Renderer.LiveBroadcastDetails; lb != nil {
		// an ended broadcast keeps isLiveContent=true
		st.live = st.live || (lb.IsLiveNow && lb.EndTime == "")
	} else if !st.live {
		st.live = payload.VideoDetails.IsLiveContent || payload.StreamingData != nil
	}
	return st, nil
}

var (
	originalViewCountRe = regexp.MustCompile(`"originalViewCount":"(\d+)"`)
	watchingNowRe       = regexp.MustCompile(`"([\d,.\s]+)\s+watching(?: now)?"`)
)

const viewCountWindow = 4096

// extractConcurrentViewers reads the live viewer counter from the watch
// page's initial data.
func extractConcurrentViewers(body string) int {
	if idx := strings.Index(body, `"videoViewCountRenderer"`); idx >= 0 {
		window := body[idx:min(len(body), idx+viewCountWindow)]
		if m := originalViewCountRe.FindStringSubmatch(window); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return n
			}
		}
	}
	if m := watchingNowRe.FindStringSubmatch(body); m != nil {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, m[1])
		if n, err := strconv.Atoi(digits); err == nil {
			return n
		}
	}
	return 0
}

func canonicalWatchFromVideoID(videoID string) string {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return ""
	}
	return (&url.URL{Scheme: "https", Host: "www.youtube.com", Path: "/watch", RawQuery: url.Values{"v": []string{videoID}}.Encode()}).String()
}

func canonicalChatFromVideoID(videoID string) string {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return ""
	}
	return (&url.URL{Scheme: "https", Host: "www.youtube.com", Path: "/live_chat", RawQuery: url.Values{"v": []string{videoID}}.Encode()}).String()
}

func decodePage(body string) string {
	text := strings.ReplaceAll(body, "\\/", "/")
	text = strings.ReplaceAll(text, "\\u0026", "&")
	return html.UnescapeString(text)
}

func extractChatURL(body string) string {
	idx := strings.Index(body, "/live_chat?")
	if idx == -1 {
		return ""
	}
	// include an absolute prefix when present
	if start := strings.LastIndex(body[:idx], "https://www.youtube.com"); start >= 0 && start+len("https://www.youtube.com") == idx {
		idx = start
	}
	end := idx
	for end < len(body) {
		ch := body[end]
		if ch == '"' || ch == '\'' || ch == '<' || ch == '>' {
			break
		}
		end++
	}
	raw := strings.TrimSpace(body[idx:end])
	if strings.HasPrefix(raw, "https://") {
		u, err := url.Parse(raw)
		if err != nil {
			return ""
		}
		return u.String()
	}
	if strings.HasPrefix(raw, "/") {
		return "https://www.youtube.com" + raw
	}
	return ""
}

func containsLiveIndicator(body string) bool {
	lowered := strings.ToLower(body)
	for _, marker := range []string{`"islivenow":true`, `"islive":true`, `"islivecontent":true`, "livechatrenderer"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
