package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/gnasty-live/internal/core"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Order represents the chronological order to use when listing events.
type Order string

const (
	// OrderDesc returns events newest first.
	OrderDesc Order = "desc"
	// OrderAsc returns events oldest first.
	OrderAsc Order = "asc"
)

// Filters captures the parsed query parameters for event lookups.
type Filters struct {
	Platforms []core.Platform
	Types     []core.EventType
	Usernames []string
	Since     *time.Time
	ErrorOnly bool
	Limit     int
	Order     Order
}

// ParseFilters parses query parameters into a Filters struct.
func ParseFilters(values url.Values) (Filters, error) {
	f := Filters{
		Limit: defaultLimit,
		Order: OrderDesc,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Filters{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
			f.Order = OrderDesc
		case "asc":
			f.Order = OrderAsc
		default:
			return Filters{}, errors.New("order must be asc or desc")
		}
	}

	if rawSince := values.Get("since"); rawSince != "" {
		parsed, err := parseSince(rawSince)
		if err != nil {
			return Filters{}, err
		}
		f.Since = &parsed
	}

	if raw := values.Get("errors"); raw != "" {
		only, err := strconv.ParseBool(raw)
		if err != nil {
			return Filters{}, errors.New("errors must be a boolean")
		}
		f.ErrorOnly = only
	}

	allowAll := false
	seenPlatforms := make(map[core.Platform]struct{})
	for _, part := range splitValues(values["platform"]) {
		canonical, ok := normalizePlatform(part)
		if !ok {
			return Filters{}, errors.New("invalid platform filter")
		}
		if canonical == "" {
			allowAll = true
			continue
		}
		if _, exists := seenPlatforms[canonical]; !exists {
			f.Platforms = append(f.Platforms, canonical)
			seenPlatforms[canonical] = struct{}{}
		}
	}
	if allowAll {
		f.Platforms = nil
	}

	seenTypes := make(map[core.EventType]struct{})
	for _, part := range splitValues(values["type"]) {
		t, ok := normalizeType(part)
		if !ok {
			return Filters{}, errors.New("invalid type filter")
		}
		if _, exists := seenTypes[t]; !exists {
			f.Types = append(f.Types, t)
			seenTypes[t] = struct{}{}
		}
	}

	seenUsers := make(map[string]struct{})
	for _, part := range splitValues(values["username"]) {
		lowered := strings.ToLower(part)
		if _, exists := seenUsers[lowered]; !exists {
			f.Usernames = append(f.Usernames, lowered)
			seenUsers[lowered] = struct{}{}
		}
	}

	return f, nil
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query())
}

// splitValues flattens repeated and comma separated query values.
func splitValues(values []string) []string {
	var out []string
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func normalizePlatform(p string) (core.Platform, bool) {
	switch strings.ToLower(p) {
	case "twitch", "tw", "t":
		return core.PlatformTwitch, true
	case "youtube", "yt", "y":
		return core.PlatformYouTube, true
	case "tiktok", "tt":
		return core.PlatformTikTok, true
	case "all", "*":
		return "", true
	default:
		return "", false
	}
}

var knownTypes = []core.EventType{
	core.TypeChatMessage,
	core.TypeFollow,
	core.TypePaypiggy,
	core.TypeGift,
	core.TypeGiftPaypiggy,
	core.TypeRaid,
	core.TypeStreamStatus,
	core.TypePlatformConnection,
	core.TypeEnvelope,
}

func normalizeType(raw string) (core.EventType, bool) {
	raw = strings.ToLower(raw)
	if raw == "chat" {
		return core.TypeChatMessage, true
	}
	for _, t := range knownTypes {
		if string(t) == raw {
			return t, true
		}
	}
	return "", false
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}

// Matches reports whether the provided event satisfies the filters.
func (f Filters) Matches(ev core.Event) bool {
	if len(f.Platforms) > 0 && !containsPlatform(f.Platforms, ev.Platform) {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, ev.Type) {
		return false
	}
	if f.ErrorOnly && !ev.IsError {
		return false
	}

	if len(f.Usernames) > 0 {
		id, ok := ev.UserIdentity()
		if !ok {
			return false
		}
		username := strings.ToLower(id.Username)
		match := false
		for _, u := range f.Usernames {
			if strings.Contains(username, u) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if f.Since != nil {
		ts, ok := core.ParseTimestamp(ev.Timestamp)
		if !ok || ts.Before(f.Since.UTC()) {
			return false
		}
	}

	return true
}

// CloneForStream returns a copy of the filters adjusted for streaming transports.
func (f Filters) CloneForStream() Filters {
	f.Limit = 0
	return f
}

func containsPlatform(list []core.Platform, p core.Platform) bool {
	for _, item := range list {
		if item == p {
			return true
		}
	}
	return false
}

func containsType(list []core.EventType, t core.EventType) bool {
	for _, item := range list {
		if item == t {
			return true
		}
	}
	return false
}
