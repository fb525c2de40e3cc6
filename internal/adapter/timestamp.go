package adapter

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/you/gnasty-live/internal/core"
)

// DefaultTimestampService looks for the timestamp fields each platform
// uses. ISO strings are returned verbatim; epoch values are formatted.
type DefaultTimestampService struct{}

var timestampKeys = map[core.Platform][]string{
	core.PlatformTwitch:  {"timestamp", "followed_at", "started_at", "message_timestamp", "tmi-sent-ts"},
	core.PlatformYouTube: {"timestamp", "publishedAt", "timestampUsec"},
	core.PlatformTikTok:  {"timestamp", "createTime", "create_time"},
}

func (DefaultTimestampService) ExtractTimestamp(platform core.Platform, raw map[string]any) (string, bool) {
	if raw == nil {
		return "", false
	}
	keys := timestampKeys[platform]
	if keys == nil {
		keys = []string{"timestamp"}
	}
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		if ts, ok := normalizeTimestamp(key, v); ok {
			return ts, true
		}
	}
	return "", false
}

func normalizeTimestamp(key string, v any) (string, bool) {
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return "", false
		}
		if _, ok := core.ParseTimestamp(s); ok {
			return s, true
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return "", false
		}
		return fromEpoch(key, float64(n))
	case float64:
		return fromEpoch(key, val)
	case int64:
		return fromEpoch(key, float64(val))
	case int:
		return fromEpoch(key, float64(val))
	case time.Time:
		if val.IsZero() {
			return "", false
		}
		return core.FormatTimestamp(val), true
	}
	return "", false
}

// fromEpoch guesses the unit from magnitude: microseconds for YouTube's
// *Usec fields, milliseconds above 1e11, seconds otherwise.
func fromEpoch(key string, n float64) (string, bool) {
	if n <= 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return "", false
	}
	var t time.Time
	switch {
	case strings.HasSuffix(key, "Usec") || n > 1e14:
		t = time.UnixMicro(int64(n))
	case n > 1e11:
		t = time.UnixMilli(int64(n))
	default:
		t = time.Unix(int64(n), 0)
	}
	return core.FormatTimestamp(t), true
}
