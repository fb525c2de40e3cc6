package ytlive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/you/gnasty-live/internal/httpclient"
)

func TestNormalizeURL_Variants(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare handle", "@creator", "https://www.youtube.com/@creator/live"},
		{"short host", "youtube.com/@creator/live", "https://www.youtube.com/@creator/live"},
		{"www host", "https://www.youtube.com/@creator", "https://www.youtube.com/@creator/live"},
		{"channel id", "UCabcdefghijklmnopqrstuv", "https://www.youtube.com/channel/UCabcdefghijklmnopqrstuv/live"},
		{"short link", "https://youtu.be/xyz789", "https://www.youtube.com/watch?v=xyz789"},
		{"mobile watch", "https://m.youtube.com/watch?v=xyz789&t=5", "https://www.youtube.com/watch?v=xyz789"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeURL(tc.in)
			if err != nil {
				t.Fatalf("NormalizeURL() error = %v", err)
			}
			if got.String() != tc.want {
				t.Fatalf("NormalizeURL() = %q, want %q", got.String(), tc.want)
			}
		})
	}
}

func TestResolver_HandleLive(t *testing.T) {
	handler := http.NewServeMux()
	handler.HandleFunc("/@creator/live", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/watch?v=abc123", http.StatusFound)
	})
	handler.HandleFunc("/watch", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("v") != "abc123" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`<!DOCTYPE html><html><head><script nonce="test">var ytInitialPlayerResponse = {"streamingData":{"hlsManifestUrl":"https://example.com/hls.m3u8"},"videoDetails":{"videoId":"abc123","isLiveContent":true}};</script></head><body></body></html>`))
	})

	server := httptest.NewServer(handler)
	defer server.Close()

	resolver := newTestResolver(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := resolver.Resolve(ctx, "https://youtube.com/@creator/live")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !res.Live {
		t.Fatalf("Resolve() Live = false, want true")
	}
	if res.WatchURL != "https://www.youtube.com/watch?v=abc123" {
		t.Fatalf("Resolve() WatchURL = %q", res.WatchURL)
	}
	if res.ChatURL != "https://www.youtube.com/live_chat?v=abc123" {
		t.Fatalf("Resolve() ChatURL = %q", res.ChatURL)
	}
}

func TestResolver_HandleOffline(t *testing.T) {
	handler := http.NewServeMux()
	handler.HandleFunc("/@creator/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`<!DOCTYPE html><html><head><script>var ytInitialPlayerResponse = {"videoDetails":{"videoId":"offline123","isLiveContent":false}};</script></head><body></body></html>`))
	})

	server := httptest.NewServer(handler)
	defer server.Close()

	resolver := newTestResolver(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := resolver.Resolve(ctx, "www.youtube.com/@creator/live")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Live {
		t.Fatalf("Resolve() Live = true, want false")
	}
	if res.WatchURL != "https://www.youtube.com/watch?v=offline123" {
		t.Fatalf("Resolve() WatchURL = %q", res.WatchURL)
	}
	if res.ChatURL != "" {
		t.Fatalf("Resolve() ChatURL = %q, want empty", res.ChatURL)
	}
}

func TestResolver_DirectWatch(t *testing.T) {
	handler := http.NewServeMux()
	handler.HandleFunc("/watch", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("v") != "def456" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`<!DOCTYPE html><html><head><script>var ytInitialData = {"playerResponse":{"streamingData":{"dashManifestUrl":"https://example.com/manifest.mpd"},"videoDetails":{"videoId":"def456","isLiveContent":true}}};</script></head><body></body></html>`))
	})

	server := httptest.NewServer(handler)
	defer server.Close()

	resolver := newTestResolver(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := resolver.Resolve(ctx, "https://www.youtube.com/watch?v=def456")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !res.Live {
		t.Fatalf("Resolve() Live = false, want true")
	}
	if res.ChatURL != "https://www.youtube.com/live_chat?v=def456" {
		t.Fatalf("Resolve() ChatURL = %q", res.ChatURL)
	}
}

func TestNormalizeURL_Rejects(t *testing.T) {
	for _, in := range []string{"", "https://example.com/@creator", "https://youtu.be/", "https://www.youtube.com/watch"} {
		if _, err := NormalizeURL(in); err == nil {
			t.Fatalf("NormalizeURL(%q) expected error", in)
		}
	}
}

func TestResolver_ConcurrentViewersAndChannel(t *testing.T) {
	handler := http.NewServeMux()
	handler.HandleFunc("/channel/UCabcdefghijklmnopqrstuv/live", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<script>var ytInitialPlayerResponse = {"videoDetails":{"videoId":"live42","channelId":"UCabcdefghijklmnopqrstuv","isLive":true}};</script>` +
			`<script>var ytInitialData = {"contents":{"videoPrimaryInfoRenderer":{"viewCount":{"videoViewCountRenderer":{"viewCount":{"runs":[{"text":"1,234"},{"text":" watching now"}]},"isLive":true,"originalViewCount":"1234"}}}}};</script>`))
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	res, err := newTestResolver(server.URL).Resolve(context.Background(), "UCabcdefghijklmnopqrstuv")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !res.Live || res.VideoID != "live42" || res.ChannelID != "UCabcdefghijklmnopqrstuv" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Viewers != 1234 {
		t.Fatalf("Viewers = %d, want 1234", res.Viewers)
	}
}

func TestResolver_EndedBroadcastIsOffline(t *testing.T) {
	handler := http.NewServeMux()
	handler.HandleFunc("/watch", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<script>var ytInitialPlayerResponse = {"videoDetails":{"videoId":"old1","isLiveContent":true},"microformat":{"playerMicroformatRenderer":{"liveBroadcastDetails":{"isLiveNow":false,"endTimestamp":"2024-01-01T00:00:00+00:00"}}}};</script>`))
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	res, err := newTestResolver(server.URL).Resolve(context.Background(), "https://www.youtube.com/watch?v=old1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Live || res.Viewers != 0 {
		t.Fatalf("ended broadcast reported live: %+v", res)
	}
}

func TestExtractConcurrentViewers_TextFallback(t *testing.T) {
	body := `{"videoViewCountRenderer":{"viewCount":{"simpleText":"2.5K watching"}},"other":"x"} "12,345 watching now"`
	if got := extractConcurrentViewers(body); got != 12345 {
		t.Fatalf("extractConcurrentViewers() = %d, want 12345", got)
	}
	if got := extractConcurrentViewers(`nothing here`); got != 0 {
		t.Fatalf("extractConcurrentViewers() = %d, want 0", got)
	}
}

func newTestResolver(target string) *Resolver {
	return NewResolver(&httpclient.HTTP{Client: &http.Client{Transport: rewriteTransport(target), Timeout: 2 * time.Second}})
}

func rewriteTransport(target string) http.RoundTripper {
	urlTarget, err := url.Parse(target)
	if err != nil {
		panic(err)
	}

	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if strings.HasSuffix(req.URL.Host, "youtube.com") || req.URL.Host == "youtu.be" {
			clone := req.Clone(req.Context())
			clone.URL = cloneURL(clone.URL)
			clone.URL.Scheme = urlTarget.Scheme
			clone.URL.Host = urlTarget.Host
			clone.Host = urlTarget.Host
			return http.DefaultTransport.RoundTrip(clone)
		}
		return http.DefaultTransport.RoundTrip(req)
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	copy := *u
	return &copy
}
