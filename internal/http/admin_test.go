package httpadmin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"

	"github.com/you/gnasty-live/internal/adapter"
	"github.com/you/gnasty-live/internal/core"
)

type fakeReloader struct {
	err   error
	calls []core.Platform
}

func (f *fakeReloader) Reload(_ context.Context, platform core.Platform) (adapter.Report, error) {
	f.calls = append(f.calls, platform)
	if f.err != nil {
		return adapter.Report{}, f.err
	}
	return adapter.Report{Platform: string(platform), State: "Connecting"}, nil
}

func serve(rel Reloader, method, path string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	New(rel).Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServerReloadSuccess(t *testing.T) {
	for _, path := range []string{"/admin/reload/tiktok", "/admin/reload/TikTok"} {
		rel := &fakeReloader{}
		rec := serve(rel, http.MethodPost, path)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
			t.Fatalf("expected content-type application/json; charset=utf-8, got %q", ct)
		}

		var payload struct {
			Status   string         `json:"status"`
			Reloaded bool           `json:"reloaded"`
			Platform string         `json:"platform"`
			Report   adapter.Report `json:"report"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if payload.Status != "ok" || !payload.Reloaded || payload.Platform != "tiktok" || payload.Report.State != "Connecting" {
			t.Fatalf("unexpected payload: %+v", payload)
		}
		if len(rel.calls) != 1 || rel.calls[0] != core.PlatformTikTok {
			t.Fatalf("unexpected reload calls %v", rel.calls)
		}
	}
}

func TestLegacyTwitchRoute(t *testing.T) {
	rel := &fakeReloader{}
	rec := serve(rel, http.MethodPost, "/admin/twitch/reload")
	if rec.Code != http.StatusOK || len(rel.calls) != 1 || rel.calls[0] != core.PlatformTwitch {
		t.Fatalf("unexpected result %d %v", rec.Code, rel.calls)
	}
}

func TestServerReloadErrors(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		err      error
		wantCode int
		wantBody string
	}{
		{"failure", http.MethodPost, "/admin/reload/twitch", errors.New("boom"), http.StatusInternalServerError, "reload failed: boom\n"},
		{"not running", http.MethodPost, "/admin/reload/youtube", fmt.Errorf("youtube: %w", adapter.ErrNotRunning), http.StatusNotFound, "reload failed: youtube: adapter: platform not running\n"},
		{"unknown platform", http.MethodPost, "/admin/reload/kick", nil, http.StatusNotFound, "unknown platform: kick\n"},
		{"wrong method", http.MethodGet, "/admin/reload/twitch", nil, http.StatusMethodNotAllowed, "method not allowed\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(&fakeReloader{err: tc.err}, tc.method, tc.path)
			if rec.Code != tc.wantCode {
				t.Fatalf("expected status %d, got %d", tc.wantCode, rec.Code)
			}
			if body := rec.Body.String(); body != tc.wantBody {
				t.Fatalf("unexpected body: %q", body)
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	rec := serve(&fakeReloader{}, http.MethodGet, "/admin/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz %d %q", rec.Code, rec.Body.String())
	}
}
