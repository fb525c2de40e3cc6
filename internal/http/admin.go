package httpadmin

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/you/gnasty-live/internal/adapter"
	"github.com/you/gnasty-live/internal/core"
)

type Reloader interface {
	Reload(ctx context.Context, platform core.Platform) (adapter.Report, error)
}

type Server struct {
	rel Reloader
}

func New(rel Reloader) *Server { return &Server{rel: rel} }

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/reload/{platform}", func(w http.ResponseWriter, r *http.Request) {
		s.reload(w, r, r.PathValue("platform"))
	})
	// kept for scripts written against the Twitch-only endpoint
	mux.HandleFunc("/admin/twitch/reload", func(w http.ResponseWriter, r *http.Request) {
		s.reload(w, r, string(core.PlatformTwitch))
	})
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request, raw string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	platform := core.Platform(strings.ToLower(strings.TrimSpace(raw)))
	if !platform.Known() {
		http.Error(w, "unknown platform: "+raw, http.StatusNotFound)
		return
	}
	report, err := s.rel.Reload(r.Context(), platform)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, adapter.ErrNotRunning) {
			status = http.StatusNotFound
		}
		http.Error(w, "reload failed: "+err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"reloaded": true,
		"platform": platform,
		"report":   report,
	})
}
