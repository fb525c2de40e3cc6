// Command devapi serves the read API over a scratch database and accepts
// synthetic events on POST /emit, so overlays can be built without a live
// platform connection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/factory"
	"github.com/you/gnasty-live/internal/httpapi"
	"github.com/you/gnasty-live/internal/sink"
)

type emitReq struct {
	Platform string    `json:"platform"`
	Type     string    `json:"type,omitempty"`
	UserID   string    `json:"userId,omitempty"`
	Username string    `json:"username"`
	Text     string    `json:"text,omitempty"`
	Amount   float64   `json:"amount,omitempty"`
	Currency string    `json:"currency,omitempty"`
	Count    int       `json:"count,omitempty"`
	Ts       time.Time `json:"ts,omitempty"`
}

// payload turns the request into the canonical payload it describes.
func (r emitReq) payload() (core.Payload, error) {
	id := core.Identity{UserID: r.UserID, Username: r.Username}
	if id.UserID == "" {
		id.UserID = "dev-" + strings.ToLower(r.Username)
	}
	switch core.EventType(r.Type) {
	case "", core.TypeChatMessage:
		if r.Text == "" {
			return nil, errors.New("text required for chat")
		}
		return core.ChatMessage{Identity: id, Message: core.MessageText{Text: r.Text}}, nil
	case core.TypeFollow:
		return core.Follow{Identity: id}, nil
	case core.TypeRaid:
		return core.Raid{Identity: id, ViewerCount: r.Count}, nil
	case core.TypeGift:
		count := r.Count
		if count <= 0 {
			count = 1
		}
		return core.Gift{Identity: id, GiftType: "dev", GiftCount: count, Amount: r.Amount, Currency: r.Currency, Message: r.Text}, nil
	case core.TypePaypiggy:
		return core.Paypiggy{Identity: id, Tier: "1000", Months: max(r.Count, 1), Message: r.Text}, nil
	}
	return nil, fmt.Errorf("unsupported type %q", r.Type)
}

func emitHandler(w sink.Writer, now func() time.Time) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req emitReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(rw, "bad json", http.StatusBadRequest)
			return
		}
		platform := core.Platform(strings.ToLower(strings.TrimSpace(req.Platform)))
		if !platform.Known() || req.Username == "" {
			http.Error(rw, "platform and username required", http.StatusBadRequest)
			return
		}
		payload, err := req.payload()
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Ts.IsZero() {
			req.Ts = now()
		}
		ev := factory.New(platform).Build(core.FormatTimestamp(req.Ts), payload)
		if err := w.Write(r.Context(), ev); err != nil {
			http.Error(rw, "insert failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "correlationId": ev.Metadata.CorrelationID})
	}
}

func main() {
	var (
		addr   string
		sqlite string
	)
	flag.StringVar(&addr, "addr", ":8765", "HTTP listen address")
	flag.StringVar(&sqlite, "db", "devapi.db", "SQLite database path")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	s, err := sink.OpenSQLite(sqlite)
	if err != nil {
		logger.Error("open sqlite", "err", err)
		os.Exit(1)
	}
	defer s.Close()
	if err := s.Ping(); err != nil {
		logger.Error("ping", "err", err)
		os.Exit(1)
	}

	api := httpapi.New(s, httpapi.Options{
		Addr:            addr,
		CORSOrigins:     []string{"*"},
		EnableAccessLog: true,
		Build:           httpapi.BuildInfo{Version: "devapi"},
		Logger:          logger,
	})
	api.Mux().HandleFunc("POST /emit", emitHandler(sink.WithAPI(s, api), time.Now))

	logger.Info("devapi listening", "addr", addr, "db", sqlite)
	if err := api.Start(); err != nil {
		logger.Error("devapi", "err", err)
		_ = api.Shutdown(context.Background())
		os.Exit(1)
	}
}
