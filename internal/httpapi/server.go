package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/you/gnasty-live/internal/adapter"
	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/ingesttrace"
	"github.com/you/gnasty-live/internal/viewercount"
)

// Store serves stored canonical events.
type Store interface {
	CountEvents(ctx context.Context, filters Filters) (int64, error)
	ListEvents(ctx context.Context, filters Filters) ([]core.Event, error)
}

// StatusSource reports the adapters' state.
type StatusSource interface {
	Statuses() []adapter.Report
}

// ViewerSource reports the viewer-count scheduler state.
type ViewerSource interface {
	Snapshot() viewercount.Snapshot
}

type Options struct {
	Addr            string
	CORSOrigins     []string
	RateLimitRPS    int
	RateLimitBurst  int
	EnableMetrics   bool
	EnableAccessLog bool
	Build           BuildInfo

	// Config returns the redacted effective configuration served at /config.
	Config   func() any
	Statuses StatusSource
	Viewers  ViewerSource
	Trace    *ingesttrace.Tracker

	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

type streamClient struct {
	ch      chan core.Event
	filters Filters
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	store      Store
	opts       Options
	logger     *slog.Logger
	metrics    *Metrics
	limiter    *ipRateLimiter
	cors       *corsPolicy

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

func New(store Store, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		store:   store,
		opts:    opts,
		logger:  logger,
		limiter: newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:    newCORSPolicy(opts.CORSOrigins),
		clients: make(map[*streamClient]struct{}),
		mux:     http.NewServeMux(),
	}
	if opts.EnableMetrics {
		srv.metrics = newMetrics(opts.Registerer, opts.Gatherer)
	}

	srv.handle("/healthz", srv.handleHealthz)
	srv.handle("/info", srv.handleInfo)
	srv.handle("/config", srv.handleConfig)
	srv.handle("/status", srv.handleStatus)
	srv.handle("/viewers", srv.handleViewers)
	srv.handle("/count", srv.handleCount)
	srv.handle("/events", srv.handleEvents)
	srv.handle("/stream", srv.handleStream)
	if srv.metrics != nil {
		srv.mux.Handle("/metrics", srv.metrics.Handler())
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Mux exposes the router so other packages can mount routes on the same
// listener.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// SetStatuses installs the adapter status source after construction. It
// must be called before Start.
func (s *Server) SetStatuses(src StatusSource) { s.opts.Statuses = src }

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handle(route string, fn http.HandlerFunc) {
	s.mux.Handle(route, s.wrap(route, fn))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Config == nil {
		http.Error(w, "config unavailable", http.StatusNotFound)
		return
	}
	writeJSON(w, s.opts.Config())
}

type statusResponse struct {
	Platforms []adapter.Report                       `json:"platforms"`
	Ingest    map[string]map[ingesttrace.Stage]int64 `json:"ingest,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Platforms: []adapter.Report{}}
	if s.opts.Statuses != nil {
		resp.Platforms = append(resp.Platforms, s.opts.Statuses.Statuses()...)
	}
	if s.opts.Trace != nil {
		resp.Ingest = s.opts.Trace.Snapshot()
	}
	writeJSON(w, resp)
}

func (s *Server) handleViewers(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Viewers == nil {
		http.Error(w, "viewer counts unavailable", http.StatusNotFound)
		return
	}
	writeJSON(w, s.opts.Viewers.Snapshot())
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count, err := s.store.CountEvents(r.Context(), filters)
	if err != nil {
		s.logger.Error("httpapi: count failed", "err", err)
		http.Error(w, "count error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"count": count})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := s.store.ListEvents(r.Context(), filters)
	if err != nil {
		s.logger.Error("httpapi: list failed", "err", err)
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []core.Event{}
	}
	w.Header().Set("X-Result-Count", strconv.Itoa(len(events)))
	writeJSON(w, events)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	client := &streamClient{ch: make(chan core.Event, 256), filters: filters.CloneForStream()}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	s.metrics.IncSSEClients(1)

	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		s.metrics.IncSSEClients(-1)
	}()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case ev, ok := <-client.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.Metadata.CorrelationID, ev.Type, data)
			flusher.Flush()
			s.metrics.IncEventsSent("sse")
		}
	}
}

// Broadcast hands ev to every connected stream client whose filters match.
// Slow clients lose the event instead of blocking the pipeline.
func (s *Server) Broadcast(ev core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for client := range s.clients {
		if !client.filters.Matches(ev) {
			continue
		}
		select {
		case client.ch <- ev:
		default:
			s.metrics.IncBroadcastDrops("sse")
		}
	}
}

// ClientCount reports the connected stream clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) Start() error {
	s.logger.Info("http api listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for client := range s.clients {
		close(client.ch)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
