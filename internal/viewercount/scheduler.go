// Package viewercount polls platform viewer counts while streams are live
// and fans changes out to observers.
package viewercount

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/you/gnasty-live/internal/adapter"
	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/errhandler"
)

const (
	defaultHistoryCap       = 3
	defaultMemoryInterval   = 5 * time.Minute
	defaultCleanupTimeout   = 5 * time.Second
	defaultMaxStatusUpdates = 10
	defaultStatsCeiling     = int64(1_000_000_000)
)

const (
	reasonStreamStarted         = "stream_started"
	reasonStreamEnded           = "stream_ended"
	reasonStreamContinued       = "stream_continued"
	reasonStreamRemainedOffline = "stream_remained_offline"
)

// defaultStatus is the initial live state; twitch chat is always available.
func defaultStatus() map[core.Platform]bool {
	return map[core.Platform]bool{
		core.PlatformTwitch:  true,
		core.PlatformYouTube: false,
		core.PlatformTikTok:  false,
	}
}

// HistoryEntry records one stream status update.
type HistoryEntry struct {
	From      bool      `json:"from"`
	To        bool      `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats are the polling counters. SuccessfulPolls never exceeds TotalPolls.
type Stats struct {
	TotalPolls      int64     `json:"totalPolls"`
	SuccessfulPolls int64     `json:"successfulPolls"`
	StartTime       time.Time `json:"startTime"`
}

// Options configures a Scheduler.
type Options struct {
	// Interval is the polling cadence; <= 0 disables polling.
	Interval         time.Duration
	HistoryCap       int
	MemoryInterval   time.Duration
	CleanupTimeout   time.Duration
	MaxStatusUpdates int
	StatsCeiling     int64

	Errors     *errhandler.Handler
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns counts, statuses and polling handles. All state is
// guarded by mu; observer calls happen outside the lock.
type Scheduler struct {
	opts   Options
	logger *slog.Logger
	errs   *errhandler.Scope
	now    func() time.Time

	mu               sync.Mutex
	sources          map[core.Platform]adapter.ViewerCountSource
	counts           map[core.Platform]int
	status           map[core.Platform]bool
	handles          map[core.Platform]*handle
	observers        []Observer
	history          map[core.Platform][]HistoryEntry
	lastStatusUpdate map[core.Platform]time.Time
	stats            Stats
	polling          bool
	pollCtx          context.Context
	pollCancel       context.CancelFunc
	memCancel        context.CancelFunc
	memDone          chan struct{}
	initialized      bool

	polls *prometheus.CounterVec
	gauge *prometheus.GaugeVec
}

// New constructs a Scheduler with every platform offline except twitch.
func New(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HistoryCap <= 0 || opts.HistoryCap > defaultHistoryCap {
		opts.HistoryCap = defaultHistoryCap
	}
	if opts.MemoryInterval <= 0 {
		opts.MemoryInterval = defaultMemoryInterval
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = defaultCleanupTimeout
	}
	if opts.MaxStatusUpdates <= 0 {
		opts.MaxStatusUpdates = defaultMaxStatusUpdates
	}
	if opts.StatsCeiling <= 0 {
		opts.StatsCeiling = defaultStatsCeiling
	}
	s := &Scheduler{
		opts:   opts,
		logger: logger,
		errs:   opts.Errors.For("viewercount"),
		now:    time.Now,
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty",
			Name:      "viewer_polls_total",
			Help:      "Viewer count polls by platform and result",
		}, []string{"platform", "result"}),
		gauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gnasty",
			Name:      "viewer_count",
			Help:      "Last polled viewer count by platform",
		}, []string{"platform"}),
	}
	if opts.Registerer != nil {
		s.polls = register(opts.Registerer, s.polls, logger)
		s.gauge = register(opts.Registerer, s.gauge, logger)
	}
	s.resetLocked()
	return s
}

// register adds c to reg. When an identical collector is already
// registered that one is returned and keeps accumulating.
func register[C prometheus.Collector](reg prometheus.Registerer, c C, logger *slog.Logger) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		logger.Warn("viewercount: metrics registration failed", "err", err)
	}
	return c
}

func (s *Scheduler) resetLocked() {
	s.sources = make(map[core.Platform]adapter.ViewerCountSource)
	s.counts = make(map[core.Platform]int)
	s.status = defaultStatus()
	s.handles = make(map[core.Platform]*handle)
	s.history = make(map[core.Platform][]HistoryEntry)
	s.lastStatusUpdate = make(map[core.Platform]time.Time)
	s.observers = nil
	for p := range s.status {
		s.counts[p] = 0
	}
}

// RegisterSource attaches the viewer-count capability for platform.
func (s *Scheduler) RegisterSource(platform core.Platform, src adapter.ViewerCountSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src == nil {
		delete(s.sources, platform)
		return
	}
	s.sources[platform] = src
}

// Initialize starts the memory optimization task. Later calls are no-ops.
func (s *Scheduler) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	s.initialized = true
	s.stats.StartTime = s.now()

	memCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.memCancel = cancel
	s.memDone = make(chan struct{})
	go s.memoryLoop(memCtx, s.memDone)
	return nil
}

// StartPolling starts one polling task per live platform. It does nothing
// when the interval is <= 0 or polling is already running.
func (s *Scheduler) StartPolling(ctx context.Context) {
	if s.opts.Interval <= 0 {
		s.logger.Info("viewercount: polling disabled", "interval", s.opts.Interval)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.polling {
		return
	}
	s.polling = true
	s.pollCtx, s.pollCancel = context.WithCancel(context.WithoutCancel(ctx))
	for _, p := range core.Platforms {
		if s.status[p] {
			s.startPlatformLocked(p)
		}
	}
	s.logger.Info("viewercount: polling started", "interval", s.opts.Interval)
}

// StopPolling stops every platform task. Polling may be restarted.
func (s *Scheduler) StopPolling() {
	s.mu.Lock()
	if !s.polling {
		s.mu.Unlock()
		return
	}
	s.polling = false
	handles := s.handles
	s.handles = make(map[core.Platform]*handle)
	if s.pollCancel != nil {
		s.pollCancel()
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		<-h.done
	}
	s.logger.Info("viewercount: polling stopped")
}

// StopPlatformPolling stops polling a single platform.
func (s *Scheduler) StopPlatformPolling(platform core.Platform) {
	s.mu.Lock()
	s.stopPlatformLocked(platform)
	s.mu.Unlock()
}

// IsPolling reports whether the polling loop is active.
func (s *Scheduler) IsPolling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polling
}

// IsPlatformPolling reports whether platform has an active task.
func (s *Scheduler) IsPlatformPolling(platform core.Platform) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[platform]
	return ok
}

func (s *Scheduler) startPlatformLocked(p core.Platform) {
	if _, running := s.handles[p]; running || s.pollCtx == nil {
		return
	}
	ctx, cancel := context.WithCancel(s.pollCtx)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	s.handles[p] = h
	go s.pollLoop(ctx, p, h.done)
}

// stopPlatformLocked cancels without waiting so it is safe to call from
// observer callbacks; stale results are discarded by the ctx check in poll.
func (s *Scheduler) stopPlatformLocked(p core.Platform) {
	if h, ok := s.handles[p]; ok {
		h.cancel()
		delete(s.handles, p)
	}
}

func (s *Scheduler) pollLoop(ctx context.Context, p core.Platform, done chan struct{}) {
	defer close(done)
	s.poll(ctx, p)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx, p)
		}
	}
}

// PollOnce runs a single poll for platform outside the periodic task.
func (s *Scheduler) PollOnce(ctx context.Context, platform core.Platform) {
	s.poll(ctx, platform)
}

func (s *Scheduler) poll(ctx context.Context, p core.Platform) {
	s.mu.Lock()
	s.stats.TotalPolls++
	src, registered := s.sources[p]
	live := s.status[p]
	s.mu.Unlock()

	if !registered || src == nil || !live {
		s.logger.Debug("viewercount: poll skipped", "platform", string(p), "registered", registered, "live", live)
		s.polls.WithLabelValues(string(p), "skipped").Inc()
		return
	}

	value, err := src.GetViewerCount(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		if errors.Is(err, adapter.ErrNoViewerCount) {
			s.logger.Warn("viewercount: no count returned", "platform", string(p))
			s.polls.WithLabelValues(string(p), "empty").Inc()
			return
		}
		s.errs.Record(errhandler.KindPollingFault, err)
		s.logger.Warn("viewercount: poll failed", "platform", string(p), "err", err)
		s.polls.WithLabelValues(string(p), "error").Inc()
		return
	}
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		s.logger.Warn("viewercount: invalid count rejected", "platform", string(p), "value", value)
		s.polls.WithLabelValues(string(p), "invalid").Inc()
		return
	}
	count := int(math.Round(value))

	s.mu.Lock()
	if !s.status[p] {
		s.mu.Unlock()
		return
	}
	prev := s.counts[p]
	s.counts[p] = count
	s.stats.SuccessfulPolls++
	s.mu.Unlock()

	s.errs.RecordSuccess()
	s.polls.WithLabelValues(string(p), "ok").Inc()
	s.gauge.WithLabelValues(string(p)).Set(float64(count))
	s.notifyUpdate(ctx, Update{
		Platform:      p,
		Count:         count,
		PreviousCount: prev,
		IsStreamLive:  true,
		Timestamp:     s.now(),
	})
}

// UpdateStreamStatus records a live/offline report for platform. Unknown
// platforms are ignored with a warning.
func (s *Scheduler) UpdateStreamStatus(ctx context.Context, platform core.Platform, isLive bool) {
	s.mu.Lock()
	wasLive, known := s.status[platform]
	if !known {
		s.mu.Unlock()
		s.logger.Warn("viewercount: status update for unknown platform", "platform", string(platform))
		return
	}
	now := s.now()
	s.status[platform] = isLive
	s.lastStatusUpdate[platform] = now
	s.history[platform] = trimHistory(append(s.history[platform], HistoryEntry{
		From:      wasLive,
		To:        isLive,
		Reason:    statusReason(wasLive, isLive),
		Timestamp: now,
	}), s.opts.HistoryCap)

	if !wasLive && isLive && s.polling {
		s.startPlatformLocked(platform)
	}
	prev := s.counts[platform]
	if !isLive {
		s.stopPlatformLocked(platform)
		s.counts[platform] = 0
	}
	s.mu.Unlock()

	if !isLive {
		s.gauge.WithLabelValues(string(platform)).Set(0)
		s.notifyUpdate(ctx, Update{
			Platform:      platform,
			Count:         0,
			PreviousCount: prev,
			IsStreamLive:  false,
			Timestamp:     now,
		})
	}
	if wasLive != isLive {
		s.logger.Info("viewercount: stream status changed", "platform", string(platform), "live", isLive)
		s.notifyStatus(ctx, StatusChange{Platform: platform, IsLive: isLive, WasLive: wasLive, Timestamp: now})
	}
}

func statusReason(wasLive, isLive bool) string {
	switch {
	case !wasLive && isLive:
		return reasonStreamStarted
	case wasLive && !isLive:
		return reasonStreamEnded
	case wasLive && isLive:
		return reasonStreamContinued
	}
	return reasonStreamRemainedOffline
}

func trimHistory(h []HistoryEntry, limit int) []HistoryEntry {
	if len(h) <= limit {
		return h
	}
	return append([]HistoryEntry(nil), h[len(h)-limit:]...)
}

// Count returns the last known count for platform.
func (s *Scheduler) Count(platform core.Platform) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[platform]
}

// IsLive returns the recorded stream status for platform.
func (s *Scheduler) IsLive(platform core.Platform) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[platform]
}

// Stats returns the polling counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// History returns the recorded status changes for platform.
func (s *Scheduler) History(platform core.Platform) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HistoryEntry(nil), s.history[platform]...)
}

// Snapshot is the scheduler state served over HTTP.
type Snapshot struct {
	Polling   bool                      `json:"polling"`
	Interval  string                    `json:"interval"`
	Counts    map[string]int            `json:"counts"`
	Live      map[string]bool           `json:"live"`
	Active    []string                  `json:"active"`
	Stats     Stats                     `json:"stats"`
	History   map[string][]HistoryEntry `json:"history"`
	Observers []string                  `json:"observers"`
}

// Snapshot copies the current state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Polling:   s.polling,
		Interval:  s.opts.Interval.String(),
		Counts:    make(map[string]int, len(s.counts)),
		Live:      make(map[string]bool, len(s.status)),
		Active:    []string{},
		Stats:     s.stats,
		History:   make(map[string][]HistoryEntry, len(s.history)),
		Observers: make([]string, 0, len(s.observers)),
	}
	for p, c := range s.counts {
		snap.Counts[string(p)] = c
	}
	for p, live := range s.status {
		snap.Live[string(p)] = live
	}
	for _, p := range core.Platforms {
		if _, ok := s.handles[p]; ok {
			snap.Active = append(snap.Active, string(p))
		}
	}
	for p, h := range s.history {
		snap.History[string(p)] = append([]HistoryEntry(nil), h...)
	}
	for _, o := range s.observers {
		snap.Observers = append(snap.Observers, o.ObserverID())
	}
	return snap
}

// Cleanup stops every task, gives observers CleanupTimeout to release
// their resources, and clears all state. It is idempotent.
func (s *Scheduler) Cleanup(ctx context.Context) {
	s.StopPolling()

	s.mu.Lock()
	memCancel, memDone := s.memCancel, s.memDone
	s.memCancel, s.memDone = nil, nil
	s.initialized = false
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	if memCancel != nil {
		memCancel()
		<-memDone
	}

	if len(observers) > 0 {
		cctx, cancel := context.WithTimeout(ctx, s.opts.CleanupTimeout)
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.fanOut(cctx, "cleanup", observers, func(ctx context.Context, o Observer) error {
				if co, ok := o.(cleanupObserver); ok {
					return co.Cleanup(ctx)
				}
				return nil
			})
		}()
		select {
		case <-done:
		case <-cctx.Done():
			s.logger.Warn("viewercount: observer cleanup timed out", "timeout", s.opts.CleanupTimeout)
		}
		cancel()
	}

	s.mu.Lock()
	s.resetLocked()
	s.stats = Stats{}
	s.mu.Unlock()
	for _, p := range core.Platforms {
		s.gauge.WithLabelValues(string(p)).Set(0)
	}
}
