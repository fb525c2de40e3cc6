package harvester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/you/gnasty-live/internal/adapter"
	"github.com/you/gnasty-live/internal/core"
)

// Adapter is the part of a platform adapter the harvester drives.
type Adapter interface {
	Platform() core.Platform
	Initialize(ctx context.Context, handlers adapter.Handlers) error
	Cleanup(ctx context.Context)
	Report() adapter.Report
	GetViewerCount(ctx context.Context) (float64, error)
}

// Factory builds a fresh adapter. Adapters are terminal after Cleanup, so
// a reload always goes through the factory.
type Factory func() Adapter

// TokenReloader re-reads credentials before a platform reconnects.
type TokenReloader interface {
	Reload(ctx context.Context) error
}

// Router is started before any adapter and stopped after all of them.
type Router interface {
	Start()
	Stop()
}

// Scheduler is the viewer-count scheduler surface the harvester needs.
type Scheduler interface {
	RegisterSource(platform core.Platform, src adapter.ViewerCountSource)
	Initialize(ctx context.Context) error
	StartPolling(ctx context.Context)
	Cleanup(ctx context.Context)
}

type Options struct {
	Factories map[core.Platform]Factory
	// Tokens, keyed by platform, are reloaded before that platform's
	// adapter is rebuilt.
	Tokens    map[core.Platform]TokenReloader
	Handlers  adapter.Handlers
	Router    Router
	Scheduler Scheduler
	Logger    *slog.Logger
}

// Harvester owns the adapters and the shared pipeline around them.
type Harvester struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	started  bool
	ctx      context.Context
	adapters map[core.Platform]Adapter
}

func New(opts Options) *Harvester {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Harvester{
		opts:     opts,
		logger:   logger,
		adapters: make(map[core.Platform]Adapter),
	}
}

// Start brings up the router, the scheduler and one adapter per configured
// platform. A platform that fails to initialize is logged and left in the
// returned error; the others keep running.
func (h *Harvester) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.ctx = context.WithoutCancel(ctx)
	h.mu.Unlock()

	if h.opts.Router != nil {
		h.opts.Router.Start()
	}
	if h.opts.Scheduler != nil {
		if err := h.opts.Scheduler.Initialize(ctx); err != nil {
			return fmt.Errorf("harvester: scheduler: %w", err)
		}
		h.opts.Scheduler.StartPolling(ctx)
	}

	var errs []error
	for _, p := range core.Platforms {
		if _, ok := h.opts.Factories[p]; !ok {
			continue
		}
		if _, err := h.launch(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// launch builds, registers and initializes the adapter for p.
func (h *Harvester) launch(ctx context.Context, p core.Platform) (Adapter, error) {
	a := h.opts.Factories[p]()
	h.mu.Lock()
	h.adapters[p] = a
	h.mu.Unlock()
	if h.opts.Scheduler != nil {
		h.opts.Scheduler.RegisterSource(p, a)
	}
	if err := a.Initialize(ctx, h.opts.Handlers); err != nil {
		h.logger.Error("harvester: adapter failed to start", "platform", string(p), "err", err)
		return a, err
	}
	h.logger.Info("harvester: adapter started", "platform", string(p), "state", a.Report().State)
	return a, nil
}

// Reload rebuilds the adapter for platform, reloading its credentials
// first when a token reloader is configured.
func (h *Harvester) Reload(ctx context.Context, platform core.Platform) (adapter.Report, error) {
	h.mu.Lock()
	started := h.started
	old := h.adapters[platform]
	_, configured := h.opts.Factories[platform]
	h.mu.Unlock()
	if !configured {
		return adapter.Report{}, fmt.Errorf("%s: %w", platform, adapter.ErrNotRunning)
	}
	if !started {
		return adapter.Report{}, errors.New("harvester: not started")
	}

	if tokens := h.opts.Tokens[platform]; tokens != nil {
		if err := tokens.Reload(ctx); err != nil {
			return adapter.Report{}, fmt.Errorf("%s: reload credentials: %w", platform, err)
		}
	}
	if old != nil {
		old.Cleanup(ctx)
	}
	a, err := h.launch(h.lifetime(), platform)
	if err != nil {
		return a.Report(), err
	}
	h.logger.Info("harvester: reloaded", "platform", string(platform))
	return a.Report(), nil
}

func (h *Harvester) lifetime() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx == nil {
		return context.Background()
	}
	return h.ctx
}

// Statuses reports every running adapter in platform order.
func (h *Harvester) Statuses() []adapter.Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]adapter.Report, 0, len(h.adapters))
	for _, p := range core.Platforms {
		if a, ok := h.adapters[p]; ok {
			out = append(out, a.Report())
		}
	}
	return out
}

// Adapter returns the running adapter for platform.
func (h *Harvester) Adapter(platform core.Platform) (Adapter, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.adapters[platform]
	return a, ok
}

// Stop cleans up every adapter concurrently, then the scheduler and the
// router. It is safe to call more than once.
func (h *Harvester) Stop(ctx context.Context) {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	adapters := make([]Adapter, 0, len(h.adapters))
	for _, a := range h.adapters {
		adapters = append(adapters, a)
	}
	h.adapters = make(map[core.Platform]Adapter)
	h.mu.Unlock()

	var wg conc.WaitGroup
	for _, a := range adapters {
		wg.Go(func() { a.Cleanup(ctx) })
	}
	if r := wg.WaitAndRecover(); r != nil {
		h.logger.Error("harvester: adapter cleanup panicked", "err", r.AsError())
	}

	if h.opts.Scheduler != nil {
		for _, a := range adapters {
			h.opts.Scheduler.RegisterSource(a.Platform(), nil)
		}
		h.opts.Scheduler.Cleanup(ctx)
	}
	if h.opts.Router != nil {
		h.opts.Router.Stop()
	}
	h.logger.Info("harvester: stopped")
}
