package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"golang.org/x/time/rate"

	"github.com/you/gnasty-live/internal/bus"
	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/emitter"
	"github.com/you/gnasty-live/internal/errhandler"
	"github.com/you/gnasty-live/internal/factory"
	"github.com/you/gnasty-live/internal/ingesttrace"
	"github.com/you/gnasty-live/internal/transport"
)

// Outbound chat budget: 20 messages per 30 seconds.
const (
	sendBurst  = 20
	sendWindow = 30 * time.Second
)

// Driver is the platform-specific half of an adapter.
type Driver interface {
	// Connect runs once authentication is ready. It resolves the
	// broadcaster and returns the transport to drive.
	Connect(ctx context.Context) (broadcasterID string, tr transport.Transport, err error)
	// HandleMessage parses one inbound message frame and emits adapter
	// events through Base.EmitAdapterEvent.
	HandleMessage(ctx context.Context, f transport.Frame)
}

// ConfigValidator is implemented by drivers with extra config rules.
type ConfigValidator interface {
	ValidateConfig(cfg Config) []string
}

// Options configures a Base.
type Options struct {
	Platform     core.Platform
	Config       Config
	Auth         AuthProvider
	Bus          bus.Publisher
	Errors       *errhandler.Handler
	Trace        *ingesttrace.Tracker
	Timestamps   TimestampService
	Validator    core.Validator
	LoggingSink  LoggingSink
	SelfDetector SelfMessageDetector
	Polling      PollingController
	SendLimiter  *rate.Limiter
	Logger       *slog.Logger
}

// Base implements the lifecycle shared by every platform adapter.
type Base struct {
	platform   core.Platform
	cfg        Config
	driver     Driver
	auth       AuthProvider
	bus        bus.Publisher
	errs       *errhandler.Scope
	trace      *ingesttrace.Tracker
	timestamps TimestampService
	validator  core.Validator
	rawSink    LoggingSink
	self       SelfMessageDetector
	polling    PollingController
	limiter    *rate.Limiter
	factory    *factory.Factory
	logger     *slog.Logger

	events      emitter.Emitter[Event]
	local       emitter.Emitter[core.Event]
	eventWiring *Wiring[Event]
	frameWiring *Wiring[transport.Frame]

	mu            sync.Mutex
	state         State
	planned       bool
	cleaned       bool
	broadcasterID string
	transport     transport.Transport
	handlers      Handlers
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewBase wires a Base around driver.
func NewBase(opts Options, driver Driver) *Base {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("platform", string(opts.Platform))
	if opts.Timestamps == nil {
		opts.Timestamps = DefaultTimestampService{}
	}
	if opts.Validator == nil {
		opts.Validator = core.DefaultValidator{}
	}
	if opts.Trace == nil {
		opts.Trace = ingesttrace.NewTracker()
	}
	if opts.SendLimiter == nil {
		opts.SendLimiter = rate.NewLimiter(rate.Every(sendWindow/sendBurst), sendBurst)
	}
	errs := opts.Errors.For(string(opts.Platform))
	b := &Base{
		platform:   opts.Platform,
		cfg:        opts.Config,
		driver:     driver,
		auth:       opts.Auth,
		bus:        opts.Bus,
		errs:       errs,
		trace:      opts.Trace,
		timestamps: opts.Timestamps,
		validator:  opts.Validator,
		rawSink:    opts.LoggingSink,
		self:       opts.SelfDetector,
		polling:    opts.Polling,
		limiter:    opts.SendLimiter,
		factory:    factory.New(opts.Platform),
		logger:     logger,
		ctx:        context.Background(),
	}
	b.eventWiring = NewWiring[Event](&b.events, errs)
	b.frameWiring = NewWiring[transport.Frame](nil, errs)
	return b
}

// Initialize moves the adapter out of Idle. A disabled platform or an
// auth provider that is not ready leaves it Idle without error.
func (b *Base) Initialize(ctx context.Context, handlers Handlers) error {
	b.mu.Lock()
	if b.state != StateIdle || b.cleaned {
		b.mu.Unlock()
		return nil
	}
	b.handlers = handlers
	b.mu.Unlock()

	if issues := b.ValidateConfig(); len(issues) > 0 {
		err := fmt.Errorf("%s: invalid config: %s", b.platform, strings.Join(issues, "; "))
		b.errs.Report(errhandler.KindConfigInvalid, err)
		return err
	}
	if !b.cfg.Enabled {
		b.logger.Info(string(b.platform) + ": platform disabled, skipping initialization")
		return nil
	}
	if b.auth != nil && !b.auth.IsReady() {
		b.logger.Warn(string(b.platform) + ": auth not ready, skipping subscription setup")
		b.errs.Record(errhandler.KindAuthNotReady, fmt.Errorf("%s auth not ready", b.platform))
		return nil
	}

	broadcasterID, tr, err := b.driver.Connect(ctx)
	if err != nil {
		b.errs.Report(errhandler.KindTransportFault, err)
		return fmt.Errorf("%s: connect: %w", b.platform, err)
	}
	if tr == nil {
		return fmt.Errorf("%s: connect returned no transport", b.platform)
	}

	lifetime, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.mu.Lock()
	b.broadcasterID = broadcasterID
	b.transport = tr
	b.state = StateConnecting
	b.planned = false
	b.ctx = lifetime
	b.cancel = cancel
	b.mu.Unlock()

	b.BindAll()
	b.frameWiring.Retarget(tr)
	b.frameWiring.BindAll(b.frameBindings())

	if err := tr.Initialize(ctx); err != nil {
		b.errs.Report(errhandler.KindTransportFault, err)
		b.frameWiring.UnbindAll()
		b.UnbindAll()
		cancel()
		b.mu.Lock()
		b.transport = nil
		b.state = StateIdle
		b.mu.Unlock()
		return fmt.Errorf("%s: transport initialize: %w", b.platform, err)
	}
	b.logger.Info(string(b.platform)+": connecting", "broadcaster_id", broadcasterID)
	return nil
}

// BindAll registers the standard handler for every adapter event.
func (b *Base) BindAll() int {
	bindings := make([]Binding[Event], 0, len(AdapterEvents))
	for _, name := range AdapterEvents {
		opts := standardOptionsFor(name)
		bindings = append(bindings, Binding[Event]{
			Event: name,
			ID:    "standard",
			Fn: func(ev Event) {
				b.handleStandardEvent(b.lifetime(), ev, opts)
			},
		})
	}
	return b.eventWiring.BindAll(bindings)
}

// UnbindAll releases the adapter event bindings.
func (b *Base) UnbindAll() {
	b.eventWiring.UnbindAll()
}

func (b *Base) frameBindings() []Binding[transport.Frame] {
	id := "adapter:" + string(b.platform)
	return []Binding[transport.Frame]{
		{Event: transport.EventOpen, ID: id, Fn: func(transport.Frame) { b.onOpen() }},
		{Event: transport.EventClose, ID: id, Fn: b.onClose},
		{Event: transport.EventMessage, ID: id, Fn: b.onMessage},
	}
}

func (b *Base) onOpen() {
	b.mu.Lock()
	if b.cleaned || b.state == StateClosed || b.state == StateIdle {
		b.mu.Unlock()
		return
	}
	prev := b.state
	b.state = StateConnected
	b.mu.Unlock()

	b.errs.RecordSuccess()
	if prev != StateConnected {
		b.logger.Info(string(b.platform)+": connected", "from", prev.String())
		b.emitConnection(core.ConnectionConnected, "", false)
	}
}

func (b *Base) onClose(f transport.Frame) {
	b.mu.Lock()
	if b.cleaned || b.state == StateClosed || b.state == StateIdle || b.state == StateReconnecting {
		b.mu.Unlock()
		return
	}
	willReconnect := b.cfg.Enabled && !b.planned && !f.Planned
	if willReconnect {
		b.state = StateReconnecting
	} else {
		b.state = StateClosed
	}
	b.mu.Unlock()

	reason := f.Reason
	if reason == "" {
		reason = "connection closed"
	}
	if willReconnect {
		b.errs.Record(errhandler.KindTransportFault, fmt.Errorf("%s transport closed: %s", b.platform, reason))
		b.logger.Warn(string(b.platform)+": connection lost, reconnecting", "reason", reason)
	}
	b.emitConnection(core.ConnectionDisconnected, reason, willReconnect)
}

func (b *Base) onMessage(f transport.Frame) {
	b.trace.Inc(string(b.platform), ingesttrace.StageSeenFromProvider)
	var pc panics.Catcher
	pc.Try(func() { b.driver.HandleMessage(b.lifetime(), f) })
	if r := pc.Recovered(); r != nil {
		b.errs.HandleEventProcessingError(r.AsError(), errhandler.KindParseMissingField, f.Type, string(f.Data), "frame parsing panicked")
		b.trace.Drop(string(b.platform), ingesttrace.ReasonMissingField)
	}
}

func (b *Base) emitConnection(status, reason string, willReconnect bool) {
	ev := b.factory.CreatePlatformConnectionEvent(status, reason, willReconnect)
	b.emit(b.lifetime(), ev)
}

// EmitAdapterEvent is called by drivers with a parsed event.
func (b *Base) EmitAdapterEvent(ev Event) {
	if b.terminated() {
		return
	}
	if b.events.Emit(ev.Name, ev) == 0 {
		b.logger.Debug(string(b.platform)+": no listener for adapter event", "event", ev.Name)
	}
}

// OnAdapterEvent registers a listener for parsed adapter events.
func (b *Base) OnAdapterEvent(name, id string, fn func(Event)) bool {
	return b.events.On(name, id, fn)
}

// OffAdapterEvent removes an adapter event listener.
func (b *Base) OffAdapterEvent(name, id string) bool {
	return b.events.Off(name, id)
}

// OnPlatformEvent registers an in-process listener for canonical events
// emitted by this adapter. A panicking listener is recorded as a handler
// fault and does not stop delivery to the bus or the handler.
func (b *Base) OnPlatformEvent(id string, fn func(core.Event)) bool {
	if fn == nil {
		return false
	}
	return b.local.On(bus.TopicPlatformEvent, id, func(ev core.Event) {
		var pc panics.Catcher
		pc.Try(func() { fn(ev) })
		if r := pc.Recovered(); r != nil {
			b.errs.Report(errhandler.KindDownstreamHandlerFault, r.AsError(),
				"listener", id,
				"event", string(ev.Type),
				"correlation_id", ev.Metadata.CorrelationID,
			)
		}
	})
}

// OffPlatformEvent removes a canonical event listener.
func (b *Base) OffPlatformEvent(id string) bool {
	return b.local.Off(bus.TopicPlatformEvent, id)
}

// emit delivers a canonical event locally, on the bus, and to the
// registered handler. Handler faults are recorded and swallowed.
func (b *Base) emit(ctx context.Context, ev core.Event) {
	if b.terminated() {
		return
	}
	b.local.Emit(bus.TopicPlatformEvent, ev)
	if b.bus != nil {
		b.bus.Publish(ctx, bus.TopicPlatformEvent, ev)
	}
	b.trace.Inc(string(b.platform), ingesttrace.StagePublished)
	b.invokeHandler(ctx, ev)
}

func (b *Base) invokeHandler(ctx context.Context, ev core.Event) {
	b.mu.Lock()
	name, fn := b.handlers.Lookup(ev.Type)
	b.mu.Unlock()
	if fn == nil {
		return
	}
	var err error
	var pc panics.Catcher
	pc.Try(func() { err = fn(ctx, ev) })
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
	}
	if err != nil {
		b.errs.Report(errhandler.KindDownstreamHandlerFault, err,
			"handler", name,
			"event", string(ev.Type),
			"correlation_id", ev.Metadata.CorrelationID,
		)
	}
}

// Cleanup is terminal and idempotent. It never fails; release errors are
// recorded as cleanup faults.
func (b *Base) Cleanup(ctx context.Context) {
	b.mu.Lock()
	if b.cleaned {
		b.mu.Unlock()
		return
	}
	b.cleaned = true
	b.planned = true
	tr := b.transport
	b.transport = nil
	cancel := b.cancel
	b.mu.Unlock()

	b.eventWiring.UnbindAll()
	b.frameWiring.UnbindAll()
	b.local.Clear()

	if b.polling != nil {
		var pc panics.Catcher
		pc.Try(func() { b.polling.StopPlatformPolling(b.platform) })
		if r := pc.Recovered(); r != nil {
			b.errs.Report(errhandler.KindCleanupFault, r.AsError())
		}
	}
	if tr != nil {
		var err error
		var pc panics.Catcher
		pc.Try(func() { err = tr.Cleanup(ctx) })
		if r := pc.Recovered(); r != nil {
			err = r.AsError()
		}
		if err != nil {
			b.errs.Report(errhandler.KindCleanupFault, err)
		}
	}
	if cancel != nil {
		cancel()
	}

	b.mu.Lock()
	b.state = StateClosed
	b.mu.Unlock()
	b.logger.Info(string(b.platform) + ": cleaned up")
}

// SendMessage sends chat through the transport. Every failure is an
// *Unavailable.
func (b *Base) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return unavailable("empty message")
	}
	b.mu.Lock()
	state, tr := b.state, b.transport
	b.mu.Unlock()
	if state != StateConnected || tr == nil || !tr.IsConnected() {
		return unavailable("not connected")
	}
	if !b.limiter.Allow() {
		return unavailable("rate limited")
	}
	if err := tr.SendMessage(ctx, text); err != nil {
		category := b.errs.Report(errhandler.KindTransportFault, err, "op", "send")
		return unavailable(fmt.Sprintf("send failed (%s)", category))
	}
	return nil
}

// IsConnected reports whether outbound chat is currently possible.
func (b *Base) IsConnected() bool {
	b.mu.Lock()
	state, tr := b.state, b.transport
	b.mu.Unlock()
	return state == StateConnected && tr != nil && tr.IsConnected()
}

// ValidateConfig returns config issues. An empty slice means configured.
func (b *Base) ValidateConfig() []string {
	var issues []string
	if b.cfg.Enabled && strings.TrimSpace(b.cfg.Identity()) == "" {
		issues = append(issues, "channel or username is required")
	}
	if v, ok := b.driver.(ConfigValidator); ok {
		issues = append(issues, v.ValidateConfig(b.cfg)...)
	}
	return issues
}

// IsConfigured reports whether ValidateConfig found no issues.
func (b *Base) IsConfigured() bool { return len(b.ValidateConfig()) == 0 }

// GetStatus reports readiness with the same key set on every platform.
func (b *Base) GetStatus() Status {
	issues := b.ValidateConfig()
	if !b.cfg.Enabled {
		issues = append(issues, "platform disabled")
	}
	if b.auth != nil && !b.auth.IsReady() {
		issues = append(issues, "authentication not ready")
	}
	if state := b.State(); state != StateConnected {
		issues = append(issues, "not connected ("+state.String()+")")
	}
	if issues == nil {
		issues = []string{}
	}
	return Status{IsReady: len(issues) == 0, Issues: issues}
}

// GetConnectionState reports the connection summary.
func (b *Base) GetConnectionState() ConnectionState {
	state := b.State()
	connected := b.IsConnected()
	return ConnectionState{
		Platform:        string(b.platform),
		Status:          state.connectionStatus(),
		IsConnected:     connected,
		Channel:         b.cfg.Channel,
		Username:        b.cfg.Username,
		EventSubActive:  b.platform == core.PlatformTwitch && b.cfg.EventSubEnabled && connected,
		PlatformEnabled: b.cfg.Enabled,
	}
}

// Report returns the state, readiness and connection summary together.
func (b *Base) Report() Report {
	return Report{
		Platform:   string(b.platform),
		State:      b.State().String(),
		Status:     b.GetStatus(),
		Connection: b.GetConnectionState(),
	}
}

// GetViewerCount delegates to the driver. Failures are counted as polling
// faults and yield 0.
func (b *Base) GetViewerCount(ctx context.Context) (float64, error) {
	src, ok := b.driver.(ViewerCountSource)
	if !ok {
		return 0, ErrNoViewerCount
	}
	n, err := src.GetViewerCount(ctx)
	if err != nil {
		b.errs.Record(errhandler.KindPollingFault, err)
		return 0, err
	}
	b.errs.RecordSuccess()
	return n, nil
}

// Platform returns the adapter's platform.
func (b *Base) Platform() core.Platform { return b.platform }

// Config returns the adapter's config.
func (b *Base) Config() Config { return b.cfg }

// State returns the current connection state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BroadcasterID returns the ID resolved during Initialize.
func (b *Base) BroadcasterID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.broadcasterID
}

// Transport returns the active transport, or nil.
func (b *Base) Transport() transport.Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transport
}

// Listeners returns every (event, handler) pair currently bound.
func (b *Base) Listeners() []emitter.Key {
	return append(b.eventWiring.Keys(), b.frameWiring.Keys()...)
}

// Logger returns the platform-scoped logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// Trace returns the ingest tracker.
func (b *Base) Trace() *ingesttrace.Tracker { return b.trace }

// Errors returns the platform-scoped error reporter.
func (b *Base) Errors() *errhandler.Scope { return b.errs }

// Drop counts a dropped frame.
func (b *Base) Drop(reason string) {
	b.trace.Drop(string(b.platform), reason)
}

// ParseError records a frame that lacked required fields.
func (b *Base) ParseError(eventType string, err error, raw any) {
	b.errs.HandleEventProcessingError(err, errhandler.KindParseMissingField, eventType, raw, string(b.platform)+" parse error")
	b.Drop(ingesttrace.ReasonMissingField)
}

// UnknownVariant records a frame of a kind the adapter does not handle.
func (b *Base) UnknownVariant(kind string) {
	b.logger.Debug(string(b.platform)+": unsupported event variant", "kind", kind)
	b.errs.Record(errhandler.KindParseUnknownVariant, fmt.Errorf("unsupported variant %q", kind))
	b.Drop(ingesttrace.ReasonUnknownVariant)
}

// FilterSelfMessage reports whether msg should be dropped as the
// broadcaster's own. broadcasterID is the id carried by the frame; when
// empty the id resolved at connect time is used. An injected detector
// overrides the default rule. Filtered messages are counted.
func (b *Base) FilterSelfMessage(msg core.ChatMessage, broadcasterID string) bool {
	var filtered bool
	if b.self != nil {
		filtered = b.self.ShouldFilterMessage(b.platform, msg, b.cfg)
	} else {
		if broadcasterID == "" {
			broadcasterID = b.BroadcasterID()
		}
		filtered = broadcasterID != "" && msg.UserID == broadcasterID
	}
	if filtered {
		b.Drop(ingesttrace.ReasonSelfMessage)
	}
	return filtered
}

func (b *Base) lifetime() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctx
}

func (b *Base) terminated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cleaned
}
