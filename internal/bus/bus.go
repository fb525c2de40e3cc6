// Package bus is the process-wide publish/subscribe hub. Delivery is
// synchronous, best-effort and in subscription order.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/panics"

	"github.com/you/gnasty-live/internal/errhandler"
)

// Well-known topics.
const (
	TopicPlatformEvent      = "platform:event"
	TopicStreamStatus       = "platform:stream-status"
	TopicPlatformConnection = "platform:connection"
	TopicViewerCount        = "viewer:count"
)

// Handler receives a published payload. Returned errors and panics are
// recorded and never reach the publisher.
type Handler func(ctx context.Context, payload any) error

// Publisher is the narrow capability adapters depend on.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) int
}

type subscription struct {
	id      uint64
	handler Handler
}

// Options configures a Bus.
type Options struct {
	Logger     *slog.Logger
	Errors     *errhandler.Handler
	Registerer prometheus.Registerer
}

// Bus fans payloads out to topic subscribers.
type Bus struct {
	logger *slog.Logger
	errs   *errhandler.Scope

	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription

	published *prometheus.CounterVec
	faults    *prometheus.CounterVec
}

// New constructs a Bus.
func New(opts Options) *Bus {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger: logger,
		errs:   opts.Errors.For("bus"),
		subs:   make(map[string][]subscription),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty",
			Name:      "bus_published_total",
			Help:      "Payloads published on the process bus by topic",
		}, []string{"topic"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty",
			Name:      "bus_handler_faults_total",
			Help:      "Subscriber errors and panics by topic",
		}, []string{"topic"}),
	}
	if opts.Registerer != nil {
		b.published = reuseCounterVec(opts.Registerer, b.published, logger)
		b.faults = reuseCounterVec(opts.Registerer, b.faults, logger)
	}
	return b
}

// reuseCounterVec registers c, or returns the collector already registered
// under the same descriptor so a rebuilt bus keeps counting in it.
func reuseCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec, logger *slog.Logger) *prometheus.CounterVec {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
			return existing
		}
	}
	logger.Warn("bus: metrics registration failed", "err", err)
	return c
}

// Subscribe registers handler for topic and returns a function that
// removes it. The returned function is safe to call more than once.
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[topic]
	for i, s := range list {
		if s.id == id {
			b.subs[topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Publish delivers payload to every subscriber of topic and returns the
// number of subscribers that completed without fault.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) int {
	b.mu.RLock()
	list := append([]subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	b.published.WithLabelValues(topic).Inc()

	ok := 0
	for _, s := range list {
		if err := invoke(ctx, s.handler, payload); err != nil {
			b.faults.WithLabelValues(topic).Inc()
			b.errs.Report(errhandler.KindDownstreamHandlerFault, err, "topic", topic)
			continue
		}
		ok++
	}
	return ok
}

// SubscriberCount returns the number of subscribers for topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// ErrHandlerPanicked wraps a recovered subscriber panic.
var ErrHandlerPanicked = errors.New("bus: handler panicked")

func invoke(ctx context.Context, h Handler, payload any) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = h(ctx, payload) })
	if r := pc.Recovered(); r != nil {
		return fmt.Errorf("%w: %v", ErrHandlerPanicked, r.Value)
	}
	return err
}
