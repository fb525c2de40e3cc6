// Package errhandler categorizes faults, keeps per-component counters and
// writes structured log entries for them.
package errhandler

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Category is the coarse classification derived from an error message.
type Category string

const (
	CategoryNetwork          Category = "network"
	CategoryAuthentication   Category = "authentication"
	CategoryRateLimit        Category = "rate_limit"
	CategoryResourceNotFound Category = "resource_not_found"
	CategoryUnknown          Category = "unknown"
)

// Kind is the platform-neutral fault taxonomy.
type Kind string

const (
	KindAuthNotReady           Kind = "AuthNotReady"
	KindConfigInvalid          Kind = "ConfigInvalid"
	KindTransportFault         Kind = "TransportFault"
	KindParseMissingField      Kind = "ParseMissingField"
	KindParseUnknownVariant    Kind = "ParseUnknownVariant"
	KindDownstreamHandlerFault Kind = "DownstreamHandlerFault"
	KindObserverFault          Kind = "ObserverFault"
	KindPollingFault           Kind = "PollingFault"
	KindCleanupFault           Kind = "CleanupFault"
)

// Keyword order matters: the first matching category wins.
var categoryKeywords = []struct {
	category Category
	keywords []string
}{
	{CategoryRateLimit, []string{"rate limit", "rate-limit", "ratelimit", "too many requests", "429", "throttl"}},
	{CategoryAuthentication, []string{"unauthorized", "authentication", "auth", "token", "forbidden", "401", "403", "credential", "scope"}},
	{CategoryResourceNotFound, []string{"not found", "404", "no such", "does not exist", "unknown channel"}},
	{CategoryNetwork, []string{"network", "connection", "connect", "timeout", "timed out", "dial", "socket", "eof", "econnreset", "econnrefused", "dns", "unreachable", "broken pipe"}},
}

// Categorize maps an error message to a Category by case-insensitive
// keyword match.
func Categorize(message string) Category {
	lower := strings.ToLower(message)
	for _, group := range categoryKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(lower, kw) {
				return group.category
			}
		}
	}
	return CategoryUnknown
}

// CategorizeError is Categorize for error values. A nil error is unknown.
func CategorizeError(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	return Categorize(err.Error())
}

// ComponentStats is a snapshot of one component's counters.
type ComponentStats struct {
	TotalErrors       int64              `json:"totalErrors"`
	ConsecutiveErrors int64              `json:"consecutiveErrors"`
	ErrorTypes        map[Category]int64 `json:"errorTypes"`
	LastError         string             `json:"lastError,omitempty"`
	LastErrorAt       time.Time          `json:"lastErrorAt,omitempty"`
}

type componentState struct {
	total       int64
	consecutive int64
	types       map[Category]int64
	lastError   string
	lastErrorAt time.Time
}

// Options configures a Handler.
type Options struct {
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Handler is shared by every component in the process. It is safe for
// concurrent use.
type Handler struct {
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	components map[string]*componentState
	kinds      map[Kind]int64

	errorsTotal *prometheus.CounterVec
}

// New constructs a Handler. When opts.Registerer is set the
// gnasty_errors_total counter is registered on it.
func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		logger:     logger,
		now:        time.Now,
		components: make(map[string]*componentState),
		kinds:      make(map[Kind]int64),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty",
			Name:      "errors_total",
			Help:      "Faults recorded by component and kind",
		}, []string{"component", "kind"}),
	}
	if opts.Registerer != nil {
		if err := opts.Registerer.Register(h.errorsTotal); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					h.errorsTotal = existing
				}
			} else {
				logger.Warn("errhandler: metrics registration failed", "err", err)
			}
		}
	}
	return h
}

// Record categorizes err, updates the component's counters and the kind
// counter, and returns the category. It does not log.
func (h *Handler) Record(component string, kind Kind, err error) Category {
	if h == nil {
		return CategoryUnknown
	}
	category := CategorizeError(err)

	h.mu.Lock()
	st := h.state(component)
	st.total++
	st.consecutive++
	st.types[category]++
	if err != nil {
		st.lastError = err.Error()
	}
	st.lastErrorAt = h.now()
	if kind != "" {
		h.kinds[kind]++
	}
	h.mu.Unlock()

	if kind == "" {
		kind = Kind(category)
	}
	h.errorsTotal.WithLabelValues(component, string(kind)).Inc()
	return category
}

// Report records err and logs it at error level.
func (h *Handler) Report(component string, kind Kind, err error, attrs ...any) Category {
	if h == nil {
		return CategoryUnknown
	}
	category := h.Record(component, kind, err)
	args := append([]any{"component", component, "kind", kind, "category", category, "err", err}, attrs...)
	h.logger.Error("errhandler: "+component+" fault", args...)
	return category
}

// RecordSuccess resets the component's consecutive error counter.
func (h *Handler) RecordSuccess(component string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if st, ok := h.components[component]; ok {
		st.consecutive = 0
	}
	h.mu.Unlock()
}

// Stats returns a snapshot of component's counters.
func (h *Handler) Stats(component string) ComponentStats {
	if h == nil {
		return ComponentStats{ErrorTypes: map[Category]int64{}}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.components[component]
	if !ok {
		return ComponentStats{ErrorTypes: map[Category]int64{}}
	}
	types := make(map[Category]int64, len(st.types))
	for k, v := range st.types {
		types[k] = v
	}
	return ComponentStats{
		TotalErrors:       st.total,
		ConsecutiveErrors: st.consecutive,
		ErrorTypes:        types,
		LastError:         st.lastError,
		LastErrorAt:       st.lastErrorAt,
	}
}

// KindCount returns how many faults of kind were recorded across all components.
func (h *Handler) KindCount(kind Kind) int64 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kinds[kind]
}

// Kinds returns a copy of every kind counter.
func (h *Handler) Kinds() map[Kind]int64 {
	out := make(map[Kind]int64)
	if h == nil {
		return out
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, v := range h.kinds {
		out[k] = v
	}
	return out
}

// LogOperationalError writes a structured warning for a non-event fault.
// It touches no counters.
func (h *Handler) LogOperationalError(message, component string, details map[string]any) {
	if h == nil {
		return
	}
	args := []any{"component", component}
	for k, v := range details {
		args = append(args, k, v)
	}
	h.logger.Warn("errhandler: "+message, args...)
}

// For returns a Scope bound to component.
func (h *Handler) For(component string) *Scope {
	return &Scope{h: h, component: component}
}

func (h *Handler) state(component string) *componentState {
	st, ok := h.components[component]
	if !ok {
		st = &componentState{types: make(map[Category]int64)}
		h.components[component] = st
	}
	return st
}

// Scope is a Handler bound to one component.
type Scope struct {
	h         *Handler
	component string
}

// Component returns the bound component name.
func (s *Scope) Component() string { return s.component }

// Handler returns the underlying process-wide handler.
func (s *Scope) Handler() *Handler { return s.h }

// HandleEventProcessingError logs a failure to process an event of
// eventType and counts it as kind.
func (s *Scope) HandleEventProcessingError(err error, kind Kind, eventType string, payload any, message string) {
	if s == nil || s.h == nil {
		return
	}
	category := s.h.Record(s.component, kind, err)
	s.h.logger.Error("errhandler: "+message,
		"component", s.component,
		"kind", kind,
		"category", category,
		"event", eventType,
		"payload", payload,
		"err", err,
	)
}

// LogOperationalError logs message with details under the bound component.
func (s *Scope) LogOperationalError(message string, details map[string]any) {
	if s == nil {
		return
	}
	s.h.LogOperationalError(message, s.component, details)
}

// Record counts err as kind under the bound component.
func (s *Scope) Record(kind Kind, err error) Category {
	if s == nil {
		return CategoryUnknown
	}
	return s.h.Record(s.component, kind, err)
}

// Report counts and logs err.
func (s *Scope) Report(kind Kind, err error, attrs ...any) Category {
	if s == nil {
		return CategoryUnknown
	}
	return s.h.Report(s.component, kind, err, attrs...)
}

// RecordSuccess resets the bound component's consecutive counter.
func (s *Scope) RecordSuccess() {
	if s == nil {
		return
	}
	s.h.RecordSuccess(s.component)
}
