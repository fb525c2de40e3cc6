package adapter

import (
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/you/gnasty-live/internal/emitter"
	"github.com/you/gnasty-live/internal/errhandler"
)

// Target is anything listeners can be registered on.
type Target[T any] interface {
	On(event, id string, fn func(T)) bool
}

// Binding is one listener to register.
type Binding[T any] struct {
	Event string
	ID    string
	Fn    func(T)
}

// Wiring tracks the (event, id) pairs registered on a target so they can
// be released together.
type Wiring[T any] struct {
	mu     sync.Mutex
	target Target[T]
	bound  []emitter.Key
	errs   *errhandler.Scope
}

// NewWiring returns a Wiring over target.
func NewWiring[T any](target Target[T], errs *errhandler.Scope) *Wiring[T] {
	return &Wiring[T]{target: target, errs: errs}
}

// BindAll registers every binding not already registered. Calling it
// twice with the same bindings leaves one listener per pair. Only pairs
// the target accepted are tracked, so UnbindAll never removes a listener
// registered by another owner.
func (w *Wiring[T]) BindAll(bindings []Binding[T]) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.target == nil {
		return 0
	}
	added := 0
	for _, b := range bindings {
		key := emitter.Key{Event: b.Event, ID: b.ID}
		if w.has(key) {
			continue
		}
		// a pair the target already held belongs to someone else
		if !w.target.On(b.Event, b.ID, b.Fn) {
			continue
		}
		added++
		w.bound = append(w.bound, key)
	}
	return added
}

func (w *Wiring[T]) has(key emitter.Key) bool {
	for _, k := range w.bound {
		if k == key {
			return true
		}
	}
	return false
}

// UnbindAll removes every registered pair. Targets without Off fall back
// to RemoveListener; targets with neither are left as they are. Failures
// are recorded and never returned.
func (w *Wiring[T]) UnbindAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, key := range w.bound {
		w.release(key)
	}
	w.bound = nil
}

func (w *Wiring[T]) release(key emitter.Key) {
	var pc panics.Catcher
	pc.Try(func() {
		switch t := w.target.(type) {
		case interface{ Off(event, id string) bool }:
			t.Off(key.Event, key.ID)
		case interface{ RemoveListener(event, id string) bool }:
			t.RemoveListener(key.Event, key.ID)
		}
	})
	if r := pc.Recovered(); r != nil {
		w.errs.Report(errhandler.KindCleanupFault, fmt.Errorf("unbind %s/%s: %v", key.Event, key.ID, r.Value))
	}
}

// Len returns how many pairs are currently bound.
func (w *Wiring[T]) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.bound)
}

// Keys returns the bound pairs.
func (w *Wiring[T]) Keys() []emitter.Key {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]emitter.Key(nil), w.bound...)
}

// Retarget points the wiring at a new target. Existing bindings are
// released first.
func (w *Wiring[T]) Retarget(target Target[T]) {
	w.UnbindAll()
	w.mu.Lock()
	w.target = target
	w.mu.Unlock()
}
