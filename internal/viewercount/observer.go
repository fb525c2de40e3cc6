package viewercount

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/errhandler"
)

// Update is delivered when a platform's count changes or is reset.
type Update struct {
	Platform      core.Platform `json:"platform"`
	Count         int           `json:"count"`
	PreviousCount int           `json:"previousCount"`
	IsStreamLive  bool          `json:"isStreamLive"`
	Timestamp     time.Time     `json:"timestamp"`
}

// StatusChange is delivered when a platform goes live or offline.
type StatusChange struct {
	Platform  core.Platform `json:"platform"`
	IsLive    bool          `json:"isLive"`
	WasLive   bool          `json:"wasLive"`
	Timestamp time.Time     `json:"timestamp"`
}

// Observer is the only required method. Observers may also implement
// any of the optional interfaces below.
type Observer interface {
	ObserverID() string
}

type updateObserver interface {
	OnViewerCountUpdate(ctx context.Context, u Update) error
}

type statusObserver interface {
	OnStreamStatusChange(ctx context.Context, c StatusChange) error
}

type initObserver interface {
	Initialize(ctx context.Context) error
}

type cleanupObserver interface {
	Cleanup(ctx context.Context) error
}

// ErrInvalidObserver is returned for observers without an ID.
var ErrInvalidObserver = errors.New("viewercount: observer id is required")

// fanOut calls fn for every observer concurrently and waits for all of
// them. A failing observer is recorded and does not affect the others.
func (s *Scheduler) fanOut(ctx context.Context, op string, observers []Observer, fn func(context.Context, Observer) error) {
	if len(observers) == 0 {
		return
	}
	p := pool.New().WithMaxGoroutines(len(observers))
	for _, obs := range observers {
		obs := obs
		p.Go(func() {
			var err error
			var pc panics.Catcher
			pc.Try(func() { err = fn(ctx, obs) })
			if r := pc.Recovered(); r != nil {
				err = r.AsError()
			}
			if err != nil {
				s.errs.Report(errhandler.KindObserverFault, fmt.Errorf("observer %s %s: %w", obs.ObserverID(), op, err),
					"observer", obs.ObserverID())
			}
		})
	}
	p.Wait()
}

func (s *Scheduler) notifyUpdate(ctx context.Context, u Update) {
	if !u.Platform.Known() {
		return
	}
	s.fanOut(ctx, "update", s.observerSnapshot(), func(ctx context.Context, o Observer) error {
		if uo, ok := o.(updateObserver); ok {
			return uo.OnViewerCountUpdate(ctx, u)
		}
		return nil
	})
}

func (s *Scheduler) notifyStatus(ctx context.Context, c StatusChange) {
	if !c.Platform.Known() {
		return
	}
	s.fanOut(ctx, "status", s.observerSnapshot(), func(ctx context.Context, o Observer) error {
		if so, ok := o.(statusObserver); ok {
			return so.OnStreamStatusChange(ctx, c)
		}
		return nil
	})
}

// AddObserver registers o. An observer with an existing ID replaces the
// prior registration in place.
func (s *Scheduler) AddObserver(ctx context.Context, o Observer) error {
	if o == nil || o.ObserverID() == "" {
		return ErrInvalidObserver
	}
	id := o.ObserverID()

	s.mu.Lock()
	replaced := false
	for i, existing := range s.observers {
		if existing.ObserverID() == id {
			s.observers[i] = o
			replaced = true
			break
		}
	}
	if !replaced {
		s.observers = append(s.observers, o)
	}
	s.mu.Unlock()

	if io, ok := o.(initObserver); ok {
		s.fanOut(ctx, "initialize", []Observer{o}, func(ctx context.Context, _ Observer) error {
			return io.Initialize(ctx)
		})
	}
	s.logger.Debug("viewercount: observer registered", "observer", id, "replaced", replaced)
	return nil
}

// RemoveObserver unregisters id. Removing an unknown ID is a no-op.
func (s *Scheduler) RemoveObserver(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.observers {
		if existing.ObserverID() == id {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return
		}
	}
}

// ObserverIDs returns registered IDs in registration order.
func (s *Scheduler) ObserverIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.observers))
	for _, o := range s.observers {
		out = append(out, o.ObserverID())
	}
	return out
}

func (s *Scheduler) observerSnapshot() []Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Observer(nil), s.observers...)
}
