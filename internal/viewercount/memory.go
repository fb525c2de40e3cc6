package viewercount

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/errhandler"
)

func (s *Scheduler) memoryLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.MemoryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.OptimizeMemory()
		}
	}
}

// OptimizeMemory trims history, prunes status timestamps to the most
// recent platforms and clamps runaway counters. It never panics.
func (s *Scheduler) OptimizeMemory() {
	var pc panics.Catcher
	pc.Try(s.optimize)
	if r := pc.Recovered(); r != nil {
		s.errs.Report(errhandler.KindCleanupFault, fmt.Errorf("memory optimization: %v", r.Value))
	}
}

func (s *Scheduler) optimize() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p, h := range s.history {
		s.history[p] = trimHistory(h, s.opts.HistoryCap)
	}

	if len(s.lastStatusUpdate) > s.opts.MaxStatusUpdates {
		type entry struct {
			p  core.Platform
			at time.Time
		}
		entries := make([]entry, 0, len(s.lastStatusUpdate))
		for p, at := range s.lastStatusUpdate {
			entries = append(entries, entry{p, at})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].at.After(entries[j].at) })
		for _, e := range entries[s.opts.MaxStatusUpdates:] {
			delete(s.lastStatusUpdate, e.p)
		}
	}

	if s.stats.TotalPolls > s.opts.StatsCeiling {
		s.stats.TotalPolls /= 2
		s.stats.SuccessfulPolls /= 2
		s.logger.Info("viewercount: polling stats clamped", "total", s.stats.TotalPolls)
	}
}
