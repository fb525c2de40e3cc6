package ingesttrace

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Stage represents a pipeline stage used for tracking event processing.
type Stage string

const (
	StageSeenFromProvider Stage = "seen_from_provider"
	StageNormalizedOK     Stage = "normalized_ok"
	StagePublished        Stage = "published"
	StageErrorPayload     Stage = "error_payload"
	StageWrittenToDB      Stage = "written_to_db"

	StageDroppedPrefix = "dropped_"
)

// Drop reasons shared by the adapters.
const (
	ReasonMissingField     = "missing_field"
	ReasonSelfMessage      = "self_message"
	ReasonUnknownVariant   = "unknown_variant"
	ReasonMissingTimestamp = "missing_timestamp"
	ReasonInvalidUser      = "invalid_user"
	ReasonHandlerFault     = "handler_fault"
	ReasonStreakPending    = "streak_pending"
)

// StageDropped creates a Stage for a dropped event with the given reason.
func StageDropped(reason string) Stage {
	return Stage(fmt.Sprintf("%s%s", StageDroppedPrefix, reason))
}

// Tracker accumulates stage counters per platform. The zero value is not
// usable; call NewTracker.
type Tracker struct {
	mu       sync.Mutex
	counters map[string]map[Stage]int64
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{counters: make(map[string]map[Stage]int64)}
}

// Inc increments the counter for platform/stage and returns the updated value.
func (t *Tracker) Inc(platform string, stage Stage) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	byStage, ok := t.counters[platform]
	if !ok {
		byStage = make(map[Stage]int64)
		t.counters[platform] = byStage
	}
	byStage[stage]++
	return byStage[stage]
}

// Drop is shorthand for Inc(platform, StageDropped(reason)).
func (t *Tracker) Drop(platform, reason string) int64 {
	return t.Inc(platform, StageDropped(reason))
}

// Count returns the current value for platform/stage.
func (t *Tracker) Count(platform string, stage Stage) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[platform][stage]
}

// Snapshot returns a deep copy of every counter.
func (t *Tracker) Snapshot() map[string]map[Stage]int64 {
	out := make(map[string]map[Stage]int64)
	if t == nil {
		return out
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for platform, byStage := range t.counters {
		copy := make(map[Stage]int64, len(byStage))
		for stage, count := range byStage {
			copy[stage] = count
		}
		out[platform] = copy
	}
	return out
}

// LogSummary logs one line per platform with its counters.
func (t *Tracker) LogSummary(logger *slog.Logger, msg string) {
	if logger == nil {
		logger = slog.Default()
	}
	snap := t.Snapshot()
	platforms := make([]string, 0, len(snap))
	for p := range snap {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)

	for _, p := range platforms {
		logger.Info(msg, "platform", p, "counters", snap[p])
	}
}
