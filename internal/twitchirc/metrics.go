package twitchirc

import (
	"sync"
	"sync/atomic"
)

// Stats is a snapshot of a client's line counters.
type Stats struct {
	Seen    int64
	Dropped int64
	// DroppedBy counts dropped lines per drop reason.
	DroppedBy map[string]int64
}

// ircMetrics tracks basic ingest counters for IRC handling.
type ircMetrics struct {
	seen    atomic.Int64
	dropped atomic.Int64

	mu       sync.Mutex
	byReason map[string]int64
}

func (m *ircMetrics) incSeen() int64 {
	if m == nil {
		return 0
	}
	return m.seen.Add(1)
}

func (m *ircMetrics) incDropped(reason string) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	if m.byReason == nil {
		m.byReason = make(map[string]int64)
	}
	m.byReason[reason]++
	m.mu.Unlock()
	return m.dropped.Add(1)
}

func (m *ircMetrics) snapshot() Stats {
	if m == nil {
		return Stats{}
	}
	m.mu.Lock()
	by := make(map[string]int64, len(m.byReason))
	for k, v := range m.byReason {
		by[k] = v
	}
	m.mu.Unlock()
	return Stats{Seen: m.seen.Load(), Dropped: m.dropped.Load(), DroppedBy: by}
}
