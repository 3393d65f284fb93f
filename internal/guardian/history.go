package guardian

import (
	"sync"
	"time"
)

// historyEntry is one recorded injection attempt.
type historyEntry struct {
	at       time.Time
	patterns []string
}

// injectionHistory is a bounded per-source ring of recent injection
// attempts, used to flag sources that keep probing.
type injectionHistory struct {
	mu      sync.Mutex
	maxSize int
	entries map[string][]historyEntry
}

func newInjectionHistory(maxSize int) *injectionHistory {
	if maxSize <= 0 {
		maxSize = 50
	}
	return &injectionHistory{
		maxSize: maxSize,
		entries: make(map[string][]historyEntry),
	}
}

// record appends an injection attempt for the source, evicting the
// oldest entry once the ring is full.
func (h *injectionHistory) record(source string, at time.Time, patterns []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := h.entries[source]
	if len(entries) >= h.maxSize {
		entries = entries[len(entries)-h.maxSize+1:]
	}
	h.entries[source] = append(entries, historyEntry{at: at, patterns: patterns})
}

// countSince returns how many injection attempts the source made at or
// after the cutoff.
func (h *injectionHistory) countSince(source string, cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, e := range h.entries[source] {
		if !e.at.Before(cutoff) {
			n++
		}
	}
	return n
}

// reset clears the source's history. Explicit operator action only.
func (h *injectionHistory) reset(source string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, source)
}
