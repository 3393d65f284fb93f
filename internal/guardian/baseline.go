package guardian

import (
	"context"
	"sync"
	"time"
)

// Baseline holds the running behavioral statistics for one source. It is
// the guardian's behavioral memory: mutated incrementally on every
// observed message and never reset except by explicit operator action.
type Baseline struct {
	MessageCount      int64
	AvgLength         float64
	AvgIntervalMs     float64
	LastMessage       time.Time
	InjectionAttempts int64
}

// BaselineStore is the per-source baseline cache. Implementations must
// make Observe atomic per source (the incremental-average math needs a
// consistent read-modify-write) while keeping distinct sources fully
// independent. Baselines are recoverable caches: losing them on restart
// only reduces anomaly sensitivity until the cold-start window refills.
type BaselineStore interface {
	// Observe records one message and returns the baseline as it stood
	// before this message, which is what anomaly detection compares
	// against.
	Observe(ctx context.Context, source string, length int, now time.Time) (Baseline, error)

	// RecordInjection increments the source's injection-attempt counter.
	RecordInjection(ctx context.Context, source string) error

	// Get returns the current baseline without mutating it.
	Get(ctx context.Context, source string) (Baseline, error)

	// Reset clears the source's baseline. Operator action only.
	Reset(ctx context.Context, source string) error
}

// advance applies the incremental running-mean update for one message.
func advance(b Baseline, length int, now time.Time) Baseline {
	n := float64(b.MessageCount)
	b.AvgLength = (b.AvgLength*n + float64(length)) / (n + 1)

	if !b.LastMessage.IsZero() {
		interval := float64(now.Sub(b.LastMessage).Milliseconds())
		intervals := n - 1 // message n is the (n-1)th interval's endpoint
		if intervals < 0 {
			intervals = 0
		}
		b.AvgIntervalMs = (b.AvgIntervalMs*intervals + interval) / (intervals + 1)
	}

	b.MessageCount++
	b.LastMessage = now
	return b
}

// memoryBaselines is the default in-process BaselineStore. Each source
// owns its own lock so concurrent evaluations of different sources never
// contend.
type memoryBaselines struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	mu       sync.Mutex
	baseline Baseline
}

// NewMemoryBaselines creates an in-memory baseline store.
func NewMemoryBaselines() BaselineStore {
	return &memoryBaselines{entries: make(map[string]*memoryEntry)}
}

func (m *memoryBaselines) entry(source string) *memoryEntry {
	m.mu.RLock()
	e, ok := m.entries[source]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.entries[source]; ok {
		return e
	}
	e = &memoryEntry{}
	m.entries[source] = e
	return e
}

func (m *memoryBaselines) Observe(_ context.Context, source string, length int, now time.Time) (Baseline, error) {
	e := m.entry(source)
	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.baseline
	e.baseline = advance(e.baseline, length, now)
	return before, nil
}

func (m *memoryBaselines) RecordInjection(_ context.Context, source string) error {
	e := m.entry(source)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseline.InjectionAttempts++
	return nil
}

func (m *memoryBaselines) Get(_ context.Context, source string) (Baseline, error) {
	e := m.entry(source)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baseline, nil
}

func (m *memoryBaselines) Reset(_ context.Context, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, source)
	return nil
}
