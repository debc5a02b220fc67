package jitter

import (
	"sync"
	"time"
)

// maxRetainedTurns caps how many completed turns the registry keeps for
// diagnostics before the oldest are evicted.
const maxRetainedTurns = 32

// Turn tracks one continuous server utterance from first chunk to
// completion. PlayedCount never exceeds ReceivedCount.
type Turn struct {
	ID                string
	ReceivedCount     int
	PlayedCount       int
	StartTime         time.Time
	EndSignalReceived bool

	// resolved is set once the turn's completion diagnostic has been
	// decided, so it is emitted at most once.
	resolved bool
}

// Complete reports whether the turn has fully drained: the end signal
// arrived, every received chunk was played, and bufferEmpty holds for the
// queue that fed it.
func (t *Turn) Complete(bufferEmpty bool) bool {
	return t.EndSignalReceived && t.PlayedCount >= t.ReceivedCount && bufferEmpty
}

// turnRegistry tracks turns by ID, creating them on first reference and
// evicting the oldest once the retention cap is exceeded. Retention exists
// purely for diagnostics; eviction bounds memory for long sessions.
//
// Methods are safe for concurrent use.
type turnRegistry struct {
	mu    sync.Mutex
	turns map[string]*Turn
	order []string
}

func newTurnRegistry() *turnRegistry {
	return &turnRegistry{turns: make(map[string]*Turn)}
}

// observe returns the turn for id, creating it if this is the first
// reference.
func (r *turnRegistry) observe(id string) *Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observeLocked(id)
}

func (r *turnRegistry) observeLocked(id string) *Turn {
	if t, ok := r.turns[id]; ok {
		return t
	}
	t := &Turn{ID: id, StartTime: time.Now()}
	r.turns[id] = t
	r.order = append(r.order, id)
	r.evictLocked()
	return t
}

// get returns the turn for id without creating it.
func (r *turnRegistry) get(id string) (*Turn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.turns[id]
	return t, ok
}

// evictLocked drops the oldest turns beyond the retention cap.
func (r *turnRegistry) evictLocked() {
	for len(r.order) > maxRetainedTurns {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.turns, oldest)
	}
}

// snapshot returns copies of all retained turns, oldest first.
// Intended for diagnostics and tests.
func (r *turnRegistry) snapshot() []Turn {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Turn, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.turns[id])
	}
	return out
}
