package align

import "sync"

// ProgressTracker holds the latest ProgressSnapshot behind a mutex.
// The orchestrator is the single writer; presentation layers poll Read
// on their own interval and always see a complete snapshot.
type ProgressTracker struct {
	mu   sync.Mutex
	snap ProgressSnapshot
}

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{snap: ProgressSnapshot{CurrentPhase: "idle"}}
}

// Update replaces the snapshot wholesale with the mutator's return value.
func (t *ProgressTracker) Update(fn func(ProgressSnapshot) ProgressSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap = fn(t.snap)
}

// Read returns a copy of the current snapshot.
func (t *ProgressTracker) Read() ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}
