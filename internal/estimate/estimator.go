package estimate

import (
	"sync"
	"time"
)

// initialGuess is reported before enough progress exists to measure a
// rate.
const initialGuess = 2 * time.Hour

// minProgressForRate is how far a run must be before the measured rate
// is trusted over the initial guess.
const minProgressForRate = 2.0

// Estimator projects run completion from observed progress. It is a
// simple rate extrapolation: elapsed time divided by percent done.
type Estimator struct {
	mu      sync.Mutex
	started time.Time
	now     func() time.Time
}

func New() *Estimator {
	return &Estimator{now: time.Now}
}

// Start marks the beginning of a run, resetting any previous state.
func (e *Estimator) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = e.now()
}

// Remaining returns the projected time to completion given overall
// progress in percent. Before the run starts or in its first moments
// the fixed initial guess is returned.
func (e *Estimator) Remaining(progress float64) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started.IsZero() || progress < minProgressForRate {
		return initialGuess
	}
	if progress >= 100 {
		return 0
	}

	elapsed := e.now().Sub(e.started)
	return time.Duration(float64(elapsed) / progress * (100 - progress))
}

// ETA returns the projected wall-clock completion time.
func (e *Estimator) ETA(progress float64) time.Time {
	remaining := e.Remaining(progress)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now().Add(remaining)
}
