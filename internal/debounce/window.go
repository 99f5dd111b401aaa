// Package debounce suppresses repeated triggers for the same logical change
// arriving inside a rolling time horizon.
package debounce

import (
	"context"
	"sync"
	"time"

	"github.com/EthDevOps/k8s-service-trigger/internal/types"
)

// DefaultHorizon is the suppression window when none is configured.
const DefaultHorizon = 30 * time.Second

// Window admits at most one intent per DedupKey within the horizon. Admission
// is an atomic check-and-mark, so concurrent admission attempts for the same
// key cannot both succeed.
type Window struct {
	horizon time.Duration

	mu       sync.Mutex
	admitted map[types.DedupKey]time.Time
}

// New creates a Window with the given horizon. Zero means DefaultHorizon.
func New(horizon time.Duration) *Window {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Window{
		horizon:  horizon,
		admitted: make(map[types.DedupKey]time.Time),
	}
}

// Admit returns true when no prior admission for key exists within the
// horizon, marking it admitted as of now. Expired entries are evicted lazily
// on access, so the map is bounded by the distinct keys seen within any
// rolling window, not by total event volume.
func (w *Window) Admit(key types.DedupKey, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if at, ok := w.admitted[key]; ok {
		if now.Sub(at) < w.horizon {
			return false
		}
		delete(w.admitted, key)
	}
	w.admitted[key] = now
	return true
}

// Forget drops all state for an identity, across change kinds. Called when a
// Service is deleted so the map does not grow over the cluster lifetime.
func (w *Window) Forget(id types.Identity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key := range w.admitted {
		if key.Identity == id && key.Kind != types.ChangeDeleted {
			delete(w.admitted, key)
		}
	}
}

// Len returns the number of live admissions, for observability and tests.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.admitted)
}

// StartSweep periodically evicts expired entries so keys never seen again do
// not linger. Lazy eviction in Admit already bounds the common case; the
// sweep bounds the long tail. Non-blocking; stops when ctx is cancelled.
func (w *Window) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sweep(time.Now())
			}
		}
	}()
}

func (w *Window) sweep(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-w.horizon)
	for key, at := range w.admitted {
		if at.Before(cutoff) {
			delete(w.admitted, key)
		}
	}
}
