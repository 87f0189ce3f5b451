package server

import (
	"context"
	"sync"
)

// RunTracker tracks in-flight agent runs so they can be cancelled by id or
// all at once on shutdown.
type RunTracker struct {
	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

// NewRunTracker creates an empty RunTracker.
func NewRunTracker() *RunTracker {
	return &RunTracker{
		runs: make(map[string]context.CancelFunc),
	}
}

// Start registers a run and returns the context it must use. The returned
// finish func releases the run and must be called exactly once.
func (rt *RunTracker) Start(parent context.Context, id string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	rt.mu.Lock()
	rt.runs[id] = cancel
	rt.mu.Unlock()

	return ctx, func() {
		rt.mu.Lock()
		delete(rt.runs, id)
		rt.mu.Unlock()
		cancel()
	}
}

// Cancel cancels one run. It reports false when the run is not in flight.
func (rt *RunTracker) Cancel(id string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	cancel, ok := rt.runs[id]
	if ok {
		cancel()
	}
	return ok
}

// Active returns the number of runs in flight.
func (rt *RunTracker) Active() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.runs)
}

// CancelAll cancels every run in flight.
func (rt *RunTracker) CancelAll() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for id, cancel := range rt.runs {
		cancel()
		delete(rt.runs, id)
	}
}
