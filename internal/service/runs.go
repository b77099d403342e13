package service

import (
	"context"
	"sync"
)

// Runs tracks the cancel handles of in-flight pipeline runs by session.
type Runs struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewRuns() *Runs {
	return &Runs{cancels: make(map[string]context.CancelFunc)}
}

// Start registers a run. It fails with ErrRunInProgress when the session already has one.
func (r *Runs) Start(sessionID string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.cancels[sessionID]; busy {
		return ErrRunInProgress
	}
	r.cancels[sessionID] = cancel
	return nil
}

// Cancel stops the run of sessionID and reports whether one was running.
func (r *Runs) Cancel(sessionID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[sessionID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Done unregisters a finished run.
func (r *Runs) Done(sessionID string) {
	r.mu.Lock()
	delete(r.cancels, sessionID)
	r.mu.Unlock()
}

// Active returns the number of runs in flight.
func (r *Runs) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}
