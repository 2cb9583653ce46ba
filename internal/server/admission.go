// Package server holds the wire adapters of the gateway: the WebSocket
// handler, the Riva-compatible gRPC servicer, the HTTP surface, and the
// connection admission gate they share.
//
// Adapters translate frames to Session operations and Session events back to
// frames; they never touch the scheduler directly.
package server

import (
	"context"
	"sync"

	"github.com/MrWong99/parakeetd/internal/observe"
)

// Admission is the connection-level gate: at most max sessions may be active
// at once, across all adapters. A zero max disables the limit.
type Admission struct {
	mu      sync.Mutex
	active  int
	max     int
	metrics *observe.Metrics
}

// NewAdmission creates a gate admitting up to max concurrent sessions.
// metrics may be nil.
func NewAdmission(max int, metrics *observe.Metrics) *Admission {
	return &Admission{max: max, metrics: metrics}
}

// TryAcquire claims a session slot. It returns false, without blocking, when
// the gate is full.
func (a *Admission) TryAcquire() bool {
	a.mu.Lock()
	if a.max > 0 && a.active >= a.max {
		a.mu.Unlock()
		if a.metrics != nil {
			a.metrics.SessionsRejected.Add(context.Background(), 1)
		}
		return false
	}
	a.active++
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	return true
}

// Release returns a slot claimed by TryAcquire.
func (a *Admission) Release() {
	a.mu.Lock()
	if a.active > 0 {
		a.active--
	}
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// Active returns the number of currently admitted sessions.
func (a *Admission) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}
