// Package conngate tracks whether the node currently has a live
// connection to the control plane and fires run_last_instances only on
// the first connect edge after construction (or after Reset); later
// reconnects do not fire it again.
//
// Grounded on the teacher's small single-purpose handler types
// (pkg/worker/health_monitor.go's HealthMonitor: one piece of state plus
// a callback), adapted from a polling health check to an edge-triggered
// connect/disconnect gate.
package conngate

import "sync"

// Gate tracks connection state and enqueues (never calls synchronously)
// a single run_last_instances trigger on the first OnConnect after
// construction or after Reset.
type Gate struct {
	mu        sync.Mutex
	connected bool
	fired     bool
	trigger   chan struct{}
}

// New returns a disconnected Gate with a single-slot trigger channel
// the dispatcher's run loop drains to invoke run_last_instances.
func New() *Gate {
	return &Gate{trigger: make(chan struct{}, 1)}
}

// OnConnect marks the gate connected. On the first transition since
// construction or the last Reset, it enqueues a trigger; it never
// blocks and never calls the dispatcher directly (spec §4.5).
func (g *Gate) OnConnect() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.connected = true
	if g.fired {
		return
	}
	g.fired = true

	select {
	case g.trigger <- struct{}{}:
	default:
	}
}

// OnDisconnect marks the gate disconnected. It does not reset the
// first-connect latch: per spec §4.5, reconnecting does not re-trigger
// run_last_instances.
func (g *Gate) OnDisconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
}

// Connected reports the gate's current connection state.
func (g *Gate) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// Triggered returns the channel the dispatcher's run loop should
// receive from to learn that run_last_instances should execute.
func (g *Gate) Triggered() <-chan struct{} {
	return g.trigger
}

// Reset clears the first-connect latch, so the next OnConnect fires a
// trigger again. Test-only: production callers have no reason to
// re-arm the gate, since spec §4.5 mandates a single trigger per
// process lifetime.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fired = false
}
