// Package registry implements the Edge-side Worker Registry (spec.md §4.2):
// a process-wide, concurrency-safe map of connected Workers with a
// first-available selection policy and connection-replacement semantics.
// Grounded on the teacher's internal/wsrelay.Manager session map, generalized
// from a single-provider-per-key scheme to the richer Worker record in §3.
package registry

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Transport is the minimal surface the registry needs from a Worker's
// underlying connection: whether it is still usable, and how to close it
// with a specific WebSocket close code/reason (spec.md §3 replacement rule).
type Transport interface {
	// IsOpen reports whether the transport can still carry frames.
	IsOpen() bool
	// Close closes the transport with the given WS close code and reason.
	Close(code int, reason string) error
}

// Worker is the Edge's in-memory record for one connected Worker (§3).
type Worker struct {
	ClientID      string
	Transport     Transport
	Authenticated bool

	mu         sync.Mutex
	alive      bool
	lastPongAt int64
}

// SetAlive updates the liveness flag under lock (used by the Liveness Supervisor, §4.5).
func (w *Worker) SetAlive(alive bool) {
	w.mu.Lock()
	w.alive = alive
	w.mu.Unlock()
}

// Alive reports the current liveness flag.
func (w *Worker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive
}

// SetLastPongAt records the unix-millisecond timestamp of the last pong.
func (w *Worker) SetLastPongAt(ms int64) {
	w.mu.Lock()
	w.lastPongAt = ms
	w.mu.Unlock()
}

// Registry holds all currently-connected Workers, keyed by clientId.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{workers: make(map[string]*Worker)}
}

// Add inserts or replaces the Worker record for clientID. If a prior record
// exists, its transport is closed with code 1000 and reason "replaced"
// before the new record is installed (§3 replacement rule, invariant 5).
func (r *Registry) Add(clientID string, transport Transport) *Worker {
	w := &Worker{ClientID: clientID, Transport: transport, Authenticated: true, alive: true}

	r.mu.Lock()
	prior := r.workers[clientID]
	r.workers[clientID] = w
	r.mu.Unlock()

	if prior != nil && prior.Transport != nil {
		if err := prior.Transport.Close(1000, "replaced"); err != nil {
			log.WithError(err).WithField("worker_id", clientID).Debug("registry: error closing replaced transport")
		}
	}
	return w
}

// Remove deletes the record for clientID, if any.
func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, clientID)
}

// Get returns the Worker record for clientID, or nil.
func (r *Registry) Get(clientID string) *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[clientID]
}

// PickAvailable returns the first Worker whose transport is open and
// authenticated (§4.2 selection policy: linear scan, first match).
// modelHint is accepted but unused — a documented extension point (§9).
func (r *Registry) PickAvailable(modelHint string) *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.workers {
		if w.Authenticated && w.Transport != nil && w.Transport.IsOpen() {
			return w
		}
	}
	return nil
}

// Snapshot returns a stable copy of all current Worker records, for the
// Liveness Supervisor's periodic sweep (§4.5).
func (r *Registry) Snapshot() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}

// Len reports the number of currently-registered Workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
