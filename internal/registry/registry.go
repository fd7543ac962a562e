// Package registry implements the two concurrent associative indices over
// live Apps (§4.1) and the quiescent-state-based reclamation discipline
// they require (§5). Per the coarser option in §9's design notes, this
// uses a single RWMutex shared by both indices rather than a full
// RCU/epoch scheme: readers take a read-side guard (RLock) that they must
// hold only while observing live objects, never across a blocking
// tracer/consumer call, and writers serialise on that one lock. Removal
// never implies destruction —
// see Reclaimer in reclaim.go.
package registry

import (
	"errors"
	"sync"

	"github.com/arc-self/trace-sessiond/internal/app"
	"github.com/arc-self/trace-sessiond/internal/ids"
)

// ErrSocketExists is the fatal assertion failure of §4.2: "duplicate
// socket ⇒ fatal assertion: sockets must be fresh".
var ErrSocketExists = errors.New("registry: socket already registered")

// Registry holds the by_pid and by_socket indices.
type Registry struct {
	mu       sync.RWMutex
	byPid    map[ids.Pid]*app.App
	bySocket map[ids.SocketID]*app.App
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byPid:    make(map[ids.Pid]*app.App),
		bySocket: make(map[ids.SocketID]*app.App),
	}
}

// LookupByPid returns the app currently indexed under pid, if any. by_pid
// may contain stale entries displaced by re-registration — this always
// returns the current occupant, never a displaced one.
func (r *Registry) LookupByPid(pid ids.Pid) (*app.App, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byPid[pid]
	return a, ok
}

// LookupBySocket returns the app registered under sock, if any.
func (r *Registry) LookupBySocket(sock ids.SocketID) (*app.App, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.bySocket[sock]
	return a, ok
}

// All returns a stable snapshot of every live app, for the per-app
// traversal loops of §4.4/§4.7. Taking a snapshot rather than iterating
// the live map while unlocked keeps the per-operation loop from observing
// concurrent inserts/removals mid-traversal.
func (r *Registry) All() []*app.App {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*app.App, 0, len(r.bySocket))
	for _, a := range r.bySocket {
		out = append(out, a)
	}
	return out
}

// InsertReplacingPid inserts a under pid, evicting and returning any prior
// occupant (the caller is responsible for initiating that occupant's
// teardown — §4.2, "an older App under the same pid is displaced").
func (r *Registry) InsertReplacingPid(pid ids.Pid, a *app.App) (evicted *app.App) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted = r.byPid[pid]
	r.byPid[pid] = a
	return evicted
}

// InsertUniqueSocket inserts a under sock, failing if the socket is
// already occupied (§4.2: "insert by_socket unique").
func (r *Registry) InsertUniqueSocket(sock ids.SocketID, a *app.App) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bySocket[sock]; exists {
		return ErrSocketExists
	}
	r.bySocket[sock] = a
	return nil
}

// RemoveBySocket removes the entry for sock if it still maps to a, and
// also removes the by_pid entry if it still points at a (it may already
// have been displaced by a re-registration under the same pid — §4.2).
func (r *Registry) RemoveBySocket(sock ids.SocketID, a *app.App) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.bySocket[sock]; ok && cur == a {
		delete(r.bySocket, sock)
	}
	if cur, ok := r.byPid[a.Pid]; ok && cur == a {
		delete(r.byPid, a.Pid)
	}
}

// Len reports the number of apps reachable via by_socket (the stable
// index — by_pid may over- or under-count during displacement races).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySocket)
}
