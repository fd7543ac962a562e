package registry

import (
	"github.com/arc-self/trace-sessiond/internal/app"
	"github.com/arc-self/trace-sessiond/internal/ids"
)

// Guard is a typed reference returned by the *Guarded lookups, addressing
// the open question in §9(iii): rather than releasing the read-side guard
// internally and handing back a bare pointer the caller must not trust
// across a reclamation cycle, the caller holds a Guard and is expected to
// call Release when it has finished using App — making "this reader no
// longer needs any object it observed" an explicit step instead of an
// implicit one.
//
// In this registry's coarser locking model (§9 design note: a global
// RWMutex rather than full epoch-based RCU) the actual memory-safety
// backstop is the Reclaimer's grace period, not the lifetime of the
// RLock itself — Lookup* already releases the lock before returning. This
// type's purpose is to keep call sites honest about the borrow, so a
// future swap to a true read-side critical section only touches Guard's
// internals.
type Guard struct {
	App *app.App
}

// Release marks the end of the caller's use of the guarded App.
func (g Guard) Release() {}

// LookupByPidGuarded is the guarded form of LookupByPid, used by the
// per-pid operations (enable_event_pid, disable_event_pid — §4.4).
func (r *Registry) LookupByPidGuarded(pid ids.Pid) (Guard, bool) {
	a, ok := r.LookupByPid(pid)
	if !ok {
		return Guard{}, false
	}
	return Guard{App: a}, true
}

// LookupBySocketGuarded is the guarded form of LookupBySocket.
func (r *Registry) LookupBySocketGuarded(sock ids.SocketID) (Guard, bool) {
	a, ok := r.LookupBySocket(sock)
	if !ok {
		return Guard{}, false
	}
	return Guard{App: a}, true
}
