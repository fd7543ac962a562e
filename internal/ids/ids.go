// Package ids defines the small, shared identifier types used across the
// registry, data model, tracer driver, and consumer handoff packages so
// that none of them needs to import another just to name a key type.
package ids

// Pid is a traced process id, as reported at registration.
type Pid uint32

// SocketID identifies an app's control socket (fd or an opaque connection
// id depending on the transport in use).
type SocketID uint32

// SessionID identifies a global tracing session.
type SessionID uint64

// ChannelKey is the process-wide, monotonically increasing channel
// identifier assigned at allocation (§3, "key").
type ChannelKey uint64
