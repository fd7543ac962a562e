// Package app holds the per-application shadow state (§3): App,
// AppSession, AppChannel, AppEvent, AppContext, Stream, and the
// shadow_copy_* projection functions of §4.3.
package app

import (
	"sync"

	"github.com/arc-self/trace-sessiond/internal/ids"
	"github.com/arc-self/trace-sessiond/internal/tracerdriver"
)

// App is one connected, traced userspace process (§3).
type App struct {
	Pid             ids.Pid
	Ppid            ids.Pid
	UID             uint32
	GID             uint32
	Name            string // ≤16 bytes, nul-terminated on the wire
	TracerMajor     uint32
	TracerMinor     uint32
	Bitness         int // 32 or 64
	Sock            ids.SocketID
	ProtocolVersion uint32

	// Compatible is set only after Version succeeds and the tracer major
	// matches the coordinator's supported major.
	Compatible bool

	// mu guards Sessions and TeardownList. Readers that only need to
	// observe a session pointer across a tracer round-trip take this
	// under RLock and release it before making the blocking call — they
	// hold a *reference*, not the lock, across I/O (§5).
	mu           sync.RWMutex
	Sessions     map[ids.SessionID]*AppSession
	TeardownList []*AppSession
}

// New creates an App with compatible=false, as mandated by §4.2 ("register
// ... Allocate a fresh App with compatible=false").
func New(pid, ppid ids.Pid, uid, gid uint32, name string, bitness int, major, minor uint32, sock ids.SocketID) *App {
	return &App{
		Pid:         pid,
		Ppid:        ppid,
		UID:         uid,
		GID:         gid,
		Name:        name,
		Bitness:     bitness,
		TracerMajor: major,
		TracerMinor: minor,
		Sock:        sock,
		Sessions:    make(map[ids.SessionID]*AppSession),
	}
}

// Session looks up an already-materialised AppSession by global session id.
func (a *App) Session(id ids.SessionID) (*AppSession, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.Sessions[id]
	return s, ok
}

// PutSession inserts a newly-created AppSession.
func (a *App) PutSession(s *AppSession) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Sessions[s.SessionID] = s
}

// DeleteSession removes a session from the live map without destroying it.
func (a *App) DeleteSession(id ids.SessionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.Sessions, id)
}

// MoveAllSessionsToTeardown moves every still-attached AppSession to the
// teardown list (§4.2, unregister step). After this call the sessions are
// no longer visible to readers via Session/Sessions.
func (a *App) MoveAllSessionsToTeardown() []*AppSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	moved := make([]*AppSession, 0, len(a.Sessions))
	for id, s := range a.Sessions {
		moved = append(moved, s)
		delete(a.Sessions, id)
	}
	a.TeardownList = append(a.TeardownList, moved...)
	return moved
}

// AllSessions returns a snapshot slice of the live sessions, for iteration
// by session-projection operations (§4.4).
func (a *App) AllSessions() []*AppSession {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*AppSession, 0, len(a.Sessions))
	for _, s := range a.Sessions {
		out = append(out, s)
	}
	return out
}

// AppSession is one materialised (App, global-session-id) pair (§3).
type AppSession struct {
	SessionID ids.SessionID
	UID       uint32
	GID       uint32
	UUID      string // generated at allocation
	TracePath string // "<app-name>-<pid>-<YYYYMMDD-HHMMSS>/"
	Handle    *tracerdriver.ObjRef

	Started  bool
	Metadata *AppChannel

	mu       sync.Mutex
	Channels map[string]*AppChannel
}

// PutChannel inserts a newly-created channel keyed by name.
func (s *AppSession) PutChannel(c *AppChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Channels[c.Name] = c
}

// Channel looks up a channel by name.
func (s *AppSession) Channel(name string) (*AppChannel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Channels[name]
	return c, ok
}

// AllChannels returns a snapshot of the session's channels.
func (s *AppSession) AllChannels() []*AppChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*AppChannel, 0, len(s.Channels))
	for _, c := range s.Channels {
		out = append(out, c)
	}
	return out
}

// DeleteChannel removes a channel by name.
func (s *AppSession) DeleteChannel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Channels, name)
}

// AppChannel is one session-channel pair (§3).
type AppChannel struct {
	Name   string
	Key    ids.ChannelKey
	Obj    *tracerdriver.ObjRef
	Attr   tracerdriver.ChannelAttr
	Enabled bool

	// IsSent is true once the channel has been delivered to its consumer
	// (§3 invariant: IsSent ⇒ streams no longer owned here).
	IsSent              bool
	ExpectedStreamCount int

	mu       sync.Mutex
	Contexts map[string]*AppContext
	Events   map[string][]*AppEvent // keyed by name; disambiguated by EventKey within
	Streams  []*Stream
}

func newChannel(name string, key ids.ChannelKey, obj *tracerdriver.ObjRef) *AppChannel {
	return &AppChannel{
		Name:     name,
		Key:      key,
		Obj:      obj,
		Contexts: make(map[string]*AppContext),
		Events:   make(map[string][]*AppEvent),
	}
}

// NewBareChannel allocates a channel with no global counterpart — used by
// the session-projection layer to synthesize the metadata channel (§4.4,
// create_ust_metadata), which has attributes but no projected events or
// contexts.
func NewBareChannel(name string, attr tracerdriver.ChannelAttr) *AppChannel {
	c := newChannel(name, NextChannelKey(), nil)
	c.Attr = attr
	return c
}

// PutContext inserts a context by kind, ignoring a duplicate kind.
func (c *AppChannel) PutContext(kind string, ctxObj *AppContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.Contexts[kind]; ok {
		return
	}
	c.Contexts[kind] = ctxObj
}

// AllContexts returns a snapshot of the channel's contexts.
func (c *AppChannel) AllContexts() []*AppContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*AppContext, 0, len(c.Contexts))
	for _, ctxObj := range c.Contexts {
		out = append(out, ctxObj)
	}
	return out
}

// FindEvent looks up an event by the §3 key (name, loglevel, filter).
func (c *AppChannel) FindEvent(key EventKey) (*AppEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.Events[key.Name] {
		if eventMatches(e, key) {
			return e, true
		}
	}
	return nil, false
}

// InsertEvent inserts e, enforcing the uniqueness invariant of §3: if an
// event with the same key already exists, InsertEvent reports false and
// does not insert.
func (c *AppChannel) InsertEvent(e *AppEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := keyOf(e)
	for _, existing := range c.Events[key.Name] {
		if eventMatches(existing, key) {
			return false
		}
	}
	c.Events[key.Name] = append(c.Events[key.Name], e)
	return true
}

// AllEvents returns a snapshot of every event in the channel.
func (c *AppChannel) AllEvents() []*AppEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*AppEvent, 0)
	for _, list := range c.Events {
		out = append(out, list...)
	}
	return out
}

// AppendStream appends a newly-received stream.
func (c *AppChannel) AppendStream(s *Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Streams = append(c.Streams, s)
}

// TakeStreams removes and returns every stream, transferring ownership to
// the caller (the consumer handoff, §4.6, step 3: "send each stream ...
// and then drop the stream locally").
func (c *AppChannel) TakeStreams() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.Streams
	c.Streams = nil
	return out
}

// AppEvent is one probe-point instance within an AppChannel (§3).
type AppEvent struct {
	Name    string
	Enabled bool
	Obj     *tracerdriver.ObjRef
	Attr    tracerdriver.EventAttr
	Filter  *Filter
}

// AppContext is one context kind materialised on an AppChannel (§3).
type AppContext struct {
	Kind string
	Obj  *tracerdriver.ObjRef
}

// Stream is one per-CPU ring-buffer stream, owned by its AppChannel until
// transferred to a consumer (§3).
type Stream struct {
	CPU int
	FD  int
	Obj *tracerdriver.ObjRef
}
