// Package globalsession describes the external, domain-agnostic shape of
// a user-level tracing session: the tree of channels/events/contexts the
// command layer wants materialised across every compatible app. The real
// session store lives outside this module's scope (§1); this package is
// the read-only contract the projection layer (§4.4) consumes.
package globalsession

import "github.com/arc-self/trace-sessiond/internal/ids"

// Domain distinguishes the "global" (UST) domain from others the command
// layer might one day support; only Global exists in this module's scope.
type Domain int

const (
	DomainGlobal Domain = iota
)

// ConsumerKind selects how a channel's data leaves the host.
type ConsumerKind int

const (
	ConsumerLocal ConsumerKind = iota
	ConsumerNetwork
)

// Consumer describes where a channel's streams should be drained to.
type Consumer struct {
	Kind         ConsumerKind
	NetSeqIndex  uint64
	RelaySubdir  string
}

// Session is the global, domain-level description of a tracing session.
type Session struct {
	ID       ids.SessionID
	UID      uint32
	GID      uint32
	Consumer Consumer
	Channels []*Channel

	// StartTrace, when set, tells global_update (§4.4) to call start_trace
	// immediately after materialising the session on an app.
	StartTrace bool
}

// Channel is the global description of one channel within Session.
type Channel struct {
	Name        string
	Enabled     bool
	SubBufSize  uint64
	SubBufCount uint64
	Overwrite   bool
	SwitchTimer uint32
	ReadTimer   uint32
	Contexts    []string
	Events      []*Event
}

// Event is the global description of one event within Channel.
type Event struct {
	Name            string
	Enabled         bool
	LogLevel        int32
	LogLevelType    int
	Instrumentation int
	Filter          []byte
}
