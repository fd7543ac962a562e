// Package tracerdriver is the narrow, strictly-typed facade over a tracee's
// control channel (§4.5). It never interprets buffer contents; it only
// round-trips fixed requests and classifies the two "application vanished"
// error codes that every higher layer needs to treat as skip-not-fail.
package tracerdriver

import (
	"context"
	"errors"
	"syscall"

	"github.com/arc-self/trace-sessiond/internal/apperr"
	"github.com/arc-self/trace-sessiond/internal/ids"
)

// ErrExiting is the driver-defined "tracee is exiting" condition. It has
// no stable errno on the host platform, so it is a sentinel rather than a
// syscall.Errno.
var ErrExiting = errors.New("tracerdriver: tracee is exiting")

// Handle is a tracer-side object handle. HandleUnset means "not yet
// created on the tracer".
type Handle int64

// HandleUnset is the sentinel (-1, not Handle's zero value) for a handle
// that has not been assigned by the tracer yet.
const HandleUnset Handle = -1

// ChannelType distinguishes a per-CPU data channel from the metadata
// channel (§3).
type ChannelType int

const (
	ChannelPerCPU ChannelType = iota
	ChannelMetadata
)

// OutputMode mirrors the tracer's channel output mode.
type OutputMode int

const (
	OutputMmap OutputMode = iota
	OutputSplice
)

// LogLevelType mirrors the tracer's loglevel matching mode.
type LogLevelType int

const (
	LogLevelAll LogLevelType = iota
	LogLevelRange
	LogLevelSingle
)

// Instrumentation is the kind of probe point an event is attached to.
type Instrumentation int

const (
	InstrumentationTracepoint Instrumentation = iota
	InstrumentationProbe
)

// ChannelAttr is the attribute bundle copied onto an AppChannel (§3).
type ChannelAttr struct {
	Name         string
	SubBufSize   uint64
	SubBufCount  uint64
	Overwrite    bool
	SwitchTimer  uint32
	ReadTimer    uint32
	Output       OutputMode
	Type         ChannelType
}

// EventAttr is the attribute bundle copied onto an AppEvent (§3).
type EventAttr struct {
	Name            string
	LogLevel        int32
	LogLevelType    LogLevelType
	Instrumentation Instrumentation
}

// VersionInfo is the tracer's protocol version, returned by Version.
type VersionInfo struct {
	Major uint32
	Minor uint32
}

// TracepointEntry is one row of a tracepoint listing (§4.7).
type TracepointEntry struct {
	Name     string
	LogLevel int32
}

// FieldEntry is one row of a tracepoint field listing (§4.7), a richer
// variant of TracepointEntry.
type FieldEntry struct {
	Name       string
	FieldType  string
	NoWrite    bool
	Tracepoint TracepointEntry
}

// Driver is the tracer control-channel facade. Every method round-trips
// the app's control socket and is therefore a potential blocking point
// (§5) — callers must not hold a registry writer lock across any of
// these calls.
type Driver interface {
	CreateSession(ctx context.Context, sock ids.SocketID) (Handle, error)
	ReleaseHandle(ctx context.Context, sock ids.SocketID, h Handle) error
	ReleaseObject(ctx context.Context, sock ids.SocketID, h Handle) error
	CreateChannel(ctx context.Context, sock ids.SocketID, session Handle, attr ChannelAttr) (Handle, error)
	CreateEvent(ctx context.Context, sock ids.SocketID, channel Handle, attr EventAttr) (Handle, error)
	AddContext(ctx context.Context, sock ids.SocketID, channel Handle, kind string) (Handle, error)
	SetFilter(ctx context.Context, sock ids.SocketID, event Handle, filter []byte) error
	Enable(ctx context.Context, sock ids.SocketID, obj Handle) error
	Disable(ctx context.Context, sock ids.SocketID, obj Handle) error
	StartSession(ctx context.Context, sock ids.SocketID, session Handle) error
	StopSession(ctx context.Context, sock ids.SocketID, session Handle) error
	FlushBuffer(ctx context.Context, sock ids.SocketID, channel Handle) error
	WaitQuiescent(ctx context.Context, sock ids.SocketID) error
	Version(ctx context.Context, sock ids.SocketID) (VersionInfo, error)
	Calibrate(ctx context.Context, sock ids.SocketID) error
	TracepointList(ctx context.Context, sock ids.SocketID) (Handle, error)
	TracepointListGet(ctx context.Context, sock ids.SocketID, list Handle, index int) (TracepointEntry, error)
	TracepointFieldList(ctx context.Context, sock ids.SocketID) (Handle, error)
	TracepointFieldListGet(ctx context.Context, sock ids.SocketID, list Handle, index int) (FieldEntry, error)
}

// ErrNoEnt mirrors the tracer's NOENT response, used to terminate the
// enumeration loops of §4.7.
var ErrNoEnt = errors.New("tracerdriver: no more entries")

// Classify maps a raw driver error to the §7 taxonomy. EPIPE and the
// driver-defined ErrExiting are AppVanished, ENOTCONN is NotConnected,
// EEXIST is AlreadyExists and ENOMEM is NoMemory; any other error is
// returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, ErrExiting) {
		return apperr.New(op, apperr.CodeAppVanished, err)
	}
	if errors.Is(err, syscall.ENOTCONN) {
		return apperr.New(op, apperr.CodeNotConnected, err)
	}
	if errors.Is(err, syscall.EEXIST) {
		return apperr.New(op, apperr.CodeAlreadyExists, err)
	}
	if errors.Is(err, syscall.ENOMEM) {
		return apperr.New(op, apperr.CodeNoMemory, err)
	}
	return err
}
