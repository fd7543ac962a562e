package tracerdriver

import (
	"context"

	"github.com/arc-self/trace-sessiond/internal/apperr"
	"github.com/arc-self/trace-sessiond/internal/ids"
)

// objKind distinguishes the two release calls a tracer-side handle can
// need (§4.4 destroy_trace: release_object for everything under a
// session, release_handle for the session handle itself).
type objKind int

const (
	objKindObject objKind = iota
	objKindHandle
)

// ObjRef is a scoped holder for a tracer-side opaque object (§9, "Ownership").
// It holds the owning socket from construction, but Release only contacts
// the tracer once the handle is actually known to it (Set), so Release is
// a no-op for objects that never made it past the shadow.
type ObjRef struct {
	driver Driver
	sock   ids.SocketID
	handle Handle
	isSet  bool
	kind   objKind
}

// NewObjRef creates an unset object reference bound to driver and sock,
// released via release_object.
func NewObjRef(driver Driver, sock ids.SocketID) *ObjRef {
	return &ObjRef{driver: driver, sock: sock, handle: HandleUnset, kind: objKindObject}
}

// NewHandleRef creates an unset reference to a session handle bound to
// driver and sock, released via release_handle rather than release_object.
func NewHandleRef(driver Driver, sock ids.SocketID) *ObjRef {
	return &ObjRef{driver: driver, sock: sock, handle: HandleUnset, kind: objKindHandle}
}

// Set records the tracer-assigned handle.
func (o *ObjRef) Set(h Handle) {
	o.handle = h
	o.isSet = true
}

// IsSet reports whether the tracer has confirmed this object.
func (o *ObjRef) IsSet() bool { return o.isSet }

// Handle returns the current handle (HandleUnset if never set).
func (o *ObjRef) Handle() Handle { return o.handle }

// Release issues release_object (or release_handle, for a handle-kind
// ref) for the held handle, reclassifying app-vanished errors to a nil
// return rather than a caller-visible failure, per §4.5. It is a no-op if
// the object was never set.
func (o *ObjRef) Release(ctx context.Context) error {
	if !o.isSet {
		return nil
	}
	op := "release_object"
	var err error
	if o.kind == objKindHandle {
		op = "release_handle"
		err = o.driver.ReleaseHandle(ctx, o.sock, o.handle)
	} else {
		err = o.driver.ReleaseObject(ctx, o.sock, o.handle)
	}
	o.isSet = false
	if err == nil {
		return nil
	}
	classified := Classify(op, err)
	if apperr.IsAppVanished(classified) {
		return nil
	}
	return classified
}
