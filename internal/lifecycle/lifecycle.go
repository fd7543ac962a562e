// Package lifecycle implements application registration, version
// validation, and unregistration with deferred reclamation (§4.2).
package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/arc-self/trace-sessiond/internal/app"
	"github.com/arc-self/trace-sessiond/internal/apperr"
	"github.com/arc-self/trace-sessiond/internal/eventbus"
	"github.com/arc-self/trace-sessiond/internal/fdquota"
	"github.com/arc-self/trace-sessiond/internal/ids"
	"github.com/arc-self/trace-sessiond/internal/registry"
	"github.com/arc-self/trace-sessiond/internal/tracerdriver"
)

const opRegister = "register"

// ConsumerAvailability answers "is there a consumer of this bitness?",
// the check register must make before accepting an app (§4.2).
type ConsumerAvailability interface {
	HasConsumerFor(bitness int) bool
}

// SocketCloser closes an app's control socket. It does not touch the FD
// quota itself: Manager releases the matching single unit after each
// Close, modelling "closes the socket (one FD quota unit released)" from
// §4.2's deferred reclamation step.
type SocketCloser interface {
	Close(sock ids.SocketID) error
}

// Manager ties the registry, FD quota, tracer driver, consumer
// availability check, and deferred reclaimer together into the §4.2
// register/unregister protocol.
type Manager struct {
	Registry       *registry.Registry
	Quota          *fdquota.Quota
	Driver         tracerdriver.Driver
	Consumers      ConsumerAvailability
	Sockets        SocketCloser
	Reclaimer      *registry.Reclaimer
	SupportedMajor uint32
	Logger         *zap.Logger

	// Publisher emits lifecycle events (§6 DOMAIN STACK [SUPPLEMENT]) for
	// Register/Unregister. Nil is valid: publishing is best-effort and
	// never blocks or fails the underlying operation.
	Publisher *eventbus.Publisher
}

func (m *Manager) publish(ev eventbus.Event) {
	if m.Publisher == nil {
		return
	}
	if err := m.Publisher.Publish(ev); err != nil {
		m.Logger.Warn("publish lifecycle event failed", zap.Error(err), zap.String("kind", string(ev.Kind)))
	}
}

// RegisterRequest mirrors the register message's payload (§4.2).
type RegisterRequest struct {
	Pid     ids.Pid
	Ppid    ids.Pid
	UID     uint32
	GID     uint32
	Name    string
	Bitness int
	Major   uint32
	Minor   uint32
	Sock    ids.SocketID
}

// Register validates the incoming app, displaces any prior App at the
// same pid, and inserts the new App into both registry indices. It does
// not perform version validation — callers must call VersionValidate
// before any channel/event operation is attempted for the app (§4.2).
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (*app.App, error) {
	// The control socket itself spends one FD unit (§5); reserved here so
	// the rejection path below and the deferred reclaim in
	// beginUnregister have a matching unit to release.
	if err := m.Quota.Reserve(1); err != nil {
		if cerr := m.Sockets.Close(req.Sock); cerr != nil {
			m.Logger.Warn("register: close socket after fd quota rejection failed", zap.Error(cerr))
		}
		return nil, apperr.New(opRegister, apperr.CodeNoMemory, err)
	}

	if !m.Consumers.HasConsumerFor(req.Bitness) || req.Major != m.SupportedMajor {
		if err := m.Sockets.Close(req.Sock); err != nil {
			m.Logger.Warn("register: close socket after rejection failed", zap.Error(err))
		}
		m.Quota.Release(1)
		return nil, apperr.New(opRegister, apperr.CodeInvalid,
			fmt.Errorf("unsupported bitness=%d major=%d (need major=%d and a matching consumer)",
				req.Bitness, req.Major, m.SupportedMajor))
	}

	a := app.New(req.Pid, req.Ppid, req.UID, req.GID, req.Name, req.Bitness, req.Major, req.Minor, req.Sock)

	if err := m.Registry.InsertUniqueSocket(req.Sock, a); err != nil {
		// §4.2: duplicate socket is a fatal assertion, not a recoverable
		// error — sockets must be fresh by construction of the listener.
		panic(fmt.Sprintf("lifecycle: %v (sock=%d)", err, req.Sock))
	}

	if evicted := m.Registry.InsertReplacingPid(req.Pid, a); evicted != nil {
		m.Logger.Info("register: displacing prior app under same pid",
			zap.Uint32("pid", uint32(req.Pid)), zap.Uint32("old_socket", uint32(evicted.Sock)))
		m.beginUnregister(ctx, evicted.Sock, evicted)
	}

	m.Logger.Info("app registered",
		zap.Uint32("pid", uint32(req.Pid)), zap.String("name", req.Name),
		zap.Int("bitness", req.Bitness))
	m.publish(eventbus.Event{Kind: eventbus.AppRegistered, Pid: uint32(req.Pid)})
	return a, nil
}

// VersionValidate calls the tracer driver's version handshake and sets
// Compatible on success (§4.2).
func (m *Manager) VersionValidate(ctx context.Context, a *app.App) error {
	info, err := m.Driver.Version(ctx, a.Sock)
	if err != nil {
		return tracerdriver.Classify("version", err)
	}
	if info.Major != m.SupportedMajor {
		return apperr.New("version", apperr.CodeInvalid,
			fmt.Errorf("tracer major %d != supported %d", info.Major, m.SupportedMajor))
	}
	a.Compatible = true
	a.ProtocolVersion = info.Major
	m.Logger.Debug("app version validated", zap.Uint32("pid", uint32(a.Pid)))
	return nil
}

// Unregister removes a from both indices and schedules deferred
// reclamation of its still-attached sessions and socket (§4.2).
func (m *Manager) Unregister(ctx context.Context, sock ids.SocketID) {
	a, ok := m.Registry.LookupBySocket(sock)
	if !ok {
		return
	}
	m.beginUnregister(ctx, sock, a)
}

func (m *Manager) beginUnregister(ctx context.Context, sock ids.SocketID, a *app.App) {
	m.Registry.RemoveBySocket(sock, a)
	moved := a.MoveAllSessionsToTeardown()

	m.Reclaimer.Schedule(func() {
		for _, s := range moved {
			DestroySession(ctx, m.Driver, a.Sock, s, m.Logger)
		}
		if err := m.Sockets.Close(a.Sock); err != nil {
			m.Logger.Warn("unregister: close socket failed", zap.Error(err), zap.Uint32("pid", uint32(a.Pid)))
		}
		m.Quota.Release(1)
		m.Logger.Debug("app reclaimed", zap.Uint32("pid", uint32(a.Pid)))
	})

	m.Logger.Info("app unregistered, teardown scheduled", zap.Uint32("pid", uint32(a.Pid)))
	m.publish(eventbus.Event{Kind: eventbus.AppUnregistered, Pid: uint32(a.Pid)})
}

// DestroySession releases every tracer object owned by s (its channels,
// metadata channel, and session handle), per §4.2's deferred-reclamation
// step and §4.4's destroy_trace ("this implicitly releases tracer objects
// via driver release_object on every owned event/context/channel/stream
// and release_handle on the session handle"). Shared between the
// reclaimer's teardown callback and the session-projection layer's
// compensating destroys.
func DestroySession(ctx context.Context, driver tracerdriver.Driver, sock ids.SocketID, s *app.AppSession, logger *zap.Logger) {
	for _, c := range s.AllChannels() {
		DestroyChannel(ctx, c, logger)
	}
	if s.Metadata != nil {
		DestroyChannel(ctx, s.Metadata, logger)
	}
	if s.Handle != nil {
		if err := s.Handle.Release(ctx); err != nil {
			logger.Warn("release session handle failed", zap.Error(err))
		}
	}
}

// DestroyChannel releases every tracer object owned by c (its events,
// contexts, streams, and the channel object itself).
func DestroyChannel(ctx context.Context, c *app.AppChannel, logger *zap.Logger) {
	for _, e := range c.AllEvents() {
		if e.Filter != nil {
			// filter bytes are process-local; nothing to release remotely
		}
		if e.Obj != nil {
			if err := e.Obj.Release(ctx); err != nil {
				logger.Warn("release event object failed", zap.Error(err))
			}
		}
	}
	for _, ctxObj := range c.AllContexts() {
		if ctxObj.Obj != nil {
			if err := ctxObj.Obj.Release(ctx); err != nil {
				logger.Warn("release context object failed", zap.Error(err))
			}
		}
	}
	for _, st := range c.TakeStreams() {
		if st.Obj != nil {
			if err := st.Obj.Release(ctx); err != nil {
				logger.Warn("release stream object failed", zap.Error(err))
			}
		}
	}
	if c.Obj != nil {
		if err := c.Obj.Release(ctx); err != nil {
			logger.Warn("release channel object failed", zap.Error(err))
		}
	}
}
