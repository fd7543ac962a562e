package session

import (
	"context"
	"errors"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arc-self/trace-sessiond/internal/app"
	"github.com/arc-self/trace-sessiond/internal/apperr"
	"github.com/arc-self/trace-sessiond/internal/eventbus"
	"github.com/arc-self/trace-sessiond/internal/globalsession"
	"github.com/arc-self/trace-sessiond/internal/lifecycle"
	"github.com/arc-self/trace-sessiond/internal/tracerdriver"
)

// ErrNotStarted is returned by StopTrace when the session was never
// started — §9(i) resolves the "is double-stop idempotent" open question
// by keeping this a failure, the conservative reading of "started=true
// required".
var ErrNotStarted = errors.New("session: stop_trace: session not started")

// localTraceDirMode matches the consumer package's local handoff
// directory mode (§4.6/§6): rwxrwx---.
const localTraceDirMode = 0o770

// StartTrace implements start_trace (§4.4): a no-op if the app isn't
// compatible or has no materialised session. If not already started,
// ensures the local trace directory, synthesizes the metadata channel,
// starts the tracer session, and best-effort waits for quiescence.
func (m *Manager) StartTrace(ctx context.Context, global *globalsession.Session, a *app.App) error {
	ctx, span := m.Tracer.Start(ctx, "start_trace")
	defer span.End()

	if !a.Compatible {
		return nil
	}
	sess, ok := a.Session(global.ID)
	if !ok {
		return nil
	}
	if sess.Started {
		return nil
	}

	if global.Consumer.Kind == globalsession.ConsumerLocal && sess.TracePath != "" {
		if err := os.MkdirAll(sess.TracePath, localTraceDirMode); err != nil && !os.IsExist(err) {
			return err
		}
	}

	if err := m.CreateUstMetadata(ctx, sess, a, global.Consumer); err != nil {
		return err
	}

	sessionHandle := tracerdriver.HandleUnset
	if sess.Handle != nil {
		sessionHandle = sess.Handle.Handle()
	}
	if err := m.Driver.StartSession(ctx, a.Sock, sessionHandle); err != nil {
		return tracerdriver.Classify("start_session", err)
	}
	sess.Started = true
	m.publish(eventbus.Event{Kind: eventbus.SessionStarted, Pid: uint32(a.Pid), SessionID: uint64(sess.SessionID)})

	if err := m.Driver.WaitQuiescent(ctx, a.Sock); err != nil {
		classified := tracerdriver.Classify("wait_quiescent", err)
		if !apperr.IsAppVanished(classified) {
			m.Logger.Warn("start_trace: wait_quiescent failed", zap.Error(classified), zap.Uint32("pid", uint32(a.Pid)))
		}
	}
	return nil
}

// StartAll implements start_all (§4.4): iterates every compatible app
// with a materialised session for global and ignores per-app failures.
func (m *Manager) StartAll(ctx context.Context, global *globalsession.Session) error {
	ctx, span := m.Tracer.Start(ctx, "start_all")
	defer span.End()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.fanoutLimit())
	for _, a := range m.Registry.All() {
		a := a
		g.Go(func() error {
			if err := m.StartTrace(ctx, global, a); err != nil {
				m.Logger.Warn("start_all: start_trace failed", zap.Error(err), zap.Uint32("pid", uint32(a.Pid)))
			}
			return nil
		})
	}
	return g.Wait()
}

// StopTrace implements stop_trace (§4.4): requires started=true. Stops
// the tracer session, waits for quiescence, then flushes every data
// channel and finally the metadata channel. App-vanished short-circuits
// the flush loop cleanly; other per-channel errors continue to the next
// buffer.
func (m *Manager) StopTrace(ctx context.Context, sess *app.AppSession, a *app.App) error {
	ctx, span := m.Tracer.Start(ctx, "stop_trace")
	defer span.End()

	if !sess.Started {
		return ErrNotStarted
	}

	sessionHandle := tracerdriver.HandleUnset
	if sess.Handle != nil {
		sessionHandle = sess.Handle.Handle()
	}
	if err := m.Driver.StopSession(ctx, a.Sock, sessionHandle); err != nil {
		classified := tracerdriver.Classify("stop_session", err)
		if !apperr.IsAppVanished(classified) {
			return classified
		}
		return nil
	}
	sess.Started = false
	m.publish(eventbus.Event{Kind: eventbus.SessionStopped, Pid: uint32(a.Pid), SessionID: uint64(sess.SessionID)})

	if err := m.Driver.WaitQuiescent(ctx, a.Sock); err != nil {
		classified := tracerdriver.Classify("wait_quiescent", err)
		if !apperr.IsAppVanished(classified) {
			m.Logger.Warn("stop_trace: wait_quiescent failed", zap.Error(classified), zap.Uint32("pid", uint32(a.Pid)))
		}
	}

	for _, c := range sess.AllChannels() {
		if c.Obj == nil {
			continue
		}
		if err := m.Driver.FlushBuffer(ctx, a.Sock, c.Obj.Handle()); err != nil {
			classified := tracerdriver.Classify("flush_buffer", err)
			if apperr.IsAppVanished(classified) {
				return nil
			}
			m.Logger.Warn("stop_trace: flush failed", zap.Error(classified), zap.Uint32("pid", uint32(a.Pid)))
		}
	}
	if sess.Metadata != nil && sess.Metadata.Obj != nil {
		if err := m.Driver.FlushBuffer(ctx, a.Sock, sess.Metadata.Obj.Handle()); err != nil {
			classified := tracerdriver.Classify("flush_buffer", err)
			if !apperr.IsAppVanished(classified) {
				m.Logger.Warn("stop_trace: metadata flush failed", zap.Error(classified), zap.Uint32("pid", uint32(a.Pid)))
			}
		}
	}
	return nil
}

// DestroyTrace implements destroy_trace (§4.4): removes the AppSession
// from its App and releases every tracer object it owns.
func (m *Manager) DestroyTrace(ctx context.Context, a *app.App, sess *app.AppSession) {
	ctx, span := m.Tracer.Start(ctx, "destroy_trace")
	defer span.End()

	if _, ok := a.Session(sess.SessionID); !ok {
		return
	}
	a.DeleteSession(sess.SessionID)
	lifecycle.DestroySession(ctx, m.Driver, a.Sock, sess, m.Logger)
}

// GlobalUpdate implements global_update (§4.4): materialises global onto
// app a in one shot — ensure-session, then for every
// channel in the resulting shadow create it plus every context and event
// on the tracer, optionally followed by start_trace. Any failure destroys
// the AppSession.
func (m *Manager) GlobalUpdate(ctx context.Context, global *globalsession.Session, a *app.App) error {
	ctx, span := m.Tracer.Start(ctx, "global_update")
	defer span.End()

	sess, _, err := m.CreateAppSession(ctx, global, a)
	if err != nil {
		if apperr.IsAppVanished(err) {
			return nil
		}
		return err
	}

	if err := m.materializeShadow(ctx, sess, a); err != nil {
		m.DestroyTrace(ctx, a, sess)
		return err
	}

	if global.StartTrace {
		if err := m.StartTrace(ctx, global, a); err != nil {
			m.DestroyTrace(ctx, a, sess)
			return err
		}
	}
	return nil
}

func (m *Manager) materializeShadow(ctx context.Context, sess *app.AppSession, a *app.App) error {
	for _, c := range sess.AllChannels() {
		if c.Obj != nil && c.Obj.IsSet() {
			continue
		}
		sessionHandle := tracerdriver.HandleUnset
		if sess.Handle != nil {
			sessionHandle = sess.Handle.Handle()
		}
		h, err := m.Driver.CreateChannel(ctx, a.Sock, sessionHandle, c.Attr)
		classified := tracerdriver.Classify("create_channel", err)
		if classified != nil {
			if apperr.IsAppVanished(classified) {
				continue
			}
			return classified
		}
		c.Obj = tracerdriver.NewObjRef(m.Driver, a.Sock)
		c.Obj.Set(h)

		for _, ctxObj := range c.AllContexts() {
			ch, err := m.Driver.AddContext(ctx, a.Sock, c.Obj.Handle(), ctxObj.Kind)
			classified := tracerdriver.Classify("add_context", err)
			if classified != nil {
				if apperr.IsAppVanished(classified) {
					continue
				}
				return classified
			}
			ctxObj.Obj = tracerdriver.NewObjRef(m.Driver, a.Sock)
			ctxObj.Obj.Set(ch)
		}

		for _, e := range c.AllEvents() {
			eh, err := m.Driver.CreateEvent(ctx, a.Sock, c.Obj.Handle(), e.Attr)
			classified := tracerdriver.Classify("create_event", err)
			if classified != nil {
				if apperr.Is(classified, apperr.CodeAlreadyExists) || apperr.IsAppVanished(classified) {
					continue
				}
				return classified
			}
			e.Obj = tracerdriver.NewObjRef(m.Driver, a.Sock)
			e.Obj.Set(eh)
		}
	}
	return nil
}
