package session

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arc-self/trace-sessiond/internal/app"
	"github.com/arc-self/trace-sessiond/internal/apperr"
	"github.com/arc-self/trace-sessiond/internal/globalsession"
	"github.com/arc-self/trace-sessiond/internal/ids"
	"github.com/arc-self/trace-sessiond/internal/registry"
	"github.com/arc-self/trace-sessiond/internal/tracerdriver"
)

// perAppChannel locates the named channel inside session id for app a's
// shadow, returning ok=false (not an error) when the app hasn't been
// projected for that object yet — per §4.4: "missing channels/events in a
// given app imply the app hasn't been projected for that object yet
// (skip without error)".
func perAppChannel(a *app.App, sessionID ids.SessionID, channelName string) (*app.AppSession, *app.AppChannel, bool) {
	s, ok := a.Session(sessionID)
	if !ok {
		return nil, nil, false
	}
	c, ok := s.Channel(channelName)
	if !ok {
		return s, nil, false
	}
	return s, c, true
}

// CreateEventGlobal implements create_event_global (§4.4): per-app
// traversal, event lookup by the §3 key; a tracer ALREADY_EXISTS is
// success-equivalent; OOM terminates the loop.
func (m *Manager) CreateEventGlobal(ctx context.Context, global *globalsession.Session, channelName string, ge *globalsession.Event) error {
	ctx, span := m.Tracer.Start(ctx, "create_event_global")
	defer span.End()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.fanoutLimit())
	for _, a := range m.Registry.All() {
		a := a
		if !a.Compatible {
			continue
		}
		g.Go(func() error { return m.createEventOnOneApp(ctx, global, channelName, ge, a) })
	}
	return g.Wait()
}

func (m *Manager) createEventOnOneApp(ctx context.Context, global *globalsession.Session, channelName string, ge *globalsession.Event, a *app.App) error {
	_, c, ok := perAppChannel(a, global.ID, channelName)
	if !ok {
		return nil
	}

	key := app.NewEventKey(ge.Name, ge.LogLevel, tracerdriver.LogLevelType(ge.LogLevelType), app.NewFilter(ge.Filter))
	if _, found := c.FindEvent(key); found {
		return nil
	}

	e := app.ShadowCopyEvent(ge)
	channelHandle := tracerdriver.HandleUnset
	if c.Obj != nil {
		channelHandle = c.Obj.Handle()
	}
	h, err := m.Driver.CreateEvent(ctx, a.Sock, channelHandle, e.Attr)
	classified := tracerdriver.Classify("create_event", err)
	switch {
	case classified == nil:
		e.Obj = tracerdriver.NewObjRef(m.Driver, a.Sock)
		e.Obj.Set(h)
	case apperr.Is(classified, apperr.CodeAlreadyExists):
		// success-equivalent (§4.4): the event already exists on that app.
	case apperr.IsAppVanished(classified):
		m.Logger.Debug("create_event_global: app vanished", zap.Uint32("pid", uint32(a.Pid)))
		return nil
	case apperr.Is(classified, apperr.CodeNoMemory):
		return classified
	default:
		m.Logger.Warn("create_event_global: create_event failed", zap.Error(classified), zap.Uint32("pid", uint32(a.Pid)))
		return nil
	}

	if e.Filter != nil && e.Obj != nil {
		if err := m.Driver.SetFilter(ctx, a.Sock, e.Obj.Handle(), e.Filter.Bytes()); err != nil {
			classified := tracerdriver.Classify("set_filter", err)
			if !apperr.IsAppVanished(classified) {
				m.Logger.Warn("create_event_global: set_filter failed", zap.Error(classified), zap.Uint32("pid", uint32(a.Pid)))
			}
		}
	}

	c.InsertEvent(e)
	return nil
}

// setEventEnabled is the shared body of enable_event_global /
// disable_event_global: per-app traversal, event lookup by key, tracer
// Enable/Disable call, shadow flag update.
func (m *Manager) setEventEnabled(ctx context.Context, spanName string, global *globalsession.Session, channelName string, key app.EventKey, enabled bool) error {
	ctx, span := m.Tracer.Start(ctx, spanName)
	defer span.End()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.fanoutLimit())
	for _, a := range m.Registry.All() {
		a := a
		if !a.Compatible {
			continue
		}
		g.Go(func() error {
			_, c, ok := perAppChannel(a, global.ID, channelName)
			if !ok {
				return nil
			}
			e, found := c.FindEvent(key)
			if !found || e.Obj == nil {
				return nil
			}
			var err error
			if enabled {
				err = m.Driver.Enable(ctx, a.Sock, e.Obj.Handle())
			} else {
				err = m.Driver.Disable(ctx, a.Sock, e.Obj.Handle())
			}
			classified := tracerdriver.Classify(spanName, err)
			if classified == nil {
				e.Enabled = enabled
				return nil
			}
			if apperr.IsAppVanished(classified) {
				return nil
			}
			if apperr.Is(classified, apperr.CodeNoMemory) {
				return classified
			}
			m.Logger.Warn(spanName+" failed", zap.Error(classified), zap.Uint32("pid", uint32(a.Pid)))
			return nil
		})
	}
	return g.Wait()
}

// EnableEventGlobal implements enable_event_global (§4.4).
func (m *Manager) EnableEventGlobal(ctx context.Context, global *globalsession.Session, channelName string, key app.EventKey) error {
	return m.setEventEnabled(ctx, "enable_event_global", global, channelName, key, true)
}

// DisableEventGlobal implements disable_event_global (§4.4).
func (m *Manager) DisableEventGlobal(ctx context.Context, global *globalsession.Session, channelName string, key app.EventKey) error {
	return m.setEventEnabled(ctx, "disable_event_global", global, channelName, key, false)
}

// DisableAllEventsGlobal implements disable_all_events_global (§4.4): the
// same per-app/per-channel traversal, disabling every event already
// materialised in that app's copy of the channel.
func (m *Manager) DisableAllEventsGlobal(ctx context.Context, global *globalsession.Session, channelName string) error {
	ctx, span := m.Tracer.Start(ctx, "disable_all_events_global")
	defer span.End()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.fanoutLimit())
	for _, a := range m.Registry.All() {
		a := a
		if !a.Compatible {
			continue
		}
		g.Go(func() error {
			_, c, ok := perAppChannel(a, global.ID, channelName)
			if !ok {
				return nil
			}
			for _, e := range c.AllEvents() {
				if e.Obj == nil || !e.Enabled {
					continue
				}
				classified := tracerdriver.Classify("disable_all_events_global", m.Driver.Disable(ctx, a.Sock, e.Obj.Handle()))
				if classified == nil {
					e.Enabled = false
					continue
				}
				if apperr.Is(classified, apperr.CodeNoMemory) {
					return classified
				}
				if !apperr.IsAppVanished(classified) {
					m.Logger.Warn("disable_all_events_global: disable failed", zap.Error(classified), zap.Uint32("pid", uint32(a.Pid)))
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// setChannelEnabled is the shared body of enable_channel_global /
// disable_channel_global.
func (m *Manager) setChannelEnabled(ctx context.Context, spanName string, global *globalsession.Session, channelName string, enabled bool) error {
	ctx, span := m.Tracer.Start(ctx, spanName)
	defer span.End()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.fanoutLimit())
	for _, a := range m.Registry.All() {
		a := a
		if !a.Compatible {
			continue
		}
		g.Go(func() error {
			_, c, ok := perAppChannel(a, global.ID, channelName)
			if !ok || c.Obj == nil {
				return nil
			}
			var err error
			if enabled {
				err = m.Driver.Enable(ctx, a.Sock, c.Obj.Handle())
			} else {
				err = m.Driver.Disable(ctx, a.Sock, c.Obj.Handle())
			}
			classified := tracerdriver.Classify(spanName, err)
			if classified == nil {
				c.Enabled = enabled
				return nil
			}
			if apperr.IsAppVanished(classified) {
				return nil
			}
			if apperr.Is(classified, apperr.CodeNoMemory) {
				return classified
			}
			m.Logger.Warn(spanName+" failed", zap.Error(classified), zap.Uint32("pid", uint32(a.Pid)))
			return nil
		})
	}
	return g.Wait()
}

// EnableChannelGlobal implements enable_channel_global (§4.4).
func (m *Manager) EnableChannelGlobal(ctx context.Context, global *globalsession.Session, channelName string) error {
	return m.setChannelEnabled(ctx, "enable_channel_global", global, channelName, true)
}

// DisableChannelGlobal implements disable_channel_global (§4.4).
func (m *Manager) DisableChannelGlobal(ctx context.Context, global *globalsession.Session, channelName string) error {
	return m.setChannelEnabled(ctx, "disable_channel_global", global, channelName, false)
}

// AddContextChannelGlobal implements add_context_channel_global (§4.4).
func (m *Manager) AddContextChannelGlobal(ctx context.Context, global *globalsession.Session, channelName, kind string) error {
	ctx, span := m.Tracer.Start(ctx, "add_context_channel_global")
	defer span.End()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.fanoutLimit())
	for _, a := range m.Registry.All() {
		a := a
		if !a.Compatible {
			continue
		}
		g.Go(func() error {
			_, c, ok := perAppChannel(a, global.ID, channelName)
			if !ok || c.Obj == nil {
				return nil
			}
			for _, existing := range c.AllContexts() {
				if existing.Kind == kind {
					return nil
				}
			}
			h, err := m.Driver.AddContext(ctx, a.Sock, c.Obj.Handle(), kind)
			classified := tracerdriver.Classify("add_context_channel_global", err)
			if classified == nil {
				ctxObj := &app.AppContext{Kind: kind, Obj: tracerdriver.NewObjRef(m.Driver, a.Sock)}
				ctxObj.Obj.Set(h)
				c.PutContext(kind, ctxObj)
				return nil
			}
			if apperr.Is(classified, apperr.CodeNoMemory) {
				return classified
			}
			if !apperr.IsAppVanished(classified) {
				m.Logger.Warn("add_context_channel_global: add_context failed", zap.Error(classified), zap.Uint32("pid", uint32(a.Pid)))
			}
			return nil
		})
	}
	return g.Wait()
}

// EnableEventPid implements enable_event_pid (§4.4): scoped to a single
// app located by pid.
func (m *Manager) EnableEventPid(ctx context.Context, global *globalsession.Session, pid ids.Pid, channelName string, key app.EventKey) error {
	return m.setEventEnabledPid(ctx, "enable_event_pid", global, pid, channelName, key, true)
}

// DisableEventPid implements disable_event_pid (§4.4).
func (m *Manager) DisableEventPid(ctx context.Context, global *globalsession.Session, pid ids.Pid, channelName string, key app.EventKey) error {
	return m.setEventEnabledPid(ctx, "disable_event_pid", global, pid, channelName, key, false)
}

func (m *Manager) setEventEnabledPid(ctx context.Context, spanName string, global *globalsession.Session, pid ids.Pid, channelName string, key app.EventKey, enabled bool) error {
	ctx, span := m.Tracer.Start(ctx, spanName)
	defer span.End()

	g2, found := m.lookupByPid(pid)
	if !found {
		return nil
	}
	defer g2.Release()
	a := g2.App
	if !a.Compatible {
		return nil
	}

	_, c, chOk := perAppChannel(a, global.ID, channelName)
	if !chOk {
		return nil
	}
	e, found2 := c.FindEvent(key)
	if !found2 || e.Obj == nil {
		return nil
	}

	var err error
	if enabled {
		err = m.Driver.Enable(ctx, a.Sock, e.Obj.Handle())
	} else {
		err = m.Driver.Disable(ctx, a.Sock, e.Obj.Handle())
	}
	classified := tracerdriver.Classify(spanName, err)
	if classified == nil {
		e.Enabled = enabled
		return nil
	}
	// Per-pid operations are single-target: unlike the global loops,
	// app-vanished is surfaced to the caller here instead of being
	// swallowed (§7: "never surfaced ... unless it was a per-pid
	// operation").
	return classified
}

func (m *Manager) lookupByPid(pid ids.Pid) (registry.Guard, bool) {
	return m.Registry.LookupByPidGuarded(pid)
}
