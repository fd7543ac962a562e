// Package session implements the coordinator's public per-session control
// surface (§4.4): take a global session description plus the registry of
// connected apps, project/update each compatible app's shadow, and call
// into the tracer driver and consumer handoff to realise the differences.
package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arc-self/trace-sessiond/internal/app"
	"github.com/arc-self/trace-sessiond/internal/apperr"
	"github.com/arc-self/trace-sessiond/internal/consumer"
	"github.com/arc-self/trace-sessiond/internal/consumerproto"
	"github.com/arc-self/trace-sessiond/internal/eventbus"
	"github.com/arc-self/trace-sessiond/internal/globalsession"
	"github.com/arc-self/trace-sessiond/internal/lifecycle"
	"github.com/arc-self/trace-sessiond/internal/registry"
	"github.com/arc-self/trace-sessiond/internal/tracerdriver"
)

// Default channel attributes for the synthesized metadata channel (§6,
// "Defaults"): copied verbatim as named constants rather than invented
// values, since the spec only asks that they be "copied verbatim from
// existing consumer/tracer compatibility constants".
const (
	DefaultMetadataSubbufNum   = 2
	DefaultChannelOverwrite    = false
	DefaultChannelSwitchTimer  = 0
	DefaultChannelReadTimer    = 0
	defaultMetadataSubbufSize  = 4096
)

// defaultFanoutLimit bounds the number of apps processed concurrently by
// a single session-projection operation (§9, "if parallelised, partition
// by App — one task per App at most").
const defaultFanoutLimit = 8

// Manager wires the registry, tracer driver, and consumer handoff
// together to implement the §4.4 operations.
type Manager struct {
	Registry    *registry.Registry
	Driver      tracerdriver.Driver
	Handoff     *consumer.Handoff
	Logger      *zap.Logger
	FanoutLimit int
	Tracer      trace.Tracer

	// Publisher emits lifecycle events (§6 DOMAIN STACK [SUPPLEMENT]) for
	// channel/session-start/session-stop transitions. Nil is valid:
	// publishing is best-effort and never fails the underlying operation.
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

// New creates a Manager with the default fan-out limit and an
// "sessiond"-named OTel tracer (§5 ambient stack).
func New(reg *registry.Registry, driver tracerdriver.Driver, handoff *consumer.Handoff, logger *zap.Logger) *Manager {
	return &Manager{
		Registry:    reg,
		Driver:      driver,
		Handoff:     handoff,
		Logger:      logger,
		FanoutLimit: defaultFanoutLimit,
		Tracer:      otel.Tracer("sessiond"),
	}
}

func (m *Manager) fanoutLimit() int {
	if m.FanoutLimit <= 0 {
		return defaultFanoutLimit
	}
	return m.FanoutLimit
}

// CreateAppSession implements create_app_session (§4.4): look up by
// global session id; if absent, allocate, shadow_copy_session, insert. If
// its tracer handle is unset, call create_session; on app-vanished
// failure, destroy the freshly-allocated AppSession and return the
// classified error.
func (m *Manager) CreateAppSession(ctx context.Context, global *globalsession.Session, a *app.App) (*app.AppSession, bool, error) {
	if existing, ok := a.Session(global.ID); ok {
		return existing, false, nil
	}

	s := app.ShadowCopySession(global, a)
	a.PutSession(s)

	if s.Handle == nil {
		s.Handle = tracerdriver.NewHandleRef(m.Driver, a.Sock)
	}
	if !s.Handle.IsSet() {
		h, err := m.Driver.CreateSession(ctx, a.Sock)
		if err != nil {
			classified := tracerdriver.Classify("create_session", err)
			a.DeleteSession(s.SessionID)
			return nil, false, classified
		}
		s.Handle.Set(h)
	}
	return s, true, nil
}

// CreateAppChannel implements create_app_channel (§4.4): return an
// existing same-named channel without tracer contact; otherwise shadow
// copy, set the channel type, run the tracer+consumer handoff
// (create_channel_on_tracer, §4.5+§4.6), and insert on success. On
// failure the channel is dropped locally, releasing its tracer object
// only if it was marked is_sent.
func (m *Manager) CreateAppChannel(ctx context.Context, sess *app.AppSession, gc *globalsession.Channel, a *app.App, consumerCfg globalsession.Consumer, typ tracerdriver.ChannelType) (*app.AppChannel, error) {
	if existing, ok := sess.Channel(gc.Name); ok {
		return existing, nil
	}

	c := app.ShadowCopyChannel(gc, typ)
	if err := m.createChannelOnTracer(ctx, a, sess, c, consumerCfg); err != nil {
		if c.IsSent {
			lifecycle.DestroyChannel(ctx, c, m.Logger)
		}
		return nil, err
	}
	sess.PutChannel(c)
	m.publish(eventbus.Event{Kind: eventbus.ChannelSent, Pid: uint32(a.Pid), SessionID: uint64(sess.SessionID), Channel: c.Name})
	return c, nil
}

// createChannelOnTracer performs the consumer handoff for a freshly
// shadow-copied channel (§4.5+§4.6): the handoff itself issues the
// tracer-driver create_channel call as part of its step 3.
func (m *Manager) createChannelOnTracer(ctx context.Context, a *app.App, sess *app.AppSession, c *app.AppChannel, consumerCfg globalsession.Consumer) error {
	wireType := consumerproto.ChannelData
	if c.Attr.Type == tracerdriver.ChannelMetadata {
		wireType = consumerproto.ChannelMetadata
	}
	return m.Handoff.Send(ctx, a.Sock, sess, c, consumerCfg, wireType)
}

// CreateUstMetadata implements create_ust_metadata (§4.4): synthesises
// the session's metadata channel with default attributes and creates it
// on the tracer via the same path as data channels. Idempotent: a no-op
// once sess.Metadata is already set.
func (m *Manager) CreateUstMetadata(ctx context.Context, sess *app.AppSession, a *app.App, consumerCfg globalsession.Consumer) error {
	if sess.Metadata != nil {
		return nil
	}

	attr := tracerdriver.ChannelAttr{
		Name:        consumerproto.DefaultMetadataName,
		SubBufSize:  defaultMetadataSubbufSize,
		SubBufCount: DefaultMetadataSubbufNum,
		Overwrite:   DefaultChannelOverwrite,
		SwitchTimer: DefaultChannelSwitchTimer,
		ReadTimer:   DefaultChannelReadTimer,
		Output:      tracerdriver.OutputMmap,
		Type:        tracerdriver.ChannelMetadata,
	}
	c := app.NewBareChannel(consumerproto.DefaultMetadataName, attr)

	if err := m.createChannelOnTracer(ctx, a, sess, c, consumerCfg); err != nil {
		if c.IsSent {
			lifecycle.DestroyChannel(ctx, c, m.Logger)
		}
		return err
	}
	sess.Metadata = c
	return nil
}

// CreateChannelGlobal implements create_channel_global (§4.4): for every
// compatible app, ensure the session exists then create_app_channel. OOM
// aborts the whole operation; app-vanished is skipped; any other failure
// after a freshly-created session triggers the compensating destroy of
// that session.
func (m *Manager) CreateChannelGlobal(ctx context.Context, global *globalsession.Session, gc *globalsession.Channel) error {
	ctx, span := m.Tracer.Start(ctx, "create_channel_global")
	defer span.End()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.fanoutLimit())

	for _, a := range m.Registry.All() {
		a := a
		if !a.Compatible {
			continue
		}
		g.Go(func() error { return m.createChannelOnOneApp(ctx, global, gc, a) })
	}
	return g.Wait()
}

func (m *Manager) createChannelOnOneApp(ctx context.Context, global *globalsession.Session, gc *globalsession.Channel, a *app.App) error {
	sess, created, err := m.CreateAppSession(ctx, global, a)
	if err != nil {
		if apperr.IsAppVanished(err) {
			m.Logger.Debug("create_channel_global: app vanished ensuring session", zap.Uint32("pid", uint32(a.Pid)))
			return nil
		}
		return err
	}

	if _, err := m.CreateAppChannel(ctx, sess, gc, a, global.Consumer, tracerdriver.ChannelPerCPU); err != nil {
		if apperr.IsAppVanished(err) {
			m.Logger.Debug("create_channel_global: app vanished creating channel", zap.Uint32("pid", uint32(a.Pid)))
			return nil
		}
		if apperr.Is(err, apperr.CodeNoMemory) {
			return err
		}
		if created {
			lifecycle.DestroySession(ctx, m.Driver, a.Sock, sess, m.Logger)
			a.DeleteSession(sess.SessionID)
		}
		m.Logger.Warn("create_channel_global: channel create failed", zap.Error(err), zap.Uint32("pid", uint32(a.Pid)))
	}
	return nil
}
