package app

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arc-self/trace-sessiond/internal/globalsession"
	"github.com/arc-self/trace-sessiond/internal/ids"
	"github.com/arc-self/trace-sessiond/internal/tracerdriver"
)

// nextChannelKey is the global channel-key counter (§5: "updated with an
// atomic fetch-and-add; no lock"). Keys are never reused.
var nextChannelKey uint64

// NextChannelKey returns the next process-wide-unique channel key.
func NextChannelKey() ids.ChannelKey {
	return ids.ChannelKey(atomic.AddUint64(&nextChannelKey, 1))
}

// nowFunc is indirected so tests can pin the clock; production always uses
// the local wall clock per §4.3 ("using the current local time").
var nowFunc = time.Now

// ShadowCopySession projects global onto app, allocating a fresh
// AppSession and attaching it to a if one isn't already materialised for
// this (app, session id) pair. It is purely in-memory and idempotent:
// running it twice against
// the same global description yields the same channel/event/context set
// (§4.3, §8).
func ShadowCopySession(global *globalsession.Session, a *App) *AppSession {
	if existing, ok := a.Session(global.ID); ok {
		shadowCopyChannelsInto(global, existing)
		return existing
	}

	path := fmt.Sprintf("%s-%d-%s/", a.Name, a.Pid, nowFunc().Format("20060102-150405"))
	s := &AppSession{
		SessionID: global.ID,
		UID:       global.UID,
		GID:       global.GID,
		UUID:      uuid.NewString(),
		TracePath: path,
		Channels:  make(map[string]*AppChannel),
	}
	shadowCopyChannelsInto(global, s)
	a.PutSession(s)
	return s
}

func shadowCopyChannelsInto(global *globalsession.Session, s *AppSession) {
	for _, gc := range global.Channels {
		if _, ok := s.Channel(gc.Name); ok {
			continue
		}
		s.PutChannel(ShadowCopyChannel(gc, tracerdriver.ChannelPerCPU))
	}
}

// ShadowCopyChannel allocates a fresh AppChannel from a global channel
// description, projecting every context and event (§4.3). typ enforces
// the channel type — PER_CPU for every global-domain channel; the
// synthetic metadata channel (no global counterpart) is built separately
// by the session-projection layer (§4.4).
func ShadowCopyChannel(gc *globalsession.Channel, typ tracerdriver.ChannelType) *AppChannel {
	c := newChannel(gc.Name, NextChannelKey(), nil)
	c.Enabled = gc.Enabled
	c.Attr = tracerdriver.ChannelAttr{
		Name:        gc.Name,
		SubBufSize:  gc.SubBufSize,
		SubBufCount: gc.SubBufCount,
		Overwrite:   gc.Overwrite,
		SwitchTimer: gc.SwitchTimer,
		ReadTimer:   gc.ReadTimer,
		Output:      tracerdriver.OutputMmap,
		Type:        typ,
	}

	for _, kind := range gc.Contexts {
		c.PutContext(kind, &AppContext{Kind: kind})
	}
	for _, ge := range gc.Events {
		e := ShadowCopyEvent(ge)
		c.InsertEvent(e)
	}
	return c
}

// ShadowCopyEvent copies name, enabled, attribute bundle, and clones the
// filter if present (§4.3).
func ShadowCopyEvent(ge *globalsession.Event) *AppEvent {
	return &AppEvent{
		Name:    ge.Name,
		Enabled: ge.Enabled,
		Attr: tracerdriver.EventAttr{
			Name:            ge.Name,
			LogLevel:        ge.LogLevel,
			LogLevelType:    tracerdriver.LogLevelType(ge.LogLevelType),
			Instrumentation: tracerdriver.Instrumentation(ge.Instrumentation),
		},
		Filter: NewFilter(ge.Filter),
	}
}
