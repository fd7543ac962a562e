package app_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/trace-sessiond/internal/app"
	"github.com/arc-self/trace-sessiond/internal/globalsession"
	"github.com/arc-self/trace-sessiond/internal/ids"
	"github.com/arc-self/trace-sessiond/internal/tracerdriver"
)

func newApp() *app.App {
	return app.New(ids.Pid(42), 1, 1000, 1000, "myapp", 64, 2, 0, ids.SocketID(1))
}

func globalSession(channels ...*globalsession.Channel) *globalsession.Session {
	return &globalsession.Session{ID: ids.SessionID(1), UID: 1000, GID: 1000, Channels: channels}
}

func TestShadowCopySessionIsIdempotent(t *testing.T) {
	a := newApp()
	gc := &globalsession.Channel{Name: "chan0", SubBufCount: 4, Events: []*globalsession.Event{
		{Name: "sched_switch", LogLevel: -1},
	}}
	global := globalSession(gc)

	s1 := app.ShadowCopySession(global, a)
	s2 := app.ShadowCopySession(global, a)

	assert.Same(t, s1, s2, "re-running shadow_copy_session for the same app/session must return the same AppSession")

	c, ok := s1.Channel("chan0")
	require.True(t, ok)
	assert.Len(t, c.AllEvents(), 1)

	// Running again must not duplicate the channel or its event.
	app.ShadowCopySession(global, a)
	assert.Len(t, s1.AllChannels(), 1)
	assert.Len(t, c.AllEvents(), 1)
}

func TestShadowCopyChannelProjectsContextsAndEvents(t *testing.T) {
	gc := &globalsession.Channel{
		Name:     "chan0",
		Enabled:  true,
		Contexts: []string{"pid", "procname"},
		Events: []*globalsession.Event{
			{Name: "ev1", LogLevel: 3},
			{Name: "ev2", LogLevel: -1, Filter: []byte("x==1")},
		},
	}

	c := app.ShadowCopyChannel(gc, tracerdriver.ChannelPerCPU)

	assert.True(t, c.Enabled)
	assert.Len(t, c.AllContexts(), 2)
	assert.Len(t, c.AllEvents(), 2)
	assert.Equal(t, tracerdriver.ChannelPerCPU, c.Attr.Type)
}

func TestEventUniquenessByKey(t *testing.T) {
	c := app.ShadowCopyChannel(&globalsession.Channel{Name: "chan0"}, tracerdriver.ChannelPerCPU)

	e1 := &app.AppEvent{Name: "ev", Attr: tracerdriver.EventAttr{LogLevel: -1, LogLevelType: tracerdriver.LogLevelAll}}
	e2 := &app.AppEvent{Name: "ev", Attr: tracerdriver.EventAttr{LogLevel: -1, LogLevelType: tracerdriver.LogLevelAll}}
	e3 := &app.AppEvent{Name: "ev", Attr: tracerdriver.EventAttr{LogLevel: 3, LogLevelType: tracerdriver.LogLevelSingle}}

	assert.True(t, c.InsertEvent(e1))
	assert.False(t, c.InsertEvent(e2), "an event with the same key must not insert twice")
	assert.True(t, c.InsertEvent(e3), "a distinct loglevel is a distinct key")

	assert.Len(t, c.AllEvents(), 2)
}

func TestEventUniquenessAllNormalisation(t *testing.T) {
	c := app.ShadowCopyChannel(&globalsession.Channel{Name: "chan0"}, tracerdriver.ChannelPerCPU)

	// loglevel 0 under LogLevelAll is canonically -1: both must collide.
	e1 := &app.AppEvent{Name: "ev", Attr: tracerdriver.EventAttr{LogLevel: -1, LogLevelType: tracerdriver.LogLevelAll}}
	e2 := &app.AppEvent{Name: "ev", Attr: tracerdriver.EventAttr{LogLevel: 0, LogLevelType: tracerdriver.LogLevelAll}}

	assert.True(t, c.InsertEvent(e1))
	assert.False(t, c.InsertEvent(e2))
}
