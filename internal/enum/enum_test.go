package enum_test

import (
	"context"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arc-self/trace-sessiond/internal/app"
	"github.com/arc-self/trace-sessiond/internal/apperr"
	"github.com/arc-self/trace-sessiond/internal/enum"
	"github.com/arc-self/trace-sessiond/internal/ids"
	"github.com/arc-self/trace-sessiond/internal/registry"
	"github.com/arc-self/trace-sessiond/internal/tracerdriver"
)

// fakeEnumDriver serves a fixed per-socket list of tracepoints/fields, and
// can be told to fail with a specific error at a given index.
type fakeEnumDriver struct {
	tracerdriver.Driver
	events map[ids.SocketID][]tracerdriver.TracepointEntry
	fields map[ids.SocketID][]tracerdriver.FieldEntry
	failAt map[ids.SocketID]struct {
		index int
		err   error
	}
}

func newFakeEnumDriver() *fakeEnumDriver {
	return &fakeEnumDriver{
		events: map[ids.SocketID][]tracerdriver.TracepointEntry{},
		fields: map[ids.SocketID][]tracerdriver.FieldEntry{},
		failAt: map[ids.SocketID]struct {
			index int
			err   error
		}{},
	}
}

func (d *fakeEnumDriver) TracepointList(ctx context.Context, sock ids.SocketID) (tracerdriver.Handle, error) {
	return tracerdriver.Handle(sock), nil
}

func (d *fakeEnumDriver) TracepointListGet(ctx context.Context, sock ids.SocketID, list tracerdriver.Handle, index int) (tracerdriver.TracepointEntry, error) {
	if f, ok := d.failAt[sock]; ok && index == f.index {
		return tracerdriver.TracepointEntry{}, f.err
	}
	entries := d.events[sock]
	if index >= len(entries) {
		return tracerdriver.TracepointEntry{}, tracerdriver.ErrNoEnt
	}
	return entries[index], nil
}

func (d *fakeEnumDriver) TracepointFieldList(ctx context.Context, sock ids.SocketID) (tracerdriver.Handle, error) {
	return tracerdriver.Handle(sock), nil
}

func (d *fakeEnumDriver) TracepointFieldListGet(ctx context.Context, sock ids.SocketID, list tracerdriver.Handle, index int) (tracerdriver.FieldEntry, error) {
	if f, ok := d.failAt[sock]; ok && index == f.index {
		return tracerdriver.FieldEntry{}, f.err
	}
	entries := d.fields[sock]
	if index >= len(entries) {
		return tracerdriver.FieldEntry{}, tracerdriver.ErrNoEnt
	}
	return entries[index], nil
}

func compatibleApp(pid ids.Pid, sock ids.SocketID) *app.App {
	a := app.New(pid, 1, 1000, 1000, "app", 64, 2, 0, sock)
	a.Compatible = true
	return a
}

func TestListEventsAggregatesAcrossApps(t *testing.T) {
	driver := newFakeEnumDriver()
	driver.events[1] = []tracerdriver.TracepointEntry{{Name: "ev1", LogLevel: -1}}
	driver.events[2] = []tracerdriver.TracepointEntry{{Name: "ev2", LogLevel: -1}, {Name: "ev3", LogLevel: 3}}

	reg := registry.New()
	a1 := compatibleApp(1, 1)
	a2 := compatibleApp(2, 2)
	require.NoError(t, reg.InsertUniqueSocket(a1.Sock, a1))
	require.NoError(t, reg.InsertUniqueSocket(a2.Sock, a2))

	l := &enum.Lister{Registry: reg, Driver: driver, Logger: zap.NewNop()}
	events, err := l.ListEvents(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 3)
	for _, e := range events {
		assert.Equal(t, int32(-1), e.Enabled, "enabled is always -1 in a tracer-wide enumeration")
	}
}

func TestListEventsSkipsIncompatibleApp(t *testing.T) {
	driver := newFakeEnumDriver()
	driver.events[1] = []tracerdriver.TracepointEntry{{Name: "ev1"}}

	reg := registry.New()
	a := compatibleApp(1, 1)
	a.Compatible = false
	require.NoError(t, reg.InsertUniqueSocket(a.Sock, a))

	l := &enum.Lister{Registry: reg, Driver: driver, Logger: zap.NewNop()}
	events, err := l.ListEvents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestListEventsNoMemoryAbortsAndDiscardsEverything(t *testing.T) {
	driver := newFakeEnumDriver()
	driver.events[1] = []tracerdriver.TracepointEntry{{Name: "ev1"}, {Name: "ev2"}}
	driver.failAt[2] = struct {
		index int
		err   error
	}{index: 0, err: syscall.ENOMEM}

	reg := registry.New()
	a1 := compatibleApp(1, 1)
	a2 := compatibleApp(2, 2)
	require.NoError(t, reg.InsertUniqueSocket(a1.Sock, a1))
	require.NoError(t, reg.InsertUniqueSocket(a2.Sock, a2))

	l := &enum.Lister{Registry: reg, Driver: driver, Logger: zap.NewNop()}
	events, err := l.ListEvents(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeNoMemory))
	assert.Nil(t, events, "an out-of-memory from tracepoint_list_get discards the whole partial result")
}

func TestListEventsAppVanishedBreaksOnlyThatAppsInnerLoop(t *testing.T) {
	driver := newFakeEnumDriver()
	driver.events[1] = []tracerdriver.TracepointEntry{{Name: "ev1"}}
	driver.failAt[1] = struct {
		index int
		err   error
	}{index: 1, err: tracerdriver.ErrExiting}
	driver.events[2] = []tracerdriver.TracepointEntry{{Name: "ev2"}, {Name: "ev3"}}

	reg := registry.New()
	a1 := compatibleApp(1, 1)
	a2 := compatibleApp(2, 2)
	require.NoError(t, reg.InsertUniqueSocket(a1.Sock, a1))
	require.NoError(t, reg.InsertUniqueSocket(a2.Sock, a2))

	l := &enum.Lister{Registry: reg, Driver: driver, Logger: zap.NewNop()}
	events, err := l.ListEvents(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 3, "app1's one entry plus app2's two entries must survive app1's vanish")
}

func TestListEventFieldsCarriesNestedTracepoint(t *testing.T) {
	driver := newFakeEnumDriver()
	driver.fields[1] = []tracerdriver.FieldEntry{
		{Name: "field1", FieldType: "int", Tracepoint: tracerdriver.TracepointEntry{Name: "ev1", LogLevel: -1}},
	}

	reg := registry.New()
	a := compatibleApp(1, 1)
	require.NoError(t, reg.InsertUniqueSocket(a.Sock, a))

	l := &enum.Lister{Registry: reg, Driver: driver, Logger: zap.NewNop()}
	fields, err := l.ListEventFields(context.Background())
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, "field1", fields[0].Name)
	assert.Equal(t, "ev1", fields[0].Tracepoint.Name)
	assert.Equal(t, uint32(1), fields[0].Tracepoint.Pid)
}
