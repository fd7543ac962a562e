package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arc-self/trace-sessiond/internal/apperr"
	"github.com/arc-self/trace-sessiond/internal/fdquota"
	"github.com/arc-self/trace-sessiond/internal/ids"
	"github.com/arc-self/trace-sessiond/internal/lifecycle"
	"github.com/arc-self/trace-sessiond/internal/registry"
	"github.com/arc-self/trace-sessiond/internal/tracerdriver"
)

type fakeConsumers struct{ available map[int]bool }

func (f fakeConsumers) HasConsumerFor(bitness int) bool { return f.available[bitness] }

type fakeSockets struct{ closed []ids.SocketID }

func (f *fakeSockets) Close(sock ids.SocketID) error {
	f.closed = append(f.closed, sock)
	return nil
}

type fakeDriver struct {
	tracerdriver.Driver
	versionErr error
	major      uint32
}

func (f *fakeDriver) Version(ctx context.Context, sock ids.SocketID) (tracerdriver.VersionInfo, error) {
	if f.versionErr != nil {
		return tracerdriver.VersionInfo{}, f.versionErr
	}
	return tracerdriver.VersionInfo{Major: f.major}, nil
}

func newManager(t *testing.T) (*lifecycle.Manager, *fakeSockets) {
	t.Helper()
	sockets := &fakeSockets{}
	return &lifecycle.Manager{
		Registry:       registry.New(),
		Quota:          fdquota.New(1000),
		Driver:         &fakeDriver{major: 2},
		Consumers:      fakeConsumers{available: map[int]bool{64: true}},
		Sockets:        sockets,
		Reclaimer:      registry.NewReclaimer(10*time.Millisecond, zap.NewNop()),
		SupportedMajor: 2,
		Logger:         zap.NewNop(),
	}, sockets
}

func TestRegisterRejectsUnsupportedMajor(t *testing.T) {
	m, sockets := newManager(t)
	_, err := m.Register(context.Background(), lifecycle.RegisterRequest{
		Pid: 1, Bitness: 64, Major: 99, Sock: ids.SocketID(1),
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeInvalid))
	assert.Equal(t, []ids.SocketID{1}, sockets.closed, "a rejected registration must still close the socket")
}

func TestRegisterRejectsMissingConsumer(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Register(context.Background(), lifecycle.RegisterRequest{
		Pid: 1, Bitness: 32, Major: 2, Sock: ids.SocketID(1),
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeInvalid))
}

func TestRegisterSucceedsAndDisplacesPriorPid(t *testing.T) {
	m, sockets := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Reclaimer.Run(ctx)

	a1, err := m.Register(ctx, lifecycle.RegisterRequest{Pid: 7, Bitness: 64, Major: 2, Sock: ids.SocketID(1)})
	require.NoError(t, err)
	assert.False(t, a1.Compatible)

	a2, err := m.Register(ctx, lifecycle.RegisterRequest{Pid: 7, Bitness: 64, Major: 2, Sock: ids.SocketID(2)})
	require.NoError(t, err)

	got, ok := m.Registry.LookupByPid(ids.Pid(7))
	require.True(t, ok)
	assert.Same(t, a2, got)

	assert.Eventually(t, func() bool {
		for _, s := range sockets.closed {
			if s == ids.SocketID(1) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "displaced app's socket must eventually be reclaimed")
}

func TestVersionValidateSetsCompatible(t *testing.T) {
	m, _ := newManager(t)
	a, err := m.Register(context.Background(), lifecycle.RegisterRequest{Pid: 1, Bitness: 64, Major: 2, Sock: ids.SocketID(1)})
	require.NoError(t, err)

	require.NoError(t, m.VersionValidate(context.Background(), a))
	assert.True(t, a.Compatible)
	assert.Equal(t, uint32(2), a.ProtocolVersion)
}

func TestVersionValidateRejectsMismatch(t *testing.T) {
	sockets := &fakeSockets{}
	m := &lifecycle.Manager{
		Registry:       registry.New(),
		Quota:          fdquota.New(1000),
		Driver:         &fakeDriver{major: 1},
		Consumers:      fakeConsumers{available: map[int]bool{64: true}},
		Sockets:        sockets,
		Reclaimer:      registry.NewReclaimer(10*time.Millisecond, zap.NewNop()),
		SupportedMajor: 2,
		Logger:         zap.NewNop(),
	}
	a, err := m.Register(context.Background(), lifecycle.RegisterRequest{Pid: 1, Bitness: 64, Major: 2, Sock: ids.SocketID(1)})
	require.NoError(t, err)

	err = m.VersionValidate(context.Background(), a)
	require.Error(t, err)
	assert.False(t, a.Compatible)
}

func TestUnregisterRemovesFromRegistryImmediately(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	a, err := m.Register(ctx, lifecycle.RegisterRequest{Pid: 1, Bitness: 64, Major: 2, Sock: ids.SocketID(1)})
	require.NoError(t, err)

	m.Unregister(ctx, a.Sock)
	_, ok := m.Registry.LookupBySocket(a.Sock)
	assert.False(t, ok, "unregister must remove the app from the registry synchronously, before reclamation runs")
}
