package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arc-self/trace-sessiond/internal/app"
	"github.com/arc-self/trace-sessiond/internal/ids"
	"github.com/arc-self/trace-sessiond/internal/registry"
)

func newTestApp(pid, sock uint32) *app.App {
	return app.New(ids.Pid(pid), 0, 0, 0, "traced", 64, 2, 0, ids.SocketID(sock))
}

func TestInsertUniqueSocketRejectsDuplicate(t *testing.T) {
	r := registry.New()
	a1 := newTestApp(1, 100)
	a2 := newTestApp(2, 100)

	require.NoError(t, r.InsertUniqueSocket(ids.SocketID(100), a1))
	err := r.InsertUniqueSocket(ids.SocketID(100), a2)
	assert.ErrorIs(t, err, registry.ErrSocketExists)
}

func TestInsertReplacingPidReturnsEvicted(t *testing.T) {
	r := registry.New()
	a1 := newTestApp(1, 100)
	a2 := newTestApp(1, 200)

	evicted := r.InsertReplacingPid(ids.Pid(1), a1)
	assert.Nil(t, evicted)

	evicted = r.InsertReplacingPid(ids.Pid(1), a2)
	assert.Same(t, a1, evicted)

	got, ok := r.LookupByPid(ids.Pid(1))
	require.True(t, ok)
	assert.Same(t, a2, got)
}

func TestRemoveBySocketOnlyRemovesCurrentOccupant(t *testing.T) {
	r := registry.New()
	a1 := newTestApp(1, 100)
	a2 := newTestApp(1, 200)

	require.NoError(t, r.InsertUniqueSocket(ids.SocketID(100), a1))
	r.InsertReplacingPid(ids.Pid(1), a1)

	// a2 displaces a1 under the same pid, but a1's socket entry is untouched.
	require.NoError(t, r.InsertUniqueSocket(ids.SocketID(200), a2))
	r.InsertReplacingPid(ids.Pid(1), a2)

	// Removing a1's (now-stale) socket entry must not disturb by_pid's
	// current occupant (a2), since a1 no longer owns that pid slot.
	r.RemoveBySocket(ids.SocketID(100), a1)
	_, stillThere := r.LookupByPid(ids.Pid(1))
	assert.True(t, stillThere)

	_, socketGone := r.LookupBySocket(ids.SocketID(100))
	assert.False(t, socketGone)
}

func TestAllReturnsSnapshot(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.InsertUniqueSocket(ids.SocketID(1), newTestApp(1, 1)))
	require.NoError(t, r.InsertUniqueSocket(ids.SocketID(2), newTestApp(2, 2)))

	all := r.All()
	assert.Len(t, all, 2)
	assert.Equal(t, 2, r.Len())
}

func TestGuardedLookupReturnsSameApp(t *testing.T) {
	r := registry.New()
	a := newTestApp(7, 70)
	require.NoError(t, r.InsertUniqueSocket(ids.SocketID(70), a))
	r.InsertReplacingPid(ids.Pid(7), a)

	g, ok := r.LookupByPidGuarded(ids.Pid(7))
	require.True(t, ok)
	assert.Same(t, a, g.App)
	g.Release()

	_, ok = r.LookupByPidGuarded(ids.Pid(999))
	assert.False(t, ok)
}

func TestReclaimerDefersUntilGrace(t *testing.T) {
	logger := zap.NewNop()
	r := registry.NewReclaimer(30*time.Millisecond, logger)

	done := make(chan struct{})
	r.Schedule(func() { close(done) })
	assert.Equal(t, 1, r.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go r.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reclaim job never ran")
	}

	assert.Eventually(t, func() bool { return r.Pending() == 0 }, time.Second, 5*time.Millisecond)
}
