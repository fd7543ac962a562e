package fdquota_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/trace-sessiond/internal/fdquota"
)

func TestReserveRejectsOverLimit(t *testing.T) {
	q := fdquota.New(10)
	require.NoError(t, q.Reserve(10))
	assert.Equal(t, int64(10), q.Used())

	err := q.Reserve(1)
	assert.Error(t, err)
	assert.Equal(t, int64(10), q.Used(), "a rejected reservation must not partially apply")
}

func TestReleaseReturnsUnits(t *testing.T) {
	q := fdquota.New(4)
	require.NoError(t, q.Reserve(4))
	q.Release(4)
	assert.Equal(t, int64(0), q.Used())
	require.NoError(t, q.Reserve(4))
}

func TestReserveZeroOrNegativeIsNoop(t *testing.T) {
	q := fdquota.New(1)
	require.NoError(t, q.Reserve(0))
	require.NoError(t, q.Reserve(-5))
	assert.Equal(t, int64(0), q.Used())
}

func TestConcurrentReservationsNeverExceedLimit(t *testing.T) {
	q := fdquota.New(100)
	var wg sync.WaitGroup
	var successes int64Counter

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.Reserve(1); err == nil {
				successes.incr()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, q.Used(), int64(100))
	assert.Equal(t, q.Used(), successes.get())
}

type int64Counter struct {
	mu sync.Mutex
	n  int64
}

func (c *int64Counter) incr() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

func (c *int64Counter) get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
