package tracerdriver_test

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arc-self/trace-sessiond/internal/apperr"
	"github.com/arc-self/trace-sessiond/internal/tracerdriver"
)

func TestClassifyEPIPEIsAppVanished(t *testing.T) {
	err := tracerdriver.Classify("create_channel", syscall.EPIPE)
	assert.True(t, apperr.IsAppVanished(err))
}

func TestClassifyExitingIsAppVanished(t *testing.T) {
	err := tracerdriver.Classify("create_session", tracerdriver.ErrExiting)
	assert.True(t, apperr.IsAppVanished(err))
}

func TestClassifyENOTCONNIsNotConnected(t *testing.T) {
	err := tracerdriver.Classify("version", syscall.ENOTCONN)
	assert.True(t, apperr.Is(err, apperr.CodeNotConnected))
	assert.True(t, apperr.IsAppVanished(err), "NotConnected is folded into IsAppVanished for global loops")
}

func TestClassifyEEXISTIsAlreadyExists(t *testing.T) {
	err := tracerdriver.Classify("create_event", syscall.EEXIST)
	assert.True(t, apperr.Is(err, apperr.CodeAlreadyExists))
}

func TestClassifyENOMEMIsNoMemory(t *testing.T) {
	err := tracerdriver.Classify("create_channel", syscall.ENOMEM)
	assert.True(t, apperr.Is(err, apperr.CodeNoMemory))
}

func TestClassifyNilIsNil(t *testing.T) {
	assert.NoError(t, tracerdriver.Classify("noop", nil))
}

func TestClassifyUnknownErrorPassesThrough(t *testing.T) {
	cause := errors.New("some other failure")
	err := tracerdriver.Classify("op", cause)
	assert.Equal(t, cause, err)
}

func TestObjRefReleaseIsNoopWhenUnset(t *testing.T) {
	ref := tracerdriver.NewObjRef(nil, 0)
	assert.False(t, ref.IsSet())
	assert.NoError(t, ref.Release(nil))
}
