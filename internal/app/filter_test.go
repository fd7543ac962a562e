package app_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arc-self/trace-sessiond/internal/app"
)

func TestFilterNilBytesYieldsNilFilter(t *testing.T) {
	assert.Nil(t, app.NewFilter(nil))
}

func TestFilterCloneIsIndependent(t *testing.T) {
	orig := []byte("x==1")
	f := app.NewFilter(orig)
	clone := f.Clone()

	orig[0] = 'y'
	assert.Equal(t, "x==1", string(clone.Bytes()), "Clone must not alias the caller's backing array")
}

func TestFilterBytesOnNilReceiverIsNil(t *testing.T) {
	var f *app.Filter
	assert.Nil(t, f.Bytes())
	assert.Nil(t, f.Clone())
}
