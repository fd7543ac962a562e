package consumer_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/trace-sessiond/internal/consumer"
)

func TestDefaultDirCreatorMkdirAsTreatsExistingDirAsSuccess(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "trace", "sub")
	d := consumer.DefaultDirCreator{}

	uid, gid := uint32(os.Getuid()), uint32(os.Getgid())
	require.NoError(t, d.MkdirAs(uid, gid, dir, 0o770))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// A second call against the same path must not fail (EEXIST is success).
	assert.NoError(t, d.MkdirAs(uid, gid, dir, 0o770))
}
