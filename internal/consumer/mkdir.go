package consumer

import (
	"errors"
	"os"
)

// DirCreator is the privileged directory-creation helper named as an
// external collaborator in §1 ("mkdir_as(uid,gid,path,mode)"). This
// package only needs the narrow contract; the real privileged
// implementation (dropping to uid/gid before creating the path) lives
// outside this module's scope. DefaultDirCreator below is a minimal,
// non-privileged stand-in suitable for tests and single-user operation.
type DirCreator interface {
	MkdirAs(uid, gid uint32, path string, mode os.FileMode) error
}

// DefaultDirCreator creates directories via os.MkdirAll and os.Chown,
// treating EEXIST as success per §4.6 ("EEXIST is success").
type DefaultDirCreator struct{}

// MkdirAs implements DirCreator.
func (DefaultDirCreator) MkdirAs(uid, gid uint32, path string, mode os.FileMode) error {
	err := os.MkdirAll(path, mode)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	return os.Chown(path, int(uid), int(gid))
}
