package image

import (
	"log/slog"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// An extracted root filesystem owned by one container.
type RootFS struct {
	path        string    // Extraction directory.
	containerID string    // Container the directory belongs to.
	once        sync.Once // Guards removal.
	err         error     // Result of the removal.
}

// Path of the extracted tree, usable as a chroot target.
func (r *RootFS) Path() string {
	return r.path
}

// Returns the id of the owning container.
func (r *RootFS) ContainerID() string {
	return r.containerID
}

// Removes the extraction directory recursively.
//
// Only the first call touches the filesystem; later calls return the
// result of the first.
func (r *RootFS) Remove() error {
	r.once.Do(func() {
		if err := os.RemoveAll(r.path); err != nil {
			r.err = errors.Wrapf(ErrStore, "remove %s: %v", r.path, err)
			return
		}
		slog.Debug("root filesystem removed", "id", r.containerID, "path", r.path)
	})
	return r.err
}
