package runtime

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cruciblehq/cell/internal/cgroup"
	"github.com/cruciblehq/cell/internal/image"
	"github.com/cruciblehq/cell/internal/jail"
	"github.com/pkg/errors"
)

const (

	// Attempts made to remove a cgroup whose last members are still exiting.
	destroyAttempts = 50

	// Pause between cgroup removal attempts.
	destroyInterval = 20 * time.Millisecond
)

// Lifecycle state of a container.
type State int

const (
	Created State = iota
	Running
	Exited
	CleanedUp
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case CleanedUp:
		return "cleaned up"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// A container started by [Runtime.Create].
type Container struct {
	id      string        // Container id.
	rootfs  *image.RootFS // Extracted root filesystem.
	group   *cgroup.Group // Pids cgroup, created by the init process.
	proc    *jail.Process // Init process.
	mu      sync.Mutex    // Guards state, waiting and code.
	state   State         // Lifecycle state.
	waiting bool          // Whether Wait is in progress.
	code    int           // Exit code, once exited.
}

// Container id.
func (c *Container) ID() string {
	return c.id
}

// Host pid of the container's init process.
func (c *Container) Pid() int {
	return c.proc.Pid()
}

// Path of the container's root filesystem.
func (c *Container) RootFS() string {
	return c.rootfs.Path()
}

// Path of the container's cgroup.
func (c *Container) Cgroup() string {
	return c.group.Path()
}

// Current lifecycle state.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Sends a signal to the container's command.
func (c *Container) Signal(sig os.Signal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return errors.Wrapf(errdefs.ErrFailedPrecondition, "container %s is %s", c.id, c.state)
	}
	return c.proc.Signal(sig)
}

// Blocks until the container's command exits and returns its exit code.
//
// The container is Exited afterwards even when an error is returned, since
// the init process is gone either way and Cleanup must follow.
func (c *Container) Wait() (int, error) {
	c.mu.Lock()
	if c.state != Running || c.waiting {
		defer c.mu.Unlock()
		return -1, errors.Wrapf(errdefs.ErrFailedPrecondition, "container %s is %s", c.id, c.state)
	}
	c.waiting = true
	c.mu.Unlock()

	code, err := c.proc.Wait()

	c.mu.Lock()
	c.state = Exited
	c.waiting = false
	c.code = code
	c.mu.Unlock()

	if err != nil {
		return code, errors.Wrapf(err, "container %s", c.id)
	}
	slog.Info("container exited", "id", c.id, "code", code)
	return code, nil
}

// Releases the cgroup and removes the root filesystem.
//
// Must be called after Wait, whatever the exit code. Both steps are always
// attempted; the first failure is returned and the container stays Exited
// so the call can be retried. A cgroup that was never created, because the
// init process failed first, is not an error.
func (c *Container) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Exited {
		return errors.Wrapf(errdefs.ErrFailedPrecondition, "container %s is %s", c.id, c.state)
	}

	var first error
	record := func(err error, what string) {
		if err == nil {
			return
		}
		slog.Error("cleanup failed", "id", c.id, "resource", what, "error", err)
		if first == nil {
			first = err
		}
	}

	record(destroyGroup(c.group), "cgroup")
	record(c.rootfs.Remove(), "rootfs")
	if first != nil {
		return first
	}

	c.state = CleanedUp
	slog.Debug("container cleaned up", "id", c.id)
	return nil
}

// Removes the group, waiting briefly for processes killed along with the
// init process to leave it.
func destroyGroup(group *cgroup.Group) error {
	var err error
	for range destroyAttempts {
		err = group.Destroy()
		switch {
		case err == nil, errdefs.IsNotFound(err):
			return nil
		case !errdefs.IsFailedPrecondition(err):
			return err
		}
		time.Sleep(destroyInterval)
	}
	return err
}
