package cli

import (
	"context"
	"log/slog"
	"os"
	"syscall"

	"github.com/cruciblehq/cell/internal/runtime"
)

// Represents the 'cell run' command.
type RunCmd struct {
	Image    string   `arg:"" help:"Image name or root filesystem archive."`
	Command  []string `arg:"" passthrough:"" help:"Command and arguments to run."`
	PidsMax  int64    `name:"pids.max" default:"-1" help:"Maximum number of processes in the container, -1 for no limit."`
	Registry string   `short:"r" help:"Registry to pull the image from when it is not cached." placeholder:"NAME"`
	Env      []string `short:"e" sep:"none" help:"Set an environment variable in the container." placeholder:"KEY=VALUE"`
}

// Executes the run command.
//
// Blocks until the container exits, then releases its resources. The
// container's exit code is logged rather than returned; only failures to set
// up or tear down the container are errors. An interrupt is forwarded to the
// container as SIGTERM.
func (c *RunCmd) Run(ctx context.Context) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}

	ctr, err := rt.Create(ctx, runtime.Options{
		Image:    c.Image,
		Args:     c.Command,
		Env:      c.Env,
		PidsMax:  c.PidsMax,
		Registry: c.Registry,
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	})
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		if err := ctr.Signal(syscall.SIGTERM); err != nil {
			slog.Debug("signal not delivered", "id", ctr.ID(), "error", err)
		}
	})
	code, waitErr := ctr.Wait()
	stop()

	if err := ctr.Cleanup(); err != nil {
		return err
	}
	if waitErr != nil {
		return waitErr
	}

	if code != 0 {
		slog.Warn("container exited with non-zero status", "id", ctr.ID(), "code", code)
	}
	return nil
}
