package jail

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/cruciblehq/cell/internal/cgroup"
	"github.com/moby/sys/mount"
	"github.com/moby/sys/reexec"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func init() {
	reexec.Register(InitName, initializer)
}

// Entry point of the container init process.
func initializer() {
	runtime.LockOSThread()

	status := os.NewFile(errorFd, "status")
	code, err := initialize(status)
	if err != nil {
		fmt.Fprint(status, err)
		os.Exit(1)
	}
	os.Exit(code)
}

// Sets up the container and runs its command.
//
// Setup errors are returned; once setup has succeeded the status pipe is
// closed, and the command's exit code is returned instead.
func initialize(status *os.File) (int, error) {
	for _, fd := range []int{specFd, errorFd} {
		unix.CloseOnExec(fd)
	}

	spec, err := readSpec()
	if err != nil {
		return 0, err
	}

	if err := setup(spec); err != nil {
		return 0, err
	}

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Env = spec.Env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if spec.CgroupNS {
		cmd.SysProcAttr = &syscall.SysProcAttr{Unshareflags: unix.CLONE_NEWCGROUP}
	}
	if err := cmd.Start(); err != nil {
		unmountProc()
		return 0, errors.Wrapf(err, "start %s", spec.Args[0])
	}
	status.Close()

	code, err := forward(cmd)
	unmountProc()
	if err != nil {
		slog.Error("container command failed", "error", err)
	}
	return code, nil
}

func readSpec() (Spec, error) {
	f := os.NewFile(specFd, "spec")
	defer f.Close()

	var spec Spec
	if err := json.NewDecoder(f).Decode(&spec); err != nil {
		return spec, errors.Wrap(err, "read spec")
	}
	if len(spec.Args) == 0 {
		return spec, errors.New("spec has no command")
	}
	return spec, nil
}

// Joins the cgroup, then jails the process into the root filesystem.
func setup(spec Spec) error {
	if spec.Cgroup != "" {
		if err := cgroup.Open(spec.Cgroup).Create(spec.Limit); err != nil {
			return errors.Wrap(err, "join cgroup")
		}
	}

	if err := unix.Sethostname([]byte(spec.Hostname)); err != nil {
		return errors.Wrap(err, "set hostname")
	}

	// Chroot must come first; a chdir before it would leave the working
	// directory outside the new root.
	if err := unix.Chroot(spec.Root); err != nil {
		return errors.Wrapf(err, "chroot %s", spec.Root)
	}
	if err := unix.Chdir("/"); err != nil {
		return errors.Wrap(err, "chdir /")
	}

	if err := os.MkdirAll("/proc", 0555); err != nil {
		return errors.Wrap(err, "create /proc")
	}
	if err := mount.Mount("proc", "/proc", "proc", "nosuid,nodev,noexec"); err != nil {
		return errors.Wrap(err, "mount /proc")
	}

	// Command lookup uses the environment of this process.
	os.Clearenv()
	for _, kv := range spec.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			os.Setenv(k, v)
		}
	}
	return nil
}

// Waits for the command, relaying termination signals to it.
//
// As pid 1 of its namespace the init process would otherwise swallow them.
func forward(cmd *exec.Cmd) (int, error) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGQUIT)
	defer signal.Stop(signals)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	for {
		select {
		case sig := <-signals:
			cmd.Process.Signal(sig)
		case err := <-done:
			return exitCode(err)
		}
	}
}

// Unmounts /proc, which dies with the mount namespace regardless.
func unmountProc() {
	if err := mount.Unmount("/proc"); err != nil {
		slog.Warn("failed to unmount /proc", "error", err)
	}
}
