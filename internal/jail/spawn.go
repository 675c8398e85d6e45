package jail

import (
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/containerd/errdefs"
	"github.com/moby/sys/reexec"
	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (

	// Name the init entry point is registered under.
	InitName = "cell-init"

	// Hostname given to every container.
	DefaultHostname = "container"

	// Descriptor on which the init process reads its spec.
	specFd = 3

	// Descriptor on which the init process reports setup failures.
	errorFd = 4
)

// Everything the init process needs to set up and run a container.
type Spec struct {
	Root     string   `json:"root"`             // Root filesystem to chroot into.
	Hostname string   `json:"hostname"`         // Hostname; DefaultHostname when empty.
	Cgroup   string   `json:"cgroup,omitempty"` // Group directory to create and join; none when empty.
	Limit    int64    `json:"limit"`            // Process limit for the group; negative for none.
	Args     []string `json:"args"`             // Command and arguments.
	Env      []string `json:"env"`              // Command environment, as KEY=value.
	CgroupNS bool     `json:"cgroupns"`         // Whether the command gets a new cgroup namespace; set by Spawn.

	Namespaces []specs.LinuxNamespace `json:"-"` // Namespaces to create; Namespaces() when nil.
	Stdin      io.Reader              `json:"-"` // Standard input of the command.
	Stdout     io.Writer              `json:"-"` // Standard output of the command.
	Stderr     io.Writer              `json:"-"` // Standard error of the command.
}

// A running container init process.
type Process struct {
	cmd    *exec.Cmd // Init process.
	errors *os.File  // Read end of the setup error pipe.
}

// Starts the init process for spec in new namespaces.
//
// Returns once the process has started. Setup failures inside the init
// process are reported by [Process.Wait].
func Spawn(spec Spec) (*Process, error) {
	if len(spec.Args) == 0 {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "no command given")
	}
	if spec.Root == "" {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "no root filesystem given")
	}
	if spec.Hostname == "" {
		spec.Hostname = DefaultHostname
	}

	namespaces := spec.Namespaces
	if namespaces == nil {
		namespaces = Namespaces()
	}
	flags, err := CloneFlags(namespaces)
	if err != nil {
		return nil, err
	}
	flags, spec.CgroupNS = deferCgroupNS(flags)

	specR, specW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrapf(ErrSpawn, "create spec pipe: %v", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		specR.Close()
		specW.Close()
		return nil, errors.Wrapf(ErrSpawn, "create error pipe: %v", err)
	}

	cmd := reexec.Command(InitName)
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.ExtraFiles = []*os.File{specR, errW}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Cloneflags = flags

	// Unsharing the mount namespace again after clone makes the Go runtime
	// remount / as recursively private before the init code runs.
	if flags&unix.CLONE_NEWNS != 0 {
		cmd.SysProcAttr.Unshareflags = unix.CLONE_NEWNS
	}

	err = cmd.Start()
	specR.Close()
	errW.Close()
	if err != nil {
		specW.Close()
		errR.Close()
		return nil, errors.Wrapf(ErrSpawn, "start init: %v", err)
	}

	err = json.NewEncoder(specW).Encode(spec)
	specW.Close()
	if err != nil {
		// The init process sees a truncated spec and fails on its own.
		errR.Close()
		cmd.Wait()
		return nil, errors.Wrapf(ErrSpawn, "send spec: %v", err)
	}

	return &Process{cmd: cmd, errors: errR}, nil
}

// Removes the cgroup namespace from the init process's clone flags.
//
// The init process joins its group from the host's cgroup namespace, and
// the namespace is created for the command afterwards, rooted at the group.
// Hosts mounting cgroup2 with nsdelegate refuse moves into a group outside
// the mover's own namespace.
func deferCgroupNS(flags uintptr) (uintptr, bool) {
	return flags &^ unix.CLONE_NEWCGROUP, flags&unix.CLONE_NEWCGROUP != 0
}

// Pid of the init process, as seen from the host.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Sends a signal to the init process, which forwards it to the command.
func (p *Process) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// Waits for the container to exit and returns the command's exit code.
//
// A command killed by a signal yields 128 plus the signal number. A failure
// while setting up the container is returned as [ErrInit] with the init
// process's message.
func (p *Process) Wait() (int, error) {
	msg, rerr := io.ReadAll(p.errors)
	p.errors.Close()
	werr := p.cmd.Wait()

	if len(msg) > 0 {
		return -1, errors.Wrapf(ErrInit, "%s", strings.TrimSpace(string(msg)))
	}
	if rerr != nil {
		return -1, errors.Wrapf(ErrInit, "read setup status: %v", rerr)
	}
	return exitCode(werr)
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1, errors.Wrapf(ErrInit, "wait: %v", err)
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	return exitErr.ExitCode(), nil
}
