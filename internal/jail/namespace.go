package jail

import (
	"github.com/containerd/errdefs"
	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var cloneFlags = map[specs.LinuxNamespaceType]uintptr{
	specs.MountNamespace:   unix.CLONE_NEWNS,
	specs.PIDNamespace:     unix.CLONE_NEWPID,
	specs.CgroupNamespace:  unix.CLONE_NEWCGROUP,
	specs.UTSNamespace:     unix.CLONE_NEWUTS,
	specs.IPCNamespace:     unix.CLONE_NEWIPC,
	specs.NetworkNamespace: unix.CLONE_NEWNET,
	specs.UserNamespace:    unix.CLONE_NEWUSER,
}

// Returns the namespaces every container gets: mount, pid, cgroup, uts, ipc
// and network. The network namespace is left unconfigured, so the container
// only sees a loopback device that is down.
func Namespaces() []specs.LinuxNamespace {
	return []specs.LinuxNamespace{
		{Type: specs.MountNamespace},
		{Type: specs.PIDNamespace},
		{Type: specs.CgroupNamespace},
		{Type: specs.UTSNamespace},
		{Type: specs.IPCNamespace},
		{Type: specs.NetworkNamespace},
	}
}

// Returns the clone flags creating the given namespaces.
//
// Joining an existing namespace by path is not supported.
func CloneFlags(namespaces []specs.LinuxNamespace) (uintptr, error) {
	var flags uintptr
	for _, ns := range namespaces {
		flag, ok := cloneFlags[ns.Type]
		if !ok {
			return 0, errors.Wrapf(errdefs.ErrNotImplemented, "namespace %q", ns.Type)
		}
		if ns.Path != "" {
			return 0, errors.Wrapf(errdefs.ErrNotImplemented, "joining %s namespace %s", ns.Type, ns.Path)
		}
		flags |= flag
	}
	return flags, nil
}
