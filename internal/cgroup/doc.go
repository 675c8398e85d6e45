// Package cgroup bounds the number of processes a container may create.
//
// Only the pids controller is used. [Locate] finds the directory where the
// controller is mounted, on both cgroup v1 (where pids has its own
// hierarchy) and unified cgroup v2 hosts. A [Group] is a child directory of
// that hierarchy named after the container. The container's init process
// creates the group from inside its namespaces and attaches itself; the
// parent removes the group once the container has exited, since the kernel
// refuses to remove a group that still has members.
//
// Example usage:
//
//	root, err := cgroup.Locate()
//	if err != nil {
//	    return err
//	}
//
//	g := cgroup.New(root, cgroup.Name(id))
//	if err := g.Create(20); err != nil {
//	    return err
//	}
//
//	// ... after the container exits
//	if err := g.Destroy(); err != nil {
//	    return err
//	}
package cgroup
