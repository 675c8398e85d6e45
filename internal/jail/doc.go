// Package jail runs a command as the init process of a new container.
//
// [Spawn] re-executes the running binary as the "cell-init" entry point with
// a fresh set of namespaces, created atomically by the clone that starts it.
// The mount namespace is made private before any of the init code runs, so
// nothing it mounts propagates back to the host. The init process then
// attaches itself to the container's cgroup, sets the hostname, chroots into
// the root filesystem, mounts /proc, and runs the command, exiting with the
// command's status once it ends.
//
// Binaries using this package must give the init entry point a chance to run
// before anything else:
//
//	func main() {
//	    if reexec.Init() {
//	        return
//	    }
//	    ...
//	}
//
// Example usage:
//
//	proc, err := jail.Spawn(jail.Spec{
//	    Root: rootfs.Path(),
//	    Args: []string{"/bin/sh"},
//	})
//	if err != nil {
//	    return err
//	}
//	code, err := proc.Wait()
//
// The caller owns the cgroup named in Spec.Cgroup and must destroy it after
// Wait returns, whether or not the init process succeeded.
package jail
