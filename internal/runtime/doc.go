// Package runtime creates and tears down containers.
//
// A [Runtime] owns the image store, the registry configuration and the
// location of the pids cgroup hierarchy. [Runtime.Create] turns an image
// reference into a root filesystem, pulling it first when asked to, and
// starts the command in it as a jailed init process under its own cgroup.
//
// Each [Container] moves through Created, Running, Exited and CleanedUp. The
// caller waits for it and must then clean it up, whatever the exit code, to
// release the cgroup and the extracted root filesystem. Calls made in the
// wrong state fail with [errdefs.ErrFailedPrecondition].
//
// Example usage:
//
//	rt, err := runtime.New(runtime.Config{Root: paths.Root()})
//	if err != nil {
//	    return err
//	}
//
//	ctr, err := rt.Create(ctx, runtime.Options{
//	    Image:   "busybox",
//	    Args:    []string{"echo", "hi"},
//	    PidsMax: cgroup.Unlimited,
//	})
//	if err != nil {
//	    return err
//	}
//
//	code, err := ctr.Wait()
//	if cerr := ctr.Cleanup(); cerr != nil {
//	    return cerr
//	}
package runtime
