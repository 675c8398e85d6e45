// Package image turns image references into ready root filesystems.
//
// A [Store] is rooted at one base directory. Each container gets its own
// extraction directory named by the container id, and pulled images live in
// a cache under "images", one directory per image holding its layer files:
//
//	<root>/
//	  3f9a1c2e7b10/            root filesystem of a running container
//	  images/
//	    busybox:latest/
//	      0000-<hex>.layer
//	      0001-<hex>.layer
//	    busybox:latest.json    manifest the layers were pulled from
//
// References ending in a tar extension are extracted directly. Anything else
// is an image name, and its cached layers are extracted in order, base layer
// first, into the container directory. A name that is not cached is reported
// as [errdefs.ErrNotFound]; pulling is the registry package's job.
//
// Example usage:
//
//	store, err := image.NewStore(paths.Root())
//	if err != nil {
//	    return err
//	}
//	rootfs, err := store.Resolve("busybox", id)
//	if err != nil {
//	    return err
//	}
//	defer rootfs.Remove()
//
// The store performs no locking. Concurrent commits of the same image race,
// and the last one wins.
package image
