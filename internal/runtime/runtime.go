package runtime

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cruciblehq/cell/internal/cgroup"
	"github.com/cruciblehq/cell/internal/image"
	"github.com/cruciblehq/cell/internal/jail"
	"github.com/cruciblehq/cell/internal/registry"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Length of generated container ids.
const idLength = 12

// Settings for a [Runtime].
type Config struct {
	Root       string           // Base directory for root filesystems and the image cache.
	Registries *registry.Config // Registries to pull from; Docker Hub only when nil.
	CgroupRoot string           // Pids hierarchy mount; located on first use when empty.
}

// Parameters of a container.
type Options struct {
	Image    string    // Archive path or image name.
	Args     []string  // Command and arguments.
	Env      []string  // Extra environment entries, as KEY=value.
	PidsMax  int64     // Process limit; cgroup.Unlimited for none.
	Registry string    // Registry to pull from when the image is not cached; never pulls when empty.
	Stdin    io.Reader // Standard input of the command.
	Stdout   io.Writer // Standard output of the command.
	Stderr   io.Writer // Standard error of the command.
}

// Creates containers from images held in a local store.
type Runtime struct {
	store      *image.Store     // Image cache and root filesystems.
	registries *registry.Config // Registries available for pulls.
	cgroupRoot string           // Pids hierarchy mount, empty until located.
}

// Creates a runtime rooted at cfg.Root, creating the directory layout if
// needed.
func New(cfg Config) (*Runtime, error) {
	store, err := image.NewStore(cfg.Root)
	if err != nil {
		return nil, err
	}

	registries := cfg.Registries
	if registries == nil {
		registries = registry.DefaultConfig()
	}

	return &Runtime{
		store:      store,
		registries: registries,
		cgroupRoot: cfg.CgroupRoot,
	}, nil
}

// Image store backing the runtime.
func (rt *Runtime) Store() *image.Store {
	return rt.store
}

// Creates a container and starts its command.
//
// When opts.Registry is set and the image is not cached it is pulled first.
// The host must provide the pids cgroup controller; this is checked before
// anything is extracted. If the container cannot be started its root
// filesystem is removed again.
func (rt *Runtime) Create(ctx context.Context, opts Options) (*Container, error) {
	if len(opts.Args) == 0 {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "no command given")
	}
	if opts.Image == "" {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "no image given")
	}

	if opts.Registry != "" && !image.IsArchive(opts.Image) && !rt.store.Has(opts.Image) {
		if err := rt.Pull(ctx, opts.Registry, opts.Image); err != nil {
			return nil, err
		}
	}

	cgroupRoot, err := rt.locateCgroup()
	if err != nil {
		return nil, err
	}

	id := newID(time.Now())
	rootfs, err := rt.store.Resolve(opts.Image, id)
	if err != nil {
		return nil, err
	}

	c := &Container{
		id:     id,
		rootfs: rootfs,
		group:  cgroup.New(cgroupRoot, cgroup.Name(id)),
		state:  Created,
	}

	proc, err := jail.Spawn(jail.Spec{
		Root:   rootfs.Path(),
		Cgroup: c.group.Path(),
		Limit:  opts.PidsMax,
		Args:   opts.Args,
		Env:    mergeEnv(defaultEnv, opts.Env),
		Stdin:  opts.Stdin,
		Stdout: opts.Stdout,
		Stderr: opts.Stderr,
	})
	if err != nil {
		if rerr := rootfs.Remove(); rerr != nil {
			slog.Warn("failed to remove root filesystem", "id", id, "error", rerr)
		}
		return nil, err
	}

	c.proc = proc
	c.state = Running
	slog.Info("container started", "id", id, "pid", proc.Pid(), "image", opts.Image)
	return c, nil
}

func (rt *Runtime) locateCgroup() (string, error) {
	if rt.cgroupRoot != "" {
		return rt.cgroupRoot, nil
	}
	root, err := cgroup.Locate()
	if err != nil {
		return "", err
	}
	slog.Debug("pids controller located", "path", root)
	rt.cgroupRoot = root
	return root, nil
}

// Pulls an image from the named registry into the store.
//
// An empty registry name picks the registry from the image's domain.
func (rt *Runtime) Pull(ctx context.Context, registryName, name string) error {
	reg, err := rt.registries.Open(registryName, name)
	if err != nil {
		return err
	}
	return registry.Pull(ctx, reg, rt.store, name)
}

// Returns the cached images.
func (rt *Runtime) Images() ([]image.Image, error) {
	return rt.store.List()
}

// Removes an image from the cache.
func (rt *Runtime) RemoveImage(name string) error {
	return rt.store.Remove(name)
}

// Returns the container id for a creation time: the first hex characters of
// the SHA-256 digest of the timestamp.
func newID(created time.Time) string {
	return digest.FromString(created.UTC().Format(time.RFC3339Nano)).Encoded()[:idLength]
}
