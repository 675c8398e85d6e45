package registry

import (
	"context"
	"log/slog"
	"os"

	"github.com/cruciblehq/cell/internal/image"
	"github.com/distribution/reference"
	"github.com/docker/go-units"
)

// Pulls an image into the store.
//
// The manifest is always fetched. If the store already holds exactly its
// layers the download is skipped. Otherwise every layer is downloaded into a
// temporary directory, removed on return, and committed to the store only
// once all downloads have succeeded. Errors are returned as [*PullError].
func Pull(ctx context.Context, reg Registry, store *image.Store, name string) error {
	if name == "" {
		return &PullError{Err: ErrImageNameMissing}
	}
	named, err := image.ParseName(name)
	if err != nil {
		return &PullError{Image: name, Err: err}
	}
	fail := func(err error) error {
		return &PullError{Image: reference.FamiliarString(named), Err: err}
	}

	if err := reg.Authenticate(ctx, named); err != nil {
		return fail(err)
	}

	manifest, dgst, err := reg.FetchManifest(ctx, named)
	if err != nil {
		return fail(err)
	}

	if store.IsCurrent(name, manifest) {
		slog.Info("image is up to date", "image", name, "digest", dgst)
		return nil
	}

	var size int64
	for _, l := range manifest.Layers {
		size += l.Size
	}
	slog.Info("pulling image", "image", name, "registry", reg.Name(), "layers", len(manifest.Layers), "size", units.HumanSize(float64(size)))

	tmp, err := os.MkdirTemp("", "cell-pull-")
	if err != nil {
		return fail(err)
	}
	defer os.RemoveAll(tmp)

	files, err := reg.FetchLayers(ctx, named, manifest.Layers, tmp)
	if err != nil {
		return fail(err)
	}

	meta := &image.Metadata{
		Name:     name,
		Registry: reg.Name(),
		Digest:   dgst,
		Manifest: manifest,
	}
	if err := store.Commit(meta, files); err != nil {
		return fail(err)
	}
	return nil
}
