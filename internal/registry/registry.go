package registry

import (
	"context"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// A remote source of images.
//
// Every method takes the normalized image name; a nil name is reported as
// [ErrImageNameMissing]. Authenticate must succeed for a repository before
// its manifest or layers are fetched.
type Registry interface {

	// Returns the configured name of the registry.
	Name() string

	// Obtains pull access to the image's repository.
	Authenticate(ctx context.Context, image reference.Named) error

	// Returns the image manifest for the host platform and its digest.
	FetchManifest(ctx context.Context, image reference.Named) (ocispec.Manifest, digest.Digest, error)

	// Downloads the given layers concurrently into dir and returns the
	// downloaded files in the order of layers.
	FetchLayers(ctx context.Context, image reference.Named, layers []ocispec.Descriptor, dir string) ([]string, error)
}
