package image

import (
	"strings"

	"github.com/containerd/errdefs"
	"github.com/distribution/reference"
	"github.com/pkg/errors"
)

// File extensions recognised as local root filesystem archives.
var archiveExtensions = []string{".tar", ".tar.gz", ".tgz", ".tar.zst"}

// Reports whether ref names a local archive rather than an image.
func IsArchive(ref string) bool {
	lower := strings.ToLower(ref)
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Parses an image name, applying the Docker Hub defaults.
//
// "busybox" becomes "docker.io/library/busybox:latest". A name without a tag
// or digest is given the "latest" tag.
func ParseName(name string) (reference.Named, error) {
	if name == "" {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "image name is empty")
	}
	named, err := reference.ParseNormalizedNamed(name)
	if err != nil {
		return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "image name %q: %v", name, err)
	}
	return reference.TagNameOnly(named), nil
}

// Returns the cache directory name for an image.
//
// The key is the familiar form of the normalized name with path separators
// replaced by underscores, so "library/busybox" and "busybox" share a key.
func Key(name string) (string, error) {
	named, err := ParseName(name)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(reference.FamiliarString(named), "/", "_"), nil
}
