package image

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/containerd/continuity/fs"
	"github.com/containerd/errdefs"
	"github.com/cruciblehq/cell/internal/archive"
	"github.com/cruciblehq/cell/internal/paths"
	"github.com/docker/go-units"
	"github.com/moby/sys/atomicwriter"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

const (

	// Suffix of cached layer files.
	layerSuffix = ".layer"

	// Suffix of the metadata file stored next to each image directory.
	metadataSuffix = ".json"

	// Prefix of directories used while a commit is in progress.
	stagingPrefix = ".staging-"

	// Prefix of the directory holding a replaced image during a commit.
	retiredPrefix = ".old-"
)

// Cached description of a pulled image.
type Metadata struct {
	Name     string           `json:"name"`               // Name the image was pulled as.
	Registry string           `json:"registry,omitempty"` // Registry the image was pulled from.
	Digest   digest.Digest    `json:"digest,omitempty"`   // Digest of the manifest.
	Manifest ocispec.Manifest `json:"manifest"`           // Manifest whose layers are cached.
	Pulled   time.Time        `json:"pulled"`             // Time of the commit.
}

// Summary of a cached image.
type Image struct {
	Name   string    // Image name, or the cache key if no metadata exists.
	Key    string    // Cache directory name.
	Layers int       // Number of cached layer files.
	Size   int64     // Combined size of the layer files in bytes.
	Pulled time.Time // Time of the last pull, zero if unknown.
}

// Image cache and container root filesystems under one base directory.
type Store struct {
	root   string // Base directory.
	images string // Image cache directory.
}

// Opens the store rooted at root, creating root and its image cache
// directory if they are missing.
func NewStore(root string) (*Store, error) {
	images := paths.Images(root)
	if err := os.MkdirAll(images, paths.DefaultDirMode); err != nil {
		return nil, errors.Wrapf(ErrStore, "create %s: %v", images, err)
	}
	return &Store{root: root, images: images}, nil
}

// Base directory of the store.
func (s *Store) Root() string {
	return s.root
}

// Extracts ref into a new directory owned by the container.
//
// An archive reference is extracted as a single layer. An image name is
// looked up in the cache and its layers extracted in order, so later layers
// overwrite earlier ones. The directory must not exist yet. If extraction
// fails the partial directory is removed before returning.
func (s *Store) Resolve(ref, containerID string) (*RootFS, error) {
	if containerID == "" {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "container id is empty")
	}

	var layers []string
	if IsArchive(ref) {
		if _, err := os.Stat(ref); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, errors.Wrapf(errdefs.ErrNotFound, "archive %s", ref)
			}
			return nil, errors.Wrapf(ErrStore, "stat %s: %v", ref, err)
		}
		layers = []string{ref}
	} else {
		var err error
		if layers, err = s.Layers(ref); err != nil {
			return nil, err
		}
	}

	dir := filepath.Join(s.root, containerID)
	if err := os.Mkdir(dir, paths.DefaultDirMode); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, errors.Wrapf(errdefs.ErrAlreadyExists, "root filesystem %s", dir)
		}
		return nil, errors.Wrapf(ErrStore, "create %s: %v", dir, err)
	}

	rootfs := &RootFS{path: dir, containerID: containerID}
	for _, layer := range layers {
		if err := extractFile(layer, dir); err != nil {
			if rerr := rootfs.Remove(); rerr != nil {
				slog.Warn("failed to remove partial root filesystem", "path", dir, "error", rerr)
			}
			return nil, err
		}
	}

	slog.Info("root filesystem ready", "id", containerID, "image", ref, "layers", len(layers))
	return rootfs, nil
}

func extractFile(path, dest string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(ErrStore, "open layer: %v", err)
	}
	defer f.Close()

	if fi, err := f.Stat(); err == nil {
		slog.Debug("extracting layer", "layer", filepath.Base(path), "size", units.HumanSize(float64(fi.Size())))
	}

	if err := archive.Extract(f, dest); err != nil {
		return errors.Wrapf(err, "extract %s", filepath.Base(path))
	}
	return nil
}

// Returns the cached layer files of an image in stacking order.
func (s *Store) Layers(name string) ([]string, error) {
	key, err := Key(name)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(s.images, key)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(errdefs.ErrNotFound, "image %s is not cached", name)
		}
		return nil, errors.Wrapf(ErrStore, "read %s: %v", dir, err)
	}

	// ReadDir sorts by name, and names start with the layer index.
	var layers []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), layerSuffix) {
			layers = append(layers, filepath.Join(dir, e.Name()))
		}
	}
	if len(layers) == 0 {
		return nil, errors.Wrapf(errdefs.ErrNotFound, "image %s has no cached layers", name)
	}
	return layers, nil
}

// Reports whether an image has cached layers.
func (s *Store) Has(name string) bool {
	_, err := s.Layers(name)
	return err == nil
}

// Returns the metadata recorded when the image was committed.
func (s *Store) Metadata(name string) (*Metadata, error) {
	key, err := Key(name)
	if err != nil {
		return nil, err
	}

	path := s.metadataPath(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(errdefs.ErrNotFound, "no metadata for image %s", name)
		}
		return nil, errors.Wrapf(ErrStore, "read %s: %v", path, err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrapf(ErrStore, "decode %s: %v", path, err)
	}
	return &meta, nil
}

// Reports whether the cache already holds exactly the layers of manifest,
// in the same order.
func (s *Store) IsCurrent(name string, manifest ocispec.Manifest) bool {
	meta, err := s.Metadata(name)
	if err != nil {
		return false
	}
	layers, err := s.Layers(name)
	if err != nil || len(layers) != len(manifest.Layers) {
		return false
	}

	digests := func(m ocispec.Manifest) []digest.Digest {
		var out []digest.Digest
		for _, l := range m.Layers {
			out = append(out, l.Digest)
		}
		return out
	}
	return slices.Equal(digests(meta.Manifest), digests(manifest))
}

// Stores downloaded layers as the cached copy of an image.
//
// layers holds one file per manifest layer, in manifest order. The files
// are copied into a staging directory which then replaces any previous
// copy, so a failed commit leaves the previous cache entry as it was.
func (s *Store) Commit(meta *Metadata, layers []string) error {
	if len(layers) != len(meta.Manifest.Layers) {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "%d layer files for %d manifest layers", len(layers), len(meta.Manifest.Layers))
	}
	key, err := Key(meta.Name)
	if err != nil {
		return err
	}

	staging, err := os.MkdirTemp(s.images, stagingPrefix+key+"-")
	if err != nil {
		return errors.Wrapf(ErrStore, "create staging directory: %v", err)
	}
	defer os.RemoveAll(staging)

	for i, src := range layers {
		dst := filepath.Join(staging, layerFileName(i, meta.Manifest.Layers[i].Digest))
		if err := fs.CopyFile(dst, src); err != nil {
			return errors.Wrapf(ErrStore, "copy layer %d: %v", i, err)
		}
	}
	if err := os.Chmod(staging, paths.DefaultDirMode); err != nil {
		return errors.Wrapf(ErrStore, "chmod %s: %v", staging, err)
	}

	if err := s.swap(key, staging); err != nil {
		return err
	}

	if meta.Pulled.IsZero() {
		meta.Pulled = time.Now().UTC()
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrapf(ErrStore, "encode metadata: %v", err)
	}
	if err := atomicwriter.WriteFile(s.metadataPath(key), data, paths.DefaultFileMode); err != nil {
		return errors.Wrapf(ErrStore, "write metadata: %v", err)
	}

	slog.Info("image cached", "image", meta.Name, "layers", len(layers))
	return nil
}

// Moves staging into place as the directory for key.
func (s *Store) swap(key, staging string) error {
	dir := filepath.Join(s.images, key)
	retired := filepath.Join(s.images, retiredPrefix+key)

	if err := os.RemoveAll(retired); err != nil {
		return errors.Wrapf(ErrStore, "remove %s: %v", retired, err)
	}

	hadPrevious := true
	if err := os.Rename(dir, retired); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(ErrStore, "retire %s: %v", dir, err)
		}
		hadPrevious = false
	}

	if err := os.Rename(staging, dir); err != nil {
		if hadPrevious {
			if rerr := os.Rename(retired, dir); rerr != nil {
				slog.Error("failed to restore previous image", "path", dir, "error", rerr)
			}
		}
		return errors.Wrapf(ErrStore, "install %s: %v", dir, err)
	}

	if hadPrevious {
		if err := os.RemoveAll(retired); err != nil {
			slog.Warn("failed to remove replaced image", "path", retired, "error", err)
		}
	}
	return nil
}

// Returns the cached images, sorted by key.
func (s *Store) List() ([]Image, error) {
	entries, err := os.ReadDir(s.images)
	if err != nil {
		return nil, errors.Wrapf(ErrStore, "read %s: %v", s.images, err)
	}

	var images []Image
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		img, err := s.describe(e.Name())
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

func (s *Store) describe(key string) (Image, error) {
	img := Image{Name: key, Key: key}

	dir := filepath.Join(s.images, key)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return img, errors.Wrapf(ErrStore, "read %s: %v", dir, err)
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), layerSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return img, errors.Wrapf(ErrStore, "stat %s: %v", e.Name(), err)
		}
		img.Layers++
		img.Size += info.Size()
	}

	data, err := os.ReadFile(s.metadataPath(key))
	if err != nil {
		return img, nil
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		slog.Warn("ignoring unreadable image metadata", "key", key, "error", err)
		return img, nil
	}
	img.Name = meta.Name
	img.Pulled = meta.Pulled
	return img, nil
}

// Removes an image from the cache.
//
// An empty name is [errdefs.ErrInvalidArgument]; an image that is not cached
// is [errdefs.ErrNotFound], and nothing is changed.
func (s *Store) Remove(name string) error {
	if name == "" {
		return errors.Wrap(errdefs.ErrInvalidArgument, "image name is empty")
	}
	key, err := Key(name)
	if err != nil {
		return err
	}

	dir := filepath.Join(s.images, key)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(errdefs.ErrNotFound, "image %s does not exist", name)
		}
		return errors.Wrapf(ErrStore, "stat %s: %v", dir, err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(ErrStore, "remove %s: %v", dir, err)
	}
	if err := os.Remove(s.metadataPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(ErrStore, "remove metadata: %v", err)
	}

	slog.Info("image removed", "image", name)
	return nil
}

func (s *Store) metadataPath(key string) string {
	return filepath.Join(s.images, key+metadataSuffix)
}

// Returns the cache file name for the layer at index i.
func layerFileName(i int, d digest.Digest) string {
	hex := "unknown"
	if d.Validate() == nil {
		hex = d.Encoded()
	}
	return fmt.Sprintf("%04d-%s%s", i, hex, layerSuffix)
}
