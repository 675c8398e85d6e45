package archive

import (
	"archive/tar"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (

	// Prefix marking a whiteout entry in a layer.
	whiteoutPrefix = ".wh."

	// Entry marking its directory as opaque, hiding all lower-layer content.
	opaqueWhiteout = ".wh..wh..opq"

	// Mode of parent directories not described by the archive.
	dirMode os.FileMode = 0755

	// Permission and special bits carried over from entry headers.
	modeMask = os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky
)

// Extracts the tar stream r into dest, creating dest if needed.
//
// The stream may be gzip or zstd compressed. Existing files are replaced by
// entries with the same name, which lets callers flatten layers by
// extracting them in order into one directory. Ownership is only restored
// when running as root.
func Extract(r io.Reader, dest string) error {
	dest, err := filepath.Abs(dest)
	if err != nil {
		return errors.Wrapf(ErrArchive, "resolve %s: %v", dest, err)
	}
	if err := os.MkdirAll(dest, dirMode); err != nil {
		return errors.Wrapf(ErrArchive, "create %s: %v", dest, err)
	}

	rc, compression, err := Decompress(r)
	if err != nil {
		return err
	}
	defer rc.Close()

	x := &extractor{dest: dest, chown: os.Geteuid() == 0}
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(ErrArchive, "read entry: %v", err)
		}
		if err := x.entry(hdr, tr); err != nil {
			return err
		}
	}

	// Directory metadata is restored last, since creating their children
	// updates times and a read-only mode would block the children.
	for i := len(x.dirs) - 1; i >= 0; i-- {
		d := x.dirs[i]
		target, ok := x.unchanged(d.path)
		if !ok {
			continue // Replaced by a later entry.
		}
		if err := os.Chmod(target, d.mode); err != nil {
			return errors.Wrapf(ErrArchive, "chmod %s: %v", target, err)
		}
		if err := os.Chtimes(target, d.mtime, d.mtime); err != nil {
			return errors.Wrapf(ErrArchive, "set times on %s: %v", target, err)
		}
	}

	slog.Debug("archive extracted", "dest", dest, "compression", compression, "entries", x.count)
	return nil
}

type dirMeta struct {
	path  string      // Relative to dest, free of symlinks when recorded.
	mode  os.FileMode // Permission and special bits.
	mtime time.Time   // Modification time.
}

type extractor struct {
	dest  string    // Absolute destination directory.
	chown bool      // Whether to restore entry ownership.
	dirs  []dirMeta // Directories whose metadata is restored at the end.
	count int       // Number of entries processed.
}

func (x *extractor) entry(hdr *tar.Header, r io.Reader) error {
	name, err := cleanName(hdr.Name)
	if err != nil {
		return err
	}
	if name == "." || hdr.Typeflag == tar.TypeXGlobalHeader {
		return nil
	}
	x.count++

	dir, base := path.Split(name)
	if strings.HasPrefix(base, whiteoutPrefix) {
		return x.whiteout(dir, base)
	}

	// The parent is resolved inside dest so symlinks from earlier entries
	// cannot redirect writes to the host. The final component is left
	// unresolved so an existing symlink is replaced rather than followed.
	parent, err := securejoin.SecureJoin(x.dest, dir)
	if err != nil {
		return errors.Wrapf(ErrArchive, "resolve %s: %v", hdr.Name, err)
	}
	if err := os.MkdirAll(parent, dirMode); err != nil {
		return errors.Wrapf(ErrArchive, "create %s: %v", parent, err)
	}
	target := filepath.Join(parent, base)

	if err := x.create(hdr, target, r); err != nil {
		return err
	}
	return x.restore(hdr, target)
}

func (x *extractor) create(hdr *tar.Header, target string, r io.Reader) error {
	if hdr.Typeflag != tar.TypeDir {
		if err := removeExisting(target); err != nil {
			return err
		}
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		fi, err := os.Lstat(target)
		if err == nil && !fi.IsDir() {
			if err := os.Remove(target); err != nil {
				return errors.Wrapf(ErrArchive, "replace %s: %v", target, err)
			}
		}
		if err := os.Mkdir(target, dirMode); err != nil && !errors.Is(err, fs.ErrExist) {
			return errors.Wrapf(ErrArchive, "create %s: %v", target, err)
		}

	case tar.TypeReg, tar.TypeRegA:
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, hdr.FileInfo().Mode().Perm())
		if err != nil {
			return errors.Wrapf(ErrArchive, "create %s: %v", target, err)
		}
		_, err = io.Copy(f, r)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return errors.Wrapf(ErrArchive, "write %s: %v", target, err)
		}

	case tar.TypeSymlink:
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return errors.Wrapf(ErrArchive, "symlink %s: %v", target, err)
		}

	case tar.TypeLink:
		linkName, err := cleanName(hdr.Linkname)
		if err != nil {
			return err
		}
		source, err := securejoin.SecureJoin(x.dest, linkName)
		if err != nil {
			return errors.Wrapf(ErrArchive, "resolve link %s: %v", hdr.Linkname, err)
		}
		if err := os.Link(source, target); err != nil {
			return errors.Wrapf(ErrArchive, "link %s: %v", target, err)
		}

	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		mode := uint32(hdr.Mode & 07777)
		switch hdr.Typeflag {
		case tar.TypeChar:
			mode |= unix.S_IFCHR
		case tar.TypeBlock:
			mode |= unix.S_IFBLK
		default:
			mode |= unix.S_IFIFO
		}
		dev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))
		if err := unix.Mknod(target, mode, int(dev)); err != nil {
			return errors.Wrapf(ErrArchive, "mknod %s: %v", target, err)
		}

	default:
		return errors.Wrapf(ErrUnsupportedEntry, "%s has type %q", hdr.Name, hdr.Typeflag)
	}
	return nil
}

// Applies ownership, mode and times from the header.
func (x *extractor) restore(hdr *tar.Header, target string) error {
	if x.chown {
		if err := os.Lchown(target, hdr.Uid, hdr.Gid); err != nil {
			return errors.Wrapf(ErrArchive, "chown %s: %v", target, err)
		}
	}

	switch hdr.Typeflag {
	case tar.TypeSymlink:
		return nil
	case tar.TypeLink:
		// Shares the inode, and therefore the metadata, of its source.
		return nil
	}

	mode := hdr.FileInfo().Mode() & modeMask
	if hdr.Typeflag == tar.TypeDir {
		rel, err := filepath.Rel(x.dest, target)
		if err != nil {
			return errors.Wrapf(ErrArchive, "resolve %s: %v", target, err)
		}
		x.dirs = append(x.dirs, dirMeta{path: rel, mode: mode, mtime: hdr.ModTime})
		return nil
	}

	// Chmod follows chown, which clears the setuid and setgid bits.
	if err := os.Chmod(target, mode); err != nil {
		return errors.Wrapf(ErrArchive, "chmod %s: %v", target, err)
	}
	if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
		return errors.Wrapf(ErrArchive, "set times on %s: %v", target, err)
	}
	return nil
}

// Removes lower-layer content named by a whiteout entry.
//
// An opaque whiteout empties its directory. It appears before the
// directory's own entries in a layer, so only lower-layer content is lost.
func (x *extractor) whiteout(dir, base string) error {
	parent, err := securejoin.SecureJoin(x.dest, dir)
	if err != nil {
		return errors.Wrapf(ErrArchive, "resolve %s: %v", dir, err)
	}

	if base == opaqueWhiteout {
		entries, err := os.ReadDir(parent)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return errors.Wrapf(ErrArchive, "read %s: %v", parent, err)
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(parent, e.Name())); err != nil {
				return errors.Wrapf(ErrArchive, "whiteout %s: %v", e.Name(), err)
			}
		}
		return nil
	}

	name := strings.TrimPrefix(base, whiteoutPrefix)
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return errors.Wrapf(ErrBreakout, "whiteout %q", dir+base)
	}
	victim := filepath.Join(parent, name)
	if !within(x.dest, victim) {
		return errors.Wrapf(ErrBreakout, "whiteout %q", dir+base)
	}
	if err := os.RemoveAll(victim); err != nil {
		return errors.Wrapf(ErrArchive, "whiteout %s: %v", victim, err)
	}
	return nil
}

// Returns the absolute path of a directory recorded during extraction, if
// it is still a directory reached without following any symlink. A later
// entry may have replaced it, or one of its parents, with a symlink.
func (x *extractor) unchanged(rel string) (string, bool) {
	target := filepath.Join(x.dest, rel)
	resolved, err := securejoin.SecureJoin(x.dest, rel)
	if err != nil || resolved != target {
		return "", false
	}
	fi, err := os.Lstat(target)
	if err != nil || !fi.IsDir() {
		return "", false
	}
	return target, true
}

// Reports whether target lies strictly below root.
func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Removes a non-directory at target so it can be replaced.
func removeExisting(target string) error {
	fi, err := os.Lstat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return errors.Wrapf(ErrArchive, "stat %s: %v", target, err)
	}
	if fi.IsDir() {
		err = os.RemoveAll(target)
	} else {
		err = os.Remove(target)
	}
	if err != nil {
		return errors.Wrapf(ErrArchive, "replace %s: %v", target, err)
	}
	return nil
}

// Returns the entry name relative to the destination root.
//
// Leading slashes are dropped so absolute names land inside the destination.
// Any ".." component is rejected outright, even one that would stay inside.
func cleanName(name string) (string, error) {
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", errors.Wrapf(ErrBreakout, "%q", name)
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+name), "/")
	if cleaned == "" {
		return ".", nil
	}
	return cleaned, nil
}
