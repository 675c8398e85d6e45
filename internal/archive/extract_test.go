package archive

import (
	"archive/tar"
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

type entry struct {
	name     string
	typeflag byte
	body     string
	linkname string
	mode     int64
}

func file(name, body string) entry {
	return entry{name: name, typeflag: tar.TypeReg, body: body, mode: 0644}
}

func dir(name string) entry {
	return entry{name: name, typeflag: tar.TypeDir, mode: 0755}
}

func symlink(name, target string) entry {
	return entry{name: name, typeflag: tar.TypeSymlink, linkname: target, mode: 0777}
}

func hardlink(name, target string) entry {
	return entry{name: name, typeflag: tar.TypeLink, linkname: target, mode: 0644}
}

func writeTar(t *testing.T, c Compression, entries ...entry) []byte {
	t.Helper()

	var buf bytes.Buffer
	var w io.WriteCloser
	switch c {
	case Gzip:
		w = gzip.NewWriter(&buf)
	case Zstd:
		zw, err := zstd.NewWriter(&buf)
		assert.NilError(t, err)
		w = zw
	default:
		w = nopWriteCloser{&buf}
	}

	tw := tar.NewWriter(w)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
			Mode:     e.mode,
			Size:     int64(len(e.body)),
			Uid:      os.Getuid(),
			Gid:      os.Getgid(),
		}
		assert.NilError(t, tw.WriteHeader(hdr))
		if e.body != "" {
			_, err := tw.Write([]byte(e.body))
			assert.NilError(t, err)
		}
	}
	assert.NilError(t, tw.Close())
	assert.NilError(t, w.Close())
	return buf.Bytes()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Returns the slash-separated paths under root, excluding root itself.
func walk(t *testing.T, root string) []string {
	t.Helper()

	var paths []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	assert.NilError(t, err)
	slices.Sort(paths)
	return paths
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	assert.NilError(t, err)
	return string(data)
}

func TestDetectCompression(t *testing.T) {
	tests := []struct {
		name   string
		header []byte
		want   Compression
	}{
		{"gzip", []byte{0x1f, 0x8b, 0x08, 0x00}, Gzip},
		{"zstd", []byte{0x28, 0xb5, 0x2f, 0xfd}, Zstd},
		{"tar", []byte("etc/"), Uncompressed},
		{"short", []byte{0x1f}, Uncompressed},
		{"empty", nil, Uncompressed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, DetectCompression(tt.header), tt.want)
		})
	}
}

func TestExtract(t *testing.T) {
	entries := []entry{
		dir("etc/"),
		file("etc/hostname", "box\n"),
		file("bin/sh", "#!"),
		symlink("bin/ash", "sh"),
		hardlink("bin/dash", "bin/sh"),
	}
	want := []string{"bin", "bin/ash", "bin/dash", "bin/sh", "etc", "etc/hostname"}

	for _, c := range []Compression{Uncompressed, Gzip, Zstd} {
		t.Run(c.String(), func(t *testing.T) {
			dest := t.TempDir()
			assert.NilError(t, Extract(bytes.NewReader(writeTar(t, c, entries...)), dest))

			if diff := cmp.Diff(want, walk(t, dest)); diff != "" {
				t.Errorf("extracted paths mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, readFile(t, filepath.Join(dest, "etc/hostname")), "box\n")

			link, err := os.Readlink(filepath.Join(dest, "bin/ash"))
			assert.NilError(t, err)
			assert.Equal(t, link, "sh")

			a, err := os.Stat(filepath.Join(dest, "bin/sh"))
			assert.NilError(t, err)
			b, err := os.Stat(filepath.Join(dest, "bin/dash"))
			assert.NilError(t, err)
			assert.Assert(t, os.SameFile(a, b))
		})
	}
}

func TestExtractPreservesMode(t *testing.T) {
	dest := t.TempDir()
	exe := entry{name: "usr/bin/tool", typeflag: tar.TypeReg, body: "x", mode: 0750}
	assert.NilError(t, Extract(bytes.NewReader(writeTar(t, Uncompressed, exe)), dest))

	fi, err := os.Stat(filepath.Join(dest, "usr/bin/tool"))
	assert.NilError(t, err)
	assert.Equal(t, fi.Mode().Perm(), os.FileMode(0750))
}

func TestExtractRejectsTraversal(t *testing.T) {
	tests := []struct {
		name  string
		entry entry
	}{
		{"parent", file("../evil", "x")},
		{"nested parent", file("a/../../evil", "x")},
		{"hardlink", hardlink("passwd", "../../etc/passwd")},
		{"whiteout of parent", file(".wh...", "")},
		{"whiteout of root", file(".wh..", "")},
		{"nested whiteout of self", file("a/.wh..", "")},
		{"empty whiteout", file("a/.wh.", "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := t.TempDir()
			dest := filepath.Join(base, "root")
			sibling := filepath.Join(base, "images", "keep")
			assert.NilError(t, os.MkdirAll(filepath.Dir(sibling), 0755))
			assert.NilError(t, os.WriteFile(sibling, []byte("x"), 0644))

			err := Extract(bytes.NewReader(writeTar(t, Uncompressed, dir("a/"), tt.entry)), dest)
			assert.ErrorIs(t, err, ErrBreakout)

			_, err = os.Lstat(filepath.Join(base, "evil"))
			assert.Check(t, os.IsNotExist(err))
			assert.Equal(t, readFile(t, sibling), "x")
			info, err := os.Stat(filepath.Join(dest, "a"))
			assert.NilError(t, err)
			assert.Check(t, info.IsDir())
		})
	}
}

func TestExtractAbsoluteNames(t *testing.T) {
	dest := t.TempDir()
	assert.NilError(t, Extract(bytes.NewReader(writeTar(t, Uncompressed, file("/etc/motd", "hi"))), dest))
	assert.Equal(t, readFile(t, filepath.Join(dest, "etc/motd")), "hi")
}

func TestExtractSymlinkStaysInside(t *testing.T) {
	dest := t.TempDir()
	outside := t.TempDir()

	// A symlink to an absolute host path followed by an entry beneath it
	// must resolve against dest, not the host.
	tarball := writeTar(t, Uncompressed,
		symlink("escape", outside),
		file("escape/payload", "x"),
	)
	assert.NilError(t, Extract(bytes.NewReader(tarball), dest))

	assert.Check(t, is.Len(walk(t, outside), 0))
	assert.Equal(t, readFile(t, filepath.Join(dest, outside, "payload")), "x")
}

func TestExtractDirectoryReplacedBySymlink(t *testing.T) {
	dest := t.TempDir()
	outside := t.TempDir()
	hostDir := filepath.Join(outside, "ssh")
	assert.NilError(t, os.Mkdir(hostDir, 0700))
	before, err := os.Stat(hostDir)
	assert.NilError(t, err)

	// Directory metadata is applied after the stream ends, by which time
	// the parent of x/ssh points at the host.
	tarball := writeTar(t, Uncompressed,
		dir("x/"),
		entry{name: "x/ssh/", typeflag: tar.TypeDir, mode: 0777},
		symlink("x", outside),
	)
	assert.NilError(t, Extract(bytes.NewReader(tarball), dest))

	after, err := os.Stat(hostDir)
	assert.NilError(t, err)
	assert.Equal(t, after.Mode(), before.Mode())
	assert.Equal(t, after.ModTime(), before.ModTime())

	target, err := os.Readlink(filepath.Join(dest, "x"))
	assert.NilError(t, err)
	assert.Equal(t, target, outside)
}

func TestExtractLayersInOrder(t *testing.T) {
	dest := t.TempDir()
	lower := writeTar(t, Gzip, file("a", "one"), file("b", "lower"), symlink("c", "a"))
	upper := writeTar(t, Gzip, file("a", "two"), file("c", "regular"))

	assert.NilError(t, Extract(bytes.NewReader(lower), dest))
	assert.NilError(t, Extract(bytes.NewReader(upper), dest))

	assert.Equal(t, readFile(t, filepath.Join(dest, "a")), "two")
	assert.Equal(t, readFile(t, filepath.Join(dest, "b")), "lower")

	// The upper file replaces the symlink instead of writing through it.
	fi, err := os.Lstat(filepath.Join(dest, "c"))
	assert.NilError(t, err)
	assert.Assert(t, fi.Mode().IsRegular())
	assert.Equal(t, readFile(t, filepath.Join(dest, "c")), "regular")
}

func TestExtractWhiteouts(t *testing.T) {
	dest := t.TempDir()
	lower := writeTar(t, Uncompressed,
		file("dir/keep", "k"),
		file("dir/drop", "d"),
		file("opaque/old", "o"),
		file("opaque/sub/older", "o"),
	)
	upper := writeTar(t, Uncompressed,
		file("dir/.wh.drop", ""),
		dir("opaque/"),
		file("opaque/.wh..wh..opq", ""),
		file("opaque/new", "n"),
	)

	assert.NilError(t, Extract(bytes.NewReader(lower), dest))
	assert.NilError(t, Extract(bytes.NewReader(upper), dest))

	want := []string{"dir", "dir/keep", "opaque", "opaque/new"}
	if diff := cmp.Diff(want, walk(t, dest)); diff != "" {
		t.Errorf("extracted paths mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractTruncated(t *testing.T) {
	tarball := writeTar(t, Uncompressed, file("a", "contents"))
	err := Extract(bytes.NewReader(tarball[:600]), t.TempDir())
	assert.ErrorIs(t, err, ErrArchive)
}

func TestCleanName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"etc/passwd", "etc/passwd"},
		{"./etc/", "etc"},
		{"/usr//bin/", "usr/bin"},
		{"./", "."},
		{"", "."},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := cleanName(tt.in)
			assert.NilError(t, err)
			assert.Equal(t, got, tt.want)
		})
	}
}
