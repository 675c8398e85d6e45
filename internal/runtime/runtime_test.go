package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cruciblehq/cell/internal/cgroup"
	"github.com/moby/sys/reexec"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestMain(m *testing.M) {
	if reexec.Init() {
		return
	}
	os.Exit(m.Run())
}

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(Config{Root: t.TempDir(), CgroupRoot: t.TempDir()})
	assert.NilError(t, err)
	return rt
}

// Writes a tar archive holding a single file and returns its path.
func writeArchive(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rootfs.tar")
	f, err := os.Create(path)
	assert.NilError(t, err)
	defer f.Close()

	tw := tar.NewWriter(f)
	assert.NilError(t, tw.WriteHeader(&tar.Header{Name: "etc/hostname", Typeflag: tar.TypeReg, Mode: 0644, Size: 3}))
	_, err = tw.Write([]byte("box"))
	assert.NilError(t, err)
	assert.NilError(t, tw.Close())
	return path
}

func TestNewID(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 1, time.UTC)

	id := newID(now)
	assert.Check(t, is.Len(id, 12))
	_, err := hex.DecodeString(id)
	assert.NilError(t, err)

	assert.Equal(t, newID(now), id)
	assert.Equal(t, newID(now.In(time.FixedZone("CET", 3600))), id)
	assert.Check(t, newID(now.Add(time.Nanosecond)) != id)
}

func TestState(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Created, "created"},
		{Running, "running"},
		{Exited, "exited"},
		{CleanedUp, "cleaned up"},
		{State(9), "state(9)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.state.String(), tt.want)
	}
}

func TestCreateValidatesOptions(t *testing.T) {
	rt := newRuntime(t)

	tests := []struct {
		name string
		opts Options
	}{
		{"no command", Options{Image: "busybox"}},
		{"no image", Options{Args: []string{"true"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.Create(context.Background(), tt.opts)
			assert.Check(t, errdefs.IsInvalidArgument(err), err)
		})
	}
}

func TestCreateImageNotCached(t *testing.T) {
	rt := newRuntime(t)

	_, err := rt.Create(context.Background(), Options{Image: "busybox", Args: []string{"true"}, PidsMax: cgroup.Unlimited})
	assert.Check(t, errdefs.IsNotFound(err), err)

	// Nothing but the image cache is left under the root.
	entries, err := os.ReadDir(rt.Store().Root())
	assert.NilError(t, err)
	assert.Assert(t, is.Len(entries, 1))
	assert.Equal(t, entries[0].Name(), "images")
}

func TestCreateUnknownRegistry(t *testing.T) {
	rt := newRuntime(t)

	_, err := rt.Create(context.Background(), Options{Image: "busybox", Args: []string{"true"}, Registry: "nowhere"})
	assert.Check(t, errdefs.IsNotFound(err), err)
}

// Builds a container that has already exited, without spawning anything.
func exitedContainer(t *testing.T, rt *Runtime) *Container {
	t.Helper()

	rootfs, err := rt.Store().Resolve(writeArchive(t), "0123456789ab")
	assert.NilError(t, err)

	group := cgroup.New(rt.cgroupRoot, cgroup.Name("0123456789ab"))
	assert.NilError(t, os.Mkdir(group.Path(), 0755))

	return &Container{id: "0123456789ab", rootfs: rootfs, group: group, state: Exited}
}

func TestCleanup(t *testing.T) {
	rt := newRuntime(t)
	c := exitedContainer(t, rt)

	assert.NilError(t, c.Cleanup())
	assert.Equal(t, c.State(), CleanedUp)

	for _, path := range []string{c.RootFS(), c.Cgroup()} {
		_, err := os.Stat(path)
		assert.Check(t, os.IsNotExist(err), path)
	}
}

func TestCleanupWithoutCgroup(t *testing.T) {
	rt := newRuntime(t)
	c := exitedContainer(t, rt)
	assert.NilError(t, os.Remove(c.Cgroup()))

	assert.NilError(t, c.Cleanup())
	_, err := os.Stat(c.RootFS())
	assert.Check(t, os.IsNotExist(err))
}

func TestCleanupBusyCgroup(t *testing.T) {
	rt := newRuntime(t)
	c := exitedContainer(t, rt)
	assert.NilError(t, os.WriteFile(filepath.Join(c.Cgroup(), "cgroup.procs"), []byte("4242\n"), 0644))

	err := c.Cleanup()
	assert.Check(t, errdefs.IsFailedPrecondition(err), err)
	assert.Equal(t, c.State(), Exited)

	// The root filesystem is removed regardless.
	_, err = os.Stat(c.RootFS())
	assert.Check(t, os.IsNotExist(err))
}

func TestLifecycleOrder(t *testing.T) {
	tests := []struct {
		state   State
		cleanup bool
	}{
		{state: Created},
		{state: Exited, cleanup: true},
		{state: CleanedUp},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			rt := newRuntime(t)
			c := exitedContainer(t, rt)
			c.state = tt.state

			_, err := c.Wait()
			assert.Check(t, errdefs.IsFailedPrecondition(err), err)

			err = c.Signal(os.Interrupt)
			assert.Check(t, errdefs.IsFailedPrecondition(err), err)

			err = c.Cleanup()
			if tt.cleanup {
				assert.NilError(t, err)
			} else {
				assert.Check(t, errdefs.IsFailedPrecondition(err), err)
			}
		})
	}
}

func TestImages(t *testing.T) {
	rt := newRuntime(t)

	images, err := rt.Images()
	assert.NilError(t, err)
	assert.Check(t, is.Len(images, 0))

	err = rt.RemoveImage("nonexistent/image")
	assert.Check(t, errdefs.IsNotFound(err), err)

	err = rt.RemoveImage("")
	assert.Check(t, errdefs.IsInvalidArgument(err), err)
}

// Runs a real container from the archive named by CELL_TEST_ROOTFS, which
// must provide /bin/echo.
func TestRunArchive(t *testing.T) {
	archive := os.Getenv("CELL_TEST_ROOTFS")
	if os.Geteuid() != 0 || archive == "" {
		t.Skip("Skipping container test: requires root and CELL_TEST_ROOTFS")
	}

	rt, err := New(Config{Root: t.TempDir()})
	assert.NilError(t, err)

	var stdout bytes.Buffer
	c, err := rt.Create(context.Background(), Options{
		Image:   archive,
		Args:    []string{"echo", "hi"},
		PidsMax: cgroup.Unlimited,
		Stdout:  &stdout,
		Stderr:  os.Stderr,
	})
	assert.NilError(t, err)
	assert.Equal(t, c.State(), Running)
	assert.Check(t, strings.HasPrefix(filepath.Base(c.Cgroup()), "cell-"))

	code, err := c.Wait()
	assert.NilError(t, err)
	assert.Equal(t, code, 0)
	assert.Equal(t, stdout.String(), "hi\n")

	assert.NilError(t, c.Cleanup())
	for _, path := range []string{c.RootFS(), c.Cgroup()} {
		_, err := os.Stat(path)
		assert.Check(t, os.IsNotExist(err), path)
	}
}
