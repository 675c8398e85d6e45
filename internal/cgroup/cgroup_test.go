package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"pgregory.net/rapid"
)

// Removes the control files of a group in a plain directory. On cgroupfs the
// kernel makes them disappear together with the group.
func dropControlFiles(t *testing.T, g *Group) {
	t.Helper()
	for _, f := range []string{limitFile, procsFile} {
		if err := os.Remove(filepath.Join(g.path, f)); err != nil && !os.IsNotExist(err) {
			t.Fatal(err)
		}
	}
}

func TestName(t *testing.T) {
	assert.Equal(t, Name("0123abcd"), "cell-0123abcd")
}

func TestCreateWithoutLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int64
	}{
		{name: "unlimited sentinel", limit: Unlimited},
		{name: "any negative", limit: -42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(t.TempDir(), "group")
			assert.NilError(t, g.Create(tt.limit))

			_, err := os.Stat(filepath.Join(g.Path(), limitFile))
			assert.Check(t, os.IsNotExist(err), "pids.max was written")
			_, err = os.Stat(filepath.Join(g.Path(), procsFile))
			assert.Check(t, os.IsNotExist(err), "process was attached")

			limit, err := g.Limit()
			assert.NilError(t, err)
			assert.Equal(t, limit, Unlimited)
		})
	}
}

func TestCreateWritesLimit(t *testing.T) {
	root := t.TempDir()
	seq := 0

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.Int64Range(0, 1<<22).Draw(rt, "limit")
		seq++
		g := New(root, fmt.Sprintf("group-%d", seq))

		if err := g.Create(n); err != nil {
			rt.Fatalf("Create(%d): %v", n, err)
		}

		data, err := os.ReadFile(filepath.Join(g.Path(), limitFile))
		if err != nil {
			rt.Fatal(err)
		}
		if string(data) != strconv.FormatInt(n, 10) {
			rt.Fatalf("pids.max = %q, want %q", data, strconv.FormatInt(n, 10))
		}

		procs, err := g.Procs()
		if err != nil {
			rt.Fatal(err)
		}
		if len(procs) != 1 || procs[0] != os.Getpid() {
			rt.Fatalf("procs = %v, want [%d]", procs, os.Getpid())
		}
	})
}

func TestCreateExistingGroupFails(t *testing.T) {
	root := t.TempDir()

	assert.NilError(t, New(root, "group").Create(Unlimited))

	err := New(root, "group").Create(Unlimited)
	assert.Check(t, errdefs.IsAlreadyExists(err), "got %v", err)
}

func TestCreateMissingHierarchy(t *testing.T) {
	g := New(filepath.Join(t.TempDir(), "missing"), "group")
	err := g.Create(10)
	assert.ErrorIs(t, err, ErrCgroup)
}

func TestLimitMax(t *testing.T) {
	g := New(t.TempDir(), "group")
	assert.NilError(t, g.Create(5))
	assert.NilError(t, g.SetLimit(Unlimited))

	data, err := os.ReadFile(filepath.Join(g.Path(), limitFile))
	assert.NilError(t, err)
	assert.Equal(t, string(data), "max")

	limit, err := g.Limit()
	assert.NilError(t, err)
	assert.Equal(t, limit, Unlimited)
}

func TestProcs(t *testing.T) {
	g := New(t.TempDir(), "group")
	assert.NilError(t, g.Create(Unlimited))
	assert.NilError(t, os.WriteFile(filepath.Join(g.Path(), procsFile), []byte("12\n\n34\n"), fileMode))

	procs, err := g.Procs()
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(procs, []int{12, 34}))
}

func TestDestroy(t *testing.T) {
	g := New(t.TempDir(), "group")
	assert.NilError(t, g.Create(Unlimited))

	assert.NilError(t, g.Destroy())

	_, err := os.Stat(g.Path())
	assert.Check(t, os.IsNotExist(err))
}

func TestDestroyWithMembers(t *testing.T) {
	g := New(t.TempDir(), "group")
	assert.NilError(t, g.Create(3))

	err := g.Destroy()
	assert.Check(t, errdefs.IsFailedPrecondition(err), "got %v", err)

	_, err = os.Stat(g.Path())
	assert.NilError(t, err)

	// Members gone: the group can be removed.
	dropControlFiles(t, g)
	assert.NilError(t, g.Destroy())
}

func TestDestroyMissing(t *testing.T) {
	err := New(t.TempDir(), "never-created").Destroy()
	assert.Check(t, errdefs.IsNotFound(err), "got %v", err)
}

func TestLocate(t *testing.T) {
	root, err := Locate()
	if err != nil {
		if !errdefs.IsUnavailable(err) {
			t.Fatalf("Locate() error = %v, want unavailable", err)
		}
		t.Skipf("pids controller not available: %v", err)
	}

	info, err := os.Stat(root)
	assert.NilError(t, err)
	assert.Check(t, info.IsDir())
}

func TestCheckUnified(t *testing.T) {
	tests := []struct {
		name        string
		controllers string
		subtree     *string
		ok          bool
	}{
		{"enabled", "cpu io memory pids\n", ptr("memory pids\n"), true},
		{"not available", "cpu io memory\n", ptr(""), false},
		{"not delegated", "cpu io memory pids\n", ptr("memory\n"), false},
		{"no subtree control", "pids\n", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			assert.NilError(t, os.WriteFile(filepath.Join(root, controllersFile), []byte(tt.controllers), 0644))
			if tt.subtree != nil {
				assert.NilError(t, os.WriteFile(filepath.Join(root, subtreeControlFile), []byte(*tt.subtree), 0644))
			}

			err := checkUnified(root)
			if tt.ok {
				assert.NilError(t, err)
				return
			}
			assert.Check(t, errdefs.IsUnavailable(err), "got %v", err)
		})
	}
}

func ptr(s string) *string {
	return &s
}
