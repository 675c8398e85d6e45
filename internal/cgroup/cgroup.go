package cgroup

import (
	"bufio"
	"bytes"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/containerd/cgroups/v3"
	"github.com/containerd/errdefs"
	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
)

const (

	// Sentinel limit meaning "no limit requested".
	Unlimited int64 = -1

	// Controller this package manages.
	controller = "pids"

	// Control file holding the maximum number of processes.
	limitFile = "pids.max"

	// Control file listing member processes, one pid per line.
	procsFile = "cgroup.procs"

	// Control file listing the controllers available on a cgroup v2 root.
	controllersFile = "cgroup.controllers"

	// Control file listing the controllers enabled for a group's children.
	subtreeControlFile = "cgroup.subtree_control"

	// Value the kernel reports for an unbounded pids.max.
	maxValue = "max"

	// Prefix of every group created by cell.
	namePrefix = "cell-"

	// Mode of group directories.
	dirMode os.FileMode = 0755

	// Mode used when writing control files.
	fileMode os.FileMode = 0644
)

// Returns the group name for a container.
func Name(containerID string) string {
	return namePrefix + containerID
}

// Returns the directory where the pids controller hierarchy is mounted.
//
// On cgroup v1 and hybrid hosts this is the v1 mount whose super options
// include "pids". On unified hosts it is the cgroup2 mount, provided the
// controller is both available there and enabled for child groups. A host without either is
// misconfigured for this runtime and yields [errdefs.ErrUnavailable].
func Locate() (string, error) {
	switch cgroups.Mode() {
	case cgroups.Unified:
		return locateUnified()
	case cgroups.Legacy, cgroups.Hybrid:
		return locateLegacy()
	}
	return "", errors.Wrap(errdefs.ErrUnavailable, "no cgroup hierarchy is mounted")
}

func locateLegacy() (string, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.FSTypeFilter("cgroup"))
	if err != nil {
		return "", errors.Wrap(err, "read mountinfo")
	}
	for _, m := range mounts {
		if slices.Contains(strings.Split(m.VFSOptions, ","), controller) {
			return m.Mountpoint, nil
		}
	}
	return "", errors.Wrapf(errdefs.ErrUnavailable, "%s controller is not mounted", controller)
}

func locateUnified() (string, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.FSTypeFilter("cgroup2"))
	if err != nil {
		return "", errors.Wrap(err, "read mountinfo")
	}
	if len(mounts) == 0 {
		return "", errors.Wrap(errdefs.ErrUnavailable, "cgroup2 is not mounted")
	}

	root := mounts[0].Mountpoint
	if err := checkUnified(root); err != nil {
		return "", err
	}
	return root, nil
}

// Checks that groups created directly under a cgroup v2 root get the pids
// controller: it must be available at the root and enabled for its children.
func checkUnified(root string) error {
	for _, file := range []string{controllersFile, subtreeControlFile} {
		data, err := os.ReadFile(filepath.Join(root, file))
		if err != nil {
			return errors.Wrapf(errdefs.ErrUnavailable, "read %s: %v", file, err)
		}
		if !slices.Contains(strings.Fields(string(data)), controller) {
			return errors.Wrapf(errdefs.ErrUnavailable, "%s controller is not listed in %s of %s", controller, file, root)
		}
	}
	return nil
}

// A process-count limited group under the pids hierarchy.
type Group struct {
	path string // Absolute path of the group directory.
}

// Returns a handle for the group named name under root. Nothing is created
// until [Group.Create] is called.
func New(root, name string) *Group {
	return &Group{path: filepath.Join(root, name)}
}

// Returns a handle for the group at an absolute path.
func Open(path string) *Group {
	return &Group{path: path}
}

// Path of the group directory.
func (g *Group) Path() string {
	return g.path
}

// Creates the group and, when limit is not negative, writes the limit and
// attaches the calling process.
//
// The group must not exist yet; an existing directory means a previous run
// was not torn down, and is reported as [errdefs.ErrAlreadyExists] instead
// of being reused. Without a limit the group is created but left empty, so
// teardown stays symmetric. The steps are not transactional: if attaching
// fails the group is left behind for [Group.Destroy] to remove.
func (g *Group) Create(limit int64) error {
	if err := os.Mkdir(g.path, dirMode); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return errors.Wrapf(errdefs.ErrAlreadyExists, "cgroup %s", g.path)
		}
		return errors.Wrapf(ErrCgroup, "create %s: %v", g.path, err)
	}

	if limit < 0 {
		slog.Debug("no pids limit requested", "cgroup", g.path)
		return nil
	}

	if err := g.SetLimit(limit); err != nil {
		return err
	}

	return g.Attach(os.Getpid())
}

// Writes the maximum number of processes for the group.
func (g *Group) SetLimit(limit int64) error {
	value := maxValue
	if limit >= 0 {
		value = strconv.FormatInt(limit, 10)
	}
	if err := g.write(limitFile, value); err != nil {
		return err
	}
	slog.Debug("pids limit set", "cgroup", g.path, "limit", value)
	return nil
}

// Returns the group's process limit, or [Unlimited] if the group has none.
func (g *Group) Limit() (int64, error) {
	data, err := os.ReadFile(filepath.Join(g.path, limitFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Unlimited, nil
		}
		return 0, errors.Wrapf(ErrCgroup, "read %s: %v", limitFile, err)
	}

	value := strings.TrimSpace(string(data))
	if value == maxValue {
		return Unlimited, nil
	}

	limit, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrCgroup, "parse %s %q", limitFile, value)
	}
	return limit, nil
}

// Moves the process with the given pid into the group.
func (g *Group) Attach(pid int) error {
	if err := g.write(procsFile, strconv.Itoa(pid)); err != nil {
		return err
	}
	slog.Debug("process attached", "cgroup", g.path, "pid", pid)
	return nil
}

// Returns the pids of the processes currently in the group.
func (g *Group) Procs() ([]int, error) {
	data, err := os.ReadFile(filepath.Join(g.path, procsFile))
	if err != nil {
		return nil, err
	}

	var pids []int
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			return nil, errors.Wrapf(ErrCgroup, "parse %s entry %q", procsFile, line)
		}
		pids = append(pids, pid)
	}
	return pids, scanner.Err()
}

// Removes the group.
//
// Must only be called after every member has exited. A group that still has
// members is reported as [errdefs.ErrFailedPrecondition] and left in place;
// a group that does not exist is reported as [errdefs.ErrNotFound].
func (g *Group) Destroy() error {
	if _, err := os.Stat(g.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errors.Wrapf(errdefs.ErrNotFound, "cgroup %s", g.path)
		}
		return errors.Wrapf(ErrCgroup, "stat %s: %v", g.path, err)
	}

	procs, err := g.Procs()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(ErrCgroup, "read %s: %v", procsFile, err)
	}
	if len(procs) > 0 {
		return errors.Wrapf(errdefs.ErrFailedPrecondition, "cgroup %s still has %d member(s)", g.path, len(procs))
	}

	if err := os.Remove(g.path); err != nil {
		return errors.Wrapf(ErrCgroup, "remove %s: %v", g.path, err)
	}

	slog.Debug("cgroup removed", "cgroup", g.path)
	return nil
}

func (g *Group) write(file, value string) error {
	path := filepath.Join(g.path, file)
	if err := os.WriteFile(path, []byte(value), fileMode); err != nil {
		return errors.Wrapf(ErrCgroup, "write %s: %v", path, err)
	}
	return nil
}
