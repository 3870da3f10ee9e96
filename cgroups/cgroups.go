//go:build linux

// Package cgroups implements the job-container API over a private
// cgroup-style hierarchy of plain directories: one directory per
// container, with the directory's inode number serving as the
// container id. The tasks and cgroup.procs files are bookkeeping
// maintained by this backend itself, not by the kernel, so member
// exit is observed against the process table whenever the files are
// read and stale entries are compacted out. The creating thread's tid
// is written to the tasks file, so creation is bound to the calling
// thread exactly like the native primitive, and the thread's exit
// empties its slot.
package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/schedcore/proctrack/jobapi"
)

const (
	tasksFile = "tasks"
	procsFile = "cgroup.procs"
	apidFile  = "job.apid"
)

// waitInterval is the poll period of Wait.
const waitInterval = 100 * time.Millisecond

// Backend is a jobapi.API rooted at one directory of a cgroup-style
// filesystem.
type Backend struct {
	root string

	// mu serializes membership rewrites so a detach cannot race an
	// attach on the same pid.
	mu sync.Mutex
}

var _ jobapi.API = (*Backend)(nil)

// New returns a Backend rooted at root, creating it if needed.
func New(root string) (*Backend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create container root %s: %w", root, err)
	}
	return &Backend{root: root}, nil
}

// Root returns the hierarchy root directory.
func (b *Backend) Root() string {
	return b.root
}

func (b *Backend) Create(uid uint32) (jobapi.ID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dir, err := os.MkdirTemp(b.root, "job")
	if err != nil {
		return jobapi.None, fmt.Errorf("create container dir: %w", err)
	}
	if err := os.Chown(dir, int(uid), -1); err != nil {
		os.RemoveAll(dir)
		return jobapi.None, fmt.Errorf("chown container dir to %d: %w", uid, err)
	}
	// The creating thread is the container's first member.
	if err := appendPid(dir, tasksFile, unix.Gettid()); err != nil {
		os.RemoveAll(dir)
		return jobapi.None, err
	}
	id, err := dirID(dir)
	if err != nil {
		os.RemoveAll(dir)
		return jobapi.None, err
	}
	log.Debugf("cgroups: created container 0x%08x at %s", uint64(id), dir)
	return id, nil
}

func (b *Backend) Attach(pid int, id jobapi.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dir, err := b.path(id)
	if err != nil {
		// Attaching to a container that does not exist is an
		// argument error, not an absence.
		return fmt.Errorf("container 0x%08x: %w", uint64(id), unix.EINVAL)
	}
	if _, ok := b.find(pid); ok {
		// Already tracked somewhere, possibly here. The caller sorts
		// out which.
		return fmt.Errorf("pid %d already attached: %w", pid, unix.EINVAL)
	}
	if err := unix.Kill(pid, 0); err != nil {
		return fmt.Errorf("pid %d: %w", pid, err)
	}
	return appendPid(dir, procsFile, pid)
}

func (b *Backend) Detach(pid int) (jobapi.ID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dir, ok := b.find(pid)
	if !ok {
		return jobapi.None, fmt.Errorf("pid %d not attached: %w", pid, unix.EINVAL)
	}
	id, err := dirID(dir)
	if err != nil {
		return jobapi.None, err
	}
	if err := removePid(dir, procsFile, pid); err != nil {
		return jobapi.None, err
	}
	if err := removePid(dir, tasksFile, pid); err != nil {
		return jobapi.None, err
	}
	return id, nil
}

func (b *Backend) Lookup(pid int) (jobapi.ID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dir, ok := b.find(pid)
	if !ok {
		return jobapi.None, fmt.Errorf("pid %d not attached: %w", pid, unix.ESRCH)
	}
	return dirID(dir)
}

func (b *Backend) Signal(id jobapi.ID, sig unix.Signal) error {
	pids, err := b.pids(id)
	if err != nil {
		return err
	}
	for _, pid := range pids {
		if err := unix.Kill(pid, sig); err != nil && err != unix.ESRCH {
			return fmt.Errorf("kill pid %d: %w", pid, err)
		}
	}
	return nil
}

// Wait blocks until the container is empty, then removes its
// directory. Each poll re-checks the remaining members against the
// process table, so members exiting is enough to unblock it.
func (b *Backend) Wait(id jobapi.ID) error {
	for {
		pids, err := b.pids(id)
		if err != nil {
			return err
		}
		if len(pids) == 0 {
			return b.remove(id)
		}
		time.Sleep(waitInterval)
	}
}

func (b *Backend) Count(id jobapi.ID) (int, error) {
	pids, err := b.pids(id)
	if err != nil {
		return 0, err
	}
	return len(pids), nil
}

func (b *Backend) List(id jobapi.ID, max int) ([]int, error) {
	pids, err := b.pids(id)
	if err != nil {
		return nil, err
	}
	if len(pids) > max {
		pids = pids[:max]
	}
	return pids, nil
}

// SetApplicationID records pid's application id in the bookkeeping
// file of the container holding it.
func (b *Backend) SetApplicationID(pid int, apid uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dir, ok := b.find(pid)
	if !ok {
		return fmt.Errorf("pid %d not attached: %w", pid, unix.ESRCH)
	}
	return appendLine(dir, apidFile, fmt.Sprintf("%d %d", pid, apid))
}

// pids returns the container's live members: attached processes plus
// still-running tasks such as the creating thread. Entries whose task
// has exited are dropped and compacted out of the files as they are
// noticed. An id listed in both files counts once.
func (b *Backend) pids(id jobapi.ID) ([]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dir, err := b.path(id)
	if err != nil {
		return nil, err
	}
	tasks, err := livePids(dir, tasksFile, tidAlive)
	if err != nil {
		return nil, err
	}
	procs, err := livePids(dir, procsFile, pidAlive)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(tasks)+len(procs))
	var pids []int
	for _, pid := range append(tasks, procs...) {
		if !seen[pid] {
			seen[pid] = true
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// path resolves a container id to its directory. A missing container
// reads as no-data so lifecycle calls against reclaimed containers
// classify as benign.
func (b *Backend) path(id jobapi.ID) (string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return "", fmt.Errorf("read container root %s: %w", b.root, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(b.root, e.Name())
		got, err := dirID(dir)
		if err != nil {
			continue
		}
		if got == id {
			return dir, nil
		}
	}
	return "", fmt.Errorf("container 0x%08x: %w", uint64(id), unix.ENODATA)
}

// find returns the directory of the container holding pid, if any.
func (b *Backend) find(pid int) (string, bool) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(b.root, e.Name())
		for _, file := range []string{procsFile, tasksFile} {
			pids, err := readPids(dir, file)
			if err != nil {
				continue
			}
			for _, p := range pids {
				if p == pid {
					return dir, true
				}
			}
		}
	}
	return "", false
}

func (b *Backend) remove(id jobapi.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dir, err := b.path(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove container dir %s: %w", dir, err)
	}
	return nil
}

func dirID(dir string) (jobapi.ID, error) {
	var st unix.Stat_t
	if err := unix.Stat(dir, &st); err != nil {
		return jobapi.None, fmt.Errorf("stat %s: %w", dir, err)
	}
	return jobapi.ID(st.Ino), nil
}
