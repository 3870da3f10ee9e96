//go:build linux

/*
Tests run against a container hierarchy rooted in a temp directory.
Member liveness is real: the backend checks the process table, so
exit is exercised with actual child processes and threads.
*/
package cgroups

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/schedcore/proctrack/jobapi"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(filepath.Join(t.TempDir(), "job"))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func mustCreate(t *testing.T, b *Backend) jobapi.ID {
	t.Helper()
	id, err := b.Create(uint32(os.Getuid()))
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestCreateAttachesCallingThread(t *testing.T) {
	b := newTestBackend(t)
	id := mustCreate(t, b)
	if id == jobapi.None {
		t.Fatal("got zero container id")
	}

	count, err := b.Count(id)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("new container has %d members, want the creating thread only", count)
	}
}

func TestAttachLookupDetach(t *testing.T) {
	b := newTestBackend(t)
	id := mustCreate(t, b)
	pid := os.Getpid()

	if err := b.Attach(pid, id); err != nil {
		t.Fatal(err)
	}
	got, err := b.Lookup(pid)
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Fatalf("Lookup(%d) = %#x, want %#x", pid, got, id)
	}

	prev, err := b.Detach(pid)
	if err != nil {
		t.Fatal(err)
	}
	if prev != id {
		t.Fatalf("Detach returned %#x, want %#x", prev, id)
	}
	if _, err := b.Lookup(pid); err == nil {
		t.Fatal("pid still tracked after detach")
	}
}

func TestAttachAlreadyTracked(t *testing.T) {
	b := newTestBackend(t)
	first := mustCreate(t, b)
	second := mustCreate(t, b)
	pid := os.Getpid()

	if err := b.Attach(pid, first); err != nil {
		t.Fatal(err)
	}
	err := b.Attach(pid, second)
	if !errors.Is(err, unix.EINVAL) {
		t.Fatalf("attach of a tracked pid: got %v, want EINVAL", err)
	}
}

func TestAttachUnknownContainer(t *testing.T) {
	b := newTestBackend(t)
	err := b.Attach(os.Getpid(), jobapi.ID(0x999))
	if !errors.Is(err, unix.EINVAL) {
		t.Fatalf("got %v, want EINVAL", err)
	}
}

func TestGoneContainerReadsAsNoData(t *testing.T) {
	b := newTestBackend(t)
	id := jobapi.ID(0x999)

	if err := b.Signal(id, unix.SIGTERM); !errors.Is(err, unix.ENODATA) {
		t.Fatalf("Signal: got %v, want ENODATA", err)
	}
	if _, err := b.Count(id); !errors.Is(err, unix.ENODATA) {
		t.Fatalf("Count: got %v, want ENODATA", err)
	}
	if _, err := b.List(id, 10); !errors.Is(err, unix.ENODATA) {
		t.Fatalf("List: got %v, want ENODATA", err)
	}
}

func TestSignalMembers(t *testing.T) {
	b := newTestBackend(t)
	id := mustCreate(t, b)
	if err := b.Attach(os.Getpid(), id); err != nil {
		t.Fatal(err)
	}
	// Signal 0 probes deliverability without side effects.
	if err := b.Signal(id, 0); err != nil {
		t.Fatal(err)
	}
}

func TestListTruncatesToMax(t *testing.T) {
	b := newTestBackend(t)
	id := mustCreate(t, b)
	if err := b.Attach(os.Getpid(), id); err != nil {
		t.Fatal(err)
	}

	pids, err := b.List(id, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(pids) != 1 {
		t.Fatalf("got %d pids, want 1", len(pids))
	}
}

func TestWaitReclaimsEmptyContainer(t *testing.T) {
	b := newTestBackend(t)
	id := mustCreate(t, b)

	// Simulate the creating thread exiting.
	dir, err := b.path(id)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, tasksFile), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := b.Wait(id); err != nil {
		t.Fatal(err)
	}
	if _, err := b.path(id); !errors.Is(err, unix.ENODATA) {
		t.Fatalf("container still present after Wait: %v", err)
	}
}

func TestWaitAfterMembersExit(t *testing.T) {
	b := newTestBackend(t)

	// Create from a thread that exits right afterwards, the way the
	// manager's creation worker does once it is retired.
	type result struct {
		id  jobapi.ID
		err error
	}
	ch := make(chan result)
	go func() {
		runtime.LockOSThread()
		id, err := b.Create(uint32(os.Getuid()))
		ch <- result{id, err}
	}()
	res := <-ch
	if res.err != nil {
		t.Fatal(res.err)
	}

	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.Attach(cmd.Process.Pid, res.id); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Process.Kill(); err != nil {
		t.Fatal(err)
	}
	cmd.Wait()

	done := make(chan error, 1)
	go func() { done <- b.Wait(res.id) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Wait did not return after every member exited")
	}
	if _, err := b.path(res.id); !errors.Is(err, unix.ENODATA) {
		t.Fatalf("container still present after Wait: %v", err)
	}
}

func TestPidsDropDeadMembers(t *testing.T) {
	b := newTestBackend(t)
	id := mustCreate(t, b)

	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	pid := cmd.Process.Pid
	if err := b.Attach(pid, id); err != nil {
		t.Fatal(err)
	}
	if count, err := b.Count(id); err != nil || count != 2 {
		t.Fatalf("Count = %d, %v, want 2 members", count, err)
	}

	if err := cmd.Process.Kill(); err != nil {
		t.Fatal(err)
	}
	cmd.Wait()

	count, err := b.Count(id)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("Count = %d after child exit, want the creating thread only", count)
	}

	// The stale entry is compacted out of the file, not just skipped.
	dir, err := b.path(id)
	if err != nil {
		t.Fatal(err)
	}
	procs, err := readPids(dir, procsFile)
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 0 {
		t.Fatalf("procs file still lists %v after exit", procs)
	}
}

func TestPidsDeduplicated(t *testing.T) {
	b := newTestBackend(t)
	id := mustCreate(t, b)

	dir, err := b.path(id)
	if err != nil {
		t.Fatal(err)
	}
	tasks, err := readPids(dir, tasksFile)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("tasks = %v, %v", tasks, err)
	}
	// The creating thread's id listed in both membership files still
	// counts as one member.
	if err := appendPid(dir, procsFile, tasks[0]); err != nil {
		t.Fatal(err)
	}

	count, err := b.Count(id)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("Count = %d for a duplicated member, want 1", count)
	}
}

func TestSetApplicationID(t *testing.T) {
	b := newTestBackend(t)
	id := mustCreate(t, b)
	pid := os.Getpid()

	if err := b.Attach(pid, id); err != nil {
		t.Fatal(err)
	}
	if err := b.SetApplicationID(pid, 0x5000004d2); err != nil {
		t.Fatal(err)
	}

	dir, err := b.path(id)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, apidFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "21474837714") {
		t.Fatalf("apid record missing from %q", string(data))
	}
}

func TestSetApplicationIDUntracked(t *testing.T) {
	b := newTestBackend(t)
	if err := b.SetApplicationID(1, 42); !errors.Is(err, unix.ESRCH) {
		t.Fatalf("got %v, want ESRCH", err)
	}
}
