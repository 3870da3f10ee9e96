// Package jobapi defines the platform job-container primitive: a
// kernel-level grouping of processes with a numeric identifier. The
// manager in the parent package is written against this interface so
// the tracking protocol can be exercised against any backend that
// honors the errno conventions below.
package jobapi

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ID identifies one job container. The zero value means "no container".
type ID uint64

const (
	// None is the id of a step that has no container yet.
	None ID = 0

	// Invalid is the sentinel stored when container creation failed.
	Invalid ID = ^ID(0)
)

// An API provides access to the platform's job containers.
//
// Create associates the new container with the calling thread: the
// creating thread becomes the container's first member and its exit
// removes it again. Callers that need the container to outlive the
// creation site must keep that thread alive until a real process has
// been attached, because an empty container is invalid and may be
// reclaimed by the kernel at any time.
type API interface {
	// Create makes a new container owned by uid and returns its id.
	// The calling thread is implicitly attached.
	Create(uid uint32) (ID, error)

	// Attach adds pid to the container. Attaching a pid that is
	// already tracked in a different container fails with an
	// invalid-argument error (see IsInvalidArgument).
	Attach(pid int, id ID) error

	// Detach removes pid from whatever container currently holds it
	// and returns that container's id.
	Detach(pid int) (ID, error)

	// Lookup returns the container currently holding pid.
	Lookup(pid int) (ID, error)

	// Signal delivers sig to every member of the container.
	Signal(id ID, sig unix.Signal) error

	// Wait blocks until the container has no members left.
	Wait(id ID) error

	// Count returns the current number of members.
	Count(id ID) (int, error)

	// List returns up to max member pids. The set may shrink between
	// a Count and a List as members exit; it never grows past the
	// slack the caller reserves.
	List(id ID, max int) ([]int, error)

	// SetApplicationID stamps pid with an application identifier.
	SetApplicationID(pid int, apid uint64) error
}

// IsInvalidArgument reports whether err is the invalid-argument failure
// class, which for Attach means the pid is already a member of some
// container.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, unix.EINVAL)
}

// IsGone reports whether err means the container (or its last member)
// no longer exists. Callers treat this class as benign.
func IsGone(err error) bool {
	return errors.Is(err, unix.ENODATA) || errors.Is(err, unix.EBADF)
}
