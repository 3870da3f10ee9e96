// Package proctrack tracks the processes of a job step through a
// kernel job container: one container per step, created before the
// step's first task and torn down once every member has exited.
package proctrack

import (
	"golang.org/x/sys/unix"

	"github.com/schedcore/proctrack/jobapi"
)

// NoVal marks an unset 32-bit job field.
const NoVal = ^uint32(0)

// A Step describes one job step to be tracked. The Container Manager
// owns none of it; it only reads the identity fields and updates
// ContainerID under the caller's synchronization.
type Step struct {
	// ContainerID is jobapi.None until Create succeeds and
	// jobapi.Invalid if the platform create failed.
	ContainerID jobapi.ID

	// UID owns the container.
	UID uint32

	JobID  uint32
	StepID uint32

	// HetJobID is the leader job id of a heterogeneous job, or zero /
	// NoVal when the step is not part of one. When set it replaces
	// JobID in the application-id stamp so every component lands in
	// the same application.
	HetJobID uint32
}

// A Tracker manages the job containers of a node's steps.
//
// Errors returned here are per-operation: callers retry or surface
// them, they never treat one as fatal to the process.
type Tracker interface {
	// Create gives step a container, storing the id in
	// step.ContainerID. Calling it on a step that already has one is
	// a no-op. A platform creation failure is reported through the
	// jobapi.Invalid sentinel rather than an error so upstream
	// launch code does not retry the creation forever.
	Create(step *Step) error

	// Attach adds pid to step's container and stamps it as an
	// application process.
	Attach(step *Step, pid int) error

	// Signal delivers sig to every member of the container. A
	// container that is already gone counts as success.
	Signal(id jobapi.ID, sig unix.Signal) error

	// Wait blocks until the container has no members left.
	Wait(id jobapi.ID) error

	// Destroy reclaims the container. It always reports success so
	// cleanup loops do not spin on a container the kernel has
	// already reclaimed.
	Destroy(id jobapi.ID) error

	// Find returns the container currently holding pid, or
	// jobapi.None if it is not tracked.
	Find(pid int) jobapi.ID

	// HasPID reports whether pid is a member of the container.
	HasPID(id jobapi.ID, pid int) bool

	// PIDs returns the container's current member pids. The caller
	// owns the slice.
	PIDs(id jobapi.ID) ([]int, error)
}
