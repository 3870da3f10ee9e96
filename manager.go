package proctrack

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/schedcore/proctrack/jobapi"
)

// pidSlack bounds the non-atomicity between the member count and the
// member list calls: members forked in between land in the slack.
const pidSlack = 128

// pendingCreation is the handshake state of one in-flight container
// creation. The worker goroutine owns an OS thread whose kernel
// membership keeps the new container non-empty until a real process
// has been attached.
type pendingCreation struct {
	// result carries the created id, or jobapi.Invalid, exactly once.
	result chan jobapi.ID

	// release is closed to let the worker drop its membership and exit.
	release chan struct{}

	// done is closed once the worker's thread is gone.
	done chan struct{}
}

// Manager implements Tracker on top of a platform job-container API.
// At most one creation worker exists at a time, process-wide; later
// creations block until the current worker has been retired.
type Manager struct {
	api jobapi.API

	// forked means step processes inherit container membership from
	// their parent at fork time, so creation can run on the calling
	// thread and attach is implicit.
	forked bool

	procRoot string
	slack    int

	// slotMu guards pending. It is held across retirement (release
	// plus join) and across the whole creation sequence. The
	// handshake channels are deliberately outside it so a worker can
	// finish its handshake while a retirement request is waiting on
	// the lock.
	slotMu  sync.Mutex
	pending *pendingCreation
}

var _ Tracker = (*Manager)(nil)

// An Option configures a Manager.
type Option func(*Manager)

// WithForkedProcesses declares that step processes are forked from a
// process that is already a container member.
func WithForkedProcesses() Option {
	return func(m *Manager) { m.forked = true }
}

// WithProcRoot overrides the /proc mount point used for the per-pid
// application marker files.
func WithProcRoot(root string) Option {
	return func(m *Manager) { m.procRoot = root }
}

// WithPIDSlack overrides the enumeration slack.
func WithPIDSlack(n int) Option {
	return func(m *Manager) { m.slack = n }
}

// New returns a Manager backed by api.
func New(api jobapi.API, opts ...Option) *Manager {
	m := &Manager{
		api:      api,
		procRoot: "/proc",
		slack:    pidSlack,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close retires any outstanding creation worker. Call it before the
// process exits so the worker thread is not abandoned.
func (m *Manager) Close() error {
	m.retire()
	return nil
}

// Create gives step a container. A platform creation failure is
// recorded as jobapi.Invalid and logged, not returned: upstream launch
// code treats the call as done either way instead of retrying the
// creation forever.
func (m *Manager) Create(step *Step) error {
	if step.ContainerID != jobapi.None {
		log.Errorf("create: step %d.%d already has container 0x%08x",
			step.JobID, step.StepID, uint64(step.ContainerID))
		return nil
	}

	if m.forked {
		// Membership is inherited across fork, so the container can
		// be created from the calling thread directly.
		step.ContainerID = m.createDirect(step.UID)
		return nil
	}

	// The platform hangs the new container off the calling thread,
	// and creating from this process would drag every one of its
	// threads in with no safe way to pick them back out. A dedicated
	// worker thread creates the container instead and stays attached
	// until a real process has joined; its exit then removes its pid
	// automatically. Empty containers are not valid.
	m.slotMu.Lock()
	defer m.slotMu.Unlock()
	for m.pending != nil {
		p := m.pending
		log.Debugf("create: waiting for previous creation worker")
		m.slotMu.Unlock()
		<-p.done
		m.slotMu.Lock()
		if m.pending == p {
			m.pending = nil
		}
	}

	p := &pendingCreation{
		result:  make(chan jobapi.ID, 1),
		release: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.runCreation(p, step.UID)

	id := <-p.result
	if id == jobapi.Invalid {
		// The worker exits on its own after a failed create; there
		// is no membership to keep alive.
		<-p.done
		step.ContainerID = jobapi.Invalid
		return nil
	}
	m.pending = p
	step.ContainerID = id
	log.Debugf("create: created container 0x%08x for step %d.%d",
		uint64(id), step.JobID, step.StepID)
	return nil
}

func (m *Manager) createDirect(uid uint32) jobapi.ID {
	id, err := m.api.Create(uid)
	if err != nil {
		log.Errorf("failed to create job container: %v", err)
		return jobapi.Invalid
	}
	return id
}

// runCreation is the creation worker. It pins its goroutine to an OS
// thread because the container is bound to the creating thread; the
// goroutine returning with the thread still locked makes the runtime
// discard the thread, which is what drops the worker's membership.
func (m *Manager) runCreation(p *pendingCreation, uid uint32) {
	defer close(p.done)

	runtime.LockOSThread()

	id, err := m.api.Create(uid)
	if err != nil {
		log.Errorf("failed to create job container: %v", err)
		p.result <- jobapi.Invalid
		return
	}
	p.result <- id

	// This thread is all that keeps the container non-empty. Stay
	// until told that a real process has been attached.
	<-p.release
}

// retire ends an outstanding creation worker and joins it, dropping
// the worker's membership from its container. Idempotent; safe to
// call with no worker pending. Must run before any signal, wait or
// destroy against the container so those calls never race the worker.
func (m *Manager) retire() {
	m.slotMu.Lock()
	defer m.slotMu.Unlock()
	if m.pending == nil {
		return
	}
	close(m.pending.release)
	<-m.pending.done
	m.pending = nil
}

func (m *Manager) hasPending() bool {
	m.slotMu.Lock()
	defer m.slotMu.Unlock()
	return m.pending != nil
}

// Attach adds pid to step's container, retires the creation worker
// now that real membership exists, and stamps the pid as an
// application process.
func (m *Manager) Attach(step *Step, pid int) error {
	// In forked mode the pid inherited its membership at fork time.
	if !m.forked {
		err := m.attach(step, pid)
		if errors.Is(err, errAlreadyMember) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	m.retire()

	return m.stamp(step, pid)
}

// attach performs the platform attach with a single corrective retry:
// an invalid-argument failure means the pid is already tracked, either
// in the target container (fine) or in the wrong one, in which case it
// is detached and the attach retried exactly once.
func (m *Manager) attach(step *Step, pid int) error {
	for attempt := 0; ; attempt++ {
		err := m.api.Attach(pid, step.ContainerID)
		if err == nil {
			return nil
		}
		if !jobapi.IsInvalidArgument(err) || attempt >= 1 {
			return fmt.Errorf("attach pid %d to container 0x%08x: %w",
				pid, uint64(step.ContainerID), err)
		}
		if m.HasPID(step.ContainerID, pid) {
			log.Debugf("attach: pid %d already in container 0x%08x, ignoring",
				pid, uint64(step.ContainerID))
			return errAlreadyMember
		}
		prev, derr := m.api.Detach(pid)
		if derr != nil {
			return fmt.Errorf("detach pid %d: %w", pid, derr)
		}
		log.Errorf("attach: pid %d was attached to container 0x%08x incorrectly, moving to 0x%08x",
			pid, uint64(prev), uint64(step.ContainerID))
	}
}

// stamp sets the pid's application id and marks it as an application
// process through its per-pid control file.
func (m *Manager) stamp(step *Step, pid int) error {
	jobID := step.JobID
	if step.HetJobID != 0 && step.HetJobID != NoVal {
		jobID = step.HetJobID
	}
	if err := m.api.SetApplicationID(pid, IDHash(jobID, step.StepID)); err != nil {
		return fmt.Errorf("set pid %d apid: %w", pid, err)
	}

	fname := filepath.Join(m.procRoot, strconv.Itoa(pid), "task_is_app")
	f, err := os.OpenFile(fname, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", fname, err)
	}
	defer f.Close()
	if _, err := f.Write([]byte("1")); err != nil {
		return fmt.Errorf("write %s: %w", fname, err)
	}
	return nil
}

// Signal delivers sig to every member of the container. While the
// creation worker is still the only member, SIGKILL means the job
// ended before it ever started: the worker is retired instead of
// signaled.
func (m *Manager) Signal(id jobapi.ID, sig unix.Signal) error {
	if !m.hasPending() {
		if err := m.api.Signal(id, sig); err != nil && !jobapi.IsGone(err) {
			return fmt.Errorf("signal container 0x%08x: %w", uint64(id), err)
		}
		return nil
	}
	if sig == unix.SIGKILL {
		m.retire()
		return nil
	}
	log.Errorf("trying to send signal %d to container 0x%08x that hasn't had anything added to it yet",
		sig, uint64(id))
	return nil
}

// Wait blocks until the container has no members left. With the
// creation worker still pending there is nothing real to wait for.
func (m *Manager) Wait(id jobapi.ID) error {
	if m.hasPending() {
		return nil
	}
	if err := m.api.Wait(id); err != nil {
		return fmt.Errorf("wait for container 0x%08x: %w", uint64(id), err)
	}
	return nil
}

// Destroy reclaims the container. Any failure is assumed to mean the
// container no longer exists and is reported as success so the
// cleanup loop above does not retry continuously.
func (m *Manager) Destroy(id jobapi.ID) error {
	log.Debugf("destroying container 0x%08x", uint64(id))
	if m.hasPending() {
		return nil
	}
	return bestEffort("destroy container", m.api.Wait(id))
}

// Find returns the container currently holding pid, or jobapi.None.
func (m *Manager) Find(pid int) jobapi.ID {
	id, err := m.api.Lookup(pid)
	if err != nil {
		return jobapi.None
	}
	return id
}

// HasPID reports whether pid is currently a member of the container.
// Lookup failures read as absence, not error.
func (m *Manager) HasPID(id jobapi.ID, pid int) bool {
	got, err := m.api.Lookup(pid)
	return err == nil && got == id
}

// PIDs returns the container's current member pids. The member set
// can shrink between the count and the list as processes exit; a list
// that comes back with no data means the last member just left, which
// is an empty result, not an error.
func (m *Manager) PIDs(id jobapi.ID) ([]int, error) {
	count, err := m.api.Count(id)
	if err != nil || count <= 0 {
		return nil, nil
	}
	pids, err := m.api.List(id, count+m.slack)
	if err != nil {
		if errors.Is(err, unix.ENODATA) {
			return nil, nil
		}
		return nil, fmt.Errorf("list container 0x%08x: %w", uint64(id), err)
	}
	return pids, nil
}
