package jobtable

import (
	"sync"

	"go.uber.org/zap"
)

// List is the shell's job list: a collection ordered most-recently-used
// first. The head's first Constructed job is the default target for
// `fg`/`bg` without arguments. Entries are removed once both Completed
// and Notified are true (see Reap in the reaper package, which drives
// that removal).
//
// List is safe for concurrent use; the executor, reaper, and foreground
// controller all touch it from different call sites and spec §5 requires
// SIGCHLD to be blocked (via siggate) around the mutations that matter,
// but the list itself does not assume its caller already holds an
// external lock.
type List struct {
	log *zap.Logger

	mu     sync.Mutex
	jobs   []*Job // index 0 is most-recently-used
	nextID int64
}

// New constructs an empty job list.
func New(log *zap.Logger) *List {
	return &List{log: log.Named("jobtable"), nextID: 1}
}

// Create allocates a new Job with the next job_id and adds it at the
// front of the list (it is, by construction, the most recently used).
func (l *List) Create(command string) *Job {
	l.mu.Lock()
	defer l.mu.Unlock()

	j := &Job{ID: l.nextID, Command: command}
	l.nextID++
	l.jobs = append([]*Job{j}, l.jobs...)
	return j
}

// Promote moves j to the front of the list. Promoting the current head
// (including repeated promotions) is a documented no-op: spec §9 flags
// the source's make_first as using an uninitialized `prev` when j is
// already the head, and requires treating that case as a no-op rather
// than replicating the bug.
func (l *List) Promote(j *Job) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.jobs) == 0 || l.jobs[0] == j {
		return
	}
	for i, cur := range l.jobs {
		if cur == j {
			l.jobs = append(l.jobs[:i], l.jobs[i+1:]...)
			l.jobs = append([]*Job{j}, l.jobs...)
			return
		}
	}
}

// Free removes j from the list. It is the caller's responsibility (the
// reaper) to only call this once j.Completed && j.Notified and all event
// handlers for its exit have fired, per spec §3 job lifecycle.
func (l *List) Free(j *Job) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, cur := range l.jobs {
		if cur == j {
			l.jobs = append(l.jobs[:i], l.jobs[i+1:]...)
			return
		}
	}
}

// GetFromPID linearly scans every process of every job for a matching
// pid, per spec C3's job_get_from_pid contract.
func (l *List) GetFromPID(pid int) (*Job, *Process) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, j := range l.jobs {
		for _, p := range j.Processes {
			if p.PID == pid {
				return j, p
			}
		}
	}
	return nil, nil
}

// GetByID returns the job with the given ID, or nil.
func (l *List) GetByID(id int64) *Job {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, j := range l.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// DefaultTarget returns the head's first Constructed job, the default
// target for `fg`/`bg` without arguments, or nil if none qualifies.
func (l *List) DefaultTarget() *Job {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, j := range l.jobs {
		if j.Constructed {
			return j
		}
	}
	return nil
}

// All returns a snapshot of the job list in most-recently-used order.
func (l *List) All() []*Job {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Job, len(l.jobs))
	copy(out, l.jobs)
	return out
}
