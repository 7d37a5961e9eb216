// Package piperegistry implements the shell-wide catalogue of pipe fds the
// shell itself created (spec component C2). The source's equivalent
// (exec.c's open_fds / close_unused_internal_pipes) closes stray fds by
// sweeping a forked child's inherited copy of every pipe the shell has
// ever created; Go has no fork-without-exec, so a child only ever inherits
// the fds the executor explicitly hands it (plus anything lacking
// O_CLOEXEC). Stray-fd risk in this port is therefore scoped to leftovers
// from OTHER, already-completed jobs that were never deregistered due to
// an error path - CloseStray sweeps exactly those.
package piperegistry

import (
	"sync"

	"go.uber.org/zap"
)

// Registry is safe for concurrent use. The zero value is not usable; build
// one with New.
type Registry struct {
	log *zap.Logger
	mu  sync.Mutex
	fds map[int]int64 // fd -> owning job ID
}

// New constructs an empty registry.
func New(log *zap.Logger) *Registry {
	return &Registry{
		log: log.Named("piperegistry"),
		fds: make(map[int]int64),
	}
}

// RegisterPipe records both ends of a pipe() call, tagged with the job they
// were allocated for. Call this immediately after a successful pipe(2) and
// before either end can be passed to another goroutine.
func (r *Registry) RegisterPipe(readFD, writeFD int, jobID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fds[readFD] = jobID
	r.fds[writeFD] = jobID
}

// Deregister removes fd from the registry. Call this through every
// shell-internal close of a registered fd; deregistering an fd not present
// is a no-op.
func (r *Registry) Deregister(fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fds, fd)
}

// Contains reports whether fd is currently registered.
func (r *Registry) Contains(fd int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.fds[fd]
	return ok
}

// Snapshot returns the currently registered fds. The result is a copy; it
// does not observe later Register/Deregister calls.
func (r *Registry) Snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.fds))
	for fd := range r.fds {
		out = append(out, fd)
	}
	return out
}

// CloseStray closes every registered fd owned by a job other than
// currentJobID for which isStale reports true, via closeFn (typically
// unix.Close), and deregisters each fd it closes.
//
// currentJobID's own fds are never touched here: within one job's own
// pipeline, a fd can still be legitimately in flight on a Function/Block/
// Builtin forwarding goroutine for an earlier stage while a later stage is
// being dispatched, and closing it out from under that goroutine would be
// its own use-after-close bug. isStale exists to make the same guarantee
// for OTHER jobs: per executor invariant, every process closes and
// deregisters its own fds strictly before marking itself Completed (see
// executor.dispatchEval/dispatchBuiltin), so a fd still found registered
// against a job for which isStale (job completed or no longer tracked)
// reports true is a genuine leak, not a fd some goroutine still needs.
//
// Errors from closeFn are swallowed (the fd may already be closed by a
// prior step, e.g. CLOEXEC or an earlier dup2 that happened to reuse the
// number); this mirrors the teacher's close-best-effort style in
// process.pipes (process.go) where setup-time close failures are not
// treated as fatal.
func (r *Registry) CloseStray(currentJobID int64, isStale func(ownerJobID int64) bool, closeFn func(fd int) error) {
	r.mu.Lock()
	victims := make([]int, 0, len(r.fds))
	for fd, owner := range r.fds {
		if owner != currentJobID && isStale(owner) {
			victims = append(victims, fd)
		}
	}
	r.mu.Unlock()

	for _, fd := range victims {
		_ = closeFn(fd)
		r.Deregister(fd)
	}
}
