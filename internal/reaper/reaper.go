// Package reaper implements the reaper & notifier (spec component C6): a
// single job_reap entry point that drains waitpid(-1, WNOHANG|WUNTRACED)
// in a loop, maps raw statuses onto process/job state, fires events
// through the event dispatcher, updates $status, and prints background
// job notifications.
//
// Grounded on the teacher's process-exit handling style in
// internal/infrastructure/processmgr/process.go (supervise's cmd.Wait +
// exit-status decoding) and process_manager.go (SIGTERM/SIGKILL
// escalation logging), generalized here from "one supervised long-lived
// process" to "reap every outstanding child across every job, in a
// single non-blocking or blocking sweep".
package reaper

import (
	"fmt"
	"io"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/nsh-project/nsh/internal/event"
	"github.com/nsh-project/nsh/internal/jobtable"
	"github.com/nsh-project/nsh/internal/siggate"
)

// StatusSink receives $status updates. The evaluator (external
// collaborator) implements this to make exit codes visible to scripts.
type StatusSink interface {
	SetStatus(code int)
}

// Waiter abstracts waitpid(2) so tests can substitute a scripted fake.
// It must behave like waitpid(-1, &status, flags): return pid==0 and
// ok==false when there is nothing to report (WNOHANG with no change),
// and an error for any other failure (notably ECHILD, which Reaper
// treats as "nothing left to wait for", not an error).
type Waiter func(flags int) (pid int, status syscall.WaitStatus, ok bool, err error)

// Notifier prints the background job notification format from spec §6.
// The default writes to stderr; tests can substitute an in-memory sink.
type Notifier interface {
	NotifyCompleted(jobID int64, pgid int, command string)
	NotifyStopped(jobID int64, pgid int, command string)
}

// Reaper drains child-status changes into the job table.
type Reaper struct {
	log    *zap.Logger
	jobs   *jobtable.List
	gate   *siggate.Gate
	disp   *event.Dispatcher
	wait   Waiter
	notify Notifier
	status StatusSink

	mu              sync.Mutex
	currentForeground int64 // job ID currently foreground, 0 if none
}

// New constructs a Reaper.
func New(log *zap.Logger, jobs *jobtable.List, gate *siggate.Gate, disp *event.Dispatcher, wait Waiter, notify Notifier, status StatusSink) *Reaper {
	return &Reaper{
		log:    log.Named("reaper"),
		jobs:   jobs,
		gate:   gate,
		disp:   disp,
		wait:   wait,
		notify: notify,
		status: status,
	}
}

// SetForeground records which job (if any) currently owns the terminal,
// so Reap knows to suppress its notification per spec §4.5 step 5.
func (r *Reaper) SetForeground(jobID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentForeground = jobID
}

// Reap runs one job_reap sweep. When block is true, the first waitpid
// call is allowed to block (used by job_continue's foreground wait);
// every subsequent call within the same sweep remains non-blocking so the
// sweep still terminates once the wait queue is drained.
func (r *Reaper) Reap(block bool) error {
	sec := r.gate.Block()
	defer sec.Close()

	r.disp.BeginReapCycle()
	defer r.disp.EndReapCycle()

	first := true
	for {
		flags := syscall.WUNTRACED | syscall.WCONTINUED
		if !(block && first) {
			flags |= syscall.WNOHANG
		}
		first = false

		pid, status, ok, err := r.wait(flags)
		if err != nil {
			if err == syscall.ECHILD {
				return nil
			}
			return fmt.Errorf("waitpid: %w", err)
		}
		if !ok {
			return nil
		}

		r.handleStatus(pid, status)
	}
}

func (r *Reaper) handleStatus(pid int, status syscall.WaitStatus) {
	job, proc := r.jobs.GetFromPID(pid)
	if job == nil {
		// Unknown pid: may be a grandchild from a subshell (spec §4.5 step 1).
		r.log.Debug("reaped unknown pid, discarding", zap.Int("pid", pid))
		return
	}

	proc.RawStatus = status
	switch {
	case status.Exited():
		proc.Completed = true
		proc.Stopped = false
	case status.Signaled():
		proc.Completed = true
		proc.Stopped = false
	case status.Stopped():
		proc.Stopped = true
	case status.Continued():
		proc.Stopped = false
	}

	r.disp.Fire(event.Event{Kind: event.Exit, Param: fmt.Sprintf("%d", pid), Args: []string{fmt.Sprintf("%d", pid)}})

	r.checkJobLocked(job)
}

// checkJobLocked re-evaluates job's aggregate state and drives
// finish/stop bookkeeping. Callers must already hold the gate (Reap does,
// via handleStatus; CheckJob acquires it itself).
func (r *Reaper) checkJobLocked(job *jobtable.Job) {
	if job.IsCompleted() {
		r.finishJob(job)
	} else if job.IsStopped() {
		r.stopJob(job)
	}
}

// CheckJob re-evaluates job's aggregate completion/stop state after a
// caller has directly updated one of its Processes outside of waitpid —
// namely the executor's in-process completion of a Builtin/Function/Block
// step that was never forked (spec §9 "Re-entrancy of the evaluator": the
// trampoline completes on this goroutine, not via SIGCHLD, so it must
// drive the same finish/notify path the reaper would for a forked child).
func (r *Reaper) CheckJob(job *jobtable.Job) {
	sec := r.gate.Block()
	defer sec.Close()

	r.disp.BeginReapCycle()
	defer r.disp.EndReapCycle()

	r.checkJobLocked(job)
}

func (r *Reaper) finishJob(job *jobtable.Job) {
	// $status reflects the job's last process's exit code (spec §4.5 step 3).
	if r.status != nil {
		r.status.SetStatus(job.ExitCode())
	}

	r.disp.Fire(event.Event{Kind: event.JobID, Param: fmt.Sprintf("%d", job.ID), Args: []string{fmt.Sprintf("%d", job.ID)}})

	r.mu.Lock()
	isForeground := r.currentForeground == job.ID
	r.mu.Unlock()

	if !job.SkipNotification && !isForeground && !job.FG {
		if r.notify != nil {
			r.notify.NotifyCompleted(job.ID, job.PGID, job.Command)
		}
		job.Notified = true
	} else {
		// Foreground jobs are reported via the prompt, not a notification.
		job.Notified = true
	}

	r.jobs.Free(job)
}

func (r *Reaper) stopJob(job *jobtable.Job) {
	// Stopped: leave $status untouched per spec §4.5 step 3 / §7 table.
	r.mu.Lock()
	isForeground := r.currentForeground == job.ID
	r.mu.Unlock()

	if !job.SkipNotification && !isForeground {
		if r.notify != nil {
			r.notify.NotifyStopped(job.ID, job.PGID, job.Command)
		}
	}
	job.Notified = false // a stop is a new state the user must be (re-)informed of
}

// StderrNotifier implements Notifier using the exact wording from spec §6:
// "Job <id>, '<command>' has ended" / "... has stopped".
type StderrNotifier struct {
	W io.Writer
}

func (n *StderrNotifier) NotifyCompleted(jobID int64, pgid int, command string) {
	fmt.Fprintf(n.W, "Job %d, '%s' has ended\n", jobID, command)
}

func (n *StderrNotifier) NotifyStopped(jobID int64, pgid int, command string) {
	fmt.Fprintf(n.W, "Job %d, '%s' has stopped\n", jobID, command)
}
