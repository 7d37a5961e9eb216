package jobtable

import (
	"golang.org/x/sys/unix"

	"github.com/nsh-project/nsh/internal/ioredir"
)

// Job is one pipeline: a chain of Processes sharing a single process
// group, plus the bookkeeping the executor/reaper/foreground controller
// need to track it to completion.
type Job struct {
	ID   int64 // monotonically increasing job_id
	PGID int   // 0 until the first child is forked

	Processes []*Process // head is the pipeline's leftmost command

	FG               bool // job currently owns (or last owned) the controlling terminal
	Constructed      bool // all children forked, pipes closed in parent
	Notified         bool // user has been informed of the last state change
	SkipNotification bool

	Command string // display string, e.g. "echo hi | cat"

	IO *ioredir.Chain // the job's own io chain, layered atop each process

	// SavedTermios holds the tty state captured when this job was last
	// stopped, so a later `fg` can restore exactly what the job left
	// behind (spec C7 step 3).
	SavedTermios *unix.Termios
}

// IsStopped reports whether every process is either completed or stopped,
// and at least one process exists (an empty job is never "stopped").
func (j *Job) IsStopped() bool {
	if len(j.Processes) == 0 {
		return false
	}
	for _, p := range j.Processes {
		if !p.Completed && !p.Stopped {
			return false
		}
	}
	return true
}

// IsCompleted reports whether every process has completed.
func (j *Job) IsCompleted() bool {
	if len(j.Processes) == 0 {
		return false
	}
	for _, p := range j.Processes {
		if !p.Completed {
			return false
		}
	}
	return true
}

// IsRunning reports whether at least one process is neither completed nor
// stopped, i.e. the job is actively running (not stopped, not done).
func (j *Job) IsRunning() bool {
	return !j.IsStopped() && !j.IsCompleted()
}

// LastProcess returns the pipeline's tail, or nil for an empty job.
func (j *Job) LastProcess() *Process {
	if len(j.Processes) == 0 {
		return nil
	}
	return j.Processes[len(j.Processes)-1]
}

// AddProcess appends p to the job's pipeline.
func (j *Job) AddProcess(p *Process) {
	j.Processes = append(j.Processes, p)
}

// ExitCode computes the job's exit status: the last process's exit code,
// per spec §4.5 step 3. Negation for `not`-prefixed jobs is the evaluator's
// responsibility (out of scope here, see spec §1).
func (j *Job) ExitCode() int {
	if p := j.LastProcess(); p != nil {
		return p.ExitCode()
	}
	return 0
}

// State renders the `jobs`-table state column per SPEC_FULL's
// supplemented jobs-output format.
func (j *Job) State() string {
	switch {
	case j.IsCompleted():
		return "done"
	case j.IsStopped():
		return "stopped"
	default:
		return "running"
	}
}
