// Package executor implements the executor (spec component C5), the
// heart of the shell core: it walks a job's process list, allocates
// pipes, forks/execs external commands, dispatches builtins/functions/
// blocks, wires pipes and redirections, assigns process groups, and hands
// off the controlling terminal, per spec §4.4's algorithm.
//
// Go-specific adaptation (documented in DESIGN.md): the source forks a
// tiny helper child purely to emit a captured builtin/block buffer
// downstream without blocking the pipeline (spec §4.4 step 4e). Go
// cannot fork without also exec'ing, so that helper step is modeled as a
// goroutine writing the buffer to the destination fd — functionally
// equivalent (downstream still observes the bytes through a real pipe
// fd) without a wasted exec of a trivial cat-like helper binary.
// Function/Block processes are likewise run via the injected EvalFunc on
// a goroutine rather than a forked child, and their completion is
// reported through Reaper.CheckJob instead of waitpid, since there is no
// real pid to reap.
package executor

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/nsh-project/nsh/internal/event"
	"github.com/nsh-project/nsh/internal/ioredir"
	"github.com/nsh-project/nsh/internal/jobtable"
	"github.com/nsh-project/nsh/internal/piperegistry"
	"github.com/nsh-project/nsh/internal/reaper"
	"github.com/nsh-project/nsh/internal/shellenv"
	"github.com/nsh-project/nsh/internal/siggate"
)

// newUnmanagedFile wraps a raw fd the executor already tracks and closes by
// hand (via the chain/piperegistry) in an *os.File suitable for
// exec.Cmd.Stdin/Stdout/Stderr, with its GC finalizer disarmed. os.Pipe and
// os.NewFile both attach runtime.SetFinalizer(f, (*file).close): left
// armed, the finalizer would close the fd a second time at an arbitrary
// later GC, after the number may already have been reused by an unrelated
// open/pipe elsewhere in this long-running process.
func newUnmanagedFile(fd int, name string) *os.File {
	f := os.NewFile(uintptr(fd), name)
	runtime.SetFinalizer(f, nil)
	return f
}

// ForegroundHandler is the slice of the foreground controller the executor
// needs: handing off the terminal and running the foreground wait loop.
type ForegroundHandler interface {
	Continue(job *jobtable.Job, resume bool) error
}

// Executor turns a parsed job into running processes.
type Executor struct {
	log    *zap.Logger
	jobs   *jobtable.List
	pipes  *piperegistry.Registry
	gate   *siggate.Gate
	disp   *event.Dispatcher
	env    *shellenv.Env
	reap   *reaper.Reaper
	fg     ForegroundHandler

	mu                sync.Mutex
	lastBackgroundPGID int
}

// New constructs an Executor.
func New(log *zap.Logger, jobs *jobtable.List, pipes *piperegistry.Registry, gate *siggate.Gate, disp *event.Dispatcher, env *shellenv.Env, reap *reaper.Reaper, fg ForegroundHandler) *Executor {
	return &Executor{
		log:   log.Named("executor"),
		jobs:  jobs,
		pipes: pipes,
		gate:  gate,
		disp:  disp,
		env:   env,
		reap:  reap,
		fg:    fg,
	}
}

// LastBackgroundPGID returns the pgid of the most recently backgrounded
// job (spec §4.4 step 5).
func (e *Executor) LastBackgroundPGID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastBackgroundPGID
}

// Run executes job's pipeline per spec §4.4. blockIO is the caller's
// block-level io chain (functions/begin-end/substitutions); it is merged
// into the job's own chain via a duplicate so later Remove calls never
// mutate the caller's chain (spec §4.4 step 2).
func (e *Executor) Run(job *jobtable.Job, blockIO *ioredir.Chain) error {
	// Step 1: whole-shell replacement.
	if len(job.Processes) == 1 && job.Processes[0].Type == jobtable.Exec {
		return e.execWholeShell(job)
	}

	sec := e.gate.Block()
	constructErr := e.construct(job, blockIO)
	sec.Close()

	job.Constructed = true

	if !job.FG {
		e.mu.Lock()
		e.lastBackgroundPGID = job.PGID
		e.mu.Unlock()
	}

	if constructErr != nil {
		e.log.Warn("job construction failed partway; already-forked children will still be reaped", zap.Error(constructErr))
	}

	if err := e.fg.Continue(job, false); err != nil {
		return err
	}
	return constructErr
}

func (e *Executor) construct(job *jobtable.Job, blockIO *ioredir.Chain) error {
	if job.IO == nil {
		job.IO = &ioredir.Chain{}
	}
	chain := job.IO

	if blockIO != nil {
		for _, entry := range blockIO.Duplicate().Entries() {
			chain.Append(entry)
		}
	}

	pipeWrite := &ioredir.Entry{FD: 1, Mode: ioredir.Pipe, Pipe: &ioredir.PipePayload{}}
	chain.Append(pipeWrite)

	n := len(job.Processes)
	prevReadFD := -1

	for i, p := range job.Processes {
		var pipeRead *ioredir.Entry
		if i > 0 {
			pipeRead = &ioredir.Entry{FD: 0, Mode: ioredir.Pipe, Pipe: &ioredir.PipePayload{ReadFD: prevReadFD}}
			chain.Append(pipeRead)
		}

		isLast := i == n-1
		var downstreamWriteFD = -1
		if !isLast {
			var fds [2]int
			if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
				return fmt.Errorf("pipe: %w", err)
			}
			// unix.Pipe2 returns bare fds with no GC finalizer attached,
			// unlike os.Pipe's *os.File wrappers: the chain/registry own
			// these fds by raw int for their whole lifetime and close them
			// explicitly below, so no finalizer should exist to race that.
			e.pipes.RegisterPipe(fds[0], fds[1], job.ID)
			pipeWrite.Pipe.WriteFD = fds[1]
			downstreamWriteFD = fds[1]
			prevReadFD = fds[0]
		} else {
			chain.Remove(pipeWrite)
		}

		stdinFD, stdinOwned := e.resolveInputFD(chain, p)
		closeStdin := func() {
			if stdinOwned {
				_ = syscall.Close(stdinFD)
				e.pipes.Deregister(stdinFD)
			}
		}
		closeDownstream := func() {
			if !isLast {
				_ = syscall.Close(downstreamWriteFD)
				e.pipes.Deregister(downstreamWriteFD)
			}
		}

		switch p.Type {
		case jobtable.Function, jobtable.Block:
			e.dispatchEval(job, p, chain, stdinFD, isLast, downstreamWriteFD, closeStdin, closeDownstream)
		case jobtable.Builtin:
			e.dispatchBuiltin(job, p, chain, stdinFD, isLast, downstreamWriteFD, closeStdin, closeDownstream)
		case jobtable.External:
			if err := e.dispatchExternal(job, p, chain, stdinFD, i == 0); err != nil {
				closeStdin()
				closeDownstream()
				return err
			}
			// cmd.Start() has already dup'd stdinFD/downstreamWriteFD into
			// the child by the time it returns, so the parent's copies can
			// be released immediately; unlike the goroutine-driven paths
			// below, there is no async reader left to race with.
			closeStdin()
			closeDownstream()
		}

		if pipeRead != nil {
			chain.Remove(pipeRead)
		}
	}

	chain.Remove(pipeWrite)
	return nil
}

// resolveInputFD returns the concrete fd a process should read from,
// derived from the job's fd-0 redirection at this point in construction
// (spec §4.4 step 4.BUILTIN: "resolve input fd ... FILE -> open here;
// FD -> use; PIPE -> read end"). owned reports whether the caller is
// responsible for closing the fd once the process is done with it: true
// for a pipe read end or a freshly opened file, false for inherited
// stdin or an FDDup (the shell does not own the dup source).
func (e *Executor) resolveInputFD(chain *ioredir.Chain, p *jobtable.Process) (fd int, owned bool) {
	entry := chain.Lookup(0)
	if entry == nil {
		return int(os.Stdin.Fd()), false
	}
	switch entry.Mode {
	case ioredir.Pipe:
		return entry.Pipe.ReadFD, true
	case ioredir.FDDup:
		return entry.FDDup.SrcFD, false
	case ioredir.File:
		// O_CLOEXEC here matches unix.Pipe2's use above: it is what keeps
		// this fd from leaking into any OTHER external command exec'd while
		// this one is still open (e.g. a concurrent background job), since
		// Go has no fork-without-exec step in which to sweep it manually.
		// exec.Cmd's own dup2 into the child's fd 0 is unaffected - that
		// dup'd descriptor starts without O_CLOEXEC regardless of the
		// source's flags.
		fd, err := syscall.Open(entry.File.Path, entry.File.Flags|syscall.O_CLOEXEC, entry.File.Perm)
		if err != nil {
			e.log.Warn("failed to open redirected input file", zap.String("path", entry.File.Path), zap.Error(err))
			return int(os.Stdin.Fd()), false
		}
		return fd, true
	default:
		return int(os.Stdin.Fd()), false
	}
}

// dispatchEval runs a Function/Block process via its injected EvalFunc on
// a goroutine (see package doc for why: no fork-without-exec in Go).
// closeStdin/closeDownstream release the parent's copies of this
// process's pipe fds once the goroutine is done reading/writing them;
// the construct loop cannot close them itself without racing the
// goroutine, since unlike os/exec.Cmd.Start there is no synchronous
// "the reader now has its own copy" point to close after.
func (e *Executor) dispatchEval(job *jobtable.Job, p *jobtable.Process, chain *ioredir.Chain, stdinFD int, isLast bool, downstreamWriteFD int, closeStdin, closeDownstream func()) {
	stdoutFD := int(os.Stdout.Fd())
	if !isLast {
		stdoutFD = downstreamWriteFD
	} else if oe := chain.Lookup(1); oe != nil && oe.Mode == ioredir.Buffer {
		stdoutFD = oe.Buffer.WriteFD
	}
	stderrFD := int(os.Stderr.Fd())
	if oe := chain.Lookup(2); oe != nil && oe.Mode == ioredir.FDDup {
		stderrFD = oe.FDDup.SrcFD
	}

	go func() {
		code := 0
		if p.Eval != nil {
			code = p.Eval(p.Argv, stdinFD, stdoutFD, stderrFD)
		}
		closeStdin()
		closeDownstream()
		p.Completed = true
		p.RawStatus = jobtable.MakeExitStatus(code)
		e.reap.CheckJob(job)
	}()
}

// dispatchBuiltin runs a Builtin process synchronously (per spec §4.4
// step 4.BUILTIN), capturing stdout/stderr into in-memory buffers, then
// decides whether a fork (here, a forwarding goroutine) is needed per
// step 4e's short-circuit rules.
func (e *Executor) dispatchBuiltin(job *jobtable.Job, p *jobtable.Process, chain *ioredir.Chain, stdinFD int, isLast bool, downstreamWriteFD int, closeStdin, closeDownstream func()) {
	var stdout, stderr bytes.Buffer
	code := 0
	if p.Builtin != nil {
		code = p.Builtin(p.Argv, stdinFD, &stdout, &stderr)
	}
	closeStdin()

	stdoutEntry := chain.Lookup(1)
	stderrEntry := chain.Lookup(2)

	// Route stdout and stderr each by the actual redirection mode of its own
	// fd, independently of one another (spec §9 resolves the source's
	// ambiguity this way): a Buffer redirection absorbs that fd's bytes.
	if stdoutEntry != nil && stdoutEntry.Mode == ioredir.Buffer {
		stdoutEntry.Buffer.Data = append(stdoutEntry.Buffer.Data, stdout.Bytes()...)
		stdout.Reset()
	}
	if stderrEntry != nil && stderrEntry.Mode == ioredir.Buffer {
		stderrEntry.Buffer.Data = append(stderrEntry.Buffer.Data, stderr.Bytes()...)
		stderr.Reset()
	}
	if stdoutEntry != nil && stdoutEntry.Mode == ioredir.Buffer && stderr.Len() == 0 {
		closeDownstream()
		e.finishInProcess(job, p, code)
		return
	}

	if isLast && stderr.Len() == 0 && (stdoutEntry == nil || stdoutEntry.Mode != ioredir.Pipe) {
		// Pipeline-final builtin writing straight to the terminal: no
		// forward needed at all (spec's "short-circuit").
		os.Stdout.Write(stdout.Bytes())
		closeDownstream()
		e.finishInProcess(job, p, code)
		return
	}

	destFD := int(os.Stdout.Fd())
	if !isLast {
		destFD = downstreamWriteFD
	} else if stdoutEntry != nil && stdoutEntry.Mode == ioredir.FDDup {
		destFD = stdoutEntry.FDDup.SrcFD
	}
	stderrDestFD := int(os.Stderr.Fd())
	if stderrEntry != nil && stderrEntry.Mode == ioredir.FDDup {
		stderrDestFD = stderrEntry.FDDup.SrcFD
	}

	go func() {
		if stdout.Len() > 0 {
			syscall.Write(destFD, stdout.Bytes())
		}
		if stderr.Len() > 0 {
			syscall.Write(stderrDestFD, stderr.Bytes())
		}
		closeDownstream()
		e.finishInProcess(job, p, code)
	}()
}

func (e *Executor) finishInProcess(job *jobtable.Job, p *jobtable.Process, code int) {
	p.Completed = true
	p.RawStatus = jobtable.MakeExitStatus(code)
	e.reap.CheckJob(job)
}

// dispatchExternal forks (via os/exec) and execs an external command,
// wiring its stdio from the chain and assigning its process group (spec
// §4.4 step 4f/4g). first indicates this is the pipeline's leftmost
// process, which becomes the job's pgid leader.
func (e *Executor) dispatchExternal(job *jobtable.Job, p *jobtable.Process, chain *ioredir.Chain, stdinFD int, first bool) error {
	path := p.Path
	if path == "" {
		path = p.Argv[0]
	}
	cmd := exec.Command(path, p.Argv[1:]...)
	cmd.Env = e.env.ExportArray()

	cmd.Stdin = newUnmanagedFile(stdinFD, "stdin")

	if entry := chain.Lookup(1); entry != nil {
		switch entry.Mode {
		case ioredir.Pipe:
			cmd.Stdout = newUnmanagedFile(entry.Pipe.WriteFD, "stdout")
		case ioredir.FDDup:
			cmd.Stdout = newUnmanagedFile(entry.FDDup.SrcFD, "stdout")
		case ioredir.Buffer:
			cmd.Stdout = newUnmanagedFile(entry.Buffer.WriteFD, "stdout")
		}
	} else {
		cmd.Stdout = os.Stdout
	}

	if entry := chain.Lookup(2); entry != nil && entry.Mode == ioredir.FDDup {
		cmd.Stderr = newUnmanagedFile(entry.FDDup.SrcFD, "stderr")
	} else {
		cmd.Stderr = os.Stderr
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    job.PGID, // 0 on the first process: setpgid(0,0), becomes the leader
	}
	if job.FG && first {
		// Foreground + Ctty performs the tcsetpgrp hand-off atomically in
		// the child before execve (spec §4.4 step 4f "atomically
		// tcsetpgrp"), closing the race window the foreground controller
		// otherwise has to redundantly re-close (spec §4.6). Ctty is an
		// index into the child's post-exec fd table (0 == its stdin, which
		// cmd.Stdin above binds to the job's controlling-terminal fd for
		// the pipeline's first process), not a raw fd number.
		cmd.SysProcAttr.Foreground = true
		cmd.SysProcAttr.Ctty = 0
	}

	// Sweep any pipe fd left registered against a different, already-done
	// job before forking this child (spec §4.2/§5's close_unused_internal_
	// pipes equivalent): such a leftover is a leak (see CloseStray's doc
	// comment for why it can never belong to a still-running job or to an
	// in-flight stage of this job), and every child this process forks
	// would otherwise inherit it, holding a stale pipeline's write end open
	// long after that pipeline's real writers have exited.
	e.pipes.CloseStray(job.ID, func(ownerJobID int64) bool {
		owner := e.jobs.GetByID(ownerJobID)
		return owner == nil || owner.IsCompleted()
	}, unix.Close)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("fork failure: %w", err)
	}

	p.PID = cmd.Process.Pid
	if job.PGID == 0 {
		job.PGID = p.PID
	}
	// Redundant parent-side setpgid per spec §4.4 step 4g / §4.6 "Race
	// handling": ignore ESRCH/EACCES from a child that has already exec'd.
	// The parent-side tcsetpgrp is issued by the foreground controller's
	// hand-off in Continue, not here.
	_ = syscall.Setpgid(p.PID, job.PGID)

	// Deliberately never call cmd.Wait here: the reaper (C6) is the sole
	// owner of waitpid(-1, ...) for every child across every job. Calling
	// cmd.Wait from here would race that central sweep for the same pid's
	// status - whichever wait4 call lands first starves the other.
	// cmd.Process.Release is skipped for the same reason: it would mark
	// the *os.Process as already-waited and make a later accidental
	// Wait/Signal on it return ECHILD/EINVAL instead of acting on the
	// still-live child the reaper hasn't reported on yet.

	return nil
}

// execWholeShell implements the EXEC process type: skip forking and
// execve directly after installing redirections (spec §4.4 step 1).
func (e *Executor) execWholeShell(job *jobtable.Job) error {
	p := job.Processes[0]
	path := p.Path
	if path == "" {
		path = p.Argv[0]
	}
	env := e.env.ExportArray()
	return syscall.Exec(path, p.Argv, env)
}
