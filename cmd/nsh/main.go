// Command nsh is the interactive shell entry point: it wires every core
// component together (C1-C11), installs the SIGCHLD-driven reap loop,
// and runs a minimal line-oriented reader sufficient to demonstrate job
// control end to end. A full parser/evaluator (quoting, substitution,
// control flow) is an external collaborator's concern per spec §1; this
// reader only splits on whitespace and recognizes a trailing `&` and a
// pipe-separated pipeline, enough to drive the executor/reaper/
// foreground controller through their real state machines.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/nsh-project/nsh/internal/builtin"
	"github.com/nsh-project/nsh/internal/config"
	"github.com/nsh-project/nsh/internal/debugapi"
	"github.com/nsh-project/nsh/internal/event"
	"github.com/nsh-project/nsh/internal/executor"
	"github.com/nsh-project/nsh/internal/foreground"
	"github.com/nsh-project/nsh/internal/jobtable"
	"github.com/nsh-project/nsh/internal/piperegistry"
	"github.com/nsh-project/nsh/internal/reaper"
	"github.com/nsh-project/nsh/internal/shellenv"
	"github.com/nsh-project/nsh/internal/siggate"
	"github.com/nsh-project/nsh/internal/univar"
	"github.com/nsh-project/nsh/internal/univarproto"

	"golang.org/x/sys/unix"
)

// status implements reaper.StatusSink: the shell-visible $status of the
// last foreground job.
type status struct{ code int }

func (s *status) SetStatus(code int) { s.code = code }

func main() {
	cfg := config.LoadShell()

	logCfg := zap.NewDevelopmentConfig()
	if lvl, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		logCfg.Level = lvl
	}
	log, err := logCfg.Build()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	jobs := jobtable.New(log)
	pipes := piperegistry.New(log)
	gate := &siggate.Gate{}
	disp := event.New(log, nil)
	env := shellenv.New()
	st := &status{}

	waiter := func(flags int) (int, syscall.WaitStatus, bool, error) {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, flags, nil)
		if err != nil {
			return 0, ws, false, err
		}
		if pid == 0 {
			return 0, ws, false, nil
		}
		return pid, ws, true, nil
	}
	notifier := &reaper.StderrNotifier{W: os.Stderr}
	reap := reaper.New(log, jobs, gate, disp, waiter, notifier, st)

	shellPGID, err := unix.Getpgid(0)
	if err != nil {
		log.Fatal("getpgid", zap.Error(err))
	}
	fg, err := foreground.New(log, int(os.Stdin.Fd()), shellPGID, reap)
	if err != nil {
		log.Warn("no controlling terminal; job control disabled", zap.Error(err))
	}

	exec := executor.New(log, jobs, pipes, gate, disp, env, reap, fg)

	uvar := univar.New(log, cfg.UnivarSocket, func(op univarproto.Op, name, value string) {}, nil, cfg.UnivarMaxTries)

	builtins := builtin.New(jobs, fg, disp, env, uvar)

	sigchld := make(chan os.Signal, 16)
	signal.Notify(sigchld, unix.SIGCHLD)
	go func() {
		for range sigchld {
			if err := reap.Reap(false); err != nil {
				log.Debug("reap", zap.Error(err))
			}
		}
	}()

	if cfg.DebugAddr != "" {
		sendSignal := func(pgid int, sig unix.Signal) error {
			if pgid == 0 {
				return nil
			}
			return unix.Kill(-pgid, sig)
		}
		api := debugapi.New(log, jobs, []byte("nsh-debugapi-dev-secret"), sendSignal)
		go func() {
			if err := api.Run(cfg.DebugAddr); err != nil {
				log.Warn("debug api stopped", zap.Error(err))
			}
		}()
	}

	runLoop(jobs, builtins, exec, st)
}

func runLoop(jobs *jobtable.List, builtins *builtin.Registry, exec *executor.Executor, st *status) {
	sc := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "nsh> ")
		if !sc.Scan() {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		background := false
		if strings.HasSuffix(line, "&") {
			background = true
			line = strings.TrimSpace(strings.TrimSuffix(line, "&"))
		}

		job := jobs.Create(line)
		job.FG = !background

		for _, stage := range strings.Split(line, "|") {
			fields := strings.Fields(stage)
			if len(fields) == 0 {
				continue
			}
			if b := builtins.Lookup(fields[0]); b != nil {
				job.AddProcess(&jobtable.Process{Type: jobtable.Builtin, Argv: fields, Builtin: b})
				continue
			}
			p := jobtable.NewProcess(jobtable.External, fields)
			job.AddProcess(p)
		}

		if len(job.Processes) == 0 {
			continue
		}

		if err := exec.Run(job, nil); err != nil {
			fmt.Fprintln(os.Stderr, "nsh:", err)
		}

		if job.FG {
			fmt.Fprintf(os.Stderr, "[exit %d]\n", st.code)
		}
	}
}
