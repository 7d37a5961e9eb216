// Package builtin implements the shell-facing builtin dispatch surface
// the evaluator (an external collaborator, spec §1) calls into: fg, bg,
// jobs, function (event-handler registration), and set -U (universal
// variables). Each builtin satisfies jobtable.BuiltinFunc so the
// executor can run it like any other pipeline step.
package builtin

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/nsh-project/nsh/internal/event"
	"github.com/nsh-project/nsh/internal/foreground"
	"github.com/nsh-project/nsh/internal/jobtable"
	"github.com/nsh-project/nsh/internal/shellenv"
	"github.com/nsh-project/nsh/internal/univar"
)

// Registry wires the builtins to the shell state they operate on and
// exposes them by name for the evaluator's command dispatch.
type Registry struct {
	jobs  *jobtable.List
	fg    *foreground.Controller
	disp  *event.Dispatcher
	env   *shellenv.Env
	uvar  *univar.Client
}

// New constructs a builtin Registry.
func New(jobs *jobtable.List, fg *foreground.Controller, disp *event.Dispatcher, env *shellenv.Env, uvar *univar.Client) *Registry {
	return &Registry{jobs: jobs, fg: fg, disp: disp, env: env, uvar: uvar}
}

// Lookup returns the BuiltinFunc for name, or nil if name is not a builtin.
func (r *Registry) Lookup(name string) jobtable.BuiltinFunc {
	switch name {
	case "fg":
		return r.fgBuiltin
	case "bg":
		return r.bgBuiltin
	case "jobs":
		return r.jobsBuiltin
	case "function":
		return r.functionBuiltin
	case "set":
		return r.setBuiltin
	default:
		return nil
	}
}

func (r *Registry) resolveJobArg(argv []string) (*jobtable.Job, error) {
	if len(argv) < 2 {
		return r.jobs.DefaultTarget(), nil
	}
	spec := strings.TrimPrefix(argv[1], "%")
	id, err := strconv.ParseInt(spec, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid job spec %q", argv[1])
	}
	return r.jobs.GetByID(id), nil
}

// fgBuiltin implements `fg [%job]`: bring a background/stopped job to the
// foreground and wait for it, per spec §4.6's job_continue contract.
func (r *Registry) fgBuiltin(argv []string, stdinFD int, stdout, stderr io.Writer) int {
	job, err := r.resolveJobArg(argv)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if job == nil {
		fmt.Fprintln(stderr, "fg: no such job")
		return 1
	}
	r.jobs.Promote(job)
	job.FG = true
	job.SkipNotification = false
	if err := r.fg.Continue(job, job.IsStopped()); err != nil {
		fmt.Fprintln(stderr, "fg:", err)
		return 1
	}
	return job.ExitCode()
}

// bgBuiltin implements `bg [%job]`: resume a stopped job in the
// background (spec §4.6, job_continue with resume=job.IsStopped(),
// job.FG=false).
func (r *Registry) bgBuiltin(argv []string, stdinFD int, stdout, stderr io.Writer) int {
	job, err := r.resolveJobArg(argv)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if job == nil {
		fmt.Fprintln(stderr, "bg: no such job")
		return 1
	}
	r.jobs.Promote(job)
	job.FG = false
	if err := r.fg.Continue(job, job.IsStopped()); err != nil {
		fmt.Fprintln(stderr, "bg:", err)
		return 1
	}
	return 0
}

// jobsBuiltin implements `jobs`: list every tracked job with its state,
// per SPEC_FULL's supplemented jobs-table format.
func (r *Registry) jobsBuiltin(argv []string, stdinFD int, stdout, stderr io.Writer) int {
	all := r.jobs.All()
	for _, j := range all {
		fmt.Fprintf(stdout, "[%d]  %-8s %d  %s\n", j.ID, j.State(), j.PGID, j.Command)
	}
	return 0
}

// functionBuiltin implements `function <pattern-kind> <param> <name>`:
// registers name as an event handler, per spec §4.9 C11's Register
// contract. Actual function bodies live in the evaluator; here we only
// record the binding, and the evaluator supplies the Invoker that
// resolves a function name back to executable code.
func (r *Registry) functionBuiltin(argv []string, stdinFD int, stdout, stderr io.Writer) int {
	if len(argv) != 4 {
		fmt.Fprintln(stderr, "function: usage: function <signal|variable|exit|jobid|any> <param> <name>")
		return 1
	}
	var kind event.Kind
	switch argv[1] {
	case "signal":
		kind = event.Signal
	case "variable":
		kind = event.Variable
	case "exit":
		kind = event.Exit
	case "jobid":
		kind = event.JobID
	case "any":
		kind = event.Any
	default:
		fmt.Fprintf(stderr, "function: unknown event kind %q\n", argv[1])
		return 1
	}
	id := r.disp.Register(event.Pattern{Kind: kind, Param: argv[2]}, argv[3])
	fmt.Fprintln(stdout, id)
	return 0
}

// setBuiltin implements the subset of `set` this core cares about: `set
// -U name value...` assigns a universal variable (spec §4.8), fanning the
// write out to the universal daemon in addition to the local scope so
// other shells observe it.
func (r *Registry) setBuiltin(argv []string, stdinFD int, stdout, stderr io.Writer) int {
	args := argv[1:]
	universal := false
	exported := false
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		switch args[0] {
		case "-U":
			universal = true
		case "-x":
			exported = true
		default:
			fmt.Fprintf(stderr, "set: unknown flag %q\n", args[0])
			return 1
		}
		args = args[1:]
	}
	if len(args) == 0 {
		r.printAll(stdout)
		return 0
	}
	name := args[0]
	values := args[1:]

	r.env.Set(name, values, exported)

	if universal {
		if r.uvar == nil {
			fmt.Fprintln(stderr, "set: -U requires a universal-variable connection")
			return 1
		}
		if err := r.uvar.Set(name, strings.Join(values, ":"), exported); err != nil {
			fmt.Fprintln(stderr, "set:", err)
			return 1
		}
	}
	return 0
}

func (r *Registry) printAll(stdout io.Writer) {
	// The minimal Env contract (shellenv) exposes no enumeration of all
	// variables; export_array is the closest approximation available
	// to this builtin without widening that external-collaborator contract.
	names := r.env.ExportArray()
	sort.Strings(names)
	for _, kv := range names {
		fmt.Fprintln(stdout, kv)
	}
}
