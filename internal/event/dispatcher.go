// Package event implements the shell's event dispatcher (spec component
// C11): type-tagged handler registrations fired from the reaper and the
// environment, each invoking a named shell function.
package event

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind identifies the category of an event registration or firing.
type Kind int

const (
	Signal Kind = iota
	Variable
	Exit
	JobID
	Any
)

func (k Kind) String() string {
	switch k {
	case Signal:
		return "signal"
	case Variable:
		return "variable"
	case Exit:
		return "exit"
	case JobID:
		return "job_id"
	case Any:
		return "any"
	default:
		return "unknown"
	}
}

// Pattern is a type-tagged registration: {Signal, sig}, {Variable, name},
// {Exit, pid}, {JobID, id}, {Any}. Param is interpreted according to Kind
// and left unset (zero value) for Any.
type Pattern struct {
	Kind  Kind
	Param string
}

// Event is an actual firing: the same shape as Pattern plus the args bound
// to the invoked shell function's $argv.
type Event struct {
	Kind  Kind
	Param string
	Args  []string
}

// Invoker is the callback the dispatcher uses to run a shell function by
// name — it is how C11 reaches back into the (out-of-scope) evaluator.
// Implementations must not block the dispatcher's Fire call for long;
// the builtin/function package typically enqueues the call.
type Invoker func(functionName string, args []string)

type handler struct {
	id       string
	pattern  Pattern
	function string
}

// Dispatcher holds registered handlers and fires events against them.
// Safe for concurrent use.
type Dispatcher struct {
	log     *zap.Logger
	invoke  Invoker
	mu      sync.Mutex
	order   []*handler // registration order, preserved for firing order (spec §5 (iii))
	fired   map[string]struct{}
	inReapCycle bool
}

// New constructs a dispatcher that calls invoke to run matched handlers.
func New(log *zap.Logger, invoke Invoker) *Dispatcher {
	return &Dispatcher{
		log:    log.Named("event"),
		invoke: invoke,
		fired:  make(map[string]struct{}),
	}
}

// BeginReapCycle opens a coalescing window for signal-event firings:
// within [BeginReapCycle, EndReapCycle), at most one invocation per
// handler fires for Signal-kind events, no matter how many such events
// are fired. The reaper calls this once per job_reap invocation.
func (d *Dispatcher) BeginReapCycle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inReapCycle = true
	d.fired = make(map[string]struct{})
}

// EndReapCycle closes the coalescing window opened by BeginReapCycle.
func (d *Dispatcher) EndReapCycle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inReapCycle = false
}

// Register adds a handler matching pattern, invoking function when an
// event matches. Returns a handler id usable with Unregister.
func (d *Dispatcher) Register(pattern Pattern, function string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := &handler{id: uuid.NewString(), pattern: pattern, function: function}
	d.order = append(d.order, h)
	return h.id
}

// Unregister removes a previously registered handler by id.
func (d *Dispatcher) Unregister(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, h := range d.order {
		if h.id == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

func (p Pattern) matches(e Event) bool {
	if p.Kind == Any {
		return true
	}
	if p.Kind != e.Kind {
		return false
	}
	return p.Param == "" || p.Param == e.Param
}

// Fire scans registered handlers in registration order and enqueues every
// match's function for invocation with e.Args bound to $argv (spec §4.9).
// Signal events are coalesced: within a single BeginReapCycle/EndReapCycle
// bracket, at most one invocation per handler fires regardless of how many
// matching signal events occurred (spec §4.5 step 4, §4.9).
func (d *Dispatcher) Fire(e Event) {
	d.mu.Lock()
	matched := make([]*handler, 0, 4)
	for _, h := range d.order {
		if h.pattern.matches(e) {
			matched = append(matched, h)
		}
	}
	coalescing := d.fired != nil && d.inReapCycle
	toInvoke := make([]*handler, 0, len(matched))
	for _, h := range matched {
		if e.Kind == Signal && coalescing {
			if _, already := d.fired[h.id]; already {
				continue
			}
			d.fired[h.id] = struct{}{}
		}
		toInvoke = append(toInvoke, h)
	}
	d.mu.Unlock()

	for _, h := range toInvoke {
		d.invoke(h.function, e.Args)
	}
}
