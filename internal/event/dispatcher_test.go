package event

import (
	"testing"

	"go.uber.org/zap"
)

func TestFireMatchesByKindAndParam(t *testing.T) {
	var invoked []string
	d := New(zap.NewNop(), func(fn string, args []string) {
		invoked = append(invoked, fn)
	})

	d.Register(Pattern{Kind: Exit, Param: "123"}, "on_exit_123")
	d.Register(Pattern{Kind: Exit}, "on_any_exit")
	d.Register(Pattern{Kind: Variable, Param: "status"}, "on_status")

	d.Fire(Event{Kind: Exit, Param: "123"})

	if len(invoked) != 2 {
		t.Fatalf("expected 2 invocations, got %d: %v", len(invoked), invoked)
	}
	if invoked[0] != "on_exit_123" || invoked[1] != "on_any_exit" {
		t.Fatalf("unexpected firing order: %v", invoked)
	}
}

func TestSignalCoalescingWithinReapCycle(t *testing.T) {
	count := 0
	d := New(zap.NewNop(), func(fn string, args []string) { count++ })
	d.Register(Pattern{Kind: Signal, Param: "SIGCHLD"}, "handler")

	d.BeginReapCycle()
	d.Fire(Event{Kind: Signal, Param: "SIGCHLD"})
	d.Fire(Event{Kind: Signal, Param: "SIGCHLD"})
	d.Fire(Event{Kind: Signal, Param: "SIGCHLD"})
	d.EndReapCycle()

	if count != 1 {
		t.Fatalf("expected exactly 1 coalesced invocation, got %d", count)
	}

	// A new reap cycle resets coalescing.
	d.BeginReapCycle()
	d.Fire(Event{Kind: Signal, Param: "SIGCHLD"})
	d.EndReapCycle()

	if count != 2 {
		t.Fatalf("expected 2 total invocations across two cycles, got %d", count)
	}
}

func TestUnregisterStopsFutureFirings(t *testing.T) {
	count := 0
	d := New(zap.NewNop(), func(fn string, args []string) { count++ })
	id := d.Register(Pattern{Kind: Any}, "h")

	d.Fire(Event{Kind: JobID, Param: "1"})
	d.Unregister(id)
	d.Fire(Event{Kind: JobID, Param: "1"})

	if count != 1 {
		t.Fatalf("expected 1 invocation before unregister, got %d", count)
	}
}
