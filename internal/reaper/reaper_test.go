package reaper

import (
	"strings"
	"sync"
	"syscall"
	"testing"

	"go.uber.org/zap"

	"github.com/nsh-project/nsh/internal/event"
	"github.com/nsh-project/nsh/internal/jobtable"
	"github.com/nsh-project/nsh/internal/siggate"
)

type fakeStatusSink struct {
	mu   sync.Mutex
	code int
}

func (f *fakeStatusSink) SetStatus(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.code = code
}

type bufNotifier struct {
	mu    sync.Mutex
	lines []string
}

func (b *bufNotifier) NotifyCompleted(jobID int64, pgid int, command string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, "ended")
}
func (b *bufNotifier) NotifyStopped(jobID int64, pgid int, command string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, "stopped")
}

func exitedStatus(code int) syscall.WaitStatus {
	// Construct a WaitStatus as if waitpid reported a clean exit(code).
	return syscall.WaitStatus(code << 8)
}

func TestReapCompletesJobAndSetsStatus(t *testing.T) {
	jobs := jobtable.New(zap.NewNop())
	gate := &siggate.Gate{}
	status := &fakeStatusSink{}
	notify := &bufNotifier{}
	disp := event.New(zap.NewNop(), func(string, []string) {})

	j := jobs.Create("true")
	p := jobtable.NewProcess(jobtable.External, []string{"true"})
	p.PID = 4242
	j.AddProcess(p)
	j.PGID = 4242
	j.Constructed = true

	calls := 0
	waiter := func(flags int) (int, syscall.WaitStatus, bool, error) {
		calls++
		if calls == 1 {
			return 4242, exitedStatus(0), true, nil
		}
		return 0, 0, false, nil
	}

	r := New(zap.NewNop(), jobs, gate, disp, waiter, notify, status)
	if err := r.Reap(false); err != nil {
		t.Fatalf("Reap: %v", err)
	}

	if !j.IsCompleted() {
		t.Fatalf("expected job completed")
	}
	if status.code != 0 {
		t.Fatalf("expected status 0, got %d", status.code)
	}
	if len(notify.lines) != 1 || notify.lines[0] != "ended" {
		t.Fatalf("expected one 'ended' notification, got %v", notify.lines)
	}
	if jobs.GetByID(j.ID) != nil {
		t.Fatalf("expected job removed from list after completion+notify")
	}
}

func TestReapSuppressesNotificationForForegroundJob(t *testing.T) {
	jobs := jobtable.New(zap.NewNop())
	gate := &siggate.Gate{}
	notify := &bufNotifier{}
	disp := event.New(zap.NewNop(), func(string, []string) {})

	j := jobs.Create("sleep 1")
	p := jobtable.NewProcess(jobtable.External, []string{"sleep"})
	p.PID = 77
	j.AddProcess(p)
	j.PGID = 77
	j.Constructed = true
	j.FG = true

	calls := 0
	waiter := func(flags int) (int, syscall.WaitStatus, bool, error) {
		calls++
		if calls == 1 {
			return 77, exitedStatus(1), true, nil
		}
		return 0, 0, false, nil
	}

	r := New(zap.NewNop(), jobs, gate, disp, waiter, notify, nil)
	r.SetForeground(j.ID)
	if err := r.Reap(false); err != nil {
		t.Fatalf("Reap: %v", err)
	}

	if len(notify.lines) != 0 {
		t.Fatalf("expected no notification for foreground job, got %v", notify.lines)
	}
}

func TestStderrNotifierFormat(t *testing.T) {
	var sb strings.Builder
	n := &StderrNotifier{W: &sb}
	n.NotifyCompleted(3, 999, "echo hi")
	n.NotifyStopped(3, 999, "echo hi")

	want := "Job 3, 'echo hi' has ended\nJob 3, 'echo hi' has stopped\n"
	if sb.String() != want {
		t.Fatalf("got %q want %q", sb.String(), want)
	}
}
