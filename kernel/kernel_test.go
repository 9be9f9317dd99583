package kernel

import (
	"testing"

	"nucleus/ipc"
	"nucleus/proto"
)

type fixture struct {
	env   *Env
	mail  *ipc.Registry
	pt    *ProcessTable
	proc  *Process
	sched *Scheduler
	idle  *Thread
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mail: ipc.NewRegistry(nil, nil),
		pt:   NewProcessTable(nil, 4096),
	}
	f.env = &Env{Mailboxes: f.mail, Clock: new(Clock), Vm86: NewVm86Board()}

	kproc, err := f.pt.NewProcess(proto.SecurityKernel, "kernel")
	if err != nil {
		t.Fatalf("NewProcess(kernel): %v", err)
	}
	f.idle = f.pt.NewThread(kproc, proto.KindMain, CPUState{})
	f.sched = NewScheduler(0, f.env, nil)
	f.sched.SetIdle(f.idle)

	f.proc, err = f.pt.NewProcess(proto.SecurityApplication, "app")
	if err != nil {
		t.Fatalf("NewProcess(app): %v", err)
	}
	return f
}

func (f *fixture) thread(kind proto.ThreadKind) *Thread {
	th := f.pt.NewThread(f.proc, kind, CPUState{})
	f.sched.Add(th)
	return th
}

// interrupt simulates one interrupt entry: save the running thread, let fn
// act on it as a handler would, and reschedule.
func (f *fixture) interrupt(fn func(*Thread)) *Thread {
	cur := f.sched.Save(f.sched.Current().State)
	if fn != nil {
		fn(cur)
	}
	return f.sched.Schedule()
}

func mustHalt(t *testing.T, fn func()) *HaltError {
	t.Helper()
	var herr *HaltError
	func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			e, ok := r.(*HaltError)
			if !ok {
				panic(r)
			}
			herr = e
		}()
		fn()
	}()
	if herr == nil {
		t.Fatal("expected kernel halt")
	}
	return herr
}
