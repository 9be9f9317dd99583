package syscalls

import (
	"encoding/binary"
	"testing"

	"nucleus/hal"
	"nucleus/ipc"
	"nucleus/irq"
	"nucleus/kernel"
	"nucleus/proto"
	"nucleus/tasking"
)

type fixture struct {
	t     *testing.T
	h     *Handler
	d     *irq.Dispatcher
	tasks *tasking.Tasking
	mail  *ipc.Registry
	clock *kernel.Clock
	kproc *kernel.Process
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, mail: ipc.NewRegistry(nil, nil), clock: new(kernel.Clock)}
	procs := kernel.NewProcessTable(nil, 64*1024)
	vm86 := kernel.NewVm86Board()
	locks := kernel.NewLockTable()
	env := &kernel.Env{Mailboxes: f.mail, Clock: f.clock, Vm86: vm86}
	f.tasks = tasking.New(tasking.Config{Cores: 1, Env: env, Mailboxes: f.mail, Processes: procs, Locks: locks})

	var err error
	f.kproc, err = procs.NewProcess(proto.SecurityKernel, "kernel")
	if err != nil {
		t.Fatalf("NewProcess(kernel): %v", err)
	}
	f.tasks.EnableForThisCore(0, procs.NewThread(f.kproc, proto.KindMain, kernel.CPUState{}))

	f.h = New(Config{Tasks: f.tasks, Mailboxes: f.mail, Clock: f.clock, Vm86: vm86, Locks: locks})
	f.d = irq.New(f.tasks, f.clock, hal.NewInterruptController(1), nil)
	f.d.SetRequestHandler(f.h)
	return f
}

func (f *fixture) process(sec proto.Security, image string) *kernel.Process {
	f.t.Helper()
	p, err := f.tasks.CreateProcess(sec, image, 0)
	if err != nil {
		f.t.Fatalf("CreateProcess(%q): %v", image, err)
	}
	return p
}

func (f *fixture) current() *kernel.Thread {
	return f.tasks.Scheduler(0).Current()
}

// tick delivers a timer interrupt and returns the thread resumed by it.
func (f *fixture) tick() *kernel.Thread {
	st := f.current().State
	st.Vector = proto.VectorTimer
	f.d.Dispatch(0, st)
	return f.current()
}

// runUntil ticks until th is the running thread.
func (f *fixture) runUntil(th *kernel.Thread) {
	f.t.Helper()
	for i := 0; i < 32; i++ {
		if f.current() == th {
			return
		}
		f.tick()
	}
	f.t.Fatalf("thread %s never scheduled", th)
}

// call makes th issue sc with args and returns th's registers as seen by
// th after the call. It reports false if th did not resume immediately.
func (f *fixture) call(th *kernel.Thread, sc proto.Syscall, args ...uint64) ([8]uint64, bool) {
	f.t.Helper()
	f.runUntil(th)
	st := th.State
	st.Vector = proto.VectorSyscall
	st.R[0] = uint64(sc)
	for i, a := range args {
		st.R[i+1] = a
	}
	f.d.Dispatch(0, st)
	return th.State.R, th.Waiter() == nil
}

func poke(p *kernel.Process, addr int, s string) (uint64, uint64) {
	copy(p.Memory[addr:], s)
	return uint64(addr), uint64(len(s))
}

func TestUnknownSyscallKillsOnlyCaller(t *testing.T) {
	f := newFixture(t)
	a := f.process(proto.SecurityApplication, "a")
	b := f.process(proto.SecurityApplication, "b")

	f.runUntil(a.Main())
	st := a.Main().State
	st.Vector = proto.VectorSyscall
	st.R[0] = uint64(proto.SyscallCount) + 7
	next := f.d.Dispatch(0, st)

	if a.Main().Alive() {
		t.Fatalf("caller survived an unknown syscall")
	}
	if !b.Main().Alive() {
		t.Fatalf("bystander was killed")
	}
	if proto.Tid(next.Context) != b.Main().ID {
		t.Fatalf("resumed tid %d, want %d", next.Context, b.Main().ID)
	}
}

func TestGetTidAndYield(t *testing.T) {
	f := newFixture(t)
	p := f.process(proto.SecurityApplication, "a")
	r, _ := f.call(p.Main(), proto.SysGetTid)
	if proto.Status(r[0]) != proto.StatusOK || proto.Tid(r[1]) != p.Main().ID {
		t.Fatalf("get_tid = %v %d, want ok %d", proto.Status(r[0]), r[1], p.Main().ID)
	}
	if r, _ := f.call(p.Main(), proto.SysYield); proto.Status(r[0]) != proto.StatusOK {
		t.Fatalf("yield = %v", proto.Status(r[0]))
	}
	if f.h.Calls(proto.SysGetTid) != 1 || f.h.Calls(proto.SysYield) != 1 {
		t.Fatalf("call counters = %d %d", f.h.Calls(proto.SysGetTid), f.h.Calls(proto.SysYield))
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	f := newFixture(t)
	srv := f.process(proto.SecurityApplication, "srv")
	cli := f.process(proto.SecurityApplication, "cli")

	// Receiver blocks first.
	if _, resumed := f.call(srv.Main(), proto.SysReceive, 0, 4096, 0, 0); resumed {
		t.Fatalf("receive on empty mailbox did not block")
	}

	addr, n := poke(cli, 100, "ping")
	r, _ := f.call(cli.Main(), proto.SysSend, uint64(srv.Main().ID), addr, n, 9, 0)
	if proto.SendStatus(r[0]) != proto.SendSuccessful {
		t.Fatalf("send = %v", proto.SendStatus(r[0]))
	}

	f.runUntil(srv.Main())
	r = srv.Main().State.R
	if proto.ReceiveStatus(r[0]) != proto.ReceiveSuccessful {
		t.Fatalf("receive = %v", proto.ReceiveStatus(r[0]))
	}
	h, payload, ok := proto.DecodeMessage(srv.Main().Process.Memory[:r[1]])
	if !ok || h.Sender != cli.Main().ID || h.Transaction != 9 || string(payload) != "ping" {
		t.Fatalf("delivered %+v %q ok=%v", h, payload, ok)
	}
}

func TestNonBlockingReceiveReturnsQueueEmpty(t *testing.T) {
	f := newFixture(t)
	p := f.process(proto.SecurityApplication, "a")
	r, resumed := f.call(p.Main(), proto.SysReceive, 0, 4096, 0, proto.FlagNonBlocking)
	if !resumed || proto.ReceiveStatus(r[0]) != proto.ReceiveQueueEmpty {
		t.Fatalf("receive = %v resumed=%v", proto.ReceiveStatus(r[0]), resumed)
	}
}

func TestSendToUnknownThreadFails(t *testing.T) {
	f := newFixture(t)
	p := f.process(proto.SecurityApplication, "a")
	r, _ := f.call(p.Main(), proto.SysSend, 999, 0, 4, 0, 0)
	if proto.SendStatus(r[0]) != proto.SendFailed {
		t.Fatalf("send = %v, want failed", proto.SendStatus(r[0]))
	}
	if f.mail.Len() != 0 {
		t.Fatalf("mailbox created for unknown thread")
	}
}

func TestOversizeSendReportsExceedsMaximum(t *testing.T) {
	f := newFixture(t)
	a := f.process(proto.SecurityApplication, "a")
	b := f.process(proto.SecurityApplication, "b")
	r, resumed := f.call(a.Main(), proto.SysSend, uint64(b.Main().ID), 0, proto.MaxMessageBytes+1, 0, 0)
	if !resumed || proto.SendStatus(r[0]) != proto.SendExceedsMaximum {
		t.Fatalf("send = %v resumed=%v", proto.SendStatus(r[0]), resumed)
	}
	if !a.Main().Alive() {
		t.Fatalf("caller killed for an oversize message")
	}
}

func TestBadBufferFails(t *testing.T) {
	f := newFixture(t)
	p := f.process(proto.SecurityApplication, "a")
	r, _ := f.call(p.Main(), proto.SysReceive, uint64(len(p.Memory))-2, 10, 0, 0)
	if proto.ReceiveStatus(r[0]) != proto.ReceiveFailed {
		t.Fatalf("receive = %v, want failed", proto.ReceiveStatus(r[0]))
	}
}

func TestVm86ThreadMayNotReceive(t *testing.T) {
	f := newFixture(t)
	drv := f.process(proto.SecurityDriver, "drv")
	if _, resumed := f.call(drv.Main(), proto.SysCallVm86, 0x12); resumed {
		t.Fatalf("call_vm86 did not block")
	}
	helper := f.tasks.GetTaskByID(drv.Vm86Helper())
	if helper == nil || helper.Kind != proto.KindVm86 {
		t.Fatalf("no vm86 helper registered, got %v", helper)
	}
	r, _ := f.call(helper, proto.SysReceive, 0, 4096, 0, 0)
	if proto.ReceiveStatus(r[0]) != proto.ReceiveFailedNotPermitted {
		t.Fatalf("receive from vm86 = %v", proto.ReceiveStatus(r[0]))
	}
}

func TestCallVm86DeliversHelperRegisters(t *testing.T) {
	f := newFixture(t)
	drv := f.process(proto.SecurityDriver, "drv")
	main := drv.Main()
	f.call(main, proto.SysCallVm86, 0x12, 5)

	helper := f.tasks.GetTaskByID(drv.Vm86Helper())
	f.runUntil(helper)
	if helper.State.R[1] != 0x12 || helper.State.R[2] != 5 {
		t.Fatalf("helper started with R1=%#x R2=%d", helper.State.R[1], helper.State.R[2])
	}
	st := helper.State
	st.Vector = proto.VectorSyscall
	st.R[0] = uint64(proto.SysVm86Done)
	st.R[2] = 640
	f.d.Dispatch(0, st)

	f.runUntil(main)
	if proto.Status(main.State.R[0]) != proto.StatusOK || main.State.R[2] != 640 {
		t.Fatalf("caller resumed with R0=%v R2=%d", proto.Status(main.State.R[0]), main.State.R[2])
	}
	if drv.Vm86Helper() != 0 {
		t.Fatalf("vm86 slot still held by %d", drv.Vm86Helper())
	}
}

func TestCallVm86RequiresDriverPrivilege(t *testing.T) {
	f := newFixture(t)
	p := f.process(proto.SecurityApplication, "a")
	r, resumed := f.call(p.Main(), proto.SysCallVm86, 0x12)
	if !resumed || proto.Status(r[0]) != proto.StatusNotPermitted {
		t.Fatalf("call_vm86 = %v resumed=%v", proto.Status(r[0]), resumed)
	}
}

func TestCancelReceive(t *testing.T) {
	f := newFixture(t)
	p := f.process(proto.SecurityApplication, "a")
	main := p.Main()
	r, _ := f.call(main, proto.SysCreateThread, 0, 0)
	sub := f.tasks.GetTaskByID(proto.Tid(r[1]))
	if sub == nil {
		t.Fatalf("create_thread returned unknown tid %d", r[1])
	}

	if _, resumed := f.call(sub, proto.SysReceive, 1024, 4096, 0, proto.FlagBreakable); resumed {
		t.Fatalf("breakable receive did not block")
	}
	if r, _ := f.call(main, proto.SysCancelReceive, uint64(sub.ID)); proto.Status(r[0]) != proto.StatusOK {
		t.Fatalf("cancel_receive = %v", proto.Status(r[0]))
	}
	f.runUntil(sub)
	if proto.ReceiveStatus(sub.State.R[0]) != proto.ReceiveInterrupted {
		t.Fatalf("receive = %v, want interrupted", proto.ReceiveStatus(sub.State.R[0]))
	}
}

func TestCancelReceiveAcrossProcessesNeedsPrivilege(t *testing.T) {
	f := newFixture(t)
	a := f.process(proto.SecurityApplication, "a")
	b := f.process(proto.SecurityApplication, "b")
	r, _ := f.call(a.Main(), proto.SysCancelReceive, uint64(b.Main().ID))
	if proto.Status(r[0]) != proto.StatusNotPermitted {
		t.Fatalf("cancel_receive = %v, want not permitted", proto.Status(r[0]))
	}
}

func TestForkFromSubThreadFails(t *testing.T) {
	f := newFixture(t)
	p := f.process(proto.SecurityApplication, "a")
	r, _ := f.call(p.Main(), proto.SysCreateThread, 0, 0)
	sub := f.tasks.GetTaskByID(proto.Tid(r[1]))

	r, _ = f.call(sub, proto.SysFork)
	if proto.Status(r[0]) != proto.StatusFailed {
		t.Fatalf("fork from sub = %v, want failed", proto.Status(r[0]))
	}
	if !sub.Alive() {
		t.Fatalf("sub killed by refused fork")
	}

	r, _ = f.call(p.Main(), proto.SysFork)
	child := f.tasks.GetTaskByID(proto.Tid(r[1]))
	if proto.Status(r[0]) != proto.StatusOK || child == nil {
		t.Fatalf("fork from main = %v child=%v", proto.Status(r[0]), child)
	}
	if child.Process == p || child.State.R[1] != 0 {
		t.Fatalf("child process %v R1=%d", child.Process, child.State.R[1])
	}
}

func TestRegistries(t *testing.T) {
	f := newFixture(t)
	a := f.process(proto.SecurityApplication, "a")
	b := f.process(proto.SecurityApplication, "b")

	addr, n := poke(a, 0, "fs")
	if r, _ := f.call(a.Main(), proto.SysRegisterIdentifier, addr, n); proto.Status(r[0]) != proto.StatusOK {
		t.Fatalf("register a = %v", proto.Status(r[0]))
	}
	addr, n = poke(b, 0, "fs")
	if r, _ := f.call(b.Main(), proto.SysRegisterIdentifier, addr, n); proto.Status(r[0]) != proto.StatusExists {
		t.Fatalf("register b = %v, want exists", proto.Status(r[0]))
	}
	if r, _ := f.call(a.Main(), proto.SysRegisterServer); proto.Status(r[0]) != proto.StatusOK {
		t.Fatalf("register_server = %v", proto.Status(r[0]))
	}
	if r, _ := f.call(a.Main(), proto.SysRegisterServer); proto.Status(r[0]) != proto.StatusExists {
		t.Fatalf("second register_server = %v", proto.Status(r[0]))
	}

	r, _ := f.call(b.Main(), proto.SysGetServer, addr, n)
	if proto.Status(r[0]) != proto.StatusOK || proto.Tid(r[1]) != a.Main().ID {
		t.Fatalf("get_server = %v %d", proto.Status(r[0]), r[1])
	}
	r, _ = f.call(b.Main(), proto.SysTaskByIdentifier, addr, n)
	if proto.Status(r[0]) != proto.StatusOK || proto.Tid(r[1]) != a.Main().ID {
		t.Fatalf("task_by_identifier = %v %d", proto.Status(r[0]), r[1])
	}
	addr, n = poke(b, 0, "nope")
	if r, _ := f.call(b.Main(), proto.SysGetServer, addr, n); proto.Status(r[0]) != proto.StatusNotFound {
		t.Fatalf("get_server(nope) = %v", proto.Status(r[0]))
	}
}

func TestCountAndTaskIDs(t *testing.T) {
	f := newFixture(t)
	p := f.process(proto.SecurityApplication, "a")
	f.call(p.Main(), proto.SysCreateThread, 0, 0)

	r, _ := f.call(p.Main(), proto.SysCount, uint64(proto.KindAll))
	if r[1] != 2 {
		t.Fatalf("count(all) = %d, want 2", r[1])
	}
	r, _ = f.call(p.Main(), proto.SysCount, uint64(proto.KindSub))
	if r[1] != 1 {
		t.Fatalf("count(sub) = %d, want 1", r[1])
	}

	r, _ = f.call(p.Main(), proto.SysTaskIDs, 64, 8, uint64(proto.KindMain))
	if proto.Status(r[0]) != proto.StatusOK || r[1] != 1 {
		t.Fatalf("task_ids = %v %d", proto.Status(r[0]), r[1])
	}
	if got := proto.Tid(binary.LittleEndian.Uint32(p.Memory[64:])); got != p.Main().ID {
		t.Fatalf("task_ids[0] = %d, want %d", got, p.Main().ID)
	}
}

func TestSleepAndJoin(t *testing.T) {
	f := newFixture(t)
	p := f.process(proto.SecurityApplication, "a")
	main := p.Main()
	r, _ := f.call(main, proto.SysCreateThread, 0, 0)
	sub := f.tasks.GetTaskByID(proto.Tid(r[1]))

	if _, resumed := f.call(main, proto.SysJoin, uint64(sub.ID)); resumed {
		t.Fatalf("join on live thread did not block")
	}
	if _, resumed := f.call(sub, proto.SysSleep, 2); resumed {
		t.Fatalf("sleep did not block")
	}
	start := f.clock.Now()
	f.runUntil(sub)
	if f.clock.Now() < start+2 {
		t.Fatalf("sub woke at %d, slept from %d", f.clock.Now(), start)
	}
	f.call(sub, proto.SysExit)
	f.runUntil(main)
	if proto.Status(main.State.R[0]) != proto.StatusOK {
		t.Fatalf("join = %v", proto.Status(main.State.R[0]))
	}

	if r, _ := f.call(main, proto.SysJoin, uint64(main.ID)); proto.Status(r[0]) != proto.StatusFailed {
		t.Fatalf("self join = %v", proto.Status(r[0]))
	}
}

func TestLockUnlock(t *testing.T) {
	f := newFixture(t)
	p := f.process(proto.SecurityApplication, "a")
	main := p.Main()
	r, _ := f.call(main, proto.SysCreateThread, 0, 0)
	sub := f.tasks.GetTaskByID(proto.Tid(r[1]))

	if r, resumed := f.call(main, proto.SysLock, 0x40); !resumed || proto.Status(r[0]) != proto.StatusOK {
		t.Fatalf("lock = %v resumed=%v", proto.Status(r[0]), resumed)
	}
	if _, resumed := f.call(sub, proto.SysLock, 0x40); resumed {
		t.Fatalf("contended lock did not block")
	}
	if r, _ := f.call(main, proto.SysUnlock, 0x40); proto.Status(r[0]) != proto.StatusOK {
		t.Fatalf("unlock = %v", proto.Status(r[0]))
	}
	f.runUntil(sub)
	if proto.Status(sub.State.R[0]) != proto.StatusOK {
		t.Fatalf("blocked lock = %v", proto.Status(sub.State.R[0]))
	}
	if r, _ := f.call(main, proto.SysUnlock, 0x80); proto.Status(r[0]) != proto.StatusFailed {
		t.Fatalf("unlock of free word = %v", proto.Status(r[0]))
	}
}
