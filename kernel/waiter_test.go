package kernel

import (
	"testing"

	"nucleus/proto"
)

func TestReceiveWaiterBlocksUntilMessage(t *testing.T) {
	f := newFixture(t)
	a := f.thread(proto.KindMain)
	buf := make([]byte, 128)

	f.interrupt(nil)
	for i := 0; i < 5; i++ {
		var got *Thread
		if i == 0 {
			got = f.interrupt(func(th *Thread) { th.Attach(ReceiveMessage(buf, proto.TxNone, nil)) })
		} else {
			got = f.interrupt(nil)
		}
		if got == a {
			t.Fatalf("pass %d: blocked thread selected", i)
		}
		if a.Waiter() == nil {
			t.Fatalf("pass %d: waiter detached without a message", i)
		}
	}

	if st := f.mail.Send(a.ID, 77, []byte("ping"), proto.TxNone); st != proto.SendSuccessful {
		t.Fatalf("Send = %s", st)
	}
	if got := f.interrupt(nil); got != a {
		t.Fatalf("Schedule() after send = %v, want %v", got, a)
	}
	if a.Waiter() != nil {
		t.Fatal("waiter still attached after resolution")
	}
	if st := proto.ReceiveStatus(a.State.R[0]); st != proto.ReceiveSuccessful {
		t.Fatalf("R0 = %s, want successful", st)
	}
	h, payload, ok := proto.DecodeMessage(buf[:a.State.R[1]])
	if !ok || h.Sender != 77 || string(payload) != "ping" {
		t.Fatalf("delivered = (%+v, %q, %v)", h, payload, ok)
	}
}

func TestReceiveWaiterTransactionFilter(t *testing.T) {
	f := newFixture(t)
	a := f.thread(proto.KindMain)
	buf := make([]byte, 128)

	f.interrupt(nil)
	f.interrupt(func(th *Thread) { th.Attach(ReceiveMessage(buf, 5, nil)) })

	f.mail.Send(a.ID, 77, []byte("other"), 4)
	if got := f.interrupt(nil); got == a {
		t.Fatal("thread woke on a non-matching transaction")
	}
	f.mail.Send(a.ID, 77, []byte("match"), 5)
	if got := f.interrupt(nil); got != a {
		t.Fatalf("Schedule() = %v, want %v", got, a)
	}
	if n, _ := f.mail.Stats(a.ID); n != 1 {
		t.Fatalf("queued = %d, want the non-matching message left", n)
	}
}

func TestReceiveWaiterBreakFlag(t *testing.T) {
	f := newFixture(t)
	a := f.thread(proto.KindMain)
	w := ReceiveMessage(make([]byte, 64), proto.TxNone, a.BreakFlag())

	if !w.ShouldKeepWaiting(f.env, a) {
		t.Fatal("ShouldKeepWaiting = false on empty mailbox")
	}
	a.RequestBreak()
	if w.ShouldKeepWaiting(f.env, a) {
		t.Fatal("ShouldKeepWaiting = true after break")
	}
	if st := proto.ReceiveStatus(a.State.R[0]); st != proto.ReceiveInterrupted {
		t.Fatalf("R0 = %s, want interrupted", st)
	}
	if a.BreakFlag().Load() {
		t.Fatal("break flag not consumed")
	}
}

func TestReceiveWaiterIgnoresBreakWhenNotBreakable(t *testing.T) {
	f := newFixture(t)
	a := f.thread(proto.KindMain)
	w := ReceiveMessage(make([]byte, 64), proto.TxNone, nil)
	a.RequestBreak()
	if !w.ShouldKeepWaiting(f.env, a) {
		t.Fatal("non-breakable receive stopped waiting")
	}
}

func TestReceiveWaiterBufferTooSmall(t *testing.T) {
	f := newFixture(t)
	a := f.thread(proto.KindMain)
	f.mail.Send(a.ID, 1, make([]byte, 100), proto.TxNone)

	w := ReceiveMessage(make([]byte, 32), proto.TxNone, nil)
	if w.ShouldKeepWaiting(f.env, a) {
		t.Fatal("ShouldKeepWaiting = true with a message queued")
	}
	if st := proto.ReceiveStatus(a.State.R[0]); st != proto.ReceiveExceedsBufferSize {
		t.Fatalf("R0 = %s, want exceeds buffer size", st)
	}
	if n, _ := f.mail.Stats(a.ID); n != 1 {
		t.Fatalf("queued = %d, want 1", n)
	}
}

func TestSendWaiterRetriesUntilRoom(t *testing.T) {
	f := newFixture(t)
	a := f.thread(proto.KindMain)
	b := f.pt.NewThread(f.proc, proto.KindSub, CPUState{})
	target := b.ID
	for i := 0; i < proto.MaxQueueMessages; i++ {
		f.mail.Send(target, 1, nil, proto.TxNone)
	}

	f.interrupt(nil)
	got := f.interrupt(func(th *Thread) { th.Attach(SendMessage(b, []byte("late"), 9)) })
	if got == a {
		t.Fatal("sender selected while target mailbox is full")
	}
	if got := f.interrupt(nil); got == a {
		t.Fatal("sender selected while target mailbox is still full")
	}

	f.mail.Receive(target, make([]byte, 64), proto.TxNone)
	if got := f.interrupt(nil); got != a {
		t.Fatalf("Schedule() = %v, want %v", got, a)
	}
	if st := proto.SendStatus(a.State.R[0]); st != proto.SendSuccessful {
		t.Fatalf("R0 = %s, want successful", st)
	}
	if n, _ := f.mail.Stats(target); n != proto.MaxQueueMessages {
		t.Fatalf("queued = %d, want %d", n, proto.MaxQueueMessages)
	}
}

func TestSendWaiterFailsWhenTargetDies(t *testing.T) {
	f := newFixture(t)
	a := f.thread(proto.KindMain)
	b := f.pt.NewThread(f.proc, proto.KindSub, CPUState{})
	for i := 0; i < proto.MaxQueueMessages; i++ {
		f.mail.Send(b.ID, 1, nil, proto.TxNone)
	}

	f.interrupt(nil)
	f.interrupt(func(th *Thread) { th.Attach(SendMessage(b, []byte("late"), 0)) })
	b.Kill()
	f.mail.Clear(b.ID)

	if got := f.interrupt(nil); got != a {
		t.Fatalf("Schedule() = %v, want %v", got, a)
	}
	if st := proto.SendStatus(a.State.R[0]); st != proto.SendFailed {
		t.Fatalf("R0 = %s, want failed", st)
	}
	if n, _ := f.mail.Stats(b.ID); n != 0 {
		t.Fatalf("queued for dead thread = %d, want 0", n)
	}
	if n := f.mail.Len(); n != 0 {
		t.Fatalf("Len() = %d, want 0", n)
	}
}

func TestSleepWaiter(t *testing.T) {
	f := newFixture(t)
	a := f.thread(proto.KindMain)
	f.interrupt(nil)
	f.interrupt(func(th *Thread) { th.Attach(Sleep(f.env.Clock.Now() + 3)) })

	for i := 0; i < 2; i++ {
		f.env.Clock.Advance(1)
		if got := f.interrupt(nil); got == a {
			t.Fatalf("woke early at tick %d", f.env.Clock.Now())
		}
	}
	f.env.Clock.Advance(1)
	if got := f.interrupt(nil); got != a {
		t.Fatalf("Schedule() at deadline = %v, want %v", got, a)
	}
}

func TestJoinWaiter(t *testing.T) {
	f := newFixture(t)
	a := f.thread(proto.KindMain)
	b := f.thread(proto.KindSub)

	f.interrupt(nil)
	if got := f.interrupt(func(th *Thread) { th.Attach(Join(b)) }); got != b {
		t.Fatalf("Schedule() = %v, want %v", got, b)
	}
	if got := f.interrupt(func(th *Thread) { th.Kill() }); got != a {
		t.Fatalf("Schedule() after target exit = %v, want %v", got, a)
	}
}

func TestAtomicLockWaiter(t *testing.T) {
	f := newFixture(t)
	a := f.thread(proto.KindMain)
	word := NewLockTable().Word(f.proc.ID, 0x100)
	word.Store(true)

	w := AtomicLock(word)
	if !w.ShouldKeepWaiting(f.env, a) {
		t.Fatal("acquired a held lock")
	}
	word.Store(false)
	if w.ShouldKeepWaiting(f.env, a) {
		t.Fatal("did not acquire a free lock")
	}
	if !word.Load() {
		t.Fatal("lock word not set after acquire")
	}
}

func TestVm86Waiter(t *testing.T) {
	f := newFixture(t)
	a := f.thread(proto.KindMain)
	helper := f.pt.NewThread(f.proc, proto.KindVm86, CPUState{})
	if !f.proc.ClaimVm86(helper.ID) {
		t.Fatal("ClaimVm86 failed")
	}
	if f.proc.ClaimVm86(999) {
		t.Fatal("second ClaimVm86 succeeded")
	}

	w := CallVm86(helper)
	if !w.ShouldKeepWaiting(f.env, a) {
		t.Fatal("stopped waiting before the helper published")
	}
	f.env.Vm86.Publish(helper.ID, [8]uint64{0, 0x4f, 2, 3})
	helper.Kill()
	if w.ShouldKeepWaiting(f.env, a) {
		t.Fatal("kept waiting after publish")
	}
	if a.State.R[0] != uint64(proto.StatusOK) || a.State.R[1] != 0x4f || a.State.R[3] != 3 {
		t.Fatalf("registers = %v", a.State.R)
	}
	if f.proc.Vm86Helper() != 0 {
		t.Fatal("helper slot not released")
	}
}

func TestVm86WaiterHelperDied(t *testing.T) {
	f := newFixture(t)
	a := f.thread(proto.KindMain)
	helper := f.pt.NewThread(f.proc, proto.KindVm86, CPUState{})
	helper.Kill()

	if CallVm86(helper).ShouldKeepWaiting(f.env, a) {
		t.Fatal("kept waiting on a dead helper")
	}
	if st := proto.Status(a.State.R[0]); st != proto.StatusFailed {
		t.Fatalf("R0 = %s, want failed", st)
	}
}

func TestUnknownWaiterKindHalts(t *testing.T) {
	f := newFixture(t)
	a := f.thread(proto.KindMain)
	mustHalt(t, func() { (&Waiter{}).ShouldKeepWaiting(f.env, a) })
}

func TestProcessTableFork(t *testing.T) {
	pt := NewProcessTable(nil, 64)
	p, _ := pt.NewProcess(proto.SecurityDriver, "svc")
	main := pt.NewThread(p, proto.KindMain, CPUState{PC: 12})
	copy(p.Memory, "state")

	child, err := pt.Fork(main)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if child.Process == p || child.Process.Main() != child {
		t.Fatal("child is not the main thread of a new process")
	}
	if child.State.PC != 12 || child.State.Context != uint64(child.ID) {
		t.Fatalf("child state = %+v", child.State)
	}
	if string(child.Process.Memory[:5]) != "state" || child.Process.Security != proto.SecurityDriver {
		t.Fatal("child process not cloned")
	}
	pt.Release(child.Process)
	if pt.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", pt.Len())
	}
}
