package kernel

import (
	"sync/atomic"

	"nucleus/proto"
)

// WaiterKind tags the variant carried by a Waiter.
type WaiterKind uint8

const (
	WaitSendMessage WaiterKind = iota + 1
	WaitReceiveMessage
	WaitCallVm86
	WaitSleep
	WaitJoin
	WaitAtomicLock
)

func (k WaiterKind) String() string {
	switch k {
	case WaitSendMessage:
		return "send"
	case WaitReceiveMessage:
		return "receive"
	case WaitCallVm86:
		return "vm86"
	case WaitSleep:
		return "sleep"
	case WaitJoin:
		return "join"
	case WaitAtomicLock:
		return "lock"
	default:
		return "unknown"
	}
}

// Mailboxes is the part of the mailbox registry polled by message waiters.
type Mailboxes interface {
	Send(target, source proto.Tid, content []byte, tx proto.Tx) proto.SendStatus
	Receive(target proto.Tid, out []byte, tx proto.Tx) (int, proto.ReceiveStatus)
}

// Env binds waiter predicates to the resources they poll.
type Env struct {
	Mailboxes Mailboxes
	Clock     *Clock
	Vm86      *Vm86Board
}

// Waiter is a suspension predicate attached to exactly one thread. Exactly
// one of the variant pointers matching Kind is set.
//
// A waiter is discarded as soon as ShouldKeepWaiting returns false.
type Waiter struct {
	Kind WaiterKind

	Send    *SendWait
	Receive *ReceiveWait
	Vm86    *Vm86Wait
	Sleep   *SleepWait
	Join    *JoinWait
	Lock    *LockWait
}

// SendWait retries a send that hit a full mailbox.
// It resolves with SendFailed once Target is dead.
type SendWait struct {
	Target *Thread
	Buffer []byte
	Tx     proto.Tx
}

// ReceiveWait retries a receive on an empty mailbox. Break is nil for
// receives that cannot be interrupted.
type ReceiveWait struct {
	Buffer []byte
	Tx     proto.Tx
	Break  *atomic.Bool
}

// Vm86Wait waits for a VM86 helper to publish its result registers.
type Vm86Wait struct {
	Helper *Thread
}

// SleepWait waits until the clock reaches Deadline.
type SleepWait struct {
	Deadline uint64
}

// JoinWait waits for Target to die.
type JoinWait struct {
	Target *Thread
}

// LockWait waits until Word can be flipped from false to true.
type LockWait struct {
	Word *atomic.Bool
}

func SendMessage(target *Thread, buf []byte, tx proto.Tx) *Waiter {
	return &Waiter{Kind: WaitSendMessage, Send: &SendWait{Target: target, Buffer: buf, Tx: tx}}
}

func ReceiveMessage(buf []byte, tx proto.Tx, brk *atomic.Bool) *Waiter {
	return &Waiter{Kind: WaitReceiveMessage, Receive: &ReceiveWait{Buffer: buf, Tx: tx, Break: brk}}
}

func CallVm86(helper *Thread) *Waiter {
	return &Waiter{Kind: WaitCallVm86, Vm86: &Vm86Wait{Helper: helper}}
}

func Sleep(deadline uint64) *Waiter {
	return &Waiter{Kind: WaitSleep, Sleep: &SleepWait{Deadline: deadline}}
}

func Join(target *Thread) *Waiter {
	return &Waiter{Kind: WaitJoin, Join: &JoinWait{Target: target}}
}

func AtomicLock(word *atomic.Bool) *Waiter {
	return &Waiter{Kind: WaitAtomicLock, Lock: &LockWait{Word: word}}
}

// ShouldKeepWaiting polls the predicate for t. When it returns false the
// outcome has been written to t's syscall result registers.
func (w *Waiter) ShouldKeepWaiting(env *Env, t *Thread) bool {
	switch w.Kind {
	case WaitSendMessage:
		return w.Send.keepWaiting(env, t)
	case WaitReceiveMessage:
		return w.Receive.keepWaiting(env, t)
	case WaitCallVm86:
		return w.Vm86.keepWaiting(env, t)
	case WaitSleep:
		return env.Clock.Now() < w.Sleep.Deadline
	case WaitJoin:
		return w.Join.Target.Alive()
	case WaitAtomicLock:
		if !w.Lock.Word.CompareAndSwap(false, true) {
			return true
		}
		t.State.R[0] = uint64(proto.StatusOK)
		return false
	default:
		Halt(t.ID, "thread %d has waiter of unknown kind %d", t.ID, w.Kind)
		return false
	}
}

func (w *SendWait) keepWaiting(env *Env, t *Thread) bool {
	if !w.Target.Alive() {
		t.State.R[0] = uint64(proto.SendFailed)
		return false
	}
	st := env.Mailboxes.Send(w.Target.ID, t.ID, w.Buffer, w.Tx)
	if st == proto.SendQueueFull {
		return true
	}
	t.State.R[0] = uint64(st)
	return false
}

func (w *ReceiveWait) keepWaiting(env *Env, t *Thread) bool {
	if w.Break != nil && w.Break.Swap(false) {
		t.State.R[0] = uint64(proto.ReceiveInterrupted)
		t.State.R[1] = 0
		return false
	}
	n, st := env.Mailboxes.Receive(t.ID, w.Buffer, w.Tx)
	if st == proto.ReceiveQueueEmpty {
		return true
	}
	t.State.R[0] = uint64(st)
	t.State.R[1] = uint64(n)
	return false
}

func (w *Vm86Wait) keepWaiting(env *Env, t *Thread) bool {
	regs, ok := env.Vm86.Take(w.Helper.ID)
	if !ok {
		if w.Helper.Alive() {
			return true
		}
		// The helper may have published on its way out.
		regs, ok = env.Vm86.Take(w.Helper.ID)
	}
	t.Process.ReleaseVm86(w.Helper.ID)
	if !ok {
		t.State.R[0] = uint64(proto.StatusFailed)
		return false
	}
	t.State.R[0] = uint64(proto.StatusOK)
	copy(t.State.R[1:], regs[1:])
	return false
}
