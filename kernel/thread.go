package kernel

import (
	"fmt"
	"sync/atomic"

	"nucleus/proto"
)

// CPUState is the register file saved on interrupt entry and restored on
// interrupt return. The core copies it but never interprets it, except for
// the vector and the syscall registers.
type CPUState struct {
	Vector  uint8
	Error   uint32
	R       [8]uint64
	PC      uint32
	Context uint64 // thread-local base, loaded with the thread id
}

// Thread is the schedulable unit.
type Thread struct {
	ID      proto.Tid
	Process *Process
	Kind    proto.ThreadKind
	State   CPUState

	ident   atomic.Pointer[string]
	waiter  *Waiter
	alive   atomic.Bool
	brk     atomic.Bool
	core    atomic.Int32
	running bool
}

// NewThread returns a live thread that is not assigned to any core.
func NewThread(id proto.Tid, p *Process, kind proto.ThreadKind) *Thread {
	t := &Thread{ID: id, Process: p, Kind: kind}
	t.alive.Store(true)
	t.core.Store(-1)
	name := fmt.Sprintf("%s:%d", kind, id)
	t.ident.Store(&name)
	t.State.Context = uint64(id)
	return t
}

// Identifier returns the thread's current name.
func (t *Thread) Identifier() string {
	return *t.ident.Load()
}

// SetIdentifier renames the thread. Uniqueness is enforced by the caller.
func (t *Thread) SetIdentifier(name string) {
	t.ident.Store(&name)
}

// Alive reports whether the thread may still be scheduled.
func (t *Thread) Alive() bool { return t.alive.Load() }

// Kill marks the thread dead. Its scheduler reaps it on the next pass.
func (t *Thread) Kill() { t.alive.Store(false) }

// Waiter returns the attached waiter, nil when the thread is not blocked.
func (t *Thread) Waiter() *Waiter { return t.waiter }

// Attach blocks the thread on w. Only the thread returned by
// Scheduler.Save may be given a waiter.
func (t *Thread) Attach(w *Waiter) {
	if t.waiter != nil {
		Halt(t.ID, "thread %d already waits on %s", t.ID, t.waiter.Kind)
	}
	t.waiter = w
}

// RequestBreak sets the flag polled by breakable receive waiters.
func (t *Thread) RequestBreak() { t.brk.Store(true) }

// BreakFlag returns the thread's receive break flag.
func (t *Thread) BreakFlag() *atomic.Bool { return &t.brk }

// Core returns the index of the owning scheduler, or -1.
func (t *Thread) Core() int { return int(t.core.Load()) }

// Running reports whether the thread is the one executing on its core.
func (t *Thread) Running() bool { return t.running }

func (t *Thread) String() string {
	return fmt.Sprintf("%d(%s)", t.ID, t.Identifier())
}

// Process owns one Main thread plus any number of Sub threads and at most
// one active Vm86 helper.
type Process struct {
	ID       proto.Pid
	Security proto.Security
	Image    string
	Memory   []byte

	main   *Thread
	server bool
	vm86   atomic.Uint32
}

// NewProcess returns a process without threads.
func NewProcess(id proto.Pid, sec proto.Security, image string, mem []byte) *Process {
	return &Process{ID: id, Security: sec, Image: image, Memory: mem}
}

// Main returns the process's main thread.
func (p *Process) Main() *Thread { return p.main }

// SetMain records t as the main thread.
func (p *Process) SetMain(t *Thread) { p.main = t }

// IsServer reports whether the process is registered in the server
// directory. Guarded by the tasking registry lock.
func (p *Process) IsServer() bool { return p.server }

// SetServer updates the server flag. Guarded by the tasking registry lock.
func (p *Process) SetServer(v bool) { p.server = v }

// Vm86Helper returns the tid of the active VM86 helper, or 0.
func (p *Process) Vm86Helper() proto.Tid { return proto.Tid(p.vm86.Load()) }

// ClaimVm86 records helper as the active VM86 helper. It fails if another
// helper is active.
func (p *Process) ClaimVm86(helper proto.Tid) bool {
	return p.vm86.CompareAndSwap(0, uint32(helper))
}

// ReleaseVm86 clears the helper slot if it still belongs to helper.
func (p *Process) ReleaseVm86(helper proto.Tid) {
	p.vm86.CompareAndSwap(uint32(helper), 0)
}

func (p *Process) String() string {
	return fmt.Sprintf("%d(%s)", p.ID, p.Image)
}
