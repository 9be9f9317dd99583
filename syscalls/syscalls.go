// Package syscalls is the request handler table behind the syscall vector.
package syscalls

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"nucleus/hal"
	"nucleus/kernel"
	"nucleus/proto"
	"nucleus/tasking"
)

// Mailboxes is the mailbox registry as seen by the send and receive calls.
type Mailboxes = kernel.Mailboxes

// Config wires the handler table to the kernel.
type Config struct {
	Tasks     *tasking.Tasking
	Mailboxes Mailboxes
	Clock     *kernel.Clock
	Vm86      *kernel.Vm86Board
	Locks     *kernel.LockTable
	Log       hal.Logger
}

type handler func(h *Handler, core int, t *kernel.Thread)

// Handler decodes the syscall registers of an interrupted thread and runs
// the matching request.
type Handler struct {
	tasks *tasking.Tasking
	mail  Mailboxes
	clock *kernel.Clock
	vm86  *kernel.Vm86Board
	locks *kernel.LockTable
	log   hal.Logger

	calls [proto.SyscallCount]uint64
}

var table = [proto.SyscallCount]handler{
	proto.SysYield:              (*Handler).yield,
	proto.SysExit:               (*Handler).exit,
	proto.SysGetTid:             (*Handler).getTid,
	proto.SysSend:               (*Handler).send,
	proto.SysReceive:            (*Handler).receive,
	proto.SysCancelReceive:      (*Handler).cancelReceive,
	proto.SysCreateThread:       (*Handler).createThread,
	proto.SysFork:               (*Handler).fork,
	proto.SysRegisterIdentifier: (*Handler).registerIdentifier,
	proto.SysRegisterServer:     (*Handler).registerServer,
	proto.SysGetServer:          (*Handler).getServer,
	proto.SysTaskByIdentifier:   (*Handler).taskByIdentifier,
	proto.SysCount:              (*Handler).count,
	proto.SysTaskIDs:            (*Handler).taskIDs,
	proto.SysSleep:              (*Handler).sleep,
	proto.SysJoin:               (*Handler).join,
	proto.SysCallVm86:           (*Handler).callVm86,
	proto.SysVm86Done:           (*Handler).vm86Done,
	proto.SysLock:               (*Handler).lock,
	proto.SysUnlock:             (*Handler).unlock,
}

func New(cfg Config) *Handler {
	if cfg.Log == nil {
		cfg.Log = hal.Discard
	}
	if cfg.Locks == nil {
		cfg.Locks = kernel.NewLockTable()
	}
	return &Handler{
		tasks: cfg.Tasks,
		mail:  cfg.Mailboxes,
		clock: cfg.Clock,
		vm86:  cfg.Vm86,
		locks: cfg.Locks,
		log:   cfg.Log,
	}
}

// HandleRequest runs the syscall encoded in t's saved registers. Called with
// the dispatch lock held.
func (h *Handler) HandleRequest(core int, t *kernel.Thread) {
	code := t.State.R[0]
	if code >= uint64(proto.SyscallCount) {
		h.log.WriteLineString(fmt.Sprintf("syscall: thread %s on core %d issued unknown request %d, killed", t, core, code))
		t.Kill()
		return
	}
	h.calls[code]++
	table[code](h, core, t)
}

// Calls returns how many times sc was issued.
func (h *Handler) Calls(sc proto.Syscall) uint64 {
	if sc >= proto.SyscallCount {
		return 0
	}
	return h.calls[sc]
}

func setStatus(t *kernel.Thread, st proto.Status) {
	t.State.R[0] = uint64(st)
}

// user returns the n bytes of t's process memory at addr.
func user(t *kernel.Thread, addr, n uint64) ([]byte, bool) {
	mem := t.Process.Memory
	if addr > uint64(len(mem)) || n > uint64(len(mem))-addr {
		return nil, false
	}
	return mem[addr : addr+n : addr+n], true
}

func userString(t *kernel.Thread, addr, n uint64) (string, bool) {
	b, ok := user(t, addr, n)
	if !ok {
		return "", false
	}
	return string(b), true
}

func (h *Handler) yield(core int, t *kernel.Thread) {
	setStatus(t, proto.StatusOK)
}

func (h *Handler) exit(core int, t *kernel.Thread) {
	setStatus(t, proto.StatusOK)
	t.Kill()
}

func (h *Handler) getTid(core int, t *kernel.Thread) {
	setStatus(t, proto.StatusOK)
	t.State.R[1] = uint64(t.ID)
}

// send: R1 target, R2 addr, R3 len, R4 tx, R5 flags.
func (h *Handler) send(core int, t *kernel.Thread) {
	r := &t.State.R
	target, tx, flags := proto.Tid(r[1]), proto.Tx(r[4]), r[5]
	buf, ok := user(t, r[2], r[3])
	to := h.tasks.GetTaskByID(target)
	if !ok || to == nil || !to.Alive() {
		r[0] = uint64(proto.SendFailed)
		return
	}

	st := h.mail.Send(target, t.ID, buf, tx)
	switch {
	case st == proto.SendQueueFull && flags&proto.FlagNonBlocking == 0:
		t.Attach(kernel.SendMessage(to, buf, tx))
	case st == proto.SendSuccessful:
		r[0] = uint64(st)
		h.tasks.IncreaseWaitPriority(target)
	default:
		r[0] = uint64(st)
	}
}

// receive: R1 addr, R2 len, R3 tx, R4 flags. Returns the message length in R1.
func (h *Handler) receive(core int, t *kernel.Thread) {
	r := &t.State.R
	if t.Kind == proto.KindVm86 {
		r[0], r[1] = uint64(proto.ReceiveFailedNotPermitted), 0
		return
	}
	tx, flags := proto.Tx(r[3]), r[4]
	buf, ok := user(t, r[1], r[2])
	if !ok {
		r[0], r[1] = uint64(proto.ReceiveFailed), 0
		return
	}

	n, st := h.mail.Receive(t.ID, buf, tx)
	if st == proto.ReceiveQueueEmpty && flags&proto.FlagNonBlocking == 0 {
		var brk *atomic.Bool
		if flags&proto.FlagBreakable != 0 {
			brk = t.BreakFlag()
			brk.Store(false)
		}
		t.Attach(kernel.ReceiveMessage(buf, tx, brk))
		return
	}
	r[0], r[1] = uint64(st), uint64(n)
}

// cancelReceive: R1 target. The target must belong to the caller's process
// unless the caller is privileged.
func (h *Handler) cancelReceive(core int, t *kernel.Thread) {
	target := h.tasks.GetTaskByID(proto.Tid(t.State.R[1]))
	switch {
	case target == nil:
		setStatus(t, proto.StatusNotFound)
	case target.Process != t.Process && t.Process.Security > proto.SecurityDriver:
		setStatus(t, proto.StatusNotPermitted)
	default:
		target.RequestBreak()
		h.tasks.IncreaseWaitPriority(target.ID)
		setStatus(t, proto.StatusOK)
	}
}

// createThread: R1 entry, R2 argument passed in the new thread's R1.
// Returns the new tid in R1.
func (h *Handler) createThread(core int, t *kernel.Thread) {
	st := kernel.CPUState{PC: uint32(t.State.R[1])}
	st.R[1] = t.State.R[2]
	sub := h.tasks.CreateThread(t.Process, proto.KindSub, st)
	setStatus(t, proto.StatusOK)
	t.State.R[1] = uint64(sub.ID)
}

// fork returns the child's main tid in R1 to the parent and 0 to the child.
func (h *Handler) fork(core int, t *kernel.Thread) {
	child, ok := h.tasks.Fork(t)
	if !ok {
		setStatus(t, proto.StatusFailed)
		t.State.R[1] = 0
		return
	}
	setStatus(t, proto.StatusOK)
	t.State.R[1] = uint64(child.ID)
}

// registerIdentifier: R1 addr, R2 len.
func (h *Handler) registerIdentifier(core int, t *kernel.Thread) {
	name, ok := userString(t, t.State.R[1], t.State.R[2])
	if !ok || name == "" {
		setStatus(t, proto.StatusFailed)
		return
	}
	if !h.tasks.RegisterTaskForIdentifier(t, name) {
		setStatus(t, proto.StatusExists)
		return
	}
	setStatus(t, proto.StatusOK)
}

func (h *Handler) registerServer(core int, t *kernel.Thread) {
	if !h.tasks.AddServer(t.Process) {
		setStatus(t, proto.StatusExists)
		return
	}
	setStatus(t, proto.StatusOK)
}

// getServer: R1 addr, R2 len. Returns the server's main tid in R1.
func (h *Handler) getServer(core int, t *kernel.Thread) {
	name, ok := userString(t, t.State.R[1], t.State.R[2])
	if !ok {
		setStatus(t, proto.StatusFailed)
		return
	}
	p := h.tasks.GetServer(name)
	if p == nil || p.Main() == nil {
		setStatus(t, proto.StatusNotFound)
		t.State.R[1] = 0
		return
	}
	setStatus(t, proto.StatusOK)
	t.State.R[1] = uint64(p.Main().ID)
}

// taskByIdentifier: R1 addr, R2 len. Returns the tid in R1.
func (h *Handler) taskByIdentifier(core int, t *kernel.Thread) {
	name, ok := userString(t, t.State.R[1], t.State.R[2])
	if !ok {
		setStatus(t, proto.StatusFailed)
		return
	}
	found := h.tasks.GetTaskByIdentifier(name)
	if found == nil {
		setStatus(t, proto.StatusNotFound)
		t.State.R[1] = 0
		return
	}
	setStatus(t, proto.StatusOK)
	t.State.R[1] = uint64(found.ID)
}

// count: R1 kind mask.
func (h *Handler) count(core int, t *kernel.Thread) {
	n := h.tasks.Count(proto.ThreadKind(t.State.R[1]))
	setStatus(t, proto.StatusOK)
	t.State.R[1] = uint64(n)
}

// taskIDs: R1 addr, R2 capacity in entries, R3 kind mask. Tids are written
// as little-endian u32. Returns the number written in R1.
func (h *Handler) taskIDs(core int, t *kernel.Thread) {
	r := &t.State.R
	capacity := r[2]
	if capacity > uint64(len(t.Process.Memory)) {
		r[0], r[1] = uint64(proto.StatusFailed), 0
		return
	}
	buf, ok := user(t, r[1], capacity*4)
	if !ok {
		r[0], r[1] = uint64(proto.StatusFailed), 0
		return
	}
	ids := make([]proto.Tid, capacity)
	n := h.tasks.GetTaskIDs(ids, proto.ThreadKind(r[3]))
	for i, id := range ids[:n] {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(id))
	}
	r[0], r[1] = uint64(proto.StatusOK), uint64(n)
}

// sleep: R1 ticks.
func (h *Handler) sleep(core int, t *kernel.Thread) {
	setStatus(t, proto.StatusOK)
	if d := t.State.R[1]; d > 0 {
		t.Attach(kernel.Sleep(h.clock.Now() + d))
	}
}

// join: R1 tid.
func (h *Handler) join(core int, t *kernel.Thread) {
	target := h.tasks.GetTaskByID(proto.Tid(t.State.R[1]))
	switch {
	case target == nil:
		setStatus(t, proto.StatusNotFound)
	case target == t:
		setStatus(t, proto.StatusFailed)
	default:
		setStatus(t, proto.StatusOK)
		t.Attach(kernel.Join(target))
	}
}

// callVm86 starts a helper thread that runs with a copy of the caller's
// registers and blocks the caller until the helper reports back. Results
// arrive in R1..R7.
func (h *Handler) callVm86(core int, t *kernel.Thread) {
	p := t.Process
	if p.Security > proto.SecurityDriver {
		setStatus(t, proto.StatusNotPermitted)
		return
	}
	if p.Vm86Helper() != 0 {
		setStatus(t, proto.StatusExists)
		return
	}
	helper := h.tasks.CreateThread(p, proto.KindVm86, kernel.CPUState{R: t.State.R})
	if !p.ClaimVm86(helper.ID) {
		kernel.Halt(t.ID, "syscall: process %s lost its vm86 slot", p)
	}
	t.Attach(kernel.CallVm86(helper))
}

// vm86Done publishes the helper's registers and ends it.
func (h *Handler) vm86Done(core int, t *kernel.Thread) {
	if t.Kind != proto.KindVm86 {
		setStatus(t, proto.StatusNotPermitted)
		return
	}
	h.vm86.Publish(t.ID, t.State.R)
	t.Kill()
}

// lock: R1 lock address in process memory.
func (h *Handler) lock(core int, t *kernel.Thread) {
	w := h.locks.Word(t.Process.ID, t.State.R[1])
	if w.CompareAndSwap(false, true) {
		setStatus(t, proto.StatusOK)
		return
	}
	t.Attach(kernel.AtomicLock(w))
}

// unlock: R1 lock address.
func (h *Handler) unlock(core int, t *kernel.Thread) {
	w := h.locks.Word(t.Process.ID, t.State.R[1])
	if !w.Swap(false) {
		setStatus(t, proto.StatusFailed)
		return
	}
	setStatus(t, proto.StatusOK)
}
