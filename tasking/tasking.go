// Package tasking places threads on cores and keeps the thread-name and
// server directories.
package tasking

import (
	"fmt"
	"sync"

	"nucleus/hal"
	"nucleus/kernel"
	"nucleus/proto"
)

// Mailboxes is the mailbox registry as seen by thread teardown.
type Mailboxes interface {
	kernel.Mailboxes
	Clear(tid proto.Tid)
}

// ProcessManager creates and clones processes and threads.
// kernel.ProcessTable is the default implementation.
type ProcessManager interface {
	NewProcess(sec proto.Security, image string) (*kernel.Process, error)
	NewThread(p *kernel.Process, kind proto.ThreadKind, st kernel.CPUState) *kernel.Thread
	Fork(main *kernel.Thread) (*kernel.Thread, error)
	Release(p *kernel.Process)
}

// Config wires the façade to its collaborators.
type Config struct {
	Cores     int
	Env       *kernel.Env
	Mailboxes Mailboxes
	Processes ProcessManager
	Locks     *kernel.LockTable
	Log       hal.Logger
}

// Tasking owns one scheduler slot per core.
//
// Slots are allocated by New and filled by EnableForThisCore; an empty slot
// is a startup-order bug.
type Tasking struct {
	mu      sync.Mutex
	slots   []*kernel.Scheduler
	servers []*kernel.Process

	env   *kernel.Env
	mail  Mailboxes
	procs ProcessManager
	locks *kernel.LockTable
	log   hal.Logger
}

// New allocates the scheduler table. Called once by the bootstrap core.
func New(cfg Config) *Tasking {
	if cfg.Cores <= 0 {
		kernel.Halt(0, "tasking: invalid core count %d", cfg.Cores)
	}
	if cfg.Log == nil {
		cfg.Log = hal.Discard
	}
	return &Tasking{
		slots: make([]*kernel.Scheduler, cfg.Cores),
		env:   cfg.Env,
		mail:  cfg.Mailboxes,
		procs: cfg.Processes,
		locks: cfg.Locks,
		log:   cfg.Log,
	}
}

// Cores returns the number of scheduler slots.
func (k *Tasking) Cores() int { return len(k.slots) }

// EnableForThisCore installs the scheduler of core with idle as its
// placeholder thread. Enabling a core twice returns the installed scheduler.
func (k *Tasking) EnableForThisCore(core int, idle *kernel.Thread) *kernel.Scheduler {
	k.mu.Lock()
	defer k.mu.Unlock()
	if core < 0 || core >= len(k.slots) {
		kernel.Halt(0, "tasking: core %d outside scheduler table of %d", core, len(k.slots))
	}
	if s := k.slots[core]; s != nil {
		return s
	}
	s := kernel.NewScheduler(core, k.env, k.log)
	s.SetIdle(idle)
	s.OnReap(k.reap)
	k.slots[core] = s
	k.logf("tasking: core %d enabled, idle thread %s", core, idle)
	return s
}

// Scheduler returns the installed scheduler of core.
func (k *Tasking) Scheduler(core int) *kernel.Scheduler {
	var s *kernel.Scheduler
	k.mu.Lock()
	if core >= 0 && core < len(k.slots) {
		s = k.slots[core]
	}
	k.mu.Unlock()
	if s == nil {
		kernel.Halt(0, "tasking: no scheduler installed for core %d", core)
	}
	return s
}

// installed returns a snapshot of the installed schedulers.
func (k *Tasking) installed() []*kernel.Scheduler {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]*kernel.Scheduler, 0, len(k.slots))
	for _, s := range k.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// AddTask places t on core when enforce is set, otherwise on the installed
// scheduler with the lowest load (first found on ties).
func (k *Tasking) AddTask(t *kernel.Thread, core int, enforce bool) *kernel.Scheduler {
	if enforce {
		s := k.Scheduler(core)
		s.Add(t)
		return s
	}

	var best *kernel.Scheduler
	bestLoad := 0
	for _, s := range k.installed() {
		load := s.CalculateLoad()
		if best == nil || load < bestLoad {
			best, bestLoad = s, load
		}
	}
	if best == nil {
		kernel.Halt(t.ID, "tasking: no scheduler installed to place thread %d", t.ID)
	}
	best.Add(t)
	return best
}

// CreateProcess creates a process with a main thread starting at entry and
// places it.
func (k *Tasking) CreateProcess(sec proto.Security, image string, entry uint32) (*kernel.Process, error) {
	p, err := k.procs.NewProcess(sec, image)
	if err != nil {
		return nil, err
	}
	main := k.procs.NewThread(p, proto.KindMain, kernel.CPUState{PC: entry})
	s := k.AddTask(main, 0, false)
	k.logf("tasking: process %s started, main thread %d on core %d", p, main.ID, s.Core())
	return p, nil
}

// CreateThread creates a thread of kind in p starting from st and places it.
func (k *Tasking) CreateThread(p *kernel.Process, kind proto.ThreadKind, st kernel.CPUState) *kernel.Thread {
	t := k.procs.NewThread(p, kind, st)
	k.AddTask(t, 0, false)
	return t
}

// Fork clones the process of t and places the child's main thread. Only a
// main thread may fork.
func (k *Tasking) Fork(t *kernel.Thread) (*kernel.Thread, bool) {
	if t.Kind != proto.KindMain || t.Process.Main() != t {
		k.logf("tasking: refusing to fork %s thread %d", t.Kind, t.ID)
		return nil, false
	}
	child, err := k.procs.Fork(t)
	if err != nil {
		k.logf("tasking: fork of process %s: %v", t.Process, err)
		return nil, false
	}
	k.AddTask(child, 0, false)
	return child, true
}

// RemoveThreads tears down every thread of p on every core.
func (k *Tasking) RemoveThreads(p *kernel.Process) {
	k.mu.Lock()
	for i, s := range k.servers {
		if s == p {
			k.servers = append(k.servers[:i], k.servers[i+1:]...)
			break
		}
	}
	p.SetServer(false)
	k.mu.Unlock()

	for _, s := range k.installed() {
		for _, t := range s.RemoveThreads(p) {
			k.mail.Clear(t.ID)
		}
	}
	if k.locks != nil {
		k.locks.Release(p.ID)
	}
	k.procs.Release(p)
}

// reap is called by a scheduler for every dead thread it drops.
func (k *Tasking) reap(t *kernel.Thread) {
	k.mail.Clear(t.ID)
	p := t.Process
	if t.Kind == proto.KindVm86 {
		p.ReleaseVm86(t.ID)
	}
	if p.Main() == t {
		k.RemoveThreads(p)
	}
}

// IncreaseWaitPriority asks the owning scheduler to poll tid first.
func (k *Tasking) IncreaseWaitPriority(tid proto.Tid) {
	t := k.GetTaskByID(tid)
	if t == nil {
		return
	}
	if core := t.Core(); core >= 0 {
		k.Scheduler(core).IncreaseWaitPriority(t)
	}
}

// Count returns the number of threads whose kind is selected by mask.
func (k *Tasking) Count(mask proto.ThreadKind) int {
	n := 0
	for _, s := range k.installed() {
		for _, t := range s.Threads() {
			if t.Kind.Matches(mask) {
				n++
			}
		}
	}
	return n
}

// GetTaskIDs fills out with the ids of threads selected by mask and returns
// how many were written.
func (k *Tasking) GetTaskIDs(out []proto.Tid, mask proto.ThreadKind) int {
	n := 0
	for _, s := range k.installed() {
		for _, t := range s.Threads() {
			if n == len(out) {
				return n
			}
			if t.Kind.Matches(mask) {
				out[n] = t.ID
				n++
			}
		}
	}
	return n
}

// GetTaskByID returns the thread with id, or nil. Idle threads are included.
func (k *Tasking) GetTaskByID(id proto.Tid) *kernel.Thread {
	for _, s := range k.installed() {
		if idle := s.Idle(); idle != nil && idle.ID == id {
			return idle
		}
		for _, t := range s.Threads() {
			if t.ID == id {
				return t
			}
		}
	}
	return nil
}

func (k *Tasking) logf(format string, args ...any) {
	k.log.WriteLineString(fmt.Sprintf(format, args...))
}
