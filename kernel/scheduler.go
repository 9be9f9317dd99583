package kernel

import (
	"fmt"
	"sync"

	"nucleus/hal"
)

// Scheduler owns the threads assigned to one core.
//
// A thread is in exactly one of: the ready queue, the blocked list, or the
// current slot. The idle thread is never queued.
type Scheduler struct {
	mu   sync.Mutex
	core int
	env  *Env
	log  hal.Logger

	ready   []*Thread
	blocked []*Thread
	current *Thread
	idle    *Thread

	onReap   func(*Thread)
	switches uint64
}

// NewScheduler creates the scheduler for core. Waiters are polled against env.
func NewScheduler(core int, env *Env, log hal.Logger) *Scheduler {
	if log == nil {
		log = hal.Discard
	}
	return &Scheduler{core: core, env: env, log: log}
}

// Core returns the core index.
func (s *Scheduler) Core() int { return s.core }

// SetIdle installs the placeholder thread and makes it current.
func (s *Scheduler) SetIdle(t *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.core.Store(int32(s.core))
	s.idle = t
	if s.current == nil {
		s.current = t
		t.running = true
	}
}

// Idle returns the placeholder thread.
func (s *Scheduler) Idle() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

// OnReap registers fn to be called for every dead thread the scheduler
// drops. fn runs without the scheduler lock held.
func (s *Scheduler) OnReap(fn func(*Thread)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReap = fn
}

// Add appends t to the ready queue.
func (s *Scheduler) Add(t *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.core.Store(int32(s.core))
	t.running = false
	s.ready = append(s.ready, t)
}

// Save stores st into the running thread and returns it. The thread stays
// current until Schedule decides where it goes.
func (s *Scheduler) Save(st CPUState) *Thread {
	s.mu.Lock()
	t := s.current
	if t == nil {
		s.mu.Unlock()
		Halt(0, "sched: core %d interrupted with no current thread", s.core)
	}
	t.State = st
	t.running = false
	s.mu.Unlock()
	return t
}

// Schedule requeues the interrupted thread, polls every blocked thread's
// waiter and returns the next thread to run.
//
// Reap callbacks run without the lock and may kill the thread just picked
// (a dead main thread tears down its siblings); selection then repeats.
func (s *Scheduler) Schedule() *Thread {
	for {
		next, idle, reaped, onReap := s.pick()
		for _, t := range reaped {
			t.core.Store(-1)
			if onReap != nil {
				onReap(t)
			}
		}
		if idle || next.Alive() {
			return next
		}
	}
}

// pick selects the next thread under the lock and returns the dead threads
// it dropped on the way.
func (s *Scheduler) pick() (next *Thread, idle bool, reaped []*Thread, onReap func(*Thread)) {
	s.mu.Lock()

	if prev := s.current; prev != nil {
		s.current = nil
		prev.running = false
		if prev != s.idle {
			switch {
			case !prev.Alive():
				reaped = append(reaped, prev)
			case prev.waiter != nil:
				s.blocked = append(s.blocked, prev)
			default:
				s.ready = append(s.ready, prev)
			}
		}
	}

	kept := s.blocked[:0]
	for _, t := range s.blocked {
		if !t.Alive() {
			t.waiter = nil
			reaped = append(reaped, t)
			continue
		}
		if t.waiter != nil && t.waiter.ShouldKeepWaiting(s.env, t) {
			kept = append(kept, t)
			continue
		}
		t.waiter = nil
		s.ready = append(s.ready, t)
	}
	clear(s.blocked[len(kept):])
	s.blocked = kept

	for len(s.ready) > 0 {
		t := s.popReady()
		if !t.Alive() {
			reaped = append(reaped, t)
			continue
		}
		next = t
		break
	}
	if next == nil {
		next = s.idle
	}
	if next == nil {
		s.mu.Unlock()
		Halt(0, "sched: core %d has no runnable thread", s.core)
	}
	if next.waiter != nil {
		s.mu.Unlock()
		Halt(next.ID, "sched: core %d selected thread %d still waiting on %s", s.core, next.ID, next.waiter.Kind)
	}
	next.running = true
	s.current = next
	s.switches++
	idle = next == s.idle
	onReap = s.onReap
	s.mu.Unlock()
	return next, idle, reaped, onReap
}

func (s *Scheduler) popReady() *Thread {
	t := s.ready[0]
	copy(s.ready, s.ready[1:])
	s.ready[len(s.ready)-1] = nil
	s.ready = s.ready[:len(s.ready)-1]
	return t
}

// IncreaseWaitPriority moves t to the front of whichever queue holds it, so
// a thread that was just made runnable is polled and picked first.
func (s *Scheduler) IncreaseWaitPriority(t *Thread) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return moveToFront(s.blocked, t) || moveToFront(s.ready, t)
}

func moveToFront(q []*Thread, t *Thread) bool {
	for i, x := range q {
		if x == t {
			copy(q[1:i+1], q[:i])
			q[0] = t
			return true
		}
	}
	return false
}

// RemoveThreads drops every thread owned by p and returns them. A thread of
// p that is currently running is killed and reaped on the next Schedule.
func (s *Scheduler) RemoveThreads(p *Process) []*Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*Thread
	filter := func(q []*Thread) []*Thread {
		kept := q[:0]
		for _, t := range q {
			if t.Process == p {
				t.Kill()
				t.waiter = nil
				t.core.Store(-1)
				removed = append(removed, t)
				continue
			}
			kept = append(kept, t)
		}
		clear(q[len(kept):])
		return kept
	}
	s.ready = filter(s.ready)
	s.blocked = filter(s.blocked)
	if c := s.current; c != nil && c != s.idle && c.Process == p {
		c.Kill()
		c.waiter = nil
		removed = append(removed, c)
	}
	if len(removed) > 0 {
		s.log.WriteLineString(fmt.Sprintf("sched: core %d removed %d threads of process %s", s.core, len(removed), p))
	}
	return removed
}

// CalculateLoad returns the number of threads assigned to this core.
func (s *Scheduler) CalculateLoad() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.ready) + len(s.blocked)
	if s.current != nil && s.current != s.idle {
		n++
	}
	return n
}

// Current returns the thread selected by the last Schedule.
func (s *Scheduler) Current() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Switches returns the number of completed scheduling passes.
func (s *Scheduler) Switches() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switches
}

// Threads returns a snapshot of the assigned threads, idle excluded.
func (s *Scheduler) Threads() []*Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Thread, 0, len(s.ready)+len(s.blocked)+1)
	if s.current != nil && s.current != s.idle {
		out = append(out, s.current)
	}
	out = append(out, s.ready...)
	out = append(out, s.blocked...)
	return out
}

// Blocked returns a snapshot of the threads waiting on a waiter.
func (s *Scheduler) Blocked() []*Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Thread(nil), s.blocked...)
}
