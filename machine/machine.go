// Package machine simulates the cores the kernel runs on. Each core executes
// the scripted programs of a Bundle on behalf of the thread the kernel
// selected, and enters the kernel through the interrupt dispatcher on
// syscalls, faults and timer ticks.
//
// Program text is one instruction per line:
//
//	print words...            log a line
//	set VAR VALUE             assign a variable
//	jump LABEL                continue at :LABEL
//	beq A B LABEL, bne ...    conditional jump
//	tid VAR                   own thread id
//	name ID                   register a thread identifier
//	server                    register the process as a server
//	find VAR SERVER           main thread id of a server
//	lookup VAR ID             thread id by identifier
//	send TID TEXT [tx=N] [nowait]
//	recv VAR [tx=N] [nowait] [break]
//	reply TEXT                answer the last message received
//	cancel TID                interrupt a breakable recv
//	yield, exit, fault
//	sleep TICKS
//	spawn VAR LABEL [ARG]     start a sub thread at :LABEL
//	join TID
//	fork VAR                  VAR is 0 in the child
//	count VAR [MASK], tids VAR [MASK]
//	vm86 VAR SERVICE [ARG]    run a BIOS service in a vm86 helper
//	lock ADDR, unlock ADDR
//	raw CODE [ARGS...]        issue a raw syscall
//
// Arguments starting with '$' expand to variables. recv also sets $sender
// and $tx, and every syscall stores its outcome in $status.
package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"nucleus/hal"
	"nucleus/kernel"
	"nucleus/proto"
	"nucleus/tasking"
)

// Dispatcher enters the kernel.
type Dispatcher interface {
	Dispatch(core int, st kernel.CPUState) kernel.CPUState
}

// Config sizes a machine.
type Config struct {
	// Quantum is the number of instructions a core executes per tick.
	Quantum int
	Log     hal.Logger
}

const defaultQuantum = 8

// Machine owns one simulated CPU per scheduler slot.
type Machine struct {
	quantum int
	kern    Dispatcher
	tasks   *tasking.Tasking
	pic     hal.InterruptController
	bundle  *Bundle
	log     hal.Logger

	cpus []*cpu

	mu     sync.Mutex
	frames map[proto.Tid]*frame
	forks  map[forkKey]*frame
	slots  map[proto.Pid]uint64
	ticks  uint64
}

type cpu struct {
	st      kernel.CPUState
	retired atomic.Uint64
}

// New returns a machine whose cores resume the threads the kernel installed
// as current. Every core must already be enabled.
func New(cfg Config, kern Dispatcher, tasks *tasking.Tasking, pic hal.InterruptController, b *Bundle) *Machine {
	if cfg.Quantum < 2 {
		cfg.Quantum = defaultQuantum
	}
	if cfg.Log == nil {
		cfg.Log = hal.Discard
	}
	m := &Machine{
		quantum: cfg.Quantum,
		kern:    kern,
		tasks:   tasks,
		pic:     pic,
		bundle:  b,
		log:     cfg.Log,
		cpus:    make([]*cpu, tasks.Cores()),
		frames:  make(map[proto.Tid]*frame),
		forks:   make(map[forkKey]*frame),
		slots:   make(map[proto.Pid]uint64),
	}
	for i := range m.cpus {
		m.cpus[i] = &cpu{st: tasks.Scheduler(i).Current().State}
	}
	return m
}

// Ticks returns the number of completed machine ticks.
func (m *Machine) Ticks() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ticks
}

// Retired returns the number of instructions core has executed.
func (m *Machine) Retired(core int) uint64 {
	return m.cpus[core].retired.Load()
}

// Step runs one tick on every core in turn. It is deterministic and returns
// the halt error if the kernel stopped.
func (m *Machine) Step() error {
	for core := range m.cpus {
		if err := m.tick(core); err != nil {
			return err
		}
	}
	m.endTick()
	return nil
}

// Run runs ticks with one goroutine per core until n ticks have elapsed
// (n == 0 runs until ctx is done). When pace is non-nil each tick waits for
// a value from it.
func (m *Machine) Run(ctx context.Context, n uint64, pace <-chan uint64) error {
	for i := uint64(0); n == 0 || i < n; i++ {
		if pace != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case _, ok := <-pace:
				if !ok {
					return nil
				}
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		g, _ := errgroup.WithContext(ctx)
		for core := range m.cpus {
			core := core
			g.Go(func() error { return m.tick(core) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
		m.endTick()
	}
	return nil
}

// endTick drops the frames of threads the kernel no longer knows.
func (m *Machine) endTick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks++
	for tid := range m.frames {
		if m.tasks.GetTaskByID(tid) == nil {
			delete(m.frames, tid)
		}
	}
}

// tick executes up to one quantum on core and ends with a timer interrupt.
func (m *Machine) tick(core int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var h *kernel.HaltError
			if e, ok := r.(error); ok && errors.As(e, &h) {
				err = h
				return
			}
			panic(r)
		}
	}()

	c := m.cpus[core]
	idle := m.tasks.Scheduler(core).Idle()
	for budget := m.quantum; budget > 0; {
		tid := proto.Tid(c.st.Context)
		if tid == idle.ID {
			break
		}
		th := m.tasks.GetTaskByID(tid)
		if th == nil {
			return fmt.Errorf("machine: core %d resumed unknown thread %d", core, tid)
		}
		budget -= m.run(core, c, th, budget)
	}
	m.interrupt(core, c, proto.VectorTimer)
	return nil
}

// interrupt enters the kernel on core with vector and installs the state
// of the thread it resumes.
func (m *Machine) interrupt(core int, c *cpu, vector uint8) {
	c.st.Vector = vector
	if m.pic != nil {
		m.pic.Raise(core, vector)
	}
	c.st = m.kern.Dispatch(core, c.st)
}
