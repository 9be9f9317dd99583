// Package irq is the single entry point from interrupts into the kernel.
package irq

import (
	"fmt"
	"sync"

	"nucleus/hal"
	"nucleus/kernel"
	"nucleus/proto"
	"nucleus/tasking"
)

// RequestHandler services software interrupts (syscalls).
type RequestHandler interface {
	HandleRequest(core int, t *kernel.Thread)
}

// DeviceHandler services a hardware IRQ on core.
type DeviceHandler func(core int)

// Tracer observes every dispatch decision.
type Tracer interface {
	Trace(core int, tick uint64, vector uint8, next *kernel.Thread)
}

// Dispatcher saves the interrupted thread, routes the interrupt and returns
// the state of the thread to resume.
//
// All interrupts on all cores are serialized by one dispatch lock.
type Dispatcher struct {
	mu sync.Mutex

	tasks    *tasking.Tasking
	clock    *kernel.Clock
	pic      hal.InterruptController
	log      hal.Logger
	requests RequestHandler
	devices  map[uint8]DeviceHandler
	tracer   Tracer
}

// New returns a dispatcher. requests may be set later with SetRequestHandler.
func New(tasks *tasking.Tasking, clock *kernel.Clock, pic hal.InterruptController, log hal.Logger) *Dispatcher {
	if log == nil {
		log = hal.Discard
	}
	return &Dispatcher{
		tasks:   tasks,
		clock:   clock,
		pic:     pic,
		log:     log,
		devices: make(map[uint8]DeviceHandler),
	}
}

// SetRequestHandler installs the syscall handler.
func (d *Dispatcher) SetRequestHandler(h RequestHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = h
}

// SetTracer installs a tracer. nil disables tracing.
func (d *Dispatcher) SetTracer(t Tracer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracer = t
}

// Register installs fn for a device IRQ vector.
func (d *Dispatcher) Register(vector uint8, fn DeviceHandler) error {
	if vector < proto.VectorIRQBase || vector == proto.VectorTimer || vector == proto.VectorSyscall {
		return fmt.Errorf("irq: vector %#x is reserved", vector)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.devices[vector]; ok {
		return fmt.Errorf("irq: vector %#x already registered", vector)
	}
	d.devices[vector] = fn
	return nil
}

// Dispatch handles one interrupt taken on core with the interrupted state st.
func (d *Dispatcher) Dispatch(core int, st kernel.CPUState) kernel.CPUState {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.tasks.Scheduler(core)
	t := s.Save(st)

	if st.Vector < proto.VectorIRQBase {
		d.handleException(core, t, st)
	} else {
		d.handleRequest(core, t, st.Vector)
	}

	next := s.Schedule()
	if w := next.Waiter(); w != nil {
		kernel.Halt(next.ID, "irq: core %d resumes thread %d with %s waiter attached", core, next.ID, w.Kind)
	}

	if d.pic != nil {
		d.pic.EOI(core, st.Vector)
	}
	if d.tracer != nil {
		d.tracer.Trace(core, d.clock.Now(), st.Vector, next)
	}
	return next.State
}

func (d *Dispatcher) handleException(core int, t *kernel.Thread, st kernel.CPUState) {
	if t.Process == nil || t.Process.Security == proto.SecurityKernel {
		kernel.Halt(t.ID, "irq: exception %#x (error %#x) in kernel thread %d on core %d at pc %#x",
			st.Vector, st.Error, t.ID, core, st.PC)
	}
	d.log.WriteLineString(fmt.Sprintf("irq: exception %#x (error %#x) in thread %s at pc %#x, killed",
		st.Vector, st.Error, t, st.PC))
	t.Kill()
}

func (d *Dispatcher) handleRequest(core int, t *kernel.Thread, vector uint8) {
	switch vector {
	case proto.VectorTimer:
		// The bootstrap core keeps time; other cores only reschedule.
		if core == 0 {
			d.clock.Advance(1)
		}
	case proto.VectorSyscall:
		if d.requests == nil {
			kernel.Halt(t.ID, "irq: syscall on core %d with no request handler", core)
		}
		d.requests.HandleRequest(core, t)
	default:
		if fn, ok := d.devices[vector]; ok {
			fn(core)
			return
		}
		d.log.WriteLineString(fmt.Sprintf("irq: spurious vector %#x on core %d", vector, core))
	}
}
