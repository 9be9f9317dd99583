// Package app boots the kernel on a HAL: it builds the kernel services,
// enables every core with its idle thread and starts the boot processes.
package app

import (
	"context"
	"fmt"

	"nucleus/hal"
	"nucleus/internal/buildinfo"
	"nucleus/ipc"
	"nucleus/irq"
	"nucleus/kernel"
	"nucleus/machine"
	"nucleus/proto"
	"nucleus/syscalls"
	"nucleus/tasking"
)

// System is a booted kernel together with the machine running it.
type System struct {
	HAL      hal.HAL
	Clock    *kernel.Clock
	Mail     *ipc.Registry
	Procs    *kernel.ProcessTable
	Tasks    *tasking.Tasking
	Dispatch *irq.Dispatcher
	Syscalls *syscalls.Handler
	Machine  *machine.Machine

	// Kernel owns the idle threads.
	Kernel *kernel.Process
}

// New boots the kernel described by cfg. Programs are taken from b.
func New(h hal.HAL, cfg Config, b *machine.Bundle) (*System, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	installPanicHandler(h.Logger())

	cores := cfg.Cores
	if cores == 0 {
		cores = h.Cores()
	}
	userBytes, err := cfg.processBytes()
	if err != nil {
		return nil, err
	}

	s := &System{HAL: h, Clock: new(kernel.Clock)}
	log := h.Logger()
	vm86 := kernel.NewVm86Board()
	locks := kernel.NewLockTable()

	s.Mail = ipc.NewRegistry(h.Memory(), log)
	s.Procs = kernel.NewProcessTable(h.Memory(), userBytes)
	s.Tasks = tasking.New(tasking.Config{
		Cores:     cores,
		Env:       &kernel.Env{Mailboxes: s.Mail, Clock: s.Clock, Vm86: vm86},
		Mailboxes: s.Mail,
		Processes: s.Procs,
		Locks:     locks,
		Log:       log,
	})

	s.Kernel, err = s.Procs.NewProcess(proto.SecurityKernel, "kernel")
	if err != nil {
		return nil, fmt.Errorf("kernel process: %w", err)
	}
	for core := 0; core < cores; core++ {
		idle := s.Procs.NewThread(s.Kernel, proto.KindMain, kernel.CPUState{})
		idle.SetIdentifier(fmt.Sprintf("idle%d", core))
		s.Tasks.EnableForThisCore(core, idle)
	}

	s.Syscalls = syscalls.New(syscalls.Config{
		Tasks:     s.Tasks,
		Mailboxes: s.Mail,
		Clock:     s.Clock,
		Vm86:      vm86,
		Locks:     locks,
		Log:       log,
	})
	s.Dispatch = irq.New(s.Tasks, s.Clock, h.Interrupts(), log)
	s.Dispatch.SetRequestHandler(s.Syscalls)

	for _, pc := range cfg.Processes {
		if _, ok := b.Program(pc.Image); !ok {
			return nil, fmt.Errorf("boot process %q: no such program", pc.Image)
		}
		sec, _ := proto.ParseSecurity(pc.Security)
		n := pc.Count
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			if _, err := s.Tasks.CreateProcess(sec, pc.Image, 0); err != nil {
				return nil, fmt.Errorf("boot process %q: %w", pc.Image, err)
			}
		}
	}

	s.Machine = machine.New(machine.Config{Quantum: cfg.Quantum, Log: log}, s.Dispatch, s.Tasks, h.Interrupts(), b)
	log.WriteLineString(fmt.Sprintf("boot: nucleus %s, %d cores, %d processes", buildinfo.Short(), cores, s.Procs.Len()-1))
	return s, nil
}

// Run drives the machine from the HAL tick stream until n ticks have
// elapsed or ctx is done.
func (s *System) Run(ctx context.Context, n uint64) error {
	var pace <-chan uint64
	if t := s.HAL.Time(); t != nil {
		pace = t.Ticks()
	}
	return s.Machine.Run(ctx, n, pace)
}
