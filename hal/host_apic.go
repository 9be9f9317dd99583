//go:build !tinygo

package hal

import "sync"

// HostAPIC models one local APIC per core: an in-service register and a
// counter of acknowledged interrupts.
type HostAPIC struct {
	mu    sync.Mutex
	cores []apicState
}

type apicState struct {
	isr  [4]uint64
	eois uint64
}

func newHostAPIC(cores int) *HostAPIC {
	return &HostAPIC{cores: make([]apicState, cores)}
}

func (a *HostAPIC) Raise(core int, vector uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if core < 0 || core >= len(a.cores) {
		return
	}
	a.cores[core].isr[vector/64] |= 1 << (vector % 64)
}

func (a *HostAPIC) EOI(core int, vector uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if core < 0 || core >= len(a.cores) {
		return
	}
	st := &a.cores[core]
	st.isr[vector/64] &^= 1 << (vector % 64)
	st.eois++
}

// InService reports whether vector is awaiting EOI on core.
func (a *HostAPIC) InService(core int, vector uint8) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if core < 0 || core >= len(a.cores) {
		return false
	}
	return a.cores[core].isr[vector/64]&(1<<(vector%64)) != 0
}

// EOIs returns the number of EOIs signalled on core.
func (a *HostAPIC) EOIs(core int) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if core < 0 || core >= len(a.cores) {
		return 0
	}
	return a.cores[core].eois
}

// NewInterruptController returns a standalone host interrupt controller.
func NewInterruptController(cores int) *HostAPIC {
	return newHostAPIC(cores)
}
