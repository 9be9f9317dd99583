package kernel

import (
	"sync"

	"nucleus/proto"
)

// Vm86Board holds result registers published by VM86 helper threads until
// the calling thread's waiter collects them.
type Vm86Board struct {
	mu      sync.Mutex
	results map[proto.Tid][8]uint64
}

func NewVm86Board() *Vm86Board {
	return &Vm86Board{results: make(map[proto.Tid][8]uint64)}
}

// Publish stores the result registers of helper.
func (b *Vm86Board) Publish(helper proto.Tid, regs [8]uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[helper] = regs
}

// Take removes and returns the result registers of helper.
func (b *Vm86Board) Take(helper proto.Tid) ([8]uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs, ok := b.results[helper]
	if ok {
		delete(b.results, helper)
	}
	return regs, ok
}
