package kernel

import (
	"fmt"
	"sync"

	"nucleus/proto"
)

// Allocator provides process memory. hal.Memory satisfies it.
type Allocator interface {
	Alloc(n int) ([]byte, error)
	Free(b []byte)
}

// ProcessTable creates, clones and releases processes and threads. It stands
// in for the process-management and loader collaborators.
type ProcessTable struct {
	mu        sync.Mutex
	alloc     Allocator
	userBytes int
	nextPid   proto.Pid
	nextTid   proto.Tid
	procs     map[proto.Pid]*Process
}

// NewProcessTable gives every process userBytes of memory from alloc. The
// first process created receives pid 0.
func NewProcessTable(alloc Allocator, userBytes int) *ProcessTable {
	return &ProcessTable{
		alloc:     alloc,
		userBytes: userBytes,
		nextTid:   1,
		procs:     make(map[proto.Pid]*Process),
	}
}

// NewProcess allocates a process without threads.
func (pt *ProcessTable) NewProcess(sec proto.Security, image string) (*Process, error) {
	mem, err := pt.allocate()
	if err != nil {
		return nil, fmt.Errorf("process %q: %w", image, err)
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	p := NewProcess(pt.nextPid, sec, image, mem)
	pt.nextPid++
	pt.procs[p.ID] = p
	return p, nil
}

// NewThread creates a thread of p starting from st. The first Main thread
// becomes the process's main thread.
func (pt *ProcessTable) NewThread(p *Process, kind proto.ThreadKind, st CPUState) *Thread {
	pt.mu.Lock()
	id := pt.nextTid
	pt.nextTid++
	pt.mu.Unlock()

	t := NewThread(id, p, kind)
	st.Context = uint64(id)
	t.State = st
	if kind == proto.KindMain && p.Main() == nil {
		p.SetMain(t)
	}
	return t
}

// Fork duplicates the process of main, including its memory, and returns the
// child's main thread. The child resumes from the parent's saved state with
// a zero secondary result.
func (pt *ProcessTable) Fork(main *Thread) (*Thread, error) {
	parent := main.Process
	child, err := pt.NewProcess(parent.Security, parent.Image)
	if err != nil {
		return nil, err
	}
	copy(child.Memory, parent.Memory)

	st := main.State
	st.R[0] = uint64(proto.StatusOK)
	st.R[1] = 0
	return pt.NewThread(child, proto.KindMain, st), nil
}

// Release frees the memory of p and forgets it.
func (pt *ProcessTable) Release(p *Process) {
	pt.mu.Lock()
	if _, ok := pt.procs[p.ID]; !ok {
		pt.mu.Unlock()
		return
	}
	delete(pt.procs, p.ID)
	pt.mu.Unlock()

	if pt.alloc != nil && p.Memory != nil {
		pt.alloc.Free(p.Memory)
	}
}

// Lookup returns the live process with the given id.
func (pt *ProcessTable) Lookup(pid proto.Pid) *Process {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.procs[pid]
}

// Len returns the number of live processes.
func (pt *ProcessTable) Len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.procs)
}

func (pt *ProcessTable) allocate() ([]byte, error) {
	if pt.userBytes <= 0 {
		return nil, nil
	}
	if pt.alloc == nil {
		return make([]byte, pt.userBytes), nil
	}
	return pt.alloc.Alloc(pt.userBytes)
}
