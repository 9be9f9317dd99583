//go:build !tinygo

package hal

import "sync"

const defaultMemoryBytes = 64 << 20

// hostMemory is a budgeted allocator standing in for the physical page
// allocator.
type hostMemory struct {
	mu    sync.Mutex
	limit int
	inUse int
}

func newHostMemory(limit int) *hostMemory {
	if limit <= 0 {
		limit = defaultMemoryBytes
	}
	return &hostMemory{limit: limit}
}

// NewMemory returns a standalone allocator with the given budget.
func NewMemory(limit int) Memory {
	return newHostMemory(limit)
}

func (m *hostMemory) Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrOutOfMemory
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inUse+n > m.limit {
		return nil, ErrOutOfMemory
	}
	m.inUse += n
	return make([]byte, n), nil
}

func (m *hostMemory) Free(b []byte) {
	if b == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inUse -= cap(b)
	if m.inUse < 0 {
		m.inUse = 0
	}
}

func (m *hostMemory) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse
}

func (m *hostMemory) Limit() int { return m.limit }
