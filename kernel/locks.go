package kernel

import (
	"sync"
	"sync/atomic"

	"nucleus/proto"
)

type lockKey struct {
	pid  proto.Pid
	addr uint64
}

// LockTable maps user lock addresses to kernel lock words.
type LockTable struct {
	mu    sync.Mutex
	words map[lockKey]*atomic.Bool
}

func NewLockTable() *LockTable {
	return &LockTable{words: make(map[lockKey]*atomic.Bool)}
}

// Word returns the lock word for addr in process pid, creating it unlocked.
func (lt *LockTable) Word(pid proto.Pid, addr uint64) *atomic.Bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	k := lockKey{pid: pid, addr: addr}
	w := lt.words[k]
	if w == nil {
		w = new(atomic.Bool)
		lt.words[k] = w
	}
	return w
}

// Release drops every lock word of pid.
func (lt *LockTable) Release(pid proto.Pid) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for k := range lt.words {
		if k.pid == pid {
			delete(lt.words, k)
		}
	}
}
