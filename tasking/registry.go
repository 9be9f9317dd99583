package tasking

import "nucleus/kernel"

// GetTaskByIdentifier returns the live thread named name, or nil.
func (k *Tasking) GetTaskByIdentifier(name string) *kernel.Thread {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lookupIdentifierLocked(name)
}

// RegisterTaskForIdentifier renames t to name unless another thread already
// holds it.
func (k *Tasking) RegisterTaskForIdentifier(t *kernel.Thread, name string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if name == "" {
		return false
	}
	if other := k.lookupIdentifierLocked(name); other != nil && other != t {
		k.logf("tasking: thread %d cannot take identifier %q, held by %d", t.ID, name, other.ID)
		return false
	}
	t.SetIdentifier(name)
	return true
}

func (k *Tasking) lookupIdentifierLocked(name string) *kernel.Thread {
	for _, s := range k.slots {
		if s == nil {
			continue
		}
		if idle := s.Idle(); idle != nil && idle.Identifier() == name {
			return idle
		}
		for _, t := range s.Threads() {
			if t.Alive() && t.Identifier() == name {
				return t
			}
		}
	}
	return nil
}

// AddServer publishes p in the server directory under the identifier of its
// main thread.
func (k *Tasking) AddServer(p *kernel.Process) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if p.IsServer() {
		k.logf("tasking: process %s is already a server", p)
		return false
	}
	main := p.Main()
	if main == nil {
		return false
	}
	name := main.Identifier()
	for _, s := range k.servers {
		if s.Main().Identifier() == name {
			k.logf("tasking: server name %q already used by process %s", name, s)
			return false
		}
	}
	p.SetServer(true)
	k.servers = append(k.servers, p)
	k.logf("tasking: process %s registered as server %q", p, name)
	return true
}

// GetServer returns the server process whose main thread is named name.
func (k *Tasking) GetServer(name string) *kernel.Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, s := range k.servers {
		if s.Main().Identifier() == name {
			return s
		}
	}
	return nil
}

// Servers returns a snapshot of the server directory.
func (k *Tasking) Servers() []*kernel.Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]*kernel.Process(nil), k.servers...)
}
