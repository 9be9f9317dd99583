package ipc

import (
	"fmt"
	"sync"

	"github.com/inhies/go-bytesize"

	"nucleus/hal"
	"nucleus/proto"
)

// Allocator provides payload storage. hal.Memory satisfies it.
type Allocator interface {
	Alloc(n int) ([]byte, error)
	Free(b []byte)
}

// Registry maps thread ids to their mailboxes.
//
// Blocking is not handled here: QueueFull and QueueEmpty are returned to the
// caller, which decides whether to attach a waiter.
type Registry struct {
	mu    sync.Mutex
	alloc Allocator
	log   hal.Logger
	boxes map[proto.Tid]*mailbox
}

// NewRegistry creates an empty registry. A nil alloc uses the Go heap.
func NewRegistry(alloc Allocator, log hal.Logger) *Registry {
	if log == nil {
		log = hal.Discard
	}
	return &Registry{
		alloc: alloc,
		log:   log,
		boxes: make(map[proto.Tid]*mailbox),
	}
}

// Clear destroys the mailbox of tid and drops every queued message.
func (r *Registry) Clear(tid proto.Tid) {
	r.mu.Lock()
	mb, ok := r.boxes[tid]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.boxes, tid)
	count, size := mb.count, mb.bytes
	for mb.head != noSlot {
		r.free(mb.unlink(mb.head))
	}
	r.mu.Unlock()

	if count > 0 {
		r.log.WriteLineString(fmt.Sprintf("ipc: cleared mailbox of %d (%d messages, %s)",
			tid, count, bytesize.New(float64(size))))
	}
}

// Send appends a copy of content to the mailbox of target.
func (r *Registry) Send(target, source proto.Tid, content []byte, tx proto.Tx) proto.SendStatus {
	if len(content) > proto.MaxMessageBytes {
		return proto.SendExceedsMaximum
	}
	hdr := proto.Header{Sender: source, Transaction: tx, Length: uint32(len(content))}

	r.mu.Lock()
	defer r.mu.Unlock()

	mb := r.boxes[target]
	if mb == nil {
		mb = newMailbox()
		r.boxes[target] = mb
	}
	if !mb.fits(hdr.Size()) {
		return proto.SendQueueFull
	}

	data, err := r.allocate(len(content))
	if err != nil {
		r.log.WriteLineString(fmt.Sprintf("ipc: send %d->%d: %v", source, target, err))
		return proto.SendFailed
	}
	copy(data, content)
	mb.push(hdr, data)
	return proto.SendSuccessful
}

// Receive moves the first message (or the first message carrying tx) of
// target's mailbox into out, header first, and returns the bytes written.
func (r *Registry) Receive(target proto.Tid, out []byte, tx proto.Tx) (int, proto.ReceiveStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mb := r.boxes[target]
	if mb == nil {
		return 0, proto.ReceiveQueueEmpty
	}
	i := mb.find(tx)
	if i == noSlot {
		return 0, proto.ReceiveQueueEmpty
	}

	s := &mb.slots[i]
	size := s.hdr.Size()
	if size > len(out) {
		return 0, proto.ReceiveExceedsBufferSize
	}
	s.hdr.Put(out)
	copy(out[proto.HeaderBytes:size], s.data)
	r.free(mb.unlink(i))
	return size, proto.ReceiveSuccessful
}

// Stats returns the number of queued messages and their total size
// (headers included) for tid.
func (r *Registry) Stats(tid proto.Tid) (count, size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mb := r.boxes[tid]
	if mb == nil {
		return 0, 0
	}
	return mb.count, mb.bytes
}

// Len returns the number of mailboxes currently allocated.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.boxes)
}

func (r *Registry) allocate(n int) ([]byte, error) {
	if r.alloc == nil {
		return make([]byte, n), nil
	}
	if n == 0 {
		return nil, nil
	}
	return r.alloc.Alloc(n)
}

func (r *Registry) free(b []byte) {
	if r.alloc == nil || b == nil {
		return
	}
	r.alloc.Free(b)
}
