package ipc

import "nucleus/proto"

const noSlot int8 = -1

// slot holds one queued message. prev/next link slots of the same mailbox by
// index; for free slots next chains the free list.
type slot struct {
	hdr  proto.Header
	data []byte
	prev int8
	next int8
}

// mailbox is a bounded FIFO over a fixed arena of slots.
type mailbox struct {
	head  int8
	tail  int8
	free  int8
	count int
	bytes int
	slots [proto.MaxQueueMessages]slot
}

func newMailbox() *mailbox {
	mb := &mailbox{head: noSlot, tail: noSlot}
	for i := range mb.slots {
		mb.slots[i].prev = noSlot
		mb.slots[i].next = int8(i + 1)
	}
	mb.slots[len(mb.slots)-1].next = noSlot
	mb.free = 0
	return mb
}

// fits reports whether a message of size bytes (header included) can be
// appended without exceeding either capacity.
func (mb *mailbox) fits(size int) bool {
	return mb.count < proto.MaxQueueMessages && mb.bytes+size <= proto.MaxQueueBytes
}

// push links a message at the tail. The caller checks fits first.
func (mb *mailbox) push(hdr proto.Header, data []byte) {
	i := mb.free
	s := &mb.slots[i]
	mb.free = s.next

	s.hdr = hdr
	s.data = data
	s.prev = mb.tail
	s.next = noSlot
	if mb.tail != noSlot {
		mb.slots[mb.tail].next = i
	} else {
		mb.head = i
	}
	mb.tail = i
	mb.count++
	mb.bytes += hdr.Size()
}

// find returns the first slot in FIFO order carrying tx, or the head when tx
// is TxNone.
func (mb *mailbox) find(tx proto.Tx) int8 {
	if tx == proto.TxNone {
		return mb.head
	}
	for i := mb.head; i != noSlot; i = mb.slots[i].next {
		if mb.slots[i].hdr.Transaction == tx {
			return i
		}
	}
	return noSlot
}

// unlink removes slot i and returns its payload storage.
func (mb *mailbox) unlink(i int8) []byte {
	s := &mb.slots[i]
	if s.prev != noSlot {
		mb.slots[s.prev].next = s.next
	} else {
		mb.head = s.next
	}
	if s.next != noSlot {
		mb.slots[s.next].prev = s.prev
	} else {
		mb.tail = s.prev
	}
	mb.count--
	mb.bytes -= s.hdr.Size()

	data := s.data
	*s = slot{prev: noSlot, next: mb.free}
	mb.free = i
	return data
}
