package proto

import "encoding/binary"

const (
	// MaxMessageBytes bounds the payload of a single message.
	MaxMessageBytes = 8192

	// MaxQueueMessages bounds the number of messages queued for one thread.
	MaxQueueMessages = 64

	// MaxQueueBytes bounds header plus payload bytes queued for one thread.
	MaxQueueBytes = MaxMessageBytes * MaxQueueMessages

	// HeaderBytes is the size of the header that precedes every payload.
	HeaderBytes = 20
)

// Header precedes the payload of a delivered message.
//
// Layout (little-endian):
//   - u32: sender tid
//   - u32: transaction
//   - u32: payload length
//   - u32: previous link (kernel-internal, zero when delivered)
//   - u32: next link (kernel-internal, zero when delivered)
type Header struct {
	Sender      Tid
	Transaction Tx
	Length      uint32
}

// Size returns the number of bytes the header and its payload occupy.
func (h Header) Size() int {
	return HeaderBytes + int(h.Length)
}

// Put writes the header into b, which must hold at least HeaderBytes.
func (h Header) Put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Sender))
	binary.LittleEndian.PutUint32(b[4:8], uint32(h.Transaction))
	binary.LittleEndian.PutUint32(b[8:12], h.Length)
	binary.LittleEndian.PutUint32(b[12:16], 0)
	binary.LittleEndian.PutUint32(b[16:20], 0)
}

// DecodeMessage splits a delivered message into header and payload.
func DecodeMessage(b []byte) (h Header, payload []byte, ok bool) {
	if len(b) < HeaderBytes {
		return Header{}, nil, false
	}
	h.Sender = Tid(binary.LittleEndian.Uint32(b[0:4]))
	h.Transaction = Tx(binary.LittleEndian.Uint32(b[4:8]))
	h.Length = binary.LittleEndian.Uint32(b[8:12])
	if int(h.Length) > len(b)-HeaderBytes {
		return Header{}, nil, false
	}
	return h, b[HeaderBytes : HeaderBytes+int(h.Length)], true
}
