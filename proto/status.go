package proto

// SendStatus is the user-visible outcome of a message send.
type SendStatus uint8

const (
	SendSuccessful SendStatus = iota
	SendQueueFull
	SendFailed
	SendExceedsMaximum
)

func (s SendStatus) String() string {
	switch s {
	case SendSuccessful:
		return "successful"
	case SendQueueFull:
		return "queue full"
	case SendFailed:
		return "failed"
	case SendExceedsMaximum:
		return "exceeds maximum"
	default:
		return "unknown"
	}
}

// ReceiveStatus is the user-visible outcome of a message receive.
type ReceiveStatus uint8

const (
	ReceiveSuccessful ReceiveStatus = iota
	ReceiveQueueEmpty
	ReceiveFailed
	ReceiveFailedNotPermitted
	ReceiveExceedsBufferSize
	ReceiveInterrupted
)

func (s ReceiveStatus) String() string {
	switch s {
	case ReceiveSuccessful:
		return "successful"
	case ReceiveQueueEmpty:
		return "queue empty"
	case ReceiveFailed:
		return "failed"
	case ReceiveFailedNotPermitted:
		return "not permitted"
	case ReceiveExceedsBufferSize:
		return "exceeds buffer size"
	case ReceiveInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}
