package hal

import "errors"

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

var (
	ErrNotImplemented = errors.New("not implemented")
	ErrOutOfMemory    = errors.New("out of memory")
)

// InterruptController is the per-core interrupt controller (local APIC on
// the host architecture).
type InterruptController interface {
	// Raise marks vector as in service on core.
	Raise(core int, vector uint8)
	// EOI signals end-of-interrupt for vector on core.
	EOI(core int, vector uint8)
}

// Memory hands out kernel heap storage.
//
// It is the only memory-management contract the core depends on.
type Memory interface {
	Alloc(n int) ([]byte, error)
	Free(b []byte)
	InUse() int
	Limit() int
}

// Time provides a base tick stream.
//
// The tick duration is platform-defined.
type Time interface {
	Ticks() <-chan uint64
}

// HAL provides the only contact point between the core and the machine.
type HAL interface {
	Logger() Logger
	Interrupts() InterruptController
	Memory() Memory
	Time() Time
	Cores() int
}
