package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"nucleus/proto"
)

// PanicInfo describes a fatal kernel inconsistency.
type PanicInfo struct {
	Tid    proto.Tid
	Reason string
	Stack  []byte
}

// HaltError is the panic value raised by Halt.
type HaltError struct {
	Info PanicInfo
}

func (e *HaltError) Error() string {
	return "kernel halted: " + e.Info.Reason
}

var (
	panicActive atomic.Bool
	panicOnce   sync.Once

	panicHandler atomic.Value // func(PanicInfo)
)

// InPanicMode reports whether the kernel has halted at least once.
func InPanicMode() bool {
	return panicActive.Load()
}

// SetPanicHandler installs a process-wide halt handler.
//
// The handler is invoked at most once (on the first halt). It must not panic.
func SetPanicHandler(fn func(PanicInfo)) {
	panicHandler.Store(fn)
}

// Halt stops the kernel after an invariant violation. It never returns: the
// calling goroutine panics with a *HaltError so hosts can stop the machine.
func Halt(tid proto.Tid, format string, args ...any) {
	info := PanicInfo{Tid: tid, Reason: fmt.Sprintf(format, args...)}
	triggerPanic(&info)
	panic(&HaltError{Info: info})
}

func triggerPanic(info *PanicInfo) {
	panicOnce.Do(func() {
		panicActive.Store(true)
		info.Stack = captureStack()
		if v := panicHandler.Load(); v != nil {
			if fn, ok := v.(func(PanicInfo)); ok && fn != nil {
				fn(*info)
			}
		}
	})
}
