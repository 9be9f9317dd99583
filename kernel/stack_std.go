//go:build !tinygo

package kernel

import "runtime/debug"

const maxStackBytes = 16 << 10

func captureStack() []byte {
	st := debug.Stack()
	if len(st) > maxStackBytes {
		st = st[:maxStackBytes]
	}
	return st
}
