package kernel

import "sync/atomic"

// Clock is the kernel timebase, advanced by the timer interrupt of the
// bootstrap core.
type Clock struct {
	ticks atomic.Uint64
}

// Now returns the current tick count.
func (c *Clock) Now() uint64 {
	return c.ticks.Load()
}

// Advance adds n ticks and returns the new count.
func (c *Clock) Advance(n uint64) uint64 {
	return c.ticks.Add(n)
}

// TickTo moves the clock forward to seq. Older values are ignored.
func (c *Clock) TickTo(seq uint64) {
	for {
		cur := c.ticks.Load()
		if seq <= cur || c.ticks.CompareAndSwap(cur, seq) {
			return
		}
	}
}
