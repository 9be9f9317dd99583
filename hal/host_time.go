//go:build !tinygo

package hal

import "time"

type hostTime struct {
	ch chan uint64
	hz int
}

func newHostTime(hz int) *hostTime {
	if hz <= 0 {
		hz = 100
	}
	return &hostTime{ch: make(chan uint64, 1024), hz: hz}
}

func (t *hostTime) Ticks() <-chan uint64 { return t.ch }

func (t *hostTime) start(stop <-chan struct{}) {
	go func() {
		tk := time.NewTicker(time.Second / time.Duration(t.hz))
		defer tk.Stop()
		var seq uint64
		for {
			select {
			case <-stop:
				close(t.ch)
				return
			case <-tk.C:
				seq++
				select {
				case t.ch <- seq:
				default:
				}
			}
		}
	}()
}
