package app

import (
	"fmt"
	"strings"

	"nucleus/hal"
	"nucleus/kernel"
)

func installPanicHandler(l hal.Logger) {
	kernel.SetPanicHandler(func(info kernel.PanicInfo) {
		if l == nil {
			return
		}
		l.WriteLineString(fmt.Sprintf("halt: thread=%d %s", info.Tid, info.Reason))
		if len(info.Stack) == 0 {
			l.WriteLineString("halt: stack unavailable")
			return
		}
		for _, line := range strings.Split(string(info.Stack), "\n") {
			if line == "" {
				continue
			}
			l.WriteLineString("halt: " + line)
		}
	})
}
