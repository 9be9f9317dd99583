package machine

import (
	"fmt"

	"nucleus/kernel"
	"nucleus/proto"
)

// BIOS services a vm86 helper can run. The service number is in R1 and the
// argument in R2; the result is returned in R2, with R3 set on error.
const (
	biosMemorySize   = 0x12
	biosExtendedSize = 0x15
	biosEcho         = 0x16
)

const conventionalKB = 640

// bios runs the helper's service and reports back to the kernel.
func (m *Machine) bios(core int, c *cpu, th *kernel.Thread) {
	r := &c.st.R
	switch r[1] {
	case biosMemorySize:
		r[2], r[3] = conventionalKB, 0
	case biosExtendedSize:
		r[2], r[3] = uint64(len(th.Process.Memory)>>10), 0
	case biosEcho:
		r[3] = 0
	default:
		m.log.WriteLineString(fmt.Sprintf("machine: vm86 helper %s: unsupported service %#x", th, r[1]))
		r[2], r[3] = 0, 1
	}
	c.retired.Add(1)
	r[0] = uint64(proto.SysVm86Done)
	m.interrupt(core, c, proto.VectorSyscall)
}
