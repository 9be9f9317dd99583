package machine

import (
	"encoding/binary"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"nucleus/kernel"
	"nucleus/proto"
)

// Per-thread scratch area in process memory: a receive buffer followed by
// an outgoing buffer.
const (
	recvBytes    = proto.HeaderBytes + proto.MaxMessageBytes
	sendBytes    = proto.MaxMessageBytes
	scratchBytes = 20 << 10

	maxTaskIDs = 256
)

// Registers a forking thread leaves for its child to find the parent frame.
const (
	regForkSeq    = 6
	regForkParent = 7
)

type frame struct {
	prog    *Program
	pid     proto.Pid
	vars    map[string]string
	pending *Instr
	scratch uint64
	forks   uint64
}

func (f *frame) clone() *frame {
	g := *f
	g.vars = maps.Clone(f.vars)
	return &g
}

type forkKey struct {
	parent proto.Tid
	seq    uint64
}

// exec is the context an instruction runs in.
type exec struct {
	m    *Machine
	core int
	c    *cpu
	th   *kernel.Thread
	f    *frame
	in   *Instr
}

func (x *exec) regs() *[8]uint64 { return &x.c.st.R }

func (x *exec) mem() []byte { return x.th.Process.Memory }

type op struct {
	min, max int
	// local runs an instruction that does not enter the kernel.
	local func(x *exec, args []string) error
	// trap loads the syscall registers.
	trap func(x *exec, args []string) (proto.Syscall, error)
	// done reads the results once the thread runs again.
	done func(x *exec, args []string)
}

var ops map[string]op

func init() {
	ops = map[string]op{
		"print": {min: 0, max: -1, local: opPrint},
		"set":   {min: 2, max: 2, local: opSet},
		"jump":  {min: 1, max: 1, local: opJump},
		"beq":   {min: 3, max: 3, local: opBranch(true)},
		"bne":   {min: 3, max: 3, local: opBranch(false)},
		"fault": {min: 0, max: 0},

		"tid":    {min: 1, max: 1, trap: sys(proto.SysGetTid), done: resultVar},
		"yield":  {min: 0, max: 0, trap: sys(proto.SysYield), done: statusOnly},
		"exit":   {min: 0, max: 0, trap: sys(proto.SysExit)},
		"name":   {min: 1, max: 1, trap: opName, done: statusOnly},
		"server": {min: 0, max: 0, trap: sys(proto.SysRegisterServer), done: statusOnly},
		"find":   {min: 2, max: 2, trap: opString(proto.SysGetServer), done: resultVar},
		"lookup": {min: 2, max: 2, trap: opString(proto.SysTaskByIdentifier), done: resultVar},
		"send":   {min: 2, max: 4, trap: opSend, done: sendDone},
		"reply":  {min: 1, max: 1, trap: opReply, done: sendDone},
		"recv":   {min: 1, max: 4, trap: opRecv, done: recvDone},
		"cancel": {min: 1, max: 1, trap: opNumeric(proto.SysCancelReceive), done: statusOnly},
		"sleep":  {min: 1, max: 1, trap: opNumeric(proto.SysSleep), done: statusOnly},
		"join":   {min: 1, max: 1, trap: opNumeric(proto.SysJoin), done: statusOnly},
		"spawn":  {min: 2, max: 3, trap: opSpawn, done: resultVar},
		"fork":   {min: 1, max: 1, trap: opFork, done: resultVar},
		"count":  {min: 1, max: 2, trap: opCount, done: resultVar},
		"tids":   {min: 1, max: 2, trap: opTaskIDs, done: tidsDone},
		"vm86":   {min: 2, max: 3, trap: opVm86, done: vm86Done},
		"lock":   {min: 1, max: 1, trap: opNumeric(proto.SysLock), done: statusOnly},
		"unlock": {min: 1, max: 1, trap: opNumeric(proto.SysUnlock), done: statusOnly},
		"raw":    {min: 1, max: 6, trap: opRaw, done: rawDone},
	}
}

// frameFor returns the interpreter frame of th, creating it on first run.
func (m *Machine) frameFor(th *kernel.Thread, st *kernel.CPUState) (*frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f := m.frames[th.ID]; f != nil {
		return f, nil
	}

	var f *frame
	if parent := proto.Tid(st.R[regForkParent]); th.Kind == proto.KindMain && parent != 0 {
		key := forkKey{parent: parent, seq: st.R[regForkSeq]}
		pf := m.forks[key]
		if pf == nil {
			return nil, fmt.Errorf("no fork record for thread %d (parent %d)", th.ID, parent)
		}
		delete(m.forks, key)
		f = pf.clone()
		f.forks = 0
		if n := m.slots[pf.pid]; m.slots[th.Process.ID] < n {
			m.slots[th.Process.ID] = n
		}
	} else {
		prog, ok := m.bundle.Program(th.Process.Image)
		if !ok {
			return nil, fmt.Errorf("no program %q", th.Process.Image)
		}
		f = &frame{
			prog:    prog,
			vars:    map[string]string{"arg": strconv.FormatUint(st.R[1], 10)},
			scratch: m.allocScratch(th.Process),
		}
	}
	f.pid = th.Process.ID
	m.frames[th.ID] = f
	return f, nil
}

func (m *Machine) allocScratch(p *kernel.Process) uint64 {
	n := uint64(len(p.Memory) / scratchBytes)
	if n == 0 {
		return 0
	}
	slot := m.slots[p.ID] % n
	m.slots[p.ID]++
	return slot * scratchBytes
}

// run executes th on core for at most budget instructions and returns how
// many were used. It returns early after entering the kernel.
func (m *Machine) run(core int, c *cpu, th *kernel.Thread, budget int) int {
	if th.Kind == proto.KindVm86 {
		m.bios(core, c, th)
		return 1
	}

	f, err := m.frameFor(th, &c.st)
	if err != nil {
		m.log.WriteLineString(fmt.Sprintf("machine: thread %s: %v", th, err))
		m.interrupt(core, c, proto.ExcInvalidOp)
		return 1
	}
	x := &exec{m: m, core: core, c: c, th: th, f: f}
	if in := f.pending; in != nil {
		f.pending = nil
		x.in = in
		if done := ops[in.Op].done; done != nil {
			done(x, in.Args)
		}
	}

	used := 0
	for used < budget {
		used++
		c.retired.Add(1)
		pc := int(c.st.PC)
		if pc >= len(f.prog.Code) {
			c.st.R[0] = uint64(proto.SysExit)
			m.interrupt(core, c, proto.VectorSyscall)
			return used
		}
		in := &f.prog.Code[pc]
		x.in = in
		o := ops[in.Op]
		args, err := x.expand(in.Args)
		if err == nil && o.local != nil {
			c.st.PC++
			err = o.local(x, args)
			if err == nil {
				continue
			}
		}
		if err != nil {
			m.log.WriteLineString(fmt.Sprintf("machine: %s:%d: thread %s: %v", f.prog.Name, in.Line, th, err))
			m.interrupt(core, c, proto.ExcInvalidOp)
			return used
		}
		if o.trap == nil {
			c.st.PC++
			m.interrupt(core, c, proto.ExcGeneralFault)
			return used
		}

		sc, err := o.trap(x, args)
		if err != nil {
			m.log.WriteLineString(fmt.Sprintf("machine: %s:%d: thread %s: %v", f.prog.Name, in.Line, th, err))
			m.interrupt(core, c, proto.ExcInvalidOp)
			return used
		}
		c.st.PC++
		if in.Op != "raw" {
			c.st.R[0] = uint64(sc)
		}
		f.pending = in
		if in.Op == "fork" {
			m.recordFork(th, f, c)
		}
		m.interrupt(core, c, proto.VectorSyscall)
		return used
	}
	return used
}

func (m *Machine) recordFork(th *kernel.Thread, f *frame, c *cpu) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.forks++
	c.st.R[regForkParent] = uint64(th.ID)
	c.st.R[regForkSeq] = f.forks
	m.forks[forkKey{parent: th.ID, seq: f.forks}] = f.clone()
}

// expand substitutes $variables.
func (x *exec) expand(args []string) ([]string, error) {
	out := make([]string, len(args))
	for i, a := range args {
		if !strings.HasPrefix(a, "$") || len(a) == 1 {
			out[i] = a
			continue
		}
		v, ok := x.f.vars[a[1:]]
		if !ok {
			return nil, fmt.Errorf("undefined variable %s", a)
		}
		out[i] = v
	}
	return out, nil
}

func number(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return n, nil
}

// put copies s into the outgoing buffer and returns its address and length.
func (x *exec) put(s string) (uint64, uint64, error) {
	if len(s) > sendBytes {
		// Pass the oversize length through so the kernel rejects it.
		return x.f.scratch + recvBytes, uint64(len(s)), nil
	}
	addr := x.f.scratch + recvBytes
	if addr+uint64(len(s)) > uint64(len(x.mem())) {
		return 0, 0, fmt.Errorf("process memory too small")
	}
	copy(x.mem()[addr:], s)
	return addr, uint64(len(s)), nil
}

// options parses trailing tx=N, nowait and break words.
func options(args []string) (tx uint64, flags uint64, err error) {
	for _, a := range args {
		switch {
		case a == "nowait":
			flags |= proto.FlagNonBlocking
		case a == "break":
			flags |= proto.FlagBreakable
		case strings.HasPrefix(a, "tx="):
			if tx, err = number(a[3:]); err != nil {
				return 0, 0, err
			}
		default:
			return 0, 0, fmt.Errorf("unknown option %q", a)
		}
	}
	return tx, flags, nil
}

func parseMask(args []string) (uint64, error) {
	if len(args) == 0 {
		return uint64(proto.KindAll), nil
	}
	var mask proto.ThreadKind
	for _, w := range strings.Split(args[0], "|") {
		switch w {
		case "main":
			mask |= proto.KindMain
		case "sub":
			mask |= proto.KindSub
		case "vm86":
			mask |= proto.KindVm86
		case "all":
			mask |= proto.KindAll
		default:
			n, err := number(w)
			if err != nil {
				return 0, err
			}
			mask |= proto.ThreadKind(n)
		}
	}
	return uint64(mask), nil
}

func opPrint(x *exec, args []string) error {
	x.m.log.WriteLineString(fmt.Sprintf("%s[%d]: %s", x.f.prog.Name, x.th.ID, strings.Join(args, " ")))
	return nil
}

func opSet(x *exec, args []string) error {
	x.f.vars[x.in.Args[0]] = args[1]
	return nil
}

func opJump(x *exec, args []string) error {
	x.c.st.PC = uint32(x.f.prog.Labels[args[0]])
	return nil
}

func opBranch(eq bool) func(*exec, []string) error {
	return func(x *exec, args []string) error {
		if (args[0] == args[1]) == eq {
			x.c.st.PC = uint32(x.f.prog.Labels[args[2]])
		}
		return nil
	}
}

func sys(sc proto.Syscall) func(*exec, []string) (proto.Syscall, error) {
	return func(*exec, []string) (proto.Syscall, error) { return sc, nil }
}

func opName(x *exec, args []string) (proto.Syscall, error) {
	addr, n, err := x.put(args[0])
	x.regs()[1], x.regs()[2] = addr, n
	return proto.SysRegisterIdentifier, err
}

// opString passes the second argument as a string; the first names the
// result variable.
func opString(sc proto.Syscall) func(*exec, []string) (proto.Syscall, error) {
	return func(x *exec, args []string) (proto.Syscall, error) {
		addr, n, err := x.put(args[1])
		x.regs()[1], x.regs()[2] = addr, n
		return sc, err
	}
}

func opNumeric(sc proto.Syscall) func(*exec, []string) (proto.Syscall, error) {
	return func(x *exec, args []string) (proto.Syscall, error) {
		n, err := number(args[0])
		x.regs()[1] = n
		return sc, err
	}
}

func opSend(x *exec, args []string) (proto.Syscall, error) {
	target, err := number(args[0])
	if err != nil {
		return 0, err
	}
	tx, flags, err := options(args[2:])
	if err != nil {
		return 0, err
	}
	addr, n, err := x.put(args[1])
	r := x.regs()
	r[1], r[2], r[3], r[4], r[5] = target, addr, n, tx, flags
	return proto.SysSend, err
}

func opReply(x *exec, args []string) (proto.Syscall, error) {
	sender, ok := x.f.vars["sender"]
	if !ok {
		return 0, fmt.Errorf("reply without a received message")
	}
	return opSend(x, []string{sender, args[0], "tx=" + x.f.vars["tx"]})
}

func sendDone(x *exec, _ []string) {
	x.f.vars["status"] = proto.SendStatus(x.regs()[0]).String()
}

func opRecv(x *exec, args []string) (proto.Syscall, error) {
	tx, flags, err := options(args[1:])
	if err != nil {
		return 0, err
	}
	if x.f.scratch+recvBytes > uint64(len(x.mem())) {
		return 0, fmt.Errorf("process memory too small")
	}
	r := x.regs()
	r[1], r[2], r[3], r[4] = x.f.scratch, recvBytes, tx, flags
	return proto.SysReceive, nil
}

func recvDone(x *exec, args []string) {
	r := x.regs()
	st := proto.ReceiveStatus(r[0])
	x.f.vars["status"] = st.String()
	if st != proto.ReceiveSuccessful {
		x.f.vars[args[0]] = ""
		return
	}
	buf := x.mem()[x.f.scratch : x.f.scratch+r[1]]
	h, payload, ok := proto.DecodeMessage(buf)
	if !ok {
		x.f.vars["status"] = proto.ReceiveFailed.String()
		return
	}
	x.f.vars[args[0]] = string(payload)
	x.f.vars["sender"] = strconv.FormatUint(uint64(h.Sender), 10)
	x.f.vars["tx"] = strconv.FormatUint(uint64(h.Transaction), 10)
}

func opSpawn(x *exec, args []string) (proto.Syscall, error) {
	var arg uint64
	if len(args) == 3 {
		var err error
		if arg, err = number(args[2]); err != nil {
			return 0, err
		}
	}
	r := x.regs()
	r[1], r[2] = uint64(x.f.prog.Labels[args[1]]), arg
	return proto.SysCreateThread, nil
}

func opFork(x *exec, _ []string) (proto.Syscall, error) {
	return proto.SysFork, nil
}

func opCount(x *exec, args []string) (proto.Syscall, error) {
	mask, err := parseMask(args[1:])
	x.regs()[1] = mask
	return proto.SysCount, err
}

func opTaskIDs(x *exec, args []string) (proto.Syscall, error) {
	mask, err := parseMask(args[1:])
	if err != nil {
		return 0, err
	}
	r := x.regs()
	r[1], r[2], r[3] = x.f.scratch+recvBytes, maxTaskIDs, mask
	return proto.SysTaskIDs, nil
}

func tidsDone(x *exec, args []string) {
	r := x.regs()
	x.f.vars["status"] = proto.Status(r[0]).String()
	if proto.Status(r[0]) != proto.StatusOK {
		x.f.vars[args[0]] = ""
		return
	}
	base := x.f.scratch + recvBytes
	ids := make([]string, r[1])
	for i := range ids {
		ids[i] = strconv.FormatUint(uint64(binary.LittleEndian.Uint32(x.mem()[base+uint64(i)*4:])), 10)
	}
	x.f.vars[args[0]] = strings.Join(ids, " ")
}

func opVm86(x *exec, args []string) (proto.Syscall, error) {
	service, err := number(args[1])
	if err != nil {
		return 0, err
	}
	var arg uint64
	if len(args) == 3 {
		if arg, err = number(args[2]); err != nil {
			return 0, err
		}
	}
	r := x.regs()
	r[1], r[2] = service, arg
	return proto.SysCallVm86, nil
}

func vm86Done(x *exec, args []string) {
	r := x.regs()
	x.f.vars["status"] = proto.Status(r[0]).String()
	x.f.vars[args[0]] = strconv.FormatUint(r[2], 10)
}

func opRaw(x *exec, args []string) (proto.Syscall, error) {
	r := x.regs()
	for i, a := range args {
		n, err := number(a)
		if err != nil {
			return 0, err
		}
		r[i] = n
	}
	return proto.Syscall(r[0]), nil
}

func rawDone(x *exec, _ []string) {
	x.f.vars["status"] = strconv.FormatUint(x.regs()[0], 10)
}

func statusOnly(x *exec, _ []string) {
	x.f.vars["status"] = proto.Status(x.regs()[0]).String()
}

// resultVar stores the status and the secondary result in the variable
// named by the first argument.
func resultVar(x *exec, args []string) {
	r := x.regs()
	x.f.vars["status"] = proto.Status(r[0]).String()
	x.f.vars[args[0]] = strconv.FormatUint(r[1], 10)
}
