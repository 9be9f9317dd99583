package proto

// Syscall is the request code passed in R0 on a syscall interrupt.
//
// Register convention: R0 carries the code on entry and the status on
// return, R1..R5 carry arguments and R1 a secondary result.
type Syscall uint16

const (
	SysYield Syscall = iota
	SysExit
	SysGetTid
	SysSend
	SysReceive
	SysCancelReceive
	SysCreateThread
	SysFork
	SysRegisterIdentifier
	SysRegisterServer
	SysGetServer
	SysTaskByIdentifier
	SysCount
	SysTaskIDs
	SysSleep
	SysJoin
	SysCallVm86
	SysVm86Done
	SysLock
	SysUnlock

	SyscallCount
)

func (s Syscall) String() string {
	switch s {
	case SysYield:
		return "yield"
	case SysExit:
		return "exit"
	case SysGetTid:
		return "get_tid"
	case SysSend:
		return "send"
	case SysReceive:
		return "receive"
	case SysCancelReceive:
		return "cancel_receive"
	case SysCreateThread:
		return "create_thread"
	case SysFork:
		return "fork"
	case SysRegisterIdentifier:
		return "register_identifier"
	case SysRegisterServer:
		return "register_server"
	case SysGetServer:
		return "get_server"
	case SysTaskByIdentifier:
		return "task_by_identifier"
	case SysCount:
		return "count"
	case SysTaskIDs:
		return "task_ids"
	case SysSleep:
		return "sleep"
	case SysJoin:
		return "join"
	case SysCallVm86:
		return "call_vm86"
	case SysVm86Done:
		return "vm86_done"
	case SysLock:
		return "lock"
	case SysUnlock:
		return "unlock"
	default:
		return "unknown"
	}
}

// Flags accepted by SysSend and SysReceive.
const (
	// FlagNonBlocking returns QueueFull/QueueEmpty instead of blocking.
	FlagNonBlocking uint64 = 1 << iota
	// FlagBreakable lets another thread interrupt a blocked receive.
	FlagBreakable
)

// Status is the generic result of syscalls that are neither send nor receive.
type Status uint8

const (
	StatusOK Status = iota
	StatusFailed
	StatusNotFound
	StatusNotPermitted
	StatusExists
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusNotFound:
		return "not found"
	case StatusNotPermitted:
		return "not permitted"
	case StatusExists:
		return "exists"
	default:
		return "unknown"
	}
}
