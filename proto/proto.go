package proto

// Tid identifies a thread. Zero is never assigned.
type Tid uint32

// Pid identifies a process. Zero is the kernel process.
type Pid uint32

// Tx is a message transaction identifier.
type Tx uint32

// TxNone marks an unfiltered receive or a message without a transaction.
const TxNone Tx = 0

// ThreadKind classifies a thread. Values are distinct bits so they can be
// combined into a selection mask for Count and TaskIDs.
type ThreadKind uint8

const (
	KindMain ThreadKind = 1 << iota
	KindSub
	KindVm86

	KindAll = KindMain | KindSub | KindVm86
)

func (k ThreadKind) String() string {
	switch k {
	case KindMain:
		return "main"
	case KindSub:
		return "sub"
	case KindVm86:
		return "vm86"
	default:
		return "unknown"
	}
}

// Matches reports whether k is selected by mask.
func (k ThreadKind) Matches(mask ThreadKind) bool {
	return k&mask != 0
}

// Security is a process privilege level. Lower is more privileged.
type Security uint8

const (
	SecurityKernel Security = iota
	SecurityDriver
	SecurityApplication
)

func (s Security) String() string {
	switch s {
	case SecurityKernel:
		return "kernel"
	case SecurityDriver:
		return "driver"
	case SecurityApplication:
		return "application"
	default:
		return "unknown"
	}
}

// ParseSecurity parses the names produced by Security.String.
func ParseSecurity(s string) (Security, bool) {
	switch s {
	case "kernel":
		return SecurityKernel, true
	case "driver":
		return SecurityDriver, true
	case "application", "":
		return SecurityApplication, true
	default:
		return SecurityApplication, false
	}
}

// Interrupt vectors of the host architecture.
const (
	// VectorIRQBase is the first vector that is not a CPU exception.
	VectorIRQBase uint8 = 0x20
	VectorTimer   uint8 = 0x20
	VectorSyscall uint8 = 0x80
)

// Exception vectors raised by the host architecture.
const (
	ExcDivide       uint8 = 0x00
	ExcInvalidOp    uint8 = 0x06
	ExcGeneralFault uint8 = 0x0d
	ExcPageFault    uint8 = 0x0e
)
