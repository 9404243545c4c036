package hvf

// MemPerm represents guest memory permissions.
type MemPerm uint

const (
	MemRead  MemPerm = 1 << 0
	MemWrite MemPerm = 1 << 1
	MemExec  MemPerm = 1 << 2
)

func (p MemPerm) valid() bool {
	return p != 0 && p&^(MemRead|MemWrite|MemExec) == 0
}

// InterruptType selects an ARM interrupt line.
type InterruptType int

const (
	InterruptIRQ InterruptType = iota
	InterruptFIQ
)

// ExitReason categorizes vCPU exits.
type ExitReason int

const (
	// ExitUnknown is an unexpected exit.
	ExitUnknown ExitReason = iota
	// ExitCancelled means the run was interrupted by a request-exit signal.
	ExitCancelled
	// ExitException is a guest exception other than a memory abort.
	ExitException
	// ExitMemoryFault is a data or instruction abort; FAR holds the faulting
	// guest address.
	ExitMemoryFault
	// ExitVTimerActivated means the virtual timer entered the pending state.
	ExitVTimerActivated
)

func (r ExitReason) String() string {
	switch r {
	case ExitCancelled:
		return "cancelled"
	case ExitException:
		return "exception"
	case ExitMemoryFault:
		return "memory fault"
	case ExitVTimerActivated:
		return "vtimer activated"
	default:
		return "unknown"
	}
}

// ExitInfo captures why a vCPU's run returned control to the host.
type ExitInfo struct {
	Reason ExitReason `json:"reason"`
	ESR    uint64     `json:"esr"`
	FAR    uint64     `json:"far"`
}

// Raw exit categories as reported by the native layer, before ESR decoding.
const (
	rawExitUnknown uint32 = iota
	rawExitCancelled
	rawExitException
	rawExitVTimer
)

// ESR_EL2 exception classes for guest memory aborts.
const (
	ecInstrAbortLowerEL = 0x20
	ecInstrAbortSameEL  = 0x21
	ecDataAbortLowerEL  = 0x24
	ecDataAbortSameEL   = 0x25
)

// classifyExit refines a raw exit category into an ExitReason, splitting
// memory aborts out of the generic exception class via the ESR.
func classifyExit(raw uint32, esr, far uint64) ExitInfo {
	info := ExitInfo{ESR: esr, FAR: far}
	switch raw {
	case rawExitCancelled:
		info.Reason = ExitCancelled
	case rawExitVTimer:
		info.Reason = ExitVTimerActivated
	case rawExitException:
		switch esr >> 26 & 0x3f {
		case ecInstrAbortLowerEL, ecInstrAbortSameEL,
			ecDataAbortLowerEL, ecDataAbortSameEL:
			info.Reason = ExitMemoryFault
		default:
			info.Reason = ExitException
		}
	default:
		info.Reason = ExitUnknown
	}
	return info
}

// Native is the raw foreign-function layer underneath VM and VCPU. The
// production implementation calls Hypervisor.framework through cgo; tests
// substitute their own so the ownership and locking discipline can be
// exercised without hardware or entitlements.
//
// Implementations translate every native return code through the package
// error taxonomy. They do not provide any serialization of their own; VM
// and VCPU own all locking.
type Native interface {
	// Available reports whether the host can create VMs at all.
	Available() (bool, error)

	VMCreate() error
	VMDestroy() error

	Map(host []byte, guestPhys uint64, perms MemPerm) error
	Unmap(guestPhys, size uint64) error
	Protect(guestPhys, size uint64, perms MemPerm) error

	VCPUCreate() (uint64, error)
	VCPUDestroy(id uint64) error
	// VCPURun blocks the calling thread until the guest yields control.
	VCPURun(id uint64) (ExitInfo, error)
	// VCPUsExit signals the given vCPUs to return from an in-flight run at
	// their next safe point. Safe to call from any thread.
	VCPUsExit(ids []uint64) error

	GetReg(id uint64, r Reg) (uint64, error)
	SetReg(id uint64, r Reg, v uint64) error
	GetSysReg(id uint64, r SysReg) (uint64, error)
	SetSysReg(id uint64, r SysReg, v uint64) error

	PendingInterrupt(id uint64, t InterruptType) (bool, error)
	SetPendingInterrupt(id uint64, t InterruptType, pending bool) error
	TrapDebugExceptions(id uint64) (bool, error)
	SetTrapDebugExceptions(id uint64, enable bool) error
	TrapDebugRegAccesses(id uint64) (bool, error)
	SetTrapDebugRegAccesses(id uint64, enable bool) error
	VTimerMask(id uint64) (bool, error)
	SetVTimerMask(id uint64, masked bool) error
	VTimerOffset(id uint64) (uint64, error)
	SetVTimerOffset(id uint64, offset uint64) error
	ExecTime(id uint64) (uint64, error)

	// PageSize returns the granule all mapping addresses and sizes must be
	// aligned to.
	PageSize() int
}
