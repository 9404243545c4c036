//go:build !darwin || !arm64

package hvf

import "os"

// Supported returns false on platforms without Hypervisor.framework.
func Supported() (bool, error) {
	return false, nil
}

func hostPageSize() int {
	return os.Getpagesize()
}

// stubNative is the Native used where Hypervisor.framework does not exist.
// Every resource operation fails with a capability error; tests substitute
// their own Native instead.
type stubNative struct{}

func defaultNative() Native { return stubNative{} }

func (stubNative) Available() (bool, error) { return false, nil }

func (stubNative) VMCreate() error  { return ErrUnavailable }
func (stubNative) VMDestroy() error { return ErrUnavailable }

func (stubNative) Map(host []byte, guestPhys uint64, perms MemPerm) error {
	return ErrUnavailable
}

func (stubNative) Unmap(guestPhys, size uint64) error { return ErrUnavailable }

func (stubNative) Protect(guestPhys, size uint64, perms MemPerm) error {
	return ErrUnavailable
}

func (stubNative) VCPUCreate() (uint64, error) { return 0, ErrUnavailable }
func (stubNative) VCPUDestroy(id uint64) error { return ErrUnavailable }

func (stubNative) VCPURun(id uint64) (ExitInfo, error) {
	return ExitInfo{}, ErrUnavailable
}

func (stubNative) VCPUsExit(ids []uint64) error { return ErrUnavailable }

func (stubNative) GetReg(id uint64, r Reg) (uint64, error)       { return 0, ErrUnavailable }
func (stubNative) SetReg(id uint64, r Reg, v uint64) error       { return ErrUnavailable }
func (stubNative) GetSysReg(id uint64, r SysReg) (uint64, error) { return 0, ErrUnavailable }
func (stubNative) SetSysReg(id uint64, r SysReg, v uint64) error { return ErrUnavailable }

func (stubNative) PendingInterrupt(id uint64, t InterruptType) (bool, error) {
	return false, ErrUnavailable
}

func (stubNative) SetPendingInterrupt(id uint64, t InterruptType, pending bool) error {
	return ErrUnavailable
}

func (stubNative) TrapDebugExceptions(id uint64) (bool, error)     { return false, ErrUnavailable }
func (stubNative) SetTrapDebugExceptions(id uint64, e bool) error  { return ErrUnavailable }
func (stubNative) TrapDebugRegAccesses(id uint64) (bool, error)    { return false, ErrUnavailable }
func (stubNative) SetTrapDebugRegAccesses(id uint64, e bool) error { return ErrUnavailable }
func (stubNative) VTimerMask(id uint64) (bool, error)              { return false, ErrUnavailable }
func (stubNative) SetVTimerMask(id uint64, masked bool) error      { return ErrUnavailable }
func (stubNative) VTimerOffset(id uint64) (uint64, error)          { return 0, ErrUnavailable }
func (stubNative) SetVTimerOffset(id uint64, offset uint64) error  { return ErrUnavailable }
func (stubNative) ExecTime(id uint64) (uint64, error)              { return 0, ErrUnavailable }

func (stubNative) PageSize() int { return hostPageSize() }
