package hvf

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// RunState is the execution state of a vCPU handle.
type RunState int

const (
	// RunStateIdle means the vCPU is not executing guest code.
	RunStateIdle RunState = iota
	// RunStateRunning means a Run call is in flight.
	RunStateRunning
	// RunStateStopped is terminal, entered on VM destruction or an explicit
	// Stop. A stopped vCPU can never run again.
	RunStateStopped
)

func (s RunState) String() string {
	switch s {
	case RunStateIdle:
		return "idle"
	case RunStateRunning:
		return "running"
	case RunStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// VCPU represents one virtual CPU bound to a VM for its entire lifetime.
//
// Run occupies its calling thread until the guest yields control; register
// access from another thread queues behind it rather than interleaving. Use
// RequestExit or Stop to make a blocked Run return at its next safe point.
type VCPU struct {
	vm *VM
	id uint64

	// mu serializes Run against register access and against Close. It is
	// never acquired on the request-exit path, which must stay callable
	// while Run holds the lock.
	mu sync.Mutex

	inRun         atomic.Bool
	stopRequested atomic.Bool
	released      atomic.Bool
}

// ID returns the native vCPU identifier.
func (c *VCPU) ID() uint64 { return c.id }

// VM returns the owning VM handle.
func (c *VCPU) VM() *VM { return c.vm }

// State returns the current run state.
func (c *VCPU) State() RunState {
	switch {
	case c.released.Load() || c.stopRequested.Load():
		return RunStateStopped
	case c.inRun.Load():
		return RunStateRunning
	default:
		return RunStateIdle
	}
}

func (c *VCPU) usable() error {
	if c.released.Load() || c.stopRequested.Load() {
		return ErrVCPUStopped
	}
	if c.vm.destroyed() {
		return ErrVMDestroyed
	}
	return nil
}

// Run executes the vCPU until the guest yields control through a trap, an
// I/O request, a fault or a request-exit signal. It blocks the calling
// thread for the duration; no other operation on this handle proceeds
// concurrently.
func (c *VCPU) Run() (ExitInfo, error) {
	start := time.Now()
	defer func() {
		recordRun(time.Since(start))
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return ExitInfo{}, err
	}

	c.inRun.Store(true)
	c.vm.runStarted()
	info, err := c.vm.native.VCPURun(c.id)
	c.vm.runFinished()
	c.inRun.Store(false)

	if err != nil {
		recordResourceError()
		return ExitInfo{}, fmt.Errorf("hvf: running vCPU %d: %w", c.id, err)
	}
	return info, nil
}

// RequestExit signals an in-flight Run to return at its next safe point.
// Safe to call from any thread; a no-op when the vCPU is idle.
func (c *VCPU) RequestExit() error {
	if c.released.Load() {
		return ErrVCPUStopped
	}
	return c.vm.native.VCPUsExit([]uint64{c.id})
}

// Stop transitions the vCPU to its terminal Stopped state and unblocks an
// in-flight Run. Safe to call from any thread. Idempotent.
func (c *VCPU) Stop() error {
	if c.stopRequested.Swap(true) || c.released.Load() {
		return nil
	}
	return c.vm.native.VCPUsExit([]uint64{c.id})
}

// GetReg reads a general register. Serialized against Run.
func (c *VCPU) GetReg(r Reg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getRegLocked(r)
}

func (c *VCPU) getRegLocked(r Reg) (uint64, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	if !r.valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidRegister, int(r))
	}
	v, err := c.vm.native.GetReg(c.id, r)
	if err != nil {
		return 0, fmt.Errorf("hvf: reading %s: %w", r, err)
	}
	recordRegisterOp()
	return v, nil
}

// SetReg writes a general register. Serialized against Run.
func (c *VCPU) SetReg(r Reg, v uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setRegLocked(r, v)
}

func (c *VCPU) setRegLocked(r Reg, v uint64) error {
	if err := c.usable(); err != nil {
		return err
	}
	if !r.valid() {
		return fmt.Errorf("%w: %d", ErrInvalidRegister, int(r))
	}
	if err := c.vm.native.SetReg(c.id, r, v); err != nil {
		return fmt.Errorf("hvf: writing %s: %w", r, err)
	}
	recordRegisterOp()
	return nil
}

// GetRegs reads a set of registers as one consistent snapshot: the lock is
// held across the whole batch, so a concurrent Run observes either all
// values from before or all from after, never a mix.
func (c *VCPU) GetRegs(regs []Reg) (RegBatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch := make(RegBatch, len(regs))
	for _, r := range regs {
		v, err := c.getRegLocked(r)
		if err != nil {
			return nil, err
		}
		batch[r] = v
	}
	return batch, nil
}

// SetRegs writes a set of registers atomically with respect to Run.
func (c *VCPU) SetRegs(batch RegBatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for r, v := range batch {
		if err := c.setRegLocked(r, v); err != nil {
			return err
		}
	}
	return nil
}

// GetPC returns the program counter.
func (c *VCPU) GetPC() (uint64, error) { return c.GetReg(RegPC) }

// SetPC sets the program counter.
func (c *VCPU) SetPC(v uint64) error { return c.SetReg(RegPC, v) }

// GetSysReg reads a system register. Serialized against Run.
func (c *VCPU) GetSysReg(r SysReg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return 0, err
	}
	if !r.valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidRegister, int(r))
	}
	v, err := c.vm.native.GetSysReg(c.id, r)
	if err != nil {
		return 0, fmt.Errorf("hvf: reading %s: %w", r, err)
	}
	recordRegisterOp()
	return v, nil
}

// SetSysReg writes a system register. Serialized against Run.
func (c *VCPU) SetSysReg(r SysReg, v uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	if !r.valid() {
		return fmt.Errorf("%w: %d", ErrInvalidRegister, int(r))
	}
	if err := c.vm.native.SetSysReg(c.id, r, v); err != nil {
		return fmt.Errorf("hvf: writing %s: %w", r, err)
	}
	recordRegisterOp()
	return nil
}

// SetPendingInterrupt marks an interrupt line pending. Pending interrupts
// are cleared by the framework after each run and must be set up again
// before the next Run call.
func (c *VCPU) SetPendingInterrupt(t InterruptType, pending bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	if err := c.vm.native.SetPendingInterrupt(c.id, t, pending); err != nil {
		return fmt.Errorf("hvf: setting pending interrupt: %w", err)
	}
	return nil
}

// PendingInterrupt reports whether an interrupt of the given type is pending.
func (c *VCPU) PendingInterrupt(t InterruptType) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return false, err
	}
	pending, err := c.vm.native.PendingInterrupt(c.id, t)
	if err != nil {
		return false, fmt.Errorf("hvf: reading pending interrupt: %w", err)
	}
	return pending, nil
}

// TrapDebugExceptions reports whether guest debug exceptions trap to the host.
func (c *VCPU) TrapDebugExceptions() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return false, err
	}
	enabled, err := c.vm.native.TrapDebugExceptions(c.id)
	if err != nil {
		return false, fmt.Errorf("hvf: reading debug exception traps: %w", err)
	}
	return enabled, nil
}

// SetTrapDebugExceptions controls whether guest debug exceptions trap to the
// host instead of being handled by the guest.
func (c *VCPU) SetTrapDebugExceptions(enable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	if err := c.vm.native.SetTrapDebugExceptions(c.id, enable); err != nil {
		return fmt.Errorf("hvf: setting debug exception traps: %w", err)
	}
	return nil
}

// TrapDebugRegAccesses reports whether guest accesses to debug registers trap
// to the host.
func (c *VCPU) TrapDebugRegAccesses() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return false, err
	}
	enabled, err := c.vm.native.TrapDebugRegAccesses(c.id)
	if err != nil {
		return false, fmt.Errorf("hvf: reading debug register traps: %w", err)
	}
	return enabled, nil
}

// SetTrapDebugRegAccesses controls whether guest accesses to debug registers
// trap to the host.
func (c *VCPU) SetTrapDebugRegAccesses(enable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	if err := c.vm.native.SetTrapDebugRegAccesses(c.id, enable); err != nil {
		return fmt.Errorf("hvf: setting debug register traps: %w", err)
	}
	return nil
}

// VTimerMask reports whether the virtual timer is masked.
func (c *VCPU) VTimerMask() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return false, err
	}
	masked, err := c.vm.native.VTimerMask(c.id)
	if err != nil {
		return false, fmt.Errorf("hvf: reading vtimer mask: %w", err)
	}
	return masked, nil
}

// SetVTimerMask masks or unmasks the virtual timer.
func (c *VCPU) SetVTimerMask(masked bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	if err := c.vm.native.SetVTimerMask(c.id, masked); err != nil {
		return fmt.Errorf("hvf: setting vtimer mask: %w", err)
	}
	return nil
}

// VTimerOffset returns the virtual timer offset (CNTVOFF_EL2).
func (c *VCPU) VTimerOffset() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return 0, err
	}
	off, err := c.vm.native.VTimerOffset(c.id)
	if err != nil {
		return 0, fmt.Errorf("hvf: reading vtimer offset: %w", err)
	}
	return off, nil
}

// SetVTimerOffset sets the virtual timer offset (CNTVOFF_EL2).
func (c *VCPU) SetVTimerOffset(offset uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	if err := c.vm.native.SetVTimerOffset(c.id, offset); err != nil {
		return fmt.Errorf("hvf: setting vtimer offset: %w", err)
	}
	return nil
}

// ExecTime returns the cumulative guest execution time of this vCPU in
// mach_absolute_time units.
func (c *VCPU) ExecTime() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return 0, err
	}
	t, err := c.vm.native.ExecTime(c.id)
	if err != nil {
		return 0, fmt.Errorf("hvf: reading exec time: %w", err)
	}
	return t, nil
}

// Close destroys this vCPU and removes it from the VM. Unblocks an in-flight
// Run first. Idempotent; a no-op after the owning VM is destroyed.
func (c *VCPU) Close() error {
	if c.released.Load() {
		return nil
	}
	c.stopRequested.Store(true)
	// Best effort: a Run blocked in the guest has to come back before the
	// native handle can be torn down.
	_ = c.vm.native.VCPUsExit([]uint64{c.id})
	return c.vm.closeVCPU(c)
}
