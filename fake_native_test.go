package hvf

import (
	"sync"
	"testing"
	"time"
)

// fakeNative is an in-memory Native used to exercise the handle layer's
// locking and bookkeeping without hardware or entitlements. It mirrors the
// kernel's view of mappings and vCPUs so tests can assert that nothing
// leaks and that the region table never drifts out of sync.
type fakeNative struct {
	mu sync.Mutex

	pagesize  int
	available bool
	availErr  error

	createErr     error
	vcpuCreateErr error

	vmLive     bool
	vmCreates  int
	vmDestroys int

	maps     map[uint64]uint64 // base -> size
	protects int

	nextVCPU uint64
	vcpus    map[uint64]*fakeVCPU
}

type fakeVCPU struct {
	regs    map[Reg]uint64
	sysRegs map[SysReg]uint64

	pending       map[InterruptType]bool
	trapDebugExc  bool
	trapDebugRegs bool
	vtimerMasked  bool
	vtimerOffset  uint64
	execTime      uint64

	// exit carries a sticky request-exit signal: a buffered send makes the
	// current or next run return ExitCancelled, matching hv_vcpus_exit.
	exit chan struct{}

	// runGate, when non-nil, blocks run until the gate is signaled or an
	// exit is requested. runDelay stalls run for a fixed time instead.
	runGate  chan struct{}
	runDelay time.Duration

	// runStarted is signaled (non-blocking) when a run begins.
	runStarted chan struct{}

	// script is consumed one entry per completed run; runApply is written
	// to the register file at the end of each completed run.
	script   []ExitInfo
	runApply RegBatch
}

func newFakeNative() *fakeNative {
	return &fakeNative{
		pagesize:  0x4000,
		available: true,
		maps:      make(map[uint64]uint64),
		vcpus:     make(map[uint64]*fakeVCPU),
	}
}

func (f *fakeNative) Available() (bool, error) {
	return f.available, f.availErr
}

func (f *fakeNative) VMCreate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if f.vmLive {
		return ErrVMAlreadyActive
	}
	f.vmLive = true
	f.vmCreates++
	return nil
}

func (f *fakeNative) VMDestroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.vmLive {
		return nativeErr("hv_vm_destroy", HV_BAD_ARGUMENT)
	}
	f.vmLive = false
	f.vmDestroys++
	return nil
}

func (f *fakeNative) Map(host []byte, guestPhys uint64, perms MemPerm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for base, size := range f.maps {
		if base < guestPhys+uint64(len(host)) && guestPhys < base+size {
			return nativeErr("hv_vm_map", HV_BAD_ARGUMENT)
		}
	}
	f.maps[guestPhys] = uint64(len(host))
	return nil
}

func (f *fakeNative) Unmap(guestPhys, size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.maps[guestPhys] != size {
		return nativeErr("hv_vm_unmap", HV_BAD_ARGUMENT)
	}
	delete(f.maps, guestPhys)
	return nil
}

func (f *fakeNative) Protect(guestPhys, size uint64, perms MemPerm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.maps[guestPhys] != size {
		return nativeErr("hv_vm_protect", HV_BAD_ARGUMENT)
	}
	f.protects++
	return nil
}

func (f *fakeNative) VCPUCreate() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vcpuCreateErr != nil {
		return 0, f.vcpuCreateErr
	}
	f.nextVCPU++
	id := f.nextVCPU
	f.vcpus[id] = &fakeVCPU{
		regs:    make(map[Reg]uint64),
		sysRegs: make(map[SysReg]uint64),
		pending: make(map[InterruptType]bool),
		exit:    make(chan struct{}, 1),
	}
	return id, nil
}

func (f *fakeNative) VCPUDestroy(id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vcpus[id]; !ok {
		return nativeErr("hv_vcpu_destroy", HV_BAD_ARGUMENT)
	}
	delete(f.vcpus, id)
	return nil
}

func (f *fakeNative) vcpu(id uint64) (*fakeVCPU, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vcpus[id]
	if !ok {
		return nil, nativeErr("hv_vcpu", HV_BAD_ARGUMENT)
	}
	return v, nil
}

func (f *fakeNative) VCPURun(id uint64) (ExitInfo, error) {
	v, err := f.vcpu(id)
	if err != nil {
		return ExitInfo{}, err
	}

	f.mu.Lock()
	gate := v.runGate
	delay := v.runDelay
	started := v.runStarted
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}

	// A pending request-exit cancels the run before it does anything.
	select {
	case <-v.exit:
		return ExitInfo{Reason: ExitCancelled}, nil
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-v.exit:
			return ExitInfo{Reason: ExitCancelled}, nil
		}
	} else if delay > 0 {
		select {
		case <-time.After(delay):
		case <-v.exit:
			return ExitInfo{Reason: ExitCancelled}, nil
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for r, val := range v.runApply {
		v.regs[r] = val
	}
	clear(v.pending)
	v.execTime += 100
	if len(v.script) > 0 {
		info := v.script[0]
		v.script = v.script[1:]
		return info, nil
	}
	return ExitInfo{Reason: ExitUnknown}, nil
}

func (f *fakeNative) VCPUsExit(ids []uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if v, ok := f.vcpus[id]; ok {
			select {
			case v.exit <- struct{}{}:
			default:
			}
		}
	}
	return nil
}

func (f *fakeNative) GetReg(id uint64, r Reg) (uint64, error) {
	v, err := f.vcpu(id)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return v.regs[r], nil
}

func (f *fakeNative) SetReg(id uint64, r Reg, val uint64) error {
	v, err := f.vcpu(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v.regs[r] = val
	return nil
}

func (f *fakeNative) GetSysReg(id uint64, r SysReg) (uint64, error) {
	v, err := f.vcpu(id)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return v.sysRegs[r], nil
}

func (f *fakeNative) SetSysReg(id uint64, r SysReg, val uint64) error {
	v, err := f.vcpu(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v.sysRegs[r] = val
	return nil
}

func (f *fakeNative) PendingInterrupt(id uint64, t InterruptType) (bool, error) {
	v, err := f.vcpu(id)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return v.pending[t], nil
}

func (f *fakeNative) SetPendingInterrupt(id uint64, t InterruptType, pending bool) error {
	v, err := f.vcpu(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v.pending[t] = pending
	return nil
}

func (f *fakeNative) TrapDebugExceptions(id uint64) (bool, error) {
	v, err := f.vcpu(id)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return v.trapDebugExc, nil
}

func (f *fakeNative) SetTrapDebugExceptions(id uint64, enable bool) error {
	v, err := f.vcpu(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v.trapDebugExc = enable
	return nil
}

func (f *fakeNative) TrapDebugRegAccesses(id uint64) (bool, error) {
	v, err := f.vcpu(id)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return v.trapDebugRegs, nil
}

func (f *fakeNative) SetTrapDebugRegAccesses(id uint64, enable bool) error {
	v, err := f.vcpu(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v.trapDebugRegs = enable
	return nil
}

func (f *fakeNative) VTimerMask(id uint64) (bool, error) {
	v, err := f.vcpu(id)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return v.vtimerMasked, nil
}

func (f *fakeNative) SetVTimerMask(id uint64, masked bool) error {
	v, err := f.vcpu(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v.vtimerMasked = masked
	return nil
}

func (f *fakeNative) VTimerOffset(id uint64) (uint64, error) {
	v, err := f.vcpu(id)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return v.vtimerOffset, nil
}

func (f *fakeNative) SetVTimerOffset(id uint64, offset uint64) error {
	v, err := f.vcpu(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v.vtimerOffset = offset
	return nil
}

func (f *fakeNative) ExecTime(id uint64) (uint64, error) {
	v, err := f.vcpu(id)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return v.execTime, nil
}

func (f *fakeNative) PageSize() int { return f.pagesize }

func (f *fakeNative) liveVMs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vmLive {
		return 1
	}
	return 0
}

func (f *fakeNative) liveVCPUs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.vcpus)
}

func (f *fakeNative) mappedRegions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.maps)
}

// setScript schedules exit reasons for subsequent runs of a vCPU.
func (f *fakeNative) setScript(id uint64, script ...ExitInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vcpus[id].script = script
}

// setRunEffect makes each completed run write the given registers.
func (f *fakeNative) setRunEffect(id uint64, batch RegBatch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vcpus[id].runApply = batch
}

func (f *fakeNative) setRunGate(id uint64, gate, started chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vcpus[id].runGate = gate
	f.vcpus[id].runStarted = started
}

func (f *fakeNative) setRunDelay(id uint64, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vcpus[id].runDelay = d
}

// newTestVM builds a VM over a fresh fakeNative and closes it on cleanup.
func newTestVM(t *testing.T) (*VM, *fakeNative) {
	t.Helper()
	fake := newFakeNative()
	vm, err := New(WithNative(fake))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = vm.Close() })
	return vm, fake
}
