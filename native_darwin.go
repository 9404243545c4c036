//go:build darwin && arm64

package hvf

/*
#cgo darwin LDFLAGS: -framework Hypervisor
#include <Hypervisor/hv.h>
#include <Hypervisor/hv_error.h>
#include <Hypervisor/hv_vm.h>
#include <Hypervisor/hv_vm_config.h>
#include <Hypervisor/hv_base.h>
#include <Hypervisor/hv_vcpu.h>
#include <Hypervisor/hv_vcpu_config.h>
#include <Hypervisor/hv_vcpu_types.h>
#include <os/object.h>

#ifndef HV_MEMORY_READ
#define HV_MEMORY_READ (1<<0)
#endif
#ifndef HV_MEMORY_WRITE
#define HV_MEMORY_WRITE (1<<1)
#endif
#ifndef HV_MEMORY_EXEC
#define HV_MEMORY_EXEC (1<<2)
#endif

// Create and configure a VM with the default IPA size when the config API
// is available, falling back to a NULL config on older SDKs.
static hv_return_t go_hv_vm_create_with_cfg() {
#if __has_include(<Hypervisor/hv_vm_config.h>)
	hv_vm_config_t config = hv_vm_config_create();
	if (!config) {
		return HV_ERROR;
	}

	uint32_t default_ipa_size = 0;
	hv_return_t ret = hv_vm_config_get_default_ipa_size(&default_ipa_size);
	if (ret == HV_SUCCESS) {
		ret = hv_vm_config_set_ipa_size(config, default_ipa_size);
		if (ret != HV_SUCCESS) {
			os_release(config);
			return ret;
		}
	}

	ret = hv_vm_create(config);
	os_release(config);
	return ret;
#else
	return hv_vm_create(NULL);
#endif
}

static hv_return_t go_hv_vcpu_create(hv_vcpu_t *vcpu, hv_vcpu_exit_t **exit) {
	return hv_vcpu_create(vcpu, exit, NULL);
}

static int go_hv_flags(int r, int w, int x) {
	int flags = 0;
	if (r) flags |= HV_MEMORY_READ;
	if (w) flags |= HV_MEMORY_WRITE;
	if (x) flags |= HV_MEMORY_EXEC;
	return flags;
}

static hv_return_t go_hv_vm_map(void* addr, unsigned long long gpa, unsigned long long size, int flags) {
	return hv_vm_map(addr, gpa, (size_t)size, flags);
}

static hv_return_t go_hv_vm_unmap(unsigned long long gpa, unsigned long long size) {
	return hv_vm_unmap(gpa, (size_t)size);
}

static hv_return_t go_hv_vm_protect(unsigned long long gpa, unsigned long long size, int flags) {
	return hv_vm_protect(gpa, (size_t)size, flags);
}

// Raw exit categories mirrored into Go without relying on enum ordering:
// 0 unknown, 1 cancelled, 2 exception, 3 vtimer.
static void go_hv_exit_info(hv_vcpu_exit_t* exit, uint32_t* raw, uint64_t* esr, uint64_t* far) {
	*esr = 0;
	*far = 0;
	switch (exit->reason) {
	case HV_EXIT_REASON_CANCELED:
		*raw = 1;
		break;
	case HV_EXIT_REASON_EXCEPTION:
		*raw = 2;
		*esr = exit->exception.syndrome;
		*far = exit->exception.virtual_address;
		break;
	case HV_EXIT_REASON_VTIMER_ACTIVATED:
		*raw = 3;
		break;
	default:
		*raw = 0;
		break;
	}
}
*/
import "C"

import (
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	cachedPageSize int
	pageSizeOnce   sync.Once
)

func hostPageSize() int {
	pageSizeOnce.Do(func() {
		cachedPageSize = unix.Getpagesize()
	})
	return cachedPageSize
}

// Supported returns true if the hypervisor is available and accessible on
// this host.
func Supported() (bool, error) {
	supported, err := unix.SysctlUint32("kern.hv_support")
	if err != nil {
		return false, err
	}
	return supported != 0, nil
}

// hvNative is the production Native implementation backed by
// Hypervisor.framework. The framework allows a single VM per process; the
// guard here turns a second create into a typed error instead of an opaque
// HV_BUSY from the kernel.
type hvNative struct {
	mu     sync.Mutex
	active bool
	exits  map[uint64]*C.hv_vcpu_exit_t
}

func defaultNative() Native {
	return &hvNative{exits: make(map[uint64]*C.hv_vcpu_exit_t)}
}

func (n *hvNative) Available() (bool, error) {
	return Supported()
}

func (n *hvNative) VMCreate() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.active {
		return ErrVMAlreadyActive
	}
	if err := nativeErr("hv_vm_create", uint32(C.go_hv_vm_create_with_cfg())); err != nil {
		return err
	}
	n.active = true
	return nil
}

func (n *hvNative) VMDestroy() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.active {
		return nil
	}
	if err := nativeErr("hv_vm_destroy", uint32(C.hv_vm_destroy())); err != nil {
		return err
	}
	n.active = false
	return nil
}

func (n *hvNative) Map(host []byte, guestPhys uint64, perms MemPerm) error {
	ptr := unsafe.Pointer(&host[0])
	if uint64(uintptr(ptr))%uint64(hostPageSize()) != 0 {
		return ErrMisaligned
	}
	read, write, exec := 0, 0, 0
	if perms&MemRead != 0 {
		read = 1
	}
	if perms&MemWrite != 0 {
		write = 1
	}
	if perms&MemExec != 0 {
		exec = 1
	}
	flags := C.go_hv_flags(C.int(read), C.int(write), C.int(exec))
	ret := C.go_hv_vm_map(ptr, C.ulonglong(guestPhys), C.ulonglong(uint64(len(host))), flags)
	runtime.KeepAlive(host)
	return nativeErr("hv_vm_map", uint32(ret))
}

func (n *hvNative) Unmap(guestPhys, size uint64) error {
	return nativeErr("hv_vm_unmap", uint32(C.go_hv_vm_unmap(C.ulonglong(guestPhys), C.ulonglong(size))))
}

func (n *hvNative) Protect(guestPhys, size uint64, perms MemPerm) error {
	read, write, exec := 0, 0, 0
	if perms&MemRead != 0 {
		read = 1
	}
	if perms&MemWrite != 0 {
		write = 1
	}
	if perms&MemExec != 0 {
		exec = 1
	}
	flags := C.go_hv_flags(C.int(read), C.int(write), C.int(exec))
	return nativeErr("hv_vm_protect", uint32(C.go_hv_vm_protect(C.ulonglong(guestPhys), C.ulonglong(size), flags)))
}

func (n *hvNative) VCPUCreate() (uint64, error) {
	var vcpu C.hv_vcpu_t
	var exit *C.hv_vcpu_exit_t
	if err := nativeErr("hv_vcpu_create", uint32(C.go_hv_vcpu_create(&vcpu, &exit))); err != nil {
		return 0, err
	}
	n.mu.Lock()
	n.exits[uint64(vcpu)] = exit
	n.mu.Unlock()
	return uint64(vcpu), nil
}

func (n *hvNative) VCPUDestroy(id uint64) error {
	if err := nativeErr("hv_vcpu_destroy", uint32(C.hv_vcpu_destroy(C.hv_vcpu_t(id)))); err != nil {
		return err
	}
	n.mu.Lock()
	delete(n.exits, id)
	n.mu.Unlock()
	return nil
}

func (n *hvNative) VCPURun(id uint64) (ExitInfo, error) {
	if err := nativeErr("hv_vcpu_run", uint32(C.hv_vcpu_run(C.hv_vcpu_t(id)))); err != nil {
		return ExitInfo{}, err
	}
	n.mu.Lock()
	exit := n.exits[id]
	n.mu.Unlock()
	if exit == nil {
		return ExitInfo{Reason: ExitUnknown}, nil
	}
	var raw C.uint32_t
	var esr, far C.uint64_t
	C.go_hv_exit_info(exit, &raw, &esr, &far)
	return classifyExit(uint32(raw), uint64(esr), uint64(far)), nil
}

func (n *hvNative) VCPUsExit(ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	vcpus := make([]C.hv_vcpu_t, len(ids))
	for i, id := range ids {
		vcpus[i] = C.hv_vcpu_t(id)
	}
	return nativeErr("hv_vcpus_exit", uint32(C.hv_vcpus_exit(&vcpus[0], C.uint32_t(len(vcpus)))))
}

func (n *hvNative) GetReg(id uint64, r Reg) (uint64, error) {
	var val C.uint64_t
	var ret C.hv_return_t
	// SP is only reachable through the sys-reg API.
	if r == RegSP {
		ret = C.hv_vcpu_get_sys_reg(C.hv_vcpu_t(id), C.HV_SYS_REG_SP_EL0, &val)
	} else {
		ret = C.hv_vcpu_get_reg(C.hv_vcpu_t(id), regToHV(r), &val)
	}
	if err := nativeErr("hv_vcpu_get_reg", uint32(ret)); err != nil {
		return 0, err
	}
	return uint64(val), nil
}

func (n *hvNative) SetReg(id uint64, r Reg, v uint64) error {
	var ret C.hv_return_t
	if r == RegSP {
		ret = C.hv_vcpu_set_sys_reg(C.hv_vcpu_t(id), C.HV_SYS_REG_SP_EL0, C.uint64_t(v))
	} else {
		ret = C.hv_vcpu_set_reg(C.hv_vcpu_t(id), regToHV(r), C.uint64_t(v))
	}
	return nativeErr("hv_vcpu_set_reg", uint32(ret))
}

func (n *hvNative) GetSysReg(id uint64, r SysReg) (uint64, error) {
	var val C.uint64_t
	ret := C.hv_vcpu_get_sys_reg(C.hv_vcpu_t(id), sysRegToHV(r), &val)
	if err := nativeErr("hv_vcpu_get_sys_reg", uint32(ret)); err != nil {
		return 0, err
	}
	return uint64(val), nil
}

func (n *hvNative) SetSysReg(id uint64, r SysReg, v uint64) error {
	ret := C.hv_vcpu_set_sys_reg(C.hv_vcpu_t(id), sysRegToHV(r), C.uint64_t(v))
	return nativeErr("hv_vcpu_set_sys_reg", uint32(ret))
}

func (n *hvNative) SetPendingInterrupt(id uint64, t InterruptType, pending bool) error {
	it := C.HV_INTERRUPT_TYPE_IRQ
	if t == InterruptFIQ {
		it = C.HV_INTERRUPT_TYPE_FIQ
	}
	ret := C.hv_vcpu_set_pending_interrupt(C.hv_vcpu_t(id), C.hv_interrupt_type_t(it), C.bool(pending))
	return nativeErr("hv_vcpu_set_pending_interrupt", uint32(ret))
}

func (n *hvNative) PendingInterrupt(id uint64, t InterruptType) (bool, error) {
	it := C.HV_INTERRUPT_TYPE_IRQ
	if t == InterruptFIQ {
		it = C.HV_INTERRUPT_TYPE_FIQ
	}
	var pending C.bool
	ret := C.hv_vcpu_get_pending_interrupt(C.hv_vcpu_t(id), C.hv_interrupt_type_t(it), &pending)
	if err := nativeErr("hv_vcpu_get_pending_interrupt", uint32(ret)); err != nil {
		return false, err
	}
	return bool(pending), nil
}

func (n *hvNative) TrapDebugExceptions(id uint64) (bool, error) {
	var enabled C.bool
	ret := C.hv_vcpu_get_trap_debug_exceptions(C.hv_vcpu_t(id), &enabled)
	if err := nativeErr("hv_vcpu_get_trap_debug_exceptions", uint32(ret)); err != nil {
		return false, err
	}
	return bool(enabled), nil
}

func (n *hvNative) SetTrapDebugExceptions(id uint64, enable bool) error {
	ret := C.hv_vcpu_set_trap_debug_exceptions(C.hv_vcpu_t(id), C.bool(enable))
	return nativeErr("hv_vcpu_set_trap_debug_exceptions", uint32(ret))
}

func (n *hvNative) TrapDebugRegAccesses(id uint64) (bool, error) {
	var enabled C.bool
	ret := C.hv_vcpu_get_trap_debug_reg_accesses(C.hv_vcpu_t(id), &enabled)
	if err := nativeErr("hv_vcpu_get_trap_debug_reg_accesses", uint32(ret)); err != nil {
		return false, err
	}
	return bool(enabled), nil
}

func (n *hvNative) SetTrapDebugRegAccesses(id uint64, enable bool) error {
	ret := C.hv_vcpu_set_trap_debug_reg_accesses(C.hv_vcpu_t(id), C.bool(enable))
	return nativeErr("hv_vcpu_set_trap_debug_reg_accesses", uint32(ret))
}

func (n *hvNative) VTimerMask(id uint64) (bool, error) {
	var masked C.bool
	ret := C.hv_vcpu_get_vtimer_mask(C.hv_vcpu_t(id), &masked)
	if err := nativeErr("hv_vcpu_get_vtimer_mask", uint32(ret)); err != nil {
		return false, err
	}
	return bool(masked), nil
}

func (n *hvNative) SetVTimerMask(id uint64, masked bool) error {
	ret := C.hv_vcpu_set_vtimer_mask(C.hv_vcpu_t(id), C.bool(masked))
	return nativeErr("hv_vcpu_set_vtimer_mask", uint32(ret))
}

func (n *hvNative) VTimerOffset(id uint64) (uint64, error) {
	var off C.uint64_t
	ret := C.hv_vcpu_get_vtimer_offset(C.hv_vcpu_t(id), &off)
	if err := nativeErr("hv_vcpu_get_vtimer_offset", uint32(ret)); err != nil {
		return 0, err
	}
	return uint64(off), nil
}

func (n *hvNative) SetVTimerOffset(id uint64, offset uint64) error {
	ret := C.hv_vcpu_set_vtimer_offset(C.hv_vcpu_t(id), C.uint64_t(offset))
	return nativeErr("hv_vcpu_set_vtimer_offset", uint32(ret))
}

func (n *hvNative) ExecTime(id uint64) (uint64, error) {
	var t C.uint64_t
	ret := C.hv_vcpu_get_exec_time(C.hv_vcpu_t(id), &t)
	if err := nativeErr("hv_vcpu_get_exec_time", uint32(ret)); err != nil {
		return 0, err
	}
	return uint64(t), nil
}

func (n *hvNative) PageSize() int {
	return hostPageSize()
}

// regToHV maps Reg onto the framework's hv_reg_t constants. RegSP is handled
// separately through the sys-reg API.
func regToHV(r Reg) C.hv_reg_t {
	switch r {
	case RegX0:
		return C.HV_REG_X0
	case RegX1:
		return C.HV_REG_X1
	case RegX2:
		return C.HV_REG_X2
	case RegX3:
		return C.HV_REG_X3
	case RegX4:
		return C.HV_REG_X4
	case RegX5:
		return C.HV_REG_X5
	case RegX6:
		return C.HV_REG_X6
	case RegX7:
		return C.HV_REG_X7
	case RegX8:
		return C.HV_REG_X8
	case RegX9:
		return C.HV_REG_X9
	case RegX10:
		return C.HV_REG_X10
	case RegX11:
		return C.HV_REG_X11
	case RegX12:
		return C.HV_REG_X12
	case RegX13:
		return C.HV_REG_X13
	case RegX14:
		return C.HV_REG_X14
	case RegX15:
		return C.HV_REG_X15
	case RegX16:
		return C.HV_REG_X16
	case RegX17:
		return C.HV_REG_X17
	case RegX18:
		return C.HV_REG_X18
	case RegX19:
		return C.HV_REG_X19
	case RegX20:
		return C.HV_REG_X20
	case RegX21:
		return C.HV_REG_X21
	case RegX22:
		return C.HV_REG_X22
	case RegX23:
		return C.HV_REG_X23
	case RegX24:
		return C.HV_REG_X24
	case RegX25:
		return C.HV_REG_X25
	case RegX26:
		return C.HV_REG_X26
	case RegX27:
		return C.HV_REG_X27
	case RegX28:
		return C.HV_REG_X28
	case RegFP:
		return C.HV_REG_FP
	case RegLR:
		return C.HV_REG_LR
	case RegPC:
		return C.HV_REG_PC
	case RegFPCR:
		return C.HV_REG_FPCR
	case RegFPSR:
		return C.HV_REG_FPSR
	case RegCPSR:
		return C.HV_REG_CPSR
	default:
		return C.HV_REG_X0
	}
}

func sysRegToHV(r SysReg) C.hv_sys_reg_t {
	switch r {
	case SysRegSPEL0:
		return C.HV_SYS_REG_SP_EL0
	case SysRegSPEL1:
		return C.HV_SYS_REG_SP_EL1
	case SysRegESREL1:
		return C.HV_SYS_REG_ESR_EL1
	case SysRegFAREL1:
		return C.HV_SYS_REG_FAR_EL1
	case SysRegELREL1:
		return C.HV_SYS_REG_ELR_EL1
	case SysRegSPSREL1:
		return C.HV_SYS_REG_SPSR_EL1
	case SysRegVBAREL1:
		return C.HV_SYS_REG_VBAR_EL1
	case SysRegMAIREL1:
		return C.HV_SYS_REG_MAIR_EL1
	case SysRegTTBR0EL1:
		return C.HV_SYS_REG_TTBR0_EL1
	case SysRegTTBR1EL1:
		return C.HV_SYS_REG_TTBR1_EL1
	case SysRegSCTLREL1:
		return C.HV_SYS_REG_SCTLR_EL1
	case SysRegCNTVCTLEL0:
		return C.HV_SYS_REG_CNTV_CTL_EL0
	case SysRegCNTVCVALEL0:
		return C.HV_SYS_REG_CNTV_CVAL_EL0
	default:
		return C.HV_SYS_REG_SP_EL0
	}
}
