package hvf

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// VMState is the lifecycle state of a VM handle.
type VMState int32

const (
	// VMStateCreated is the state between creation and destruction while no
	// vCPU is executing.
	VMStateCreated VMState = iota
	// VMStateRunning means at least one vCPU is inside Run.
	VMStateRunning
	// VMStateDestroyed is terminal.
	VMStateDestroyed
)

func (s VMState) String() string {
	switch s {
	case VMStateCreated:
		return "created"
	case VMStateRunning:
		return "running"
	case VMStateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// AllocationHandle identifies a VM-owned host buffer.
type AllocationHandle uint64

type allocation struct {
	handle AllocationHandle
	bytes  []byte // page-aligned view into the raw buffer
}

// VM represents exclusive ownership of one hypervisor VM instance. All
// structural operations (mapping, unmapping, protection changes, vCPU
// creation, destruction) are serialized against each other; vCPU execution
// on distinct vCPUs proceeds concurrently.
type VM struct {
	id     uuid.UUID
	native Native
	log    logr.Logger

	state   atomic.Int32
	running atomic.Int32 // vCPUs currently inside Run

	mu        sync.Mutex
	regions   *regionTable
	allocs    map[AllocationHandle]*allocation
	nextAlloc uint64
	vcpus     map[uint64]*VCPU
}

// Option configures a VM at creation time.
type Option func(*VM)

// WithNative substitutes the foreign-function layer. Intended for tests and
// alternative backends; the default calls Hypervisor.framework.
func WithNative(n Native) Option {
	return func(vm *VM) { vm.native = n }
}

// WithLogger attaches a structured logger. Defaults to logr.Discard.
func WithLogger(log logr.Logger) Option {
	return func(vm *VM) { vm.log = log }
}

// New creates the hypervisor VM for this process. The host capability is
// probed first so an absent entitlement or unsupported hardware surfaces as
// ErrUnavailable rather than an opaque native failure.
func New(opts ...Option) (*VM, error) {
	start := time.Now()

	vm := &VM{
		id:      uuid.New(),
		log:     logr.Discard(),
		regions: newRegionTable(),
		allocs:  make(map[AllocationHandle]*allocation),
		vcpus:   make(map[uint64]*VCPU),
	}
	for _, opt := range opts {
		opt(vm)
	}
	if vm.native == nil {
		vm.native = defaultNative()
	}

	ok, err := vm.native.Available()
	if err != nil {
		return nil, fmt.Errorf("hvf: probing hypervisor support: %w", err)
	}
	if !ok {
		return nil, ErrUnavailable
	}

	if err := vm.native.VMCreate(); err != nil {
		recordResourceError()
		return nil, fmt.Errorf("hvf: creating VM: %w", err)
	}
	vm.state.Store(int32(VMStateCreated))

	recordVMCreate(time.Since(start))
	vm.log.V(1).Info("created VM", "vm", vm.id)
	return vm, nil
}

// ID returns the instance identifier used in logs and metrics.
func (vm *VM) ID() uuid.UUID { return vm.id }

// State returns the current lifecycle state.
func (vm *VM) State() VMState { return VMState(vm.state.Load()) }

// PageSize returns the mapping granule of the underlying hypervisor.
func (vm *VM) PageSize() int { return vm.native.PageSize() }

func (vm *VM) destroyed() bool {
	return VMState(vm.state.Load()) == VMStateDestroyed
}

func (vm *VM) runStarted() {
	if vm.running.Add(1) == 1 {
		vm.state.CompareAndSwap(int32(VMStateCreated), int32(VMStateRunning))
	}
}

func (vm *VM) runFinished() {
	if vm.running.Add(-1) == 0 {
		vm.state.CompareAndSwap(int32(VMStateRunning), int32(VMStateCreated))
	}
}

func invalidArgf(format string, args ...any) error {
	return &Error{Kind: KindInvalidArgument, msg: "hvf: " + fmt.Sprintf(format, args...)}
}

func (vm *VM) pageAligned(v uint64) bool {
	return v%uint64(vm.native.PageSize()) == 0
}

// Map maps a host memory slice into the guest physical address space. The
// guest address and length must be page-aligned and the target range must
// not overlap an existing mapping. The caller keeps the slice alive for the
// lifetime of the mapping.
func (vm *VM) Map(host []byte, guestPhys uint64, perms MemPerm) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.mapLocked(host, guestPhys, perms, 0)
}

func (vm *VM) mapLocked(host []byte, guestPhys uint64, perms MemPerm, backing AllocationHandle) error {
	if vm.destroyed() {
		return ErrVMDestroyed
	}
	if len(host) == 0 {
		return invalidArgf("map requires a non-empty host buffer")
	}
	size := uint64(len(host))
	if guestPhys > ^uint64(0)-size {
		return invalidArgf("guest range 0x%x+%d would overflow", guestPhys, size)
	}
	if !perms.valid() {
		return fmt.Errorf("%w: 0x%x", ErrInvalidPerms, uint(perms))
	}
	if !vm.pageAligned(guestPhys) {
		return fmt.Errorf("%w: guestPhys 0x%x (page size %d)", ErrMisaligned, guestPhys, vm.native.PageSize())
	}
	if !vm.pageAligned(size) {
		return fmt.Errorf("%w: length %d (page size %d)", ErrMisaligned, size, vm.native.PageSize())
	}
	if c := vm.regions.conflicting(guestPhys, size); c != nil {
		return fmt.Errorf("%w: [0x%x, 0x%x) intersects [0x%x, 0x%x)",
			ErrRegionOverlap, guestPhys, guestPhys+size, c.GuestPhys, c.end())
	}

	if err := vm.native.Map(host, guestPhys, perms); err != nil {
		recordResourceError()
		return fmt.Errorf("hvf: mapping %d bytes at 0x%x: %w", size, guestPhys, err)
	}
	vm.regions.insert(&MemoryRegion{
		GuestPhys:  guestPhys,
		Size:       size,
		Perms:      perms,
		Allocation: backing,
		host:       host,
	})

	recordMapOperation()
	vm.log.V(2).Info("mapped region", "vm", vm.id, "guestPhys", guestPhys, "size", size)
	return nil
}

// Unmap removes a previously mapped region. The base and size must exactly
// match an existing mapping.
func (vm *VM) Unmap(guestPhys, size uint64) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.destroyed() {
		return ErrVMDestroyed
	}
	r := vm.regions.exact(guestPhys, size)
	if r == nil {
		return fmt.Errorf("%w: 0x%x+%d", ErrRegionNotMapped, guestPhys, size)
	}
	if err := vm.native.Unmap(guestPhys, size); err != nil {
		recordResourceError()
		return fmt.Errorf("hvf: unmapping 0x%x+%d: %w", guestPhys, size, err)
	}
	vm.regions.remove(r)

	recordUnmapOperation()
	vm.log.V(2).Info("unmapped region", "vm", vm.id, "guestPhys", guestPhys, "size", size)
	return nil
}

// Protect changes the permissions of an exactly matching mapped region.
func (vm *VM) Protect(guestPhys, size uint64, perms MemPerm) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.destroyed() {
		return ErrVMDestroyed
	}
	if !perms.valid() {
		return fmt.Errorf("%w: 0x%x", ErrInvalidPerms, uint(perms))
	}
	r := vm.regions.exact(guestPhys, size)
	if r == nil {
		return fmt.Errorf("%w: 0x%x+%d", ErrRegionNotMapped, guestPhys, size)
	}
	if err := vm.native.Protect(guestPhys, size, perms); err != nil {
		recordResourceError()
		return fmt.Errorf("hvf: protecting 0x%x+%d: %w", guestPhys, size, err)
	}
	r.Perms = perms

	recordProtectOperation()
	return nil
}

// Regions returns a snapshot of all current mappings in ascending base order.
func (vm *VM) Regions() []MemoryRegion {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.regions.snapshot()
}

// Allocate reserves a VM-owned, page-aligned host buffer of at least size
// bytes, rounded up to a page multiple. The buffer is freed when the VM is
// destroyed or the handle is deallocated.
func (vm *VM) Allocate(size uint64) (AllocationHandle, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.destroyed() {
		return 0, ErrVMDestroyed
	}
	if size == 0 {
		return 0, invalidArgf("allocation size must be non-zero")
	}
	ps := uint64(vm.native.PageSize())
	if size > ^uint64(0)-ps {
		return 0, invalidArgf("allocation size 0x%x too large", size)
	}
	size = (size + ps - 1) &^ (ps - 1)

	// Over-allocate by one page so a page-aligned view always exists.
	raw := make([]byte, size+ps)
	rem := uint64(uintptr(unsafe.Pointer(&raw[0]))) % ps
	off := (ps - rem) % ps

	vm.nextAlloc++
	handle := AllocationHandle(vm.nextAlloc)
	vm.allocs[handle] = &allocation{
		handle: handle,
		bytes:  raw[off : off+size],
	}
	return handle, nil
}

// AllocateFrom reserves a buffer and seeds it with a copy of data.
func (vm *VM) AllocateFrom(data []byte) (AllocationHandle, error) {
	handle, err := vm.Allocate(uint64(len(data)))
	if err != nil {
		return 0, err
	}
	vm.mu.Lock()
	if a, ok := vm.allocs[handle]; ok {
		copy(a.bytes, data)
	}
	vm.mu.Unlock()
	return handle, nil
}

// AllocationBytes returns the live backing buffer of an allocation. Writes
// through the returned slice are visible to the guest once mapped.
func (vm *VM) AllocationBytes(handle AllocationHandle) ([]byte, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.destroyed() {
		return nil, ErrVMDestroyed
	}
	a, ok := vm.allocs[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAllocation, handle)
	}
	return a.bytes, nil
}

// MapAllocation maps an allocation at the given guest physical address.
func (vm *VM) MapAllocation(handle AllocationHandle, guestPhys uint64, perms MemPerm) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.destroyed() {
		return ErrVMDestroyed
	}
	a, ok := vm.allocs[handle]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidAllocation, handle)
	}
	return vm.mapLocked(a.bytes, guestPhys, perms, handle)
}

// Deallocate releases an allocation. Fails while any mapping is still backed
// by it.
func (vm *VM) Deallocate(handle AllocationHandle) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.destroyed() {
		return ErrVMDestroyed
	}
	if _, ok := vm.allocs[handle]; !ok {
		return fmt.Errorf("%w: %d", ErrInvalidAllocation, handle)
	}
	if vm.regions.anyBackedBy(handle) {
		return fmt.Errorf("%w: %d", ErrAllocationMapped, handle)
	}
	delete(vm.allocs, handle)
	return nil
}

// NewVCPU creates a vCPU bound to this VM for its entire lifetime.
func (vm *VM) NewVCPU() (*VCPU, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.destroyed() {
		return nil, ErrVMDestroyed
	}
	id, err := vm.native.VCPUCreate()
	if err != nil {
		recordResourceError()
		return nil, fmt.Errorf("hvf: creating vCPU: %w", err)
	}
	c := &VCPU{vm: vm, id: id}
	vm.vcpus[id] = c

	recordVCPUCreate()
	vm.log.V(1).Info("created vCPU", "vm", vm.id, "vcpu", id)
	return c, nil
}

// RequestExitAll signals every live vCPU to return from an in-flight Run at
// its next safe point. Safe to call from any thread.
func (vm *VM) RequestExitAll() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.destroyed() {
		return ErrVMDestroyed
	}
	if len(vm.vcpus) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(vm.vcpus))
	for id := range vm.vcpus {
		ids = append(ids, id)
	}
	return vm.native.VCPUsExit(ids)
}

// Close destroys the VM and releases every native resource it owns: all
// vCPUs transition to Stopped and are destroyed, all regions are unmapped
// highest base address first, then the native VM is torn down. Idempotent.
//
// A native failure on the destruction path cannot be recovered without
// silently leaking the hypervisor resource, so it panics instead of
// returning an error.
func (vm *VM) Close() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.destroyed() {
		return nil
	}
	vm.state.Store(int32(VMStateDestroyed))

	if len(vm.vcpus) > 0 {
		ids := make([]uint64, 0, len(vm.vcpus))
		for id := range vm.vcpus {
			ids = append(ids, id)
		}
		// Unblock in-flight runs before waiting on their locks below.
		if err := vm.native.VCPUsExit(ids); err != nil {
			vm.log.Error(err, "request-exit during destroy", "vm", vm.id)
		}
	}
	for _, c := range vm.vcpus {
		c.mu.Lock()
		c.stopRequested.Store(true)
		if !c.released.Load() {
			if err := vm.native.VCPUDestroy(c.id); err != nil {
				c.mu.Unlock()
				panic(fmt.Sprintf("hvf: destroying vCPU %d during VM teardown: %v", c.id, err))
			}
			c.released.Store(true)
			recordVCPUDestroy()
		}
		c.mu.Unlock()
	}
	clear(vm.vcpus)

	for _, r := range vm.regions.descending() {
		if err := vm.native.Unmap(r.GuestPhys, r.Size); err != nil {
			panic(fmt.Sprintf("hvf: unmapping 0x%x+%d during VM teardown: %v", r.GuestPhys, r.Size, err))
		}
		vm.regions.remove(r)
		recordUnmapOperation()
	}
	clear(vm.allocs)

	if err := vm.native.VMDestroy(); err != nil {
		panic(fmt.Sprintf("hvf: destroying VM: %v", err))
	}

	recordVMDestroy()
	vm.log.V(1).Info("destroyed VM", "vm", vm.id)
	return nil
}

// closeVCPU backs VCPU.Close; the lock order is always vm.mu then vcpu.mu.
func (vm *VM) closeVCPU(c *VCPU) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released.Load() {
		return nil
	}
	c.stopRequested.Store(true)
	if err := vm.native.VCPUDestroy(c.id); err != nil {
		return fmt.Errorf("hvf: destroying vCPU %d: %w", c.id, err)
	}
	c.released.Store(true)
	delete(vm.vcpus, c.id)

	recordVCPUDestroy()
	vm.log.V(1).Info("destroyed vCPU", "vm", vm.id, "vcpu", c.id)
	return nil
}
