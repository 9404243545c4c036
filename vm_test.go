package hvf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewUnavailableHost(t *testing.T) {
	fake := newFakeNative()
	fake.available = false

	_, err := New(WithNative(fake))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, fake.vmCreates, "native create must not be attempted on an unavailable host")
}

func TestNewNativeFailure(t *testing.T) {
	fake := newFakeNative()
	fake.createErr = nativeErr("hv_vm_create", HV_NO_RESOURCES)

	_, err := New(WithNative(fake))
	require.Error(t, err)
	assert.Equal(t, KindResourceExhausted, KindOf(err))
}

func TestCreateDestroyCycles(t *testing.T) {
	// Repeated create/destroy cycles must not exhaust native handles.
	fake := newFakeNative()
	for i := 0; i < 50; i++ {
		vm, err := New(WithNative(fake))
		require.NoError(t, err, "cycle %d", i)

		vcpu, err := vm.NewVCPU()
		require.NoError(t, err, "cycle %d", i)

		buf := make([]byte, fake.pagesize)
		require.NoError(t, vm.Map(buf, 0x10000, MemRead|MemWrite), "cycle %d", i)

		require.NoError(t, vm.Close(), "cycle %d", i)
		assert.Equal(t, RunStateStopped, vcpu.State())
	}
	assert.Equal(t, 0, fake.liveVMs())
	assert.Equal(t, 0, fake.liveVCPUs())
	assert.Equal(t, 0, fake.mappedRegions())
}

func TestCloseIdempotent(t *testing.T) {
	vm, fake := newTestVM(t)

	require.NoError(t, vm.Close())
	require.NoError(t, vm.Close())
	require.NoError(t, vm.Close())

	assert.Equal(t, 1, fake.vmDestroys, "native destroy must run exactly once")
	assert.Equal(t, VMStateDestroyed, vm.State())
}

func TestOperationsAfterClose(t *testing.T) {
	vm, _ := newTestVM(t)
	buf := make([]byte, vm.PageSize())
	require.NoError(t, vm.Map(buf, 0x4000, MemRead))
	require.NoError(t, vm.Close())

	assert.ErrorIs(t, vm.Map(buf, 0x10000, MemRead), ErrVMDestroyed)
	assert.ErrorIs(t, vm.Unmap(0x4000, uint64(len(buf))), ErrVMDestroyed)
	assert.ErrorIs(t, vm.Protect(0x4000, uint64(len(buf)), MemRead), ErrVMDestroyed)
	_, err := vm.NewVCPU()
	assert.ErrorIs(t, err, ErrVMDestroyed)
	_, err = vm.Allocate(1)
	assert.ErrorIs(t, err, ErrVMDestroyed)
	assert.ErrorIs(t, vm.RequestExitAll(), ErrVMDestroyed)
}

func TestMapValidation(t *testing.T) {
	vm, fake := newTestVM(t)
	ps := uint64(fake.pagesize)
	page := make([]byte, ps)

	tests := []struct {
		name      string
		host      []byte
		guestPhys uint64
		perms     MemPerm
		sentinel  error
	}{
		{"empty buffer", nil, 0x4000, MemRead, nil},
		{"zero perms", page, 0x4000, 0, ErrInvalidPerms},
		{"stray perm bits", page, 0x4000, MemPerm(1 << 5), ErrInvalidPerms},
		{"misaligned base", page, 0x4001, MemRead, ErrMisaligned},
		{"misaligned length", page[:100], 0x4000, MemRead, ErrMisaligned},
		{"overflowing range", page, ^uint64(0) - ps/2, MemRead, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := vm.Map(tt.host, tt.guestPhys, tt.perms)
			require.Error(t, err)
			assert.Equal(t, KindInvalidArgument, KindOf(err))
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			}
		})
	}
	assert.Equal(t, 0, fake.mappedRegions(), "rejected maps must not reach the native layer")
}

func TestMapOverlapRejected(t *testing.T) {
	vm, fake := newTestVM(t)
	ps := uint64(fake.pagesize)

	first := make([]byte, 2*ps)
	second := make([]byte, 2*ps)

	require.NoError(t, vm.Map(first, 4*ps, MemRead|MemWrite))

	overlapping := []uint64{
		4 * ps, // identical base
		5 * ps, // inside
		3 * ps, // straddles start
	}
	for _, base := range overlapping {
		err := vm.Map(second, base, MemRead)
		require.Error(t, err, "base %#x", base)
		assert.ErrorIs(t, err, ErrRegionOverlap, "base %#x", base)
	}

	// The first mapping stays intact after every rejection.
	regions := vm.Regions()
	require.Len(t, regions, 1)
	assert.Equal(t, 4*ps, regions[0].GuestPhys)
	assert.Equal(t, 2*ps, regions[0].Size)
	assert.Equal(t, 1, fake.mappedRegions())
}

func TestMapOrderIndependence(t *testing.T) {
	// Non-overlapping regions map successfully in either order.
	for name, order := range map[string][2]uint64{
		"low then high": {0x4000, 0x10000},
		"high then low": {0x10000, 0x4000},
	} {
		t.Run(name, func(t *testing.T) {
			vm, fake := newTestVM(t)
			for _, base := range order {
				buf := make([]byte, fake.pagesize)
				require.NoError(t, vm.Map(buf, base, MemRead))
			}
			assert.Len(t, vm.Regions(), 2)
		})
	}
}

func TestUnmapExactMatchOnly(t *testing.T) {
	vm, fake := newTestVM(t)
	ps := uint64(fake.pagesize)
	buf := make([]byte, 2*ps)

	require.NoError(t, vm.Map(buf, 4*ps, MemRead|MemWrite))

	// Never-mapped target.
	assert.ErrorIs(t, vm.Unmap(16*ps, ps), ErrRegionNotMapped)
	// Partial size does not match.
	assert.ErrorIs(t, vm.Unmap(4*ps, ps), ErrRegionNotMapped)

	require.NoError(t, vm.Unmap(4*ps, 2*ps))

	// No resurrection of a previously mapped region.
	assert.ErrorIs(t, vm.Unmap(4*ps, 2*ps), ErrRegionNotMapped)
	assert.Equal(t, 0, fake.mappedRegions())
}

func TestProtect(t *testing.T) {
	vm, fake := newTestVM(t)
	ps := uint64(fake.pagesize)
	buf := make([]byte, ps)

	require.NoError(t, vm.Map(buf, 4*ps, MemRead|MemWrite))
	require.NoError(t, vm.Protect(4*ps, ps, MemRead))

	regions := vm.Regions()
	require.Len(t, regions, 1)
	assert.Equal(t, MemRead, regions[0].Perms)
	assert.Equal(t, 1, fake.protects)

	assert.ErrorIs(t, vm.Protect(8*ps, ps, MemRead), ErrRegionNotMapped)
	err := vm.Protect(4*ps, ps, 0)
	assert.ErrorIs(t, err, ErrInvalidPerms)
}

func TestAllocationLifecycle(t *testing.T) {
	vm, fake := newTestVM(t)
	ps := uint64(fake.pagesize)

	handle, err := vm.Allocate(100) // rounded up to one page
	require.NoError(t, err)

	buf, err := vm.AllocationBytes(handle)
	require.NoError(t, err)
	assert.Equal(t, ps, uint64(len(buf)))

	require.NoError(t, vm.MapAllocation(handle, 4*ps, MemRead|MemWrite))

	// Still mapped: deallocation must fail and keep the allocation.
	assert.ErrorIs(t, vm.Deallocate(handle), ErrAllocationMapped)
	_, err = vm.AllocationBytes(handle)
	require.NoError(t, err)

	require.NoError(t, vm.Unmap(4*ps, ps))
	require.NoError(t, vm.Deallocate(handle))

	_, err = vm.AllocationBytes(handle)
	assert.ErrorIs(t, err, ErrInvalidAllocation)
	assert.ErrorIs(t, vm.Deallocate(handle), ErrInvalidAllocation)
}

func TestAllocateFrom(t *testing.T) {
	vm, _ := newTestVM(t)
	data := []byte{0xde, 0xad, 0xbe, 0xef}

	handle, err := vm.AllocateFrom(data)
	require.NoError(t, err)

	buf, err := vm.AllocationBytes(handle)
	require.NoError(t, err)
	assert.Equal(t, data, buf[:len(data)])
	assert.Equal(t, vm.PageSize(), len(buf))
}

func TestAllocateValidation(t *testing.T) {
	vm, _ := newTestVM(t)

	_, err := vm.Allocate(0)
	require.Error(t, err)
	assert.Equal(t, KindInvalidArgument, KindOf(err))

	err = vm.MapAllocation(AllocationHandle(42), 0x4000, MemRead)
	assert.ErrorIs(t, err, ErrInvalidAllocation)
}

func TestCloseUnmapsDescending(t *testing.T) {
	fake := newFakeNative()
	vm, err := New(WithNative(fake))
	require.NoError(t, err)

	ps := uint64(fake.pagesize)
	for _, base := range []uint64{4 * ps, 16 * ps, 8 * ps} {
		buf := make([]byte, ps)
		require.NoError(t, vm.Map(buf, base, MemRead))
	}

	require.NoError(t, vm.Close())
	assert.Equal(t, 0, fake.mappedRegions(), "destroy must leave no reachable mapped region")
	assert.Empty(t, vm.Regions())
}

func TestStateTransitions(t *testing.T) {
	vm, _ := newTestVM(t)
	assert.Equal(t, VMStateCreated, vm.State())
	require.NoError(t, vm.Close())
	assert.Equal(t, VMStateDestroyed, vm.State())
}
