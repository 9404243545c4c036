package hvf

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounting(t *testing.T) {
	ResetMetrics()

	vm, _ := newTestVM(t)
	vcpu, err := vm.NewVCPU()
	require.NoError(t, err)

	host := make([]byte, 0x4000)
	require.NoError(t, vm.Map(host, 0x4000, MemRead|MemWrite))
	require.NoError(t, vm.Protect(0x4000, 0x4000, MemRead))
	require.NoError(t, vm.Unmap(0x4000, 0x4000))

	require.NoError(t, vcpu.SetReg(RegX0, 7))
	_, err = vcpu.GetReg(RegX0)
	require.NoError(t, err)

	_, err = vcpu.Run()
	require.NoError(t, err)

	m := GetMetrics()
	assert.Equal(t, uint64(1), m.VMCreated)
	assert.Equal(t, uint64(1), m.VCPUCreated)
	assert.Equal(t, uint64(1), m.MapOperations)
	assert.Equal(t, uint64(1), m.ProtectOperations)
	assert.Equal(t, uint64(1), m.UnmapOperations)
	assert.Equal(t, uint64(2), m.RegisterOps)
	assert.Equal(t, uint64(1), m.RunOperations)
	assert.NotZero(t, m.AvgVMCreateTimeNs)

	require.NoError(t, vm.Close())
	m = GetMetrics()
	assert.Equal(t, uint64(1), m.VMDestroyed)
	assert.Equal(t, uint64(1), m.VCPUDestroyed)
}

func TestMetricsResourceErrors(t *testing.T) {
	ResetMetrics()

	fake := newFakeNative()
	fake.createErr = nativeErr("hv_vm_create", HV_NO_RESOURCES)
	_, err := New(WithNative(fake))
	require.Error(t, err)
	assert.Equal(t, KindResourceExhausted, KindOf(err))
	assert.Equal(t, uint64(1), GetMetrics().ResourceErrors)
}

func TestMetricsReset(t *testing.T) {
	ResetMetrics()

	vm, _ := newTestVM(t)
	_ = vm
	require.NotZero(t, GetMetrics().VMCreated)

	ResetMetrics()
	assert.Equal(t, Metrics{}, GetMetrics())
}

func TestCollector(t *testing.T) {
	ResetMetrics()
	c := NewCollector()

	assert.Equal(t, 11, testutil.CollectAndCount(c))

	vm, _ := newTestVM(t)
	require.NoError(t, vm.Map(make([]byte, 0x4000), 0, MemRead))

	expected := `
# HELP hvf_vm_created_total Number of hypervisor VMs created.
# TYPE hvf_vm_created_total counter
hvf_vm_created_total 1
# HELP hvf_map_operations_total Number of successful guest memory map operations.
# TYPE hvf_map_operations_total counter
hvf_map_operations_total 1
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"hvf_vm_created_total", "hvf_map_operations_total")
	assert.NoError(t, err)
}
