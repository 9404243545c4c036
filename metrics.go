package hvf

import (
	"sync/atomic"
	"time"
)

// Operation counters for monitoring hypervisor usage.
var (
	vmCreateCount     atomic.Uint64
	vmDestroyCount    atomic.Uint64
	vcpuCreateCount   atomic.Uint64
	vcpuDestroyCount  atomic.Uint64
	mapOperations     atomic.Uint64
	unmapOperations   atomic.Uint64
	protectOperations atomic.Uint64
	registerOps       atomic.Uint64
	runOperations     atomic.Uint64

	// Timing totals in nanoseconds.
	totalVMCreateTime atomic.Uint64
	totalRunTime      atomic.Uint64

	resourceErrors atomic.Uint64
)

// Metrics is a snapshot of the package-level operation counters.
type Metrics struct {
	VMCreated         uint64 `json:"vm_created"`
	VMDestroyed       uint64 `json:"vm_destroyed"`
	VCPUCreated       uint64 `json:"vcpu_created"`
	VCPUDestroyed     uint64 `json:"vcpu_destroyed"`
	MapOperations     uint64 `json:"map_operations"`
	UnmapOperations   uint64 `json:"unmap_operations"`
	ProtectOperations uint64 `json:"protect_operations"`
	RegisterOps       uint64 `json:"register_operations"`
	RunOperations     uint64 `json:"run_operations"`
	AvgVMCreateTimeNs uint64 `json:"avg_vm_create_time_ns"`
	AvgRunTimeNs      uint64 `json:"avg_run_time_ns"`
	ResourceErrors    uint64 `json:"resource_errors"`
}

// GetMetrics returns the current counters.
func GetMetrics() Metrics {
	vmCreated := vmCreateCount.Load()
	runOps := runOperations.Load()

	var avgVMCreate, avgRun uint64
	if vmCreated > 0 {
		avgVMCreate = totalVMCreateTime.Load() / vmCreated
	}
	if runOps > 0 {
		avgRun = totalRunTime.Load() / runOps
	}

	return Metrics{
		VMCreated:         vmCreated,
		VMDestroyed:       vmDestroyCount.Load(),
		VCPUCreated:       vcpuCreateCount.Load(),
		VCPUDestroyed:     vcpuDestroyCount.Load(),
		MapOperations:     mapOperations.Load(),
		UnmapOperations:   unmapOperations.Load(),
		ProtectOperations: protectOperations.Load(),
		RegisterOps:       registerOps.Load(),
		RunOperations:     runOps,
		AvgVMCreateTimeNs: avgVMCreate,
		AvgRunTimeNs:      avgRun,
		ResourceErrors:    resourceErrors.Load(),
	}
}

// ResetMetrics clears all counters.
func ResetMetrics() {
	vmCreateCount.Store(0)
	vmDestroyCount.Store(0)
	vcpuCreateCount.Store(0)
	vcpuDestroyCount.Store(0)
	mapOperations.Store(0)
	unmapOperations.Store(0)
	protectOperations.Store(0)
	registerOps.Store(0)
	runOperations.Store(0)
	totalVMCreateTime.Store(0)
	totalRunTime.Store(0)
	resourceErrors.Store(0)
}

func recordVMCreate(duration time.Duration) {
	vmCreateCount.Add(1)
	totalVMCreateTime.Add(uint64(duration.Nanoseconds()))
}

func recordVMDestroy() {
	vmDestroyCount.Add(1)
}

func recordVCPUCreate() {
	vcpuCreateCount.Add(1)
}

func recordVCPUDestroy() {
	vcpuDestroyCount.Add(1)
}

func recordMapOperation() {
	mapOperations.Add(1)
}

func recordUnmapOperation() {
	unmapOperations.Add(1)
}

func recordProtectOperation() {
	protectOperations.Add(1)
}

func recordRegisterOp() {
	registerOps.Add(1)
}

func recordRun(duration time.Duration) {
	runOperations.Add(1)
	totalRunTime.Add(uint64(duration.Nanoseconds()))
}

func recordResourceError() {
	resourceErrors.Add(1)
}
